package envelope

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// RouterKey is the results slot where the router records its plan and notes.
// It cannot collide with a node name.
const RouterKey = "router"

// Processing record statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// ProcessingRecord is one node's start/complete entry in a turn.
type ProcessingRecord struct {
	Node        string     `json:"node"`
	Order       int        `json:"order"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int        `json:"duration_ms"`
	Status      string     `json:"status"`
	Error       *string    `json:"error,omitempty"`
	LLMCalls    int        `json:"llm_calls"`
}

// NodeError describes a node failure absorbed by the dispatcher.
type NodeError struct {
	Node      string    `json:"node"`
	Message   string    `json:"error"`
	Type      string    `json:"error_type"`
	Timestamp time.Time `json:"timestamp"`
}

// Contribution is what a node hands back to the dispatcher. The dispatcher is
// the only writer of Results and ToolsUsed.
type Contribution struct {
	Output any
	// Halt asks the dispatcher to skip the remaining nodes.
	Halt     bool
	LLMCalls int
}

// Section is implemented by node outputs that can describe themselves in the
// final response. A section must only talk about its own numbers.
type Section interface {
	Summary() string
}

// Suggester is implemented by node outputs that propose follow-up actions.
type Suggester interface {
	Suggestions() []string
}

// DroppedNode is a node the router removed from the requested sequence.
type DroppedNode struct {
	Node   NodeID `json:"node"`
	Reason string `json:"reason"`
}

// RoutePlan is the router's decision for one turn.
type RoutePlan struct {
	Sequence []NodeID      `json:"sequence"`
	Dropped  []DroppedNode `json:"dropped,omitempty"`
	Notes    []string      `json:"notes,omitempty"`
	Mode     Mode          `json:"mode"`
}

// Summary implements Section for the router notes.
func (p RoutePlan) Summary() string {
	return strings.Join(p.Notes, " ")
}

// =============================================================================
// RESULTS
// =============================================================================

// Results is an additive accumulator: a key can be set once and never
// replaced or removed.
type Results struct {
	entries map[string]any
	order   []string
}

func (r *Results) add(key string, value any) error {
	if key == "" {
		return fmt.Errorf("result key is required")
	}
	if r.entries == nil {
		r.entries = make(map[string]any)
	}
	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("result '%s' already recorded", key)
	}
	r.entries[key] = value
	r.order = append(r.order, key)
	return nil
}

// Get returns the value stored under key.
func (r *Results) Get(key string) (any, bool) {
	if r == nil {
		return nil, false
	}
	v, ok := r.entries[key]
	return v, ok
}

// Keys returns keys in insertion order.
func (r *Results) Keys() []string {
	if r == nil {
		return nil
	}
	return append([]string(nil), r.order...)
}

// Len returns the number of recorded results.
func (r *Results) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}

// =============================================================================
// STATE
// =============================================================================

// State is the record threaded through one turn. It is owned by the goroutine
// handling the turn and is never shared across turns.
type State struct {
	RequestID    string           `json:"request_id"`
	UserID       string           `json:"user_id"`
	Query        string           `json:"query"`
	Stage        Stage            `json:"stage"`
	Intent       Intent           `json:"intent"`
	Confidence   float64          `json:"confidence"`
	ClassifiedBy string           `json:"classified_by,omitempty"`
	Mode         Mode             `json:"mode"`
	Context      FinancialContext `json:"-"`
	Profile      Profile          `json:"-"`
	History      []ChatMessage    `json:"-"`
	// Statement is a raw tabular upload attached to this turn, if any.
	Statement      []byte    `json:"-"`
	ConsentGiven   bool      `json:"consent_given"`
	ShouldContinue bool      `json:"should_continue"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	RetryCount     int       `json:"retry_count"`
	ReceivedAt     time.Time `json:"received_at"`

	ProcessingHistory []ProcessingRecord `json:"processing_history"`
	Errors            []NodeError        `json:"errors,omitempty"`

	results   Results
	toolsUsed []string
}

// NewRequestID returns a fresh turn identifier.
func NewRequestID() string {
	return "req_" + uuid.New().String()[:16]
}

// NewState creates a fresh record for a turn.
func NewState(userID, query string) *State {
	return &State{
		RequestID:         NewRequestID(),
		UserID:            userID,
		Query:             query,
		Stage:             StageStarted,
		Intent:            IntentUnknown,
		Mode:              ModeAnalyze,
		ShouldContinue:    true,
		ReceivedAt:        time.Now().UTC(),
		ProcessingHistory: []ProcessingRecord{},
	}
}

// Commit records a completed node: its output goes into Results and its name
// is appended to ToolsUsed, both exactly once.
func (s *State) Commit(node NodeID, c Contribution) error {
	if !node.Valid() {
		return fmt.Errorf("invalid node id %d", int(node))
	}
	if err := s.results.add(node.String(), c.Output); err != nil {
		return err
	}
	s.toolsUsed = append(s.toolsUsed, node.String())
	if c.Halt {
		s.ShouldContinue = false
	}
	return nil
}

// Annotate stores a non-node result such as the router plan.
func (s *State) Annotate(key string, value any) error {
	if _, err := ParseNodeID(key); err == nil {
		return fmt.Errorf("'%s' is reserved for node output", key)
	}
	return s.results.add(key, value)
}

// Fail records a node failure. ToolsUsed is left unchanged.
func (s *State) Fail(node NodeID, errorType string, err error) {
	msg := fmt.Sprintf("%s: %v", node, err)
	s.ErrorMessage = msg
	s.Errors = append(s.Errors, NodeError{
		Node:      node.String(),
		Message:   err.Error(),
		Type:      errorType,
		Timestamp: time.Now().UTC(),
	})
}

// ToolsUsed returns a copy of the audit trail.
func (s *State) ToolsUsed() []string {
	return append([]string{}, s.toolsUsed...)
}

// Result returns the value stored under key.
func (s *State) Result(key string) (any, bool) {
	return s.results.Get(key)
}

// ResultKeys returns result keys in insertion order.
func (s *State) ResultKeys() []string {
	return s.results.Keys()
}

// Results returns a shallow copy of all results.
func (s *State) Results() map[string]any {
	out := make(map[string]any, s.results.Len())
	for _, k := range s.results.order {
		out[k] = s.results.entries[k]
	}
	return out
}

// Plan returns the router plan if one was recorded.
func (s *State) Plan() (RoutePlan, bool) {
	v, ok := s.results.Get(RouterKey)
	if !ok {
		return RoutePlan{}, false
	}
	plan, ok := v.(RoutePlan)
	return plan, ok
}

// RecordNodeStart appends a running entry to the processing history.
func (s *State) RecordNodeStart(node NodeID, order int) {
	s.ProcessingHistory = append(s.ProcessingHistory, ProcessingRecord{
		Node:      node.String(),
		Order:     order,
		StartedAt: time.Now().UTC(),
		Status:    StatusRunning,
	})
}

// RecordNodeComplete closes the last running entry for node.
func (s *State) RecordNodeComplete(node NodeID, status string, errorMsg *string, llmCalls int, durationMS int) {
	for i := len(s.ProcessingHistory) - 1; i >= 0; i-- {
		rec := &s.ProcessingHistory[i]
		if rec.Node == node.String() && rec.Status == StatusRunning {
			now := time.Now().UTC()
			rec.CompletedAt = &now
			rec.Status = status
			rec.Error = errorMsg
			rec.LLMCalls = llmCalls
			rec.DurationMS = durationMS
			return
		}
	}
}

// View returns the read-only projection handed to nodes.
func (s *State) View() View {
	return View{
		RequestID:    s.RequestID,
		UserID:       s.UserID,
		Query:        s.Query,
		Stage:        s.Stage,
		Intent:       s.Intent,
		Confidence:   s.Confidence,
		Mode:         s.Mode,
		Context:      s.Context,
		Profile:      s.Profile,
		History:      s.History,
		Statement:    s.Statement,
		ConsentGiven: s.ConsentGiven,
		ReceivedAt:   s.ReceivedAt,
		results:      &s.results,
	}
}

// =============================================================================
// VIEW
// =============================================================================

// View is what a node sees of the state. It exposes earlier results but no
// way to write them.
type View struct {
	RequestID    string
	UserID       string
	Query        string
	Stage        Stage
	Intent       Intent
	Confidence   float64
	Mode         Mode
	Context      FinancialContext
	Profile      Profile
	History      []ChatMessage
	Statement    []byte
	ConsentGiven bool
	ReceivedAt   time.Time

	results *Results
}

// Result returns an earlier node's output.
func (v View) Result(node NodeID) (any, bool) {
	return v.results.Get(node.String())
}

// ResultKeys returns the keys recorded so far.
func (v View) ResultKeys() []string {
	return v.results.Keys()
}

// ResultOf returns an earlier node's output typed as T.
func ResultOf[T any](v View, node NodeID) (T, bool) {
	var zero T
	raw, ok := v.Result(node)
	if !ok {
		return zero, false
	}
	typed, ok := raw.(T)
	return typed, ok
}
