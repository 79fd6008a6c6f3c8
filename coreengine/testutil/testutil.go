// Package testutil provides shared test doubles and fixtures for the
// coreengine packages and the transports.
//
// Every mock is safe for concurrent use and records its calls for
// assertions.
package testutil

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/shopspring/decimal"
)

// =============================================================================
// MOCK LLM PROVIDER
// =============================================================================

// MockLLMProvider implements llm.Provider. Replies are chosen by the first
// registered substring found in the prompt, else DefaultResponse.
type MockLLMProvider struct {
	// DefaultResponse is returned when no substring matches.
	DefaultResponse string

	// Delay simulates model latency. It honours context cancellation, so a
	// delay longer than the caller's timeout behaves like a timeout.
	Delay time.Duration

	// Error causes Complete to return this error.
	Error error

	// CompleteFunc replaces the canned behaviour when set.
	CompleteFunc func(ctx context.Context, prompt string, c llm.Constraints) (string, error)

	responses []cannedResponse
	calls     []LLMCall
	mu        sync.Mutex
}

type cannedResponse struct {
	substring string
	response  string
}

// LLMCall records a single completion call.
type LLMCall struct {
	Prompt      string
	Constraints llm.Constraints
}

// NewMockLLMProvider creates a MockLLMProvider that answers with plain text.
func NewMockLLMProvider() *MockLLMProvider {
	return &MockLLMProvider{DefaultResponse: "Mock answer."}
}

// Complete implements llm.Provider.
func (m *MockLLMProvider) Complete(ctx context.Context, prompt string, c llm.Constraints) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, LLMCall{Prompt: prompt, Constraints: c})
	customFunc := m.CompleteFunc
	delay, mockErr := m.Delay, m.Error
	responses := append([]cannedResponse(nil), m.responses...)
	def := m.DefaultResponse
	m.mu.Unlock()

	if customFunc != nil {
		return customFunc(ctx, prompt, c)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if mockErr != nil {
		return "", mockErr
	}
	for _, r := range responses {
		if strings.Contains(prompt, r.substring) {
			return r.response, nil
		}
	}
	return def, nil
}

// WithResponse answers prompts containing substring with response. Earlier
// registrations win.
func (m *MockLLMProvider) WithResponse(substring, response string) *MockLLMProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, cannedResponse{substring: substring, response: response})
	return m
}

// WithError configures the mock to fail every call.
func (m *MockLLMProvider) WithError(err error) *MockLLMProvider {
	m.Error = err
	return m
}

// WithDelay adds latency.
func (m *MockLLMProvider) WithDelay(d time.Duration) *MockLLMProvider {
	m.Delay = d
	return m
}

// GetCallCount returns the number of calls.
func (m *MockLLMProvider) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Calls returns a copy of the recorded calls.
func (m *MockLLMProvider) Calls() []LLMCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LLMCall(nil), m.calls...)
}

// Reset clears call history.
func (m *MockLLMProvider) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = nil
}

// =============================================================================
// MOCK STORES
// =============================================================================

// MockContextLoader serves fixed financial contexts per user.
type MockContextLoader struct {
	Contexts map[string]envelope.FinancialContext
	Error    error

	mu    sync.Mutex
	loads int
}

// NewMockContextLoader creates an empty loader.
func NewMockContextLoader() *MockContextLoader {
	return &MockContextLoader{Contexts: make(map[string]envelope.FinancialContext)}
}

// With sets userID's context.
func (m *MockContextLoader) With(userID string, fc envelope.FinancialContext) *MockContextLoader {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Contexts[userID] = fc
	return m
}

// LoadContext implements runtime.ContextLoader.
func (m *MockContextLoader) LoadContext(ctx context.Context, userID string) (envelope.FinancialContext, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.Error != nil {
		return envelope.FinancialContext{}, m.Error
	}
	return m.Contexts[userID], nil
}

// LoadCount returns how many times LoadContext ran.
func (m *MockContextLoader) LoadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads
}

// MockProfileStore keeps profiles in memory. Unknown users get an error
// wrapping store.ErrNotFound, like the real repository.
type MockProfileStore struct {
	SaveErr error

	mu       sync.Mutex
	profiles map[string]envelope.Profile
	saves    int
}

// NewMockProfileStore creates a store holding profiles.
func NewMockProfileStore(profiles ...envelope.Profile) *MockProfileStore {
	m := &MockProfileStore{profiles: make(map[string]envelope.Profile)}
	for _, p := range profiles {
		m.profiles[p.UserID] = p
	}
	return m
}

// GetProfile implements runtime.ProfileStore.
func (m *MockProfileStore) GetProfile(ctx context.Context, userID string) (envelope.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	if !ok {
		return envelope.Profile{}, fmt.Errorf("profile '%s': %w", userID, store.ErrNotFound)
	}
	return p, nil
}

// SaveProfile implements runtime.ProfileStore.
func (m *MockProfileStore) SaveProfile(ctx context.Context, p envelope.Profile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.SaveErr != nil {
		return m.SaveErr
	}
	m.saves++
	m.profiles[p.UserID] = p
	return nil
}

// Saved returns the stored profile and whether there is one.
func (m *MockProfileStore) Saved(userID string) (envelope.Profile, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[userID]
	return p, ok
}

// SaveCount returns how many saves succeeded.
func (m *MockProfileStore) SaveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// =============================================================================
// MOCK EVENT CONTEXT
// =============================================================================

// NodeEvent is a captured node lifecycle event.
type NodeEvent struct {
	Type       string
	RequestID  string
	Node       envelope.NodeID
	Order      int
	Status     string
	DurationMS int
	Error      error
}

// MockEventContext implements agents.EventContext and captures events.
type MockEventContext struct {
	mu     sync.Mutex
	events []NodeEvent
}

// NewMockEventContext creates a MockEventContext.
func NewMockEventContext() *MockEventContext {
	return &MockEventContext{}
}

// EmitNodeStarted records a started event.
func (m *MockEventContext) EmitNodeStarted(ctx context.Context, requestID string, node envelope.NodeID, order int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, NodeEvent{Type: "started", RequestID: requestID, Node: node, Order: order})
}

// EmitNodeCompleted records a completed event.
func (m *MockEventContext) EmitNodeCompleted(ctx context.Context, requestID string, node envelope.NodeID, status string, durationMS int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, NodeEvent{
		Type: "completed", RequestID: requestID, Node: node, Status: status, DurationMS: durationMS, Error: err,
	})
}

// GetEvents returns a copy of captured events.
func (m *MockEventContext) GetEvents() []NodeEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]NodeEvent(nil), m.events...)
}

// GetStartedNodes returns the names of started nodes in order.
func (m *MockEventContext) GetStartedNodes() []string {
	return m.names("started")
}

// GetCompletedNodes returns the names of completed nodes in order.
func (m *MockEventContext) GetCompletedNodes() []string {
	return m.names("completed")
}

func (m *MockEventContext) names(eventType string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.events {
		if e.Type == eventType {
			out = append(out, e.Node.String())
		}
	}
	return out
}

// =============================================================================
// MOCK LOGGER
// =============================================================================

// LogEntry represents a captured log entry.
type LogEntry struct {
	Level   string
	Message string
	Fields  map[string]any
}

// MockLogger implements logging.Logger and captures entries. Bound loggers
// share the parent's buffer.
type MockLogger struct {
	shared *logBuffer
	bound  []any
}

type logBuffer struct {
	mu   sync.Mutex
	logs []LogEntry
}

// NewMockLogger creates a MockLogger.
func NewMockLogger() *MockLogger {
	return &MockLogger{shared: &logBuffer{}}
}

func (m *MockLogger) Debug(msg string, keysAndValues ...any) { m.log("debug", msg, keysAndValues) }
func (m *MockLogger) Info(msg string, keysAndValues ...any)  { m.log("info", msg, keysAndValues) }
func (m *MockLogger) Warn(msg string, keysAndValues ...any)  { m.log("warn", msg, keysAndValues) }
func (m *MockLogger) Error(msg string, keysAndValues ...any) { m.log("error", msg, keysAndValues) }

// Bind returns a logger that adds fields to every entry.
func (m *MockLogger) Bind(fields ...any) logging.Logger {
	return &MockLogger{shared: m.shared, bound: append(append([]any(nil), m.bound...), fields...)}
}

func (m *MockLogger) log(level, msg string, keysAndValues []any) {
	all := append(append([]any(nil), m.bound...), keysAndValues...)
	fields := make(map[string]any, len(all)/2)
	for i := 0; i+1 < len(all); i += 2 {
		if key, ok := all[i].(string); ok {
			fields[key] = all[i+1]
		}
	}
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	m.shared.logs = append(m.shared.logs, LogEntry{Level: level, Message: msg, Fields: fields})
}

// GetLogs returns captured logs.
func (m *MockLogger) GetLogs() []LogEntry {
	m.shared.mu.Lock()
	defer m.shared.mu.Unlock()
	return append([]LogEntry(nil), m.shared.logs...)
}

// HasLog checks if a message was logged at level.
func (m *MockLogger) HasLog(level, message string) bool {
	for _, e := range m.GetLogs() {
		if e.Level == level && e.Message == message {
			return true
		}
	}
	return false
}

// =============================================================================
// FIXTURES
// =============================================================================

// Day returns midnight UTC.
func Day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Money parses a decimal literal and panics on a typo.
func Money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// ConsentedProfile is a profile with data consent and the given extras.
func ConsentedProfile(userID string, actionConsent, advancedOptIn bool) envelope.Profile {
	return envelope.Profile{
		UserID:        userID,
		Name:          "Test User",
		Age:           32,
		AnnualIncome:  Money("72000"),
		RiskTolerance: "moderate",
		DataConsent:   true,
		ActionConsent: actionConsent,
		AdvancedOptIn: advancedOptIn,
	}
}

var foodMerchants = []string{"Grocery Mart", "Corner Cafe", "Pizza Place", "Burger Barn"}

// FoodTransactions returns n food expenses spread over month plus one salary
// payment. Amounts are 10, 20, 30 and so on.
func FoodTransactions(month time.Time, n int) []envelope.Transaction {
	out := make([]envelope.Transaction, 0, n+1)
	out = append(out, envelope.Transaction{
		ID: 1, Date: month, Description: "Salary", Category: "Income",
		Amount: Money("6000"), TransactionType: envelope.TransactionIncome,
	})
	for i := 0; i < n; i++ {
		out = append(out, envelope.Transaction{
			ID:              int64(i + 2),
			Date:            month.AddDate(0, 0, i%27+1),
			Description:     foodMerchants[i%len(foodMerchants)],
			Category:        "Food & Dining",
			Amount:          decimal.NewFromInt(int64(-(i + 1) * 10)),
			TransactionType: envelope.TransactionExpense,
		})
	}
	return out
}

// StatementCSV builds a CSV statement with good rows and bad rows. Bad rows
// have an amount that does not parse.
func StatementCSV(good, bad int) []byte {
	var b strings.Builder
	b.WriteString("date,description,amount,category\n")
	for i := 0; i < good; i++ {
		fmt.Fprintf(&b, "2024-06-%02d,Grocery Mart,-%d.00,Food & Dining\n", i%28+1, i+1)
	}
	for i := 0; i < bad; i++ {
		fmt.Fprintf(&b, "2024-06-%02d,Mystery charge,not-a-number,\n", i%28+1)
	}
	return []byte(b.String())
}
