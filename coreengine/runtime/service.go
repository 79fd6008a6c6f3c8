package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/intent"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/stage"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/synth"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("finrouter/runtime")

// Turn statuses reported in metrics and TurnCompleted.
const (
	TurnSuccess   = "success"
	TurnDegraded  = "degraded"
	TurnCancelled = "cancelled"
)

// =============================================================================
// COLLABORATORS
// =============================================================================

// ContextLoader loads a user's financial data for a turn.
type ContextLoader interface {
	LoadContext(ctx context.Context, userID string) (envelope.FinancialContext, error)
}

// ProfileStore reads and writes user profiles. GetProfile returns an error
// wrapping store.ErrNotFound for unknown users.
type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (envelope.Profile, error)
	SaveProfile(ctx context.Context, p envelope.Profile) error
}

// HistoryStore is the per-user conversation memory.
type HistoryStore interface {
	Append(ctx context.Context, userID string, msgs ...envelope.ChatMessage) error
	Recent(ctx context.Context, userID string, limit int) ([]envelope.ChatMessage, error)
	Clear(ctx context.Context, userID string) error
}

// IntentClassifier classifies a query. It never fails.
type IntentClassifier interface {
	Classify(ctx context.Context, query string, stage envelope.Stage) intent.Classification
}

// ActionExtractor finds a data-entry command in a chat message.
type ActionExtractor interface {
	Extract(ctx context.Context, message string) (*envelope.ProposedAction, error)
}

// CommandRunner applies confirmed commands.
type CommandRunner interface {
	Execute(ctx context.Context, toolName, userID string, params map[string]any) (map[string]any, error)
	Definitions() []tools.ToolDefinition
}

// ServiceDeps are the Service's collaborators. Config, Classifier and
// Registry are required; the rest degrade to no-ops when nil.
type ServiceDeps struct {
	Config     config.RouterConfig
	Loader     ContextLoader
	Profiles   ProfileStore
	History    HistoryStore
	Classifier IntentClassifier
	Registry   *agents.Registry
	Extractor  ActionExtractor
	Commands   CommandRunner
	Parser     agents.TabularParser
	Importer   Importer
	Bus        commbus.CommBus
	Logger     logging.Logger
}

// Service runs chat turns end to end: load, resolve the stage, classify,
// route, dispatch and synthesize. It is safe for concurrent use; every turn
// owns its own state.
type Service struct {
	cfg        config.RouterConfig
	loader     ContextLoader
	profiles   ProfileStore
	history    HistoryStore
	classifier IntentClassifier
	registry   *agents.Registry
	router     *Router
	dispatcher *Dispatcher
	executor   *agents.ActionExecutor
	extractor  ActionExtractor
	commands   CommandRunner
	parser     agents.TabularParser
	importer   Importer
	bus        commbus.CommBus
	logger     logging.Logger
	now        func() time.Time
}

// NewService validates the configuration and wires the router and
// dispatcher. With a bus it also registers the ClearHistory and
// GetRouteTable handlers.
func NewService(d ServiceDeps) (*Service, error) {
	if d.Classifier == nil || d.Registry == nil {
		return nil, fmt.Errorf("service needs a classifier and a node registry")
	}
	if err := d.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid router config: %w", err)
	}
	if d.Logger == nil {
		d.Logger = logging.NewNop()
	}
	router, err := NewRouter(d.Config, d.Logger)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        d.Config,
		loader:     d.Loader,
		profiles:   d.Profiles,
		history:    d.History,
		classifier: d.Classifier,
		registry:   d.Registry,
		router:     router,
		dispatcher: NewDispatcher(d.Registry, d.Logger),
		extractor:  d.Extractor,
		commands:   d.Commands,
		parser:     d.Parser,
		importer:   d.Importer,
		bus:        d.Bus,
		logger:     d.Logger.Bind("component", "service"),
		now:        func() time.Time { return time.Now().UTC() },
	}
	if node, ok := d.Registry.Get(envelope.NodeActionExecutor); ok {
		s.executor, _ = node.(*agents.ActionExecutor)
	}

	if s.bus != nil {
		s.dispatcher.SetEventContext(NewBusEvents(s.bus, d.Logger))
		if err := s.registerHandlers(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Service) registerHandlers() error {
	if s.history != nil {
		err := s.bus.RegisterHandler("ClearHistory", func(ctx context.Context, msg commbus.Message) (any, error) {
			cmd, ok := msg.(*commbus.ClearHistory)
			if !ok {
				return nil, fmt.Errorf("unexpected message %T", msg)
			}
			return nil, s.history.Clear(ctx, cmd.UserID)
		})
		if err != nil {
			return err
		}
	}
	err := s.bus.RegisterHandler("HealthCheckRequest", func(ctx context.Context, msg commbus.Message) (any, error) {
		return s.Health(ctx), nil
	})
	if err != nil {
		return err
	}
	return s.bus.RegisterHandler("GetRouteTable", func(context.Context, commbus.Message) (any, error) {
		return &commbus.RouteTableResponse{Routes: s.RouteTable()}, nil
	})
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Health pings the stores that support it. A failing profile store makes the
// service unhealthy; a failing history only degrades it.
func (s *Service) Health(ctx context.Context) *commbus.HealthCheckResponse {
	resp := &commbus.HealthCheckResponse{
		Component: "finrouter",
		Status:    commbus.HealthStatusHealthy,
		Details:   map[string]string{},
	}
	check := func(name string, dep any, failed commbus.HealthStatus) {
		p, ok := dep.(pinger)
		if !ok {
			return
		}
		if err := p.Ping(ctx); err != nil {
			resp.Details[name] = err.Error()
			if resp.Status != commbus.HealthStatusUnhealthy {
				resp.Status = failed
			}
			return
		}
		resp.Details[name] = "ok"
	}
	check("store", s.profiles, commbus.HealthStatusUnhealthy)
	check("history", s.history, commbus.HealthStatusDegraded)
	return resp
}

// RouteTable returns the effective intent table by name.
func (s *Service) RouteTable() map[string][]string {
	out := make(map[string][]string)
	for in, seq := range s.router.Table() {
		names := make([]string, len(seq))
		for i, id := range seq {
			names[i] = id.String()
		}
		out[in.String()] = names
	}
	return out
}

// =============================================================================
// CHAT
// =============================================================================

// ChatRequest is one user message.
type ChatRequest struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
	// RequestID lets a caller subscribe to the turn's events before it runs.
	// Empty means generate one.
	RequestID string `json:"request_id,omitempty"`
	// Statement is an optional CSV upload analysed in this turn only.
	Statement []byte `json:"-"`
}

// ChatResponse is the outcome of a turn.
type ChatResponse struct {
	RequestID      string                   `json:"request_id"`
	Response       string                   `json:"response"`
	Intent         string                   `json:"intent"`
	Stage          string                   `json:"stage"`
	Confidence     float64                  `json:"confidence"`
	ClassifiedBy   string                   `json:"classified_by"`
	Mode           string                   `json:"mode"`
	ToolsUsed      []string                 `json:"tools_used"`
	Results        map[string]any           `json:"results"`
	Suggestions    []string                 `json:"suggestions"`
	Notes          []string                 `json:"notes,omitempty"`
	Sections       []synth.Section          `json:"sections"`
	Error          *string                  `json:"error,omitempty"`
	ProposedAction *envelope.ProposedAction `json:"proposed_action,omitempty"`
}

// Chat runs one turn. It always returns a response with non-empty text;
// failures along the way are logged and degrade the answer instead.
func (s *Service) Chat(ctx context.Context, req ChatRequest) ChatResponse {
	st := envelope.NewState(req.UserID, req.Message)
	if req.RequestID != "" {
		st.RequestID = req.RequestID
	}
	st.Statement = req.Statement
	st.ReceivedAt = s.now()

	ctx, span := tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("finrouter.request.id", st.RequestID),
		attribute.String("finrouter.user.id", st.UserID),
	))
	defer span.End()

	startTime := time.Now()
	log := s.logger.Bind("request_id", st.RequestID, "user_id", st.UserID)

	s.load(ctx, st, log)
	s.resolveStage(ctx, st, log)
	st.ConsentGiven = st.Profile.ActionConsent

	c := s.classifier.Classify(ctx, st.Query, st.Stage)
	st.Intent, st.Confidence, st.ClassifiedBy = c.Intent, c.Confidence, string(c.Method)

	plan := s.router.Route(st)
	log.Info("turn_started",
		"stage", st.Stage.String(),
		"intent", st.Intent.String(),
		"confidence", st.Confidence,
		"classified_by", st.ClassifiedBy,
		"sequence", plan.Summary(),
	)
	s.publish(ctx, &commbus.TurnStarted{
		RequestID:  st.RequestID,
		UserID:     st.UserID,
		Stage:      st.Stage.String(),
		Intent:     st.Intent.String(),
		Confidence: st.Confidence,
		Mode:       string(plan.Mode),
		Sequence:   nodeNames(plan.Sequence),
	})
	span.SetAttributes(
		attribute.String("finrouter.intent", st.Intent.String()),
		attribute.String("finrouter.stage", st.Stage.String()),
	)

	s.dispatcher.Execute(ctx, st, plan)
	out := synth.Synthesize(st)

	resp := ChatResponse{
		RequestID:    st.RequestID,
		Response:     out.Text,
		Intent:       st.Intent.String(),
		Stage:        st.Stage.String(),
		Confidence:   st.Confidence,
		ClassifiedBy: st.ClassifiedBy,
		Mode:         string(st.Mode),
		ToolsUsed:    out.ToolsUsed,
		Results:      st.Results(),
		Suggestions:  out.Suggestions,
		Notes:        out.Notes,
		Sections:     out.Sections,
	}
	if st.ErrorMessage != "" {
		msg := st.ErrorMessage
		resp.Error = &msg
	}
	resp.ProposedAction = s.propose(ctx, st, log)
	s.remember(ctx, st, resp.Response, log)

	status := TurnSuccess
	switch {
	case ctx.Err() != nil:
		status = TurnCancelled
	case len(st.Errors) > 0:
		status = TurnDegraded
	}
	durationMS := int(time.Since(startTime).Milliseconds())
	observability.RecordTurn(st.Intent.String(), st.Stage.String(), status, durationMS)
	s.publish(ctx, &commbus.TurnCompleted{
		RequestID:  st.RequestID,
		UserID:     st.UserID,
		Status:     status,
		ToolsUsed:  resp.ToolsUsed,
		DurationMS: durationMS,
		Error:      resp.Error,
	})
	log.Info("turn_completed", "status", status, "tools_used", resp.ToolsUsed, "duration_ms", durationMS)
	return resp
}

// load fills the profile, financial context and history. Each is optional:
// a failure leaves the zero value and the turn goes on.
func (s *Service) load(ctx context.Context, st *envelope.State, log logging.Logger) {
	st.Profile = envelope.Profile{UserID: st.UserID}
	if s.profiles != nil {
		p, err := s.profiles.GetProfile(ctx, st.UserID)
		switch {
		case err == nil:
			st.Profile = p
		case errors.Is(err, store.ErrNotFound):
			log.Debug("profile_not_found")
		default:
			log.Warn("profile_load_failed", "error", err.Error())
		}
	}

	// Financial data is only read with the user's consent.
	if s.loader != nil && st.Profile.DataConsent {
		fc, err := s.loader.LoadContext(ctx, st.UserID)
		if err != nil {
			log.Warn("context_load_failed", "error", err.Error())
		} else {
			st.Context = fc
		}
	}

	if s.history != nil && s.cfg.MaxChatHistory > 0 {
		msgs, err := s.history.Recent(ctx, st.UserID, s.cfg.MaxChatHistory)
		if err != nil {
			log.Warn("history_load_failed", "error", err.Error())
		} else {
			st.History = msgs
		}
	}
}

// resolveStage derives the stage and raises the stored high-water mark when
// it moved up.
func (s *Service) resolveStage(ctx context.Context, st *envelope.State, log logging.Logger) {
	s.resolveStageOnly(st)

	if st.Stage <= st.Profile.HighWater || s.profiles == nil {
		return
	}
	from := st.Profile.HighWater
	st.Profile.HighWater = st.Stage
	if err := s.profiles.SaveProfile(ctx, st.Profile); err != nil {
		log.Warn("stage_persist_failed", "stage", st.Stage.String(), "error", err.Error())
		return
	}
	log.Info("stage_advanced", "from", from.String(), "to", st.Stage.String())
	s.publish(ctx, &commbus.StageAdvanced{UserID: st.UserID, From: from.String(), To: st.Stage.String()})
}

func (s *Service) resolveStageOnly(st *envelope.State) {
	facts := stage.FactsFrom(st.Profile, st.Context, st.ReceivedAt)
	resolved := stage.Resolve(facts, stage.Policy{MinTransactions: s.cfg.MinTransactions, MinGoals: s.cfg.MinGoals})
	st.Stage = stage.Monotonic(resolved, st.Profile.HighWater, st.Profile.DataConsent)
}

// propose looks for a data-entry command in the message. Only users who
// shared their data get one.
func (s *Service) propose(ctx context.Context, st *envelope.State, log logging.Logger) *envelope.ProposedAction {
	if !s.cfg.ActionExtraction || s.extractor == nil || !st.Profile.DataConsent || ctx.Err() != nil {
		return nil
	}
	p, err := s.extractor.Extract(ctx, st.Query)
	if err != nil {
		log.Debug("command_extraction_failed", "error", err.Error())
		return nil
	}
	return p
}

func (s *Service) remember(ctx context.Context, st *envelope.State, reply string, log logging.Logger) {
	if s.history == nil {
		return
	}
	now := s.now()
	err := s.history.Append(context.WithoutCancel(ctx), st.UserID,
		envelope.ChatMessage{Role: "user", Content: st.Query, Timestamp: st.ReceivedAt},
		envelope.ChatMessage{Role: "assistant", Content: reply, Timestamp: now},
	)
	if err != nil {
		log.Warn("history_append_failed", "error", err.Error())
	}
}

// ClearHistory forgets the user's conversation. With a bus it goes through
// the ClearHistory command so other listeners see it.
func (s *Service) ClearHistory(ctx context.Context, userID string) error {
	if s.history == nil {
		return nil
	}
	if s.bus != nil {
		return s.bus.Send(ctx, &commbus.ClearHistory{UserID: userID})
	}
	return s.history.Clear(ctx, userID)
}

func (s *Service) publish(ctx context.Context, msg commbus.Message) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.Warn("event_publish_failed", "message_type", commbus.GetMessageType(msg), "error", err.Error())
	}
}

func nodeNames(ids []envelope.NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}
