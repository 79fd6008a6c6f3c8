package runtime

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/commands"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/intent"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/knowledge"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/memory"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/testutil"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	// The genai client starts the opencensus view worker on import.
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// =============================================================================
// HARNESS
// =============================================================================

var june15 = time.Date(2024, time.June, 15, 12, 0, 0, 0, time.UTC)

const classifyPrompt = "Classify the user's question"

type harness struct {
	svc      *Service
	llm      *testutil.MockLLMProvider
	profiles *testutil.MockProfileStore
	loader   *testutil.MockContextLoader
	history  *memory.InMemoryHistory
	audit    *memory.InMemoryAuditLog
	bus      *commbus.InMemoryCommBus
	events   *eventRecorder
	logger   *testutil.MockLogger
}

type harnessOption func(*ServiceDeps)

func withExtractor(e ActionExtractor) harnessOption {
	return func(d *ServiceDeps) { d.Extractor = e }
}

func withoutBus() harnessOption {
	return func(d *ServiceDeps) { d.Bus = nil }
}

func newHarness(t *testing.T, mock *testutil.MockLLMProvider, profiles ...envelope.Profile) *harness {
	return newHarnessWith(t, mock, nil, profiles...)
}

func newHarnessWith(t *testing.T, mock *testutil.MockLLMProvider, opts []harnessOption, profiles ...envelope.Profile) *harness {
	t.Helper()
	if mock == nil {
		mock = testutil.NewMockLLMProvider()
	}
	cfg := config.DefaultRouterConfig()
	logger := testutil.NewMockLogger()
	bounded := llm.NewInstrumented(mock, "mock", "test", 50*time.Millisecond)

	corpus, err := knowledge.Default()
	require.NoError(t, err)
	audit := memory.NewInMemoryAuditLog()
	registry, err := agents.NewDefaultRegistry(agents.Deps{
		LLM:            bounded,
		Parser:         ledger.NewCSVParser(),
		Audit:          audit,
		Corpus:         corpus,
		Logger:         logger,
		KnowledgeTopK:  cfg.KnowledgeTopK,
		KnowledgeFloor: cfg.KnowledgeFloor,
	})
	require.NoError(t, err)

	h := &harness{
		llm:      mock,
		profiles: testutil.NewMockProfileStore(profiles...),
		loader:   testutil.NewMockContextLoader(),
		history:  memory.NewInMemoryHistory(50),
		audit:    audit,
		bus:      commbus.NewInMemoryCommBus(time.Second, logging.NewNop()),
		logger:   logger,
	}
	h.events = recordEvents(h.bus)

	deps := ServiceDeps{
		Config:  cfg,
		Loader:  h.loader,
		History: h.history,
		Classifier: intent.NewClassifier(intent.Options{
			Threshold:     cfg.ClassifyThreshold,
			ConfidenceCap: cfg.FallbackConfidenceCap,
		}, bounded, logger),
		Profiles: h.profiles,
		Registry: registry,
		Parser:   ledger.NewCSVParser(),
		Bus:      h.bus,
		Logger:   logger,
	}
	for _, o := range opts {
		o(&deps)
	}
	h.svc, err = NewService(deps)
	require.NoError(t, err)
	h.svc.now = func() time.Time { return june15 }
	return h
}

type eventRecorder struct {
	mu       sync.Mutex
	messages []commbus.Message
}

func recordEvents(bus commbus.CommBus) *eventRecorder {
	r := &eventRecorder{}
	for _, typ := range []string{"TurnStarted", "TurnCompleted", "NodeStarted", "NodeCompleted", "StageAdvanced", "ActionExecuted"} {
		bus.Subscribe(typ, func(_ context.Context, msg commbus.Message) (any, error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.messages = append(r.messages, msg)
			return nil, nil
		})
	}
	return r
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.messages))
	for i, m := range r.messages {
		out[i] = commbus.GetMessageType(m)
	}
	return out
}

func eventOf[T commbus.Message](r *eventRecorder) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.messages {
		if v, ok := m.(T); ok {
			return v, true
		}
	}
	var zero T
	return zero, false
}

func withGoal(fc envelope.FinancialContext) envelope.FinancialContext {
	fc.Goals = append(fc.Goals, envelope.Goal{
		ID: 1, Name: "Emergency fund", Target: testutil.Money("10000"), Current: testutil.Money("2500"),
		Deadline: testutil.Day(2025, 6, 1), CreatedAt: testutil.Day(2024, 1, 1),
	})
	return fc
}

// =============================================================================
// END-TO-END SCENARIOS
// =============================================================================

func TestChatNewUserGetsOnboarding(t *testing.T) {
	// Test that a user without a profile is onboarded whatever they ask.
	h := newHarness(t, nil)

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "new", Message: "How much did I spend on food this month?"})

	assert.Equal(t, "Started", resp.Stage)
	assert.Equal(t, []string{"Onboarding"}, resp.ToolsUsed)
	assert.Contains(t, resp.Response, "Welcome!")
	assert.Nil(t, resp.Error)
	assert.Zero(t, h.loader.LoadCount(), "no data is read without consent")
	assert.Zero(t, h.profiles.SaveCount())
}

func TestChatWithdrawnConsentOnboards(t *testing.T) {
	p := testutil.ConsentedProfile("u1", true, true)
	p.DataConsent = false
	p.HighWater = envelope.StageAdvanced
	h := newHarness(t, nil, p)
	h.loader.With("u1", withGoal(envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)}))

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "What should I invest in?"})

	assert.Equal(t, "Started", resp.Stage)
	assert.Equal(t, []string{"Onboarding"}, resp.ToolsUsed)
	assert.Zero(t, h.loader.LoadCount())
}

func TestChatExpenseTrackingAtMVP(t *testing.T) {
	// Test the keyword path: no model call, the statement parser is skipped and
	// the budget analyzer answers with the month's food spend.
	h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, false))
	h.loader.With("u1", envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)})

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "How much did I spend on food this month?"})

	assert.Equal(t, "MVP", resp.Stage)
	assert.Equal(t, "ExpenseTracking", resp.Intent)
	assert.InDelta(t, 0.85, resp.Confidence, 1e-9)
	assert.Equal(t, string(intent.MethodKeyword), resp.ClassifiedBy)
	assert.Equal(t, []string{"BudgetAnalyzer"}, resp.ToolsUsed)
	assert.Contains(t, resp.Response, "You spent $780.00 on Food & Dining in June 2024 across 12 transactions.")
	assert.Nil(t, resp.Error)
	assert.Zero(t, h.llm.GetCallCount())

	plan, ok := resp.Results[envelope.RouterKey].(envelope.RoutePlan)
	require.True(t, ok)
	require.Len(t, plan.Dropped, 1)
	assert.Equal(t, envelope.NodeStatementParser, plan.Dropped[0].Node)
	assert.Equal(t, DropNoStatement, plan.Dropped[0].Reason)
}

func TestChatAdvancedPlanningWithoutActionConsent(t *testing.T) {
	// Test that the consent gate removes the action executor and says so.
	p := testutil.ConsentedProfile("u1", false, true)
	p.HighWater = envelope.StageAdvanced
	mock := testutil.NewMockLLMProvider().
		WithResponse(classifyPrompt, `{"intent": "AdvancedPlanning", "confidence": 0.9}`)
	h := newHarness(t, mock, p)
	h.loader.With("u1", withGoal(envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)}))

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Build me a comprehensive plan for next year"})

	assert.Equal(t, "Advanced", resp.Stage)
	assert.Equal(t, "AdvancedPlanning", resp.Intent)
	assert.Equal(t, string(intent.MethodLLM), resp.ClassifiedBy)
	assert.Equal(t, []string{"TaskDecomposer", "ReasoningEngine"}, resp.ToolsUsed)
	assert.NotContains(t, resp.ToolsUsed, "ActionExecutor")
	assert.Contains(t, resp.Response, "not given consent")
	assert.Nil(t, resp.Error)

	records, err := h.audit.List(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestChatAdvancedPlanningWithActionConsent(t *testing.T) {
	p := testutil.ConsentedProfile("u1", true, true)
	p.HighWater = envelope.StageAdvanced
	mock := testutil.NewMockLLMProvider().
		WithResponse(classifyPrompt, `{"intent": "AdvancedPlanning", "confidence": 0.9}`)
	h := newHarness(t, mock, p)
	h.loader.With("u1", withGoal(envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)}))

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Build me a comprehensive plan for next year"})

	assert.Equal(t, []string{"TaskDecomposer", "ReasoningEngine", "ActionExecutor"}, resp.ToolsUsed)
	records, err := h.audit.List(context.Background(), "u1", 10)
	require.NoError(t, err)
	assert.NotEmpty(t, records)
	for _, rec := range records {
		assert.True(t, rec.Simulated)
	}
}

func TestChatClassifierTimeoutClarifies(t *testing.T) {
	// Test that a slow model degrades to (Unknown, 0) and a clarifying answer
	// instead of an error.
	mock := testutil.NewMockLLMProvider().WithDelay(time.Second)
	h := newHarness(t, mock, testutil.ConsentedProfile("u1", false, false))
	h.loader.With("u1", envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)})

	start := time.Now()
	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "zxqv blorp wibble"})

	assert.Less(t, time.Since(start), 900*time.Millisecond)
	assert.Equal(t, "Unknown", resp.Intent)
	assert.Zero(t, resp.Confidence)
	assert.Equal(t, string(intent.MethodFallback), resp.ClassifiedBy)
	assert.Equal(t, string(envelope.ModeClarify), resp.Mode)
	assert.Equal(t, []string{"ReasoningEngine"}, resp.ToolsUsed)
	assert.Contains(t, resp.Response, "I'm not sure what you'd like to do")
	assert.Nil(t, resp.Error)
	assert.Equal(t, 1, mock.GetCallCount(), "clarification needs no model call")
}

func TestChatStatementWithBadRows(t *testing.T) {
	// Test that an attached statement is parsed, bad rows are reported and the
	// analysis uses the statement's figures.
	h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, false))
	h.loader.With("u1", envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)})

	resp := h.svc.Chat(context.Background(), ChatRequest{
		UserID:    "u1",
		Message:   "Give me a budget breakdown of this statement",
		Statement: testutil.StatementCSV(47, 3),
	})

	assert.Equal(t, "BudgetAnalysis", resp.Intent)
	assert.Equal(t, []string{"StatementParser", "BudgetAnalyzer", "ReasoningEngine"}, resp.ToolsUsed)
	assert.Contains(t, resp.Response, "Parsed 47 of 50 statement rows.")
	assert.Contains(t, resp.Response, "Skipped 3 rows with errors")
	assert.Contains(t, resp.Response, "Figures come from the uploaded statement.")
	assert.Contains(t, resp.Suggestions, "Fix the skipped rows and upload the statement again")
	assert.Nil(t, resp.Error)
}

func TestChatModelFailureDegradesReasoning(t *testing.T) {
	mock := testutil.NewMockLLMProvider().WithError(assert.AnError)
	h := newHarness(t, mock, testutil.ConsentedProfile("u1", false, false))
	h.loader.With("u1", withGoal(envelope.FinancialContext{}))

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "Am I doing ok?"})

	assert.NotEmpty(t, resp.Response)
	assert.Equal(t, "Unknown", resp.Intent, "classification falls back when the model fails")
	assert.Nil(t, resp.Error)
}

// =============================================================================
// TURN BOOKKEEPING
// =============================================================================

func TestChatPersistsStageAdvance(t *testing.T) {
	h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, false))
	h.loader.With("u1", envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 3)})

	h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "How much did I spend this month?"})

	saved, ok := h.profiles.Saved("u1")
	require.True(t, ok)
	assert.Equal(t, envelope.StageMVP, saved.HighWater)
	ev, ok := eventOf[*commbus.StageAdvanced](h.events)
	require.True(t, ok)
	assert.Equal(t, "Started", ev.From)
	assert.Equal(t, "MVP", ev.To)

	// A second turn at the same stage writes nothing.
	h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "How much did I spend this month?"})
	assert.Equal(t, 1, h.profiles.SaveCount())
}

func TestChatStageNeverRegresses(t *testing.T) {
	p := testutil.ConsentedProfile("u1", false, false)
	p.HighWater = envelope.StageIntermediate
	h := newHarness(t, nil, p)

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "How much did I spend this month?"})

	assert.Equal(t, "Intermediate", resp.Stage)
	assert.Zero(t, h.profiles.SaveCount())
}

func TestChatPublishesTurnEvents(t *testing.T) {
	h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, false))
	h.loader.With("u1", envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 12)})

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "How much did I spend on food this month?", RequestID: "req_fixed"})

	assert.Equal(t, "req_fixed", resp.RequestID)
	types := h.events.types()
	assert.Equal(t, "TurnStarted", types[1], "StageAdvanced comes first")
	assert.Contains(t, types, "NodeStarted")
	assert.Contains(t, types, "NodeCompleted")
	assert.Equal(t, "TurnCompleted", types[len(types)-1])

	started, ok := eventOf[*commbus.TurnStarted](h.events)
	require.True(t, ok)
	assert.Equal(t, "req_fixed", started.RequestID)
	assert.Equal(t, []string{"BudgetAnalyzer"}, started.Sequence)
	done, ok := eventOf[*commbus.TurnCompleted](h.events)
	require.True(t, ok)
	assert.Equal(t, TurnSuccess, done.Status)
	assert.True(t, h.logger.HasLog("info", "turn_completed"))
}

func TestChatRemembersHistory(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	resp := h.svc.Chat(ctx, ChatRequest{UserID: "u1", Message: "hello"})

	msgs, err := h.history.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[0].Role)
	assert.Equal(t, "hello", msgs[0].Content)
	assert.Equal(t, "assistant", msgs[1].Role)
	assert.Equal(t, resp.Response, msgs[1].Content)
}

func TestClearHistoryGoesThroughBus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.svc.Chat(ctx, ChatRequest{UserID: "u1", Message: "hello"})

	require.NoError(t, h.svc.ClearHistory(ctx, "u1"))

	msgs, err := h.history.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestClearHistoryWithoutBus(t *testing.T) {
	h := newHarnessWith(t, nil, []harnessOption{withoutBus()})
	ctx := context.Background()
	h.svc.Chat(ctx, ChatRequest{UserID: "u1", Message: "hello"})

	require.NoError(t, h.svc.ClearHistory(ctx, "u1"))

	msgs, err := h.history.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRouteTableQuery(t *testing.T) {
	h := newHarness(t, nil)

	out, err := h.bus.QuerySync(context.Background(), &commbus.GetRouteTable{})

	require.NoError(t, err)
	resp, ok := out.(*commbus.RouteTableResponse)
	require.True(t, ok)
	assert.Equal(t, []string{"KnowledgeRetriever", "ReasoningEngine"}, resp.Routes["TaxKnowledge"])
	assert.Len(t, resp.Routes, len(envelope.Intents()))
}

func TestNewServiceValidation(t *testing.T) {
	_, err := NewService(ServiceDeps{Config: config.DefaultRouterConfig()})
	assert.Error(t, err)

	h := newHarness(t, nil)
	cfg := config.DefaultRouterConfig()
	cfg.ClassifyThreshold = 2
	_, err = NewService(ServiceDeps{Config: cfg, Classifier: h.svc.classifier, Registry: h.svc.registry})
	assert.Error(t, err)
}

// =============================================================================
// PROPOSED COMMANDS
// =============================================================================

func TestChatProposesCommand(t *testing.T) {
	mock := testutil.NewMockLLMProvider().
		WithResponse(classifyPrompt, `{"intent": "ExpenseTracking", "confidence": 0.9}`).
		WithResponse("Current month:", `{"action": "add_transaction", "params": {"description": "Groceries", "amount": 40, "category": "groceries"}}`)
	h := newHarnessWith(t, mock, []harnessOption{withExtractor(commands.NewExtractor(mock, logging.NewNop()))},
		testutil.ConsentedProfile("u1", false, false))

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "I spent 40 on groceries"})

	require.NotNil(t, resp.ProposedAction)
	assert.Equal(t, commands.AddTransaction, resp.ProposedAction.Action)
	assert.Equal(t, "Food & Dining", resp.ProposedAction.Params["category"])
}

func TestChatDoesNotProposeWithoutConsent(t *testing.T) {
	mock := testutil.NewMockLLMProvider().
		WithResponse("Current month:", `{"action": "add_transaction", "params": {"description": "Groceries", "amount": 40}}`)
	h := newHarnessWith(t, mock, []harnessOption{withExtractor(commands.NewExtractor(mock, logging.NewNop()))})

	resp := h.svc.Chat(context.Background(), ChatRequest{UserID: "u1", Message: "I spent 40 on groceries"})

	assert.Nil(t, resp.ProposedAction)
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestExecuteActionConsent(t *testing.T) {
	ctx := context.Background()
	action := agents.Action{Type: agents.ActionNotification, Name: "budget_alert", Description: "Alert on overspend", Priority: agents.PriorityHigh}

	t.Run("caller did not consent", func(t *testing.T) {
		h := newHarness(t, nil, testutil.ConsentedProfile("u1", true, true))
		_, err := h.svc.ExecuteAction(ctx, "u1", action, false)
		assert.ErrorIs(t, err, agents.ErrConsentRequired)
	})

	t.Run("profile did not consent", func(t *testing.T) {
		h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, true))
		_, err := h.svc.ExecuteAction(ctx, "u1", action, true)
		assert.ErrorIs(t, err, agents.ErrConsentRequired)
		records, _ := h.audit.List(ctx, "u1", 10)
		assert.Empty(t, records)
	})

	t.Run("unknown user", func(t *testing.T) {
		h := newHarness(t, nil)
		_, err := h.svc.ExecuteAction(ctx, "ghost", action, true)
		assert.ErrorIs(t, err, agents.ErrConsentRequired)
	})

	t.Run("both consent", func(t *testing.T) {
		h := newHarness(t, nil, testutil.ConsentedProfile("u1", true, true))
		res, err := h.svc.ExecuteAction(ctx, "u1", action, true)
		require.NoError(t, err)
		assert.Equal(t, agents.AuditSimulated, res.Status)
		assert.Equal(t, "budget_alert", res.AuditRecord.Action)

		records, err := h.audit.List(ctx, "u1", 10)
		require.NoError(t, err)
		assert.Len(t, records, 1)
		ev, ok := eventOf[*commbus.ActionExecuted](h.events)
		require.True(t, ok)
		assert.Equal(t, string(agents.ActionNotification), ev.ActionType)
	})

	t.Run("disabled action type", func(t *testing.T) {
		h := newHarness(t, nil, testutil.ConsentedProfile("u1", true, true))
		_, err := h.svc.ExecuteAction(ctx, "u1", agents.Action{Type: agents.ActionTransfer, Name: "move_savings"}, true)
		assert.Error(t, err)
	})
}

// storeHarness wires the service to a real in-memory database.
func storeHarness(t *testing.T) (*Service, *store.Repository) {
	t.Helper()
	ctx := context.Background()
	repo, err := store.Open(ctx, "sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close() })

	exec := tools.NewToolExecutor()
	require.NoError(t, commands.Register(exec, repo))

	h := newHarness(t, nil)
	svc, err := NewService(ServiceDeps{
		Config:     config.DefaultRouterConfig(),
		Loader:     repo,
		Profiles:   repo,
		Classifier: h.svc.classifier,
		Registry:   h.svc.registry,
		Commands:   exec,
		Parser:     ledger.NewCSVParser(),
		Importer:   repo,
		Logger:     logging.NewNop(),
	})
	require.NoError(t, err)
	svc.now = func() time.Time { return june15 }
	return svc, repo
}

func TestExecuteCommandNeedsDataConsent(t *testing.T) {
	ctx := context.Background()
	svc, repo := storeHarness(t)
	cmd := envelope.ProposedAction{Action: commands.AddBudget, Params: map[string]any{
		"category": "Food & Dining", "budgeted": "400", "month": "2024-06",
	}}

	_, err := svc.ExecuteCommand(ctx, "u1", cmd)
	assert.ErrorIs(t, err, ErrDataConsentRequired)

	require.NoError(t, repo.SaveProfile(ctx, testutil.ConsentedProfile("u1", false, false)))
	out, err := svc.ExecuteCommand(ctx, "u1", cmd)
	require.NoError(t, err)
	assert.Equal(t, "ok", out["status"])

	budgets, err := repo.Budgets(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.True(t, testutil.Money("400").Equal(budgets[0].Amount))
}

func TestImportStatement(t *testing.T) {
	ctx := context.Background()
	svc, repo := storeHarness(t)

	_, err := svc.ImportStatement(ctx, "u1", bytes.NewReader(testutil.StatementCSV(7, 2)))
	assert.ErrorIs(t, err, ErrDataConsentRequired)

	require.NoError(t, repo.SaveProfile(ctx, testutil.ConsentedProfile("u1", false, false)))
	res, err := svc.ImportStatement(ctx, "u1", bytes.NewReader(testutil.StatementCSV(7, 2)))
	require.NoError(t, err)

	assert.Equal(t, 7, res.Imported)
	assert.Equal(t, 9, res.TotalRows)
	assert.Len(t, res.Errors, 2)
	assert.Len(t, res.Preview, 5)

	txs, err := repo.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, txs, 7)
}

func TestImportedDataReachesChat(t *testing.T) {
	ctx := context.Background()
	svc, repo := storeHarness(t)
	require.NoError(t, repo.SaveProfile(ctx, testutil.ConsentedProfile("u1", false, false)))
	_, err := svc.ImportStatement(ctx, "u1", bytes.NewReader(testutil.StatementCSV(12, 0)))
	require.NoError(t, err)

	resp := svc.Chat(ctx, ChatRequest{UserID: "u1", Message: "How much did I spend on food this month?"})

	assert.Equal(t, "MVP", resp.Stage)
	assert.Contains(t, resp.Response, "You spent $78.00 on Food & Dining in June 2024 across 12 transactions.")
	p, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, envelope.StageMVP, p.HighWater)
}

func TestUpdateProfile(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)

	age, risk, consent := 40, "Aggressive", true
	p, err := h.svc.UpdateProfile(ctx, "u1", ProfileUpdate{Age: &age, RiskTolerance: &risk, DataConsent: &consent})
	require.NoError(t, err)
	assert.Equal(t, 40, p.Age)
	assert.Equal(t, "aggressive", p.RiskTolerance)
	assert.True(t, p.DataConsent)

	bad := 200
	_, err = h.svc.UpdateProfile(ctx, "u1", ProfileUpdate{Age: &bad})
	assert.ErrorIs(t, err, store.ErrInvalid)

	silly := "yolo"
	_, err = h.svc.UpdateProfile(ctx, "u1", ProfileUpdate{RiskTolerance: &silly})
	assert.ErrorIs(t, err, store.ErrInvalid)
}

func TestUpdateProfileWithdrawingConsentResetsStage(t *testing.T) {
	ctx := context.Background()
	p := testutil.ConsentedProfile("u1", true, true)
	p.HighWater = envelope.StageAdvanced
	h := newHarness(t, nil, p)

	off := false
	got, err := h.svc.UpdateProfile(ctx, "u1", ProfileUpdate{DataConsent: &off})

	require.NoError(t, err)
	assert.False(t, got.DataConsent)
	assert.Equal(t, envelope.StageStarted, got.HighWater)
}

// =============================================================================
// CATALOG
// =============================================================================

func TestToolsReflectStage(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, false))

	cat, err := h.svc.Tools(ctx, "u1")
	require.NoError(t, err)

	assert.Equal(t, "MVP", cat.Stage)
	require.Len(t, cat.Nodes, envelope.NodeCount)
	avail := make(map[string]bool)
	for _, n := range cat.Nodes {
		avail[n.Name] = n.Available
	}
	assert.True(t, avail["BudgetAnalyzer"])
	assert.False(t, avail["KnowledgeRetriever"])
	assert.False(t, avail["ActionExecutor"])
}

func TestToolsListCommands(t *testing.T) {
	svc, _ := storeHarness(t)

	cat, err := svc.Tools(context.Background(), "anyone")

	require.NoError(t, err)
	assert.Equal(t, "Started", cat.Stage)
	assert.Len(t, cat.Commands, len(commands.Names()))
}

func TestExamplesFollowData(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil, testutil.ConsentedProfile("u1", false, false))

	out, err := h.svc.Examples(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"Help me get started with budgeting and goals"}, out)

	h.loader.With("u1", withGoal(envelope.FinancialContext{Transactions: testutil.FoodTransactions(testutil.Day(2024, 6, 1), 2)}))
	out, err = h.svc.Examples(ctx, "u1")
	require.NoError(t, err)
	assert.Contains(t, out, "Summarize my spending over the last month")
	assert.Contains(t, out, "Am I on track for my Emergency fund goal?")
}

// =============================================================================
// HEALTH TESTS
// =============================================================================

type downHistory struct {
	*memory.InMemoryHistory
}

func (downHistory) Ping(context.Context) error { return assert.AnError }

func TestHealthPingsStores(t *testing.T) {
	ctx := context.Background()
	svc, repo := storeHarness(t)

	resp := svc.Health(ctx)
	assert.Equal(t, commbus.HealthStatusHealthy, resp.Status)
	assert.Equal(t, "ok", resp.Details["store"])

	require.NoError(t, repo.Close())
	resp = svc.Health(ctx)
	assert.Equal(t, commbus.HealthStatusUnhealthy, resp.Status)
	assert.NotEqual(t, "ok", resp.Details["store"])
}

func TestHealthDegradedHistory(t *testing.T) {
	h := newHarnessWith(t, nil, []harnessOption{func(d *ServiceDeps) {
		d.History = downHistory{memory.NewInMemoryHistory(10)}
	}})

	out, err := h.bus.QuerySync(context.Background(), &commbus.HealthCheckRequest{Component: "test"})

	require.NoError(t, err)
	resp, ok := out.(*commbus.HealthCheckResponse)
	require.True(t, ok)
	assert.Equal(t, commbus.HealthStatusDegraded, resp.Status)
	assert.Equal(t, assert.AnError.Error(), resp.Details["history"])
}
