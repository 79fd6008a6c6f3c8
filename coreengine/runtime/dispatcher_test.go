package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/commbus"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// STUB NODES
// =============================================================================

type callLog struct {
	mu    sync.Mutex
	names []string
}

func (l *callLog) add(id envelope.NodeID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.names = append(l.names, id.String())
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.names...)
}

type stubNode struct {
	id      envelope.NodeID
	log     *callLog
	out     any
	err     error
	halt    bool
	explode bool
	run     func(ctx context.Context, view envelope.View)
}

func (n *stubNode) ID() envelope.NodeID { return n.id }

func (n *stubNode) Run(ctx context.Context, view envelope.View) (envelope.Contribution, error) {
	n.log.add(n.id)
	if n.run != nil {
		n.run(ctx, view)
	}
	if n.explode {
		panic("stub exploded")
	}
	if n.err != nil {
		return envelope.Contribution{}, n.err
	}
	out := n.out
	if out == nil {
		out = map[string]any{"node": n.id.String()}
	}
	return envelope.Contribution{Output: out, Halt: n.halt}, nil
}

// stubRegistry registers a stub for every node; overrides replace the
// defaults by ID.
func stubRegistry(t *testing.T, log *callLog, overrides ...*stubNode) *agents.Registry {
	t.Helper()
	byID := make(map[envelope.NodeID]*stubNode)
	for _, o := range overrides {
		o.log = log
		byID[o.id] = o
	}
	var nodes []agents.Node
	for _, id := range envelope.Nodes() {
		if n, ok := byID[id]; ok {
			nodes = append(nodes, n)
			continue
		}
		nodes = append(nodes, &stubNode{id: id, log: log})
	}
	r, err := agents.NewRegistry(nodes...)
	require.NoError(t, err)
	return r
}

func planOf(ids ...envelope.NodeID) envelope.RoutePlan {
	return envelope.RoutePlan{Sequence: ids, Mode: envelope.ModeAnalyze}
}

// =============================================================================
// DISPATCH TESTS
// =============================================================================

func TestDispatcherRunsInOrder(t *testing.T) {
	log := &callLog{}
	d := NewDispatcher(stubRegistry(t, log), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(
		envelope.NodeKnowledgeRetriever, envelope.NodeMLModels, envelope.NodeReasoningEngine,
	))

	want := []string{"KnowledgeRetriever", "MLModels", "ReasoningEngine"}
	assert.Equal(t, want, log.get())
	assert.Equal(t, want, st.ToolsUsed())
	assert.Empty(t, st.Errors)

	plan, ok := st.Plan()
	require.True(t, ok)
	assert.Len(t, plan.Sequence, 3)
	for _, name := range want {
		_, ok := st.Result(name)
		assert.True(t, ok, name)
	}
}

func TestDispatcherLaterNodesSeeEarlierResults(t *testing.T) {
	log := &callLog{}
	var seen bool
	reader := &stubNode{id: envelope.NodeReasoningEngine, run: func(_ context.Context, view envelope.View) {
		_, seen = view.Result(envelope.NodeGoalPlanner)
	}}
	d := NewDispatcher(stubRegistry(t, log, reader), logging.NewNop())

	d.Execute(context.Background(), envelope.NewState("u1", "q"), planOf(envelope.NodeGoalPlanner, envelope.NodeReasoningEngine))

	assert.True(t, seen)
}

func TestDispatcherSetsMode(t *testing.T) {
	d := NewDispatcher(stubRegistry(t, &callLog{}), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, envelope.RoutePlan{
		Sequence: []envelope.NodeID{envelope.NodeReasoningEngine},
		Mode:     envelope.ModeClarify,
	})

	assert.Equal(t, envelope.ModeClarify, st.Mode)
}

func TestDispatcherHalt(t *testing.T) {
	// Test that a node asking to halt stops the remaining nodes without an error.
	log := &callLog{}
	d := NewDispatcher(stubRegistry(t, log, &stubNode{id: envelope.NodeStatementParser, halt: true}), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(envelope.NodeStatementParser, envelope.NodeBudgetAnalyzer))

	assert.Equal(t, []string{"StatementParser"}, log.get())
	assert.Equal(t, []string{"StatementParser"}, st.ToolsUsed())
	assert.False(t, st.ShouldContinue)
	assert.Empty(t, st.Errors)
}

// TestDispatcherHaltThenCancel records no cancellation for a run that already
// halted.
func TestDispatcherHaltThenCancel(t *testing.T) {
	log := &callLog{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	halter := &stubNode{id: envelope.NodeStatementParser, halt: true, run: func(context.Context, envelope.View) { cancel() }}
	d := NewDispatcher(stubRegistry(t, log, halter), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(ctx, st, planOf(envelope.NodeStatementParser, envelope.NodeBudgetAnalyzer))

	assert.Equal(t, []string{"StatementParser"}, log.get())
	assert.False(t, st.ShouldContinue)
	assert.Empty(t, st.Errors)
}

func TestDispatcherErrorStopsSequence(t *testing.T) {
	log := &callLog{}
	boom := errors.New("model offline")
	d := NewDispatcher(stubRegistry(t, log, &stubNode{id: envelope.NodeTaskDecomposer, err: boom}), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(envelope.NodeTaskDecomposer, envelope.NodeReasoningEngine))

	assert.Equal(t, []string{"TaskDecomposer"}, log.get())
	assert.Empty(t, st.ToolsUsed())
	require.Len(t, st.Errors, 1)
	assert.Equal(t, envelope.NodeTaskDecomposer.String(), st.Errors[0].Node)
	assert.Equal(t, agents.ErrorTypeExecution, st.Errors[0].Type)
	assert.Contains(t, st.ErrorMessage, "model offline")
}

func TestDispatcherConsentErrorType(t *testing.T) {
	d := NewDispatcher(stubRegistry(t, &callLog{}, &stubNode{id: envelope.NodeActionExecutor, err: agents.ErrConsentRequired}), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(envelope.NodeActionExecutor))

	require.Len(t, st.Errors, 1)
	assert.Equal(t, agents.ErrorTypeConsent, st.Errors[0].Type)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	log := &callLog{}
	d := NewDispatcher(stubRegistry(t, log, &stubNode{id: envelope.NodeMLModels, explode: true}), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(envelope.NodeMLModels, envelope.NodeReasoningEngine))

	assert.Equal(t, []string{"MLModels"}, log.get())
	require.Len(t, st.Errors, 1)
	assert.Equal(t, agents.ErrorTypePanic, st.Errors[0].Type)
}

func TestDispatcherCancellation(t *testing.T) {
	// Test that cancellation between nodes stops the sequence and is recorded.
	log := &callLog{}
	ctx, cancel := context.WithCancel(context.Background())
	first := &stubNode{id: envelope.NodeGoalPlanner, run: func(context.Context, envelope.View) { cancel() }}
	d := NewDispatcher(stubRegistry(t, log, first), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(ctx, st, planOf(envelope.NodeGoalPlanner, envelope.NodeReasoningEngine))

	assert.Equal(t, []string{"GoalPlanner"}, log.get())
	assert.Equal(t, []string{"GoalPlanner"}, st.ToolsUsed())
	require.Len(t, st.Errors, 1)
	assert.Equal(t, envelope.NodeReasoningEngine.String(), st.Errors[0].Node)
	assert.Equal(t, agents.ErrorTypeCancelled, st.Errors[0].Type)
}

func TestDispatcherAlreadyCancelled(t *testing.T) {
	log := &callLog{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDispatcher(stubRegistry(t, log), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(ctx, st, planOf(envelope.NodeReasoningEngine))

	assert.Empty(t, log.get())
	require.Len(t, st.Errors, 1)
	assert.Equal(t, agents.ErrorTypeCancelled, st.Errors[0].Type)
}

func TestDispatcherUnknownNode(t *testing.T) {
	d := NewDispatcher(stubRegistry(t, &callLog{}), logging.NewNop())
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(envelope.NodeID(99), envelope.NodeReasoningEngine))

	assert.Empty(t, st.ToolsUsed())
	require.Len(t, st.Errors, 1)
	assert.Contains(t, st.Errors[0].Message, "not registered")
}

// =============================================================================
// EVENT TESTS
// =============================================================================

func TestDispatcherEmitsNodeEvents(t *testing.T) {
	ec := testutil.NewMockEventContext()
	d := NewDispatcher(stubRegistry(t, &callLog{}, &stubNode{id: envelope.NodeReasoningEngine, err: errors.New("no")}), logging.NewNop())
	d.SetEventContext(ec)

	d.Execute(context.Background(), envelope.NewState("u1", "q"), planOf(envelope.NodeGoalPlanner, envelope.NodeReasoningEngine))

	assert.Equal(t, []string{"GoalPlanner", "ReasoningEngine"}, ec.GetStartedNodes())
	assert.Equal(t, []string{"GoalPlanner", "ReasoningEngine"}, ec.GetCompletedNodes())
	events := ec.GetEvents()
	last := events[len(events)-1]
	assert.Equal(t, envelope.StatusError, last.Status)
}

func TestBusEventsPublishesNodeEvents(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second, logging.NewNop())
	var mu sync.Mutex
	var got []string
	record := func(_ context.Context, msg commbus.Message) (any, error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, commbus.GetMessageType(msg))
		return nil, nil
	}
	defer bus.Subscribe("NodeStarted", record)()
	defer bus.Subscribe("NodeCompleted", record)()

	d := NewDispatcher(stubRegistry(t, &callLog{}), logging.NewNop())
	d.SetEventContext(NewBusEvents(bus, logging.NewNop()))
	st := envelope.NewState("u1", "q")

	d.Execute(context.Background(), st, planOf(envelope.NodeGoalPlanner))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"NodeStarted", "NodeCompleted"}, got)
}

func TestWatchNodesFiltersByRequest(t *testing.T) {
	bus := commbus.NewInMemoryCommBus(time.Second, logging.NewNop())
	var got []string
	stop := WatchNodes(bus, "req_mine", func(ev NodeEvent) { got = append(got, ev.Name) })

	d := NewDispatcher(stubRegistry(t, &callLog{}), logging.NewNop())
	d.SetEventContext(NewBusEvents(bus, logging.NewNop()))
	mine := envelope.NewState("u1", "q")
	mine.RequestID = "req_mine"
	d.Execute(context.Background(), mine, planOf(envelope.NodeGoalPlanner))
	d.Execute(context.Background(), envelope.NewState("u2", "q"), planOf(envelope.NodeGoalPlanner))

	assert.Equal(t, []string{"node_started", "node_completed"}, got)

	stop()
	assert.Zero(t, bus.SubscriberCount("NodeStarted"))
	assert.Zero(t, bus.SubscriberCount("NodeCompleted"))
}
