package runtime

import (
	"testing"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// HELPERS
// =============================================================================

func newTestRouter(t *testing.T) *Router {
	t.Helper()
	r, err := NewRouter(config.DefaultRouterConfig(), logging.NewNop())
	require.NoError(t, err)
	return r
}

func classified(stage envelope.Stage, in envelope.Intent, confidence float64) *envelope.State {
	st := envelope.NewState("u1", "query")
	st.Stage, st.Intent, st.Confidence = stage, in, confidence
	return st
}

func droppedReasons(plan envelope.RoutePlan) map[envelope.NodeID]string {
	out := make(map[envelope.NodeID]string, len(plan.Dropped))
	for _, d := range plan.Dropped {
		out[d.Node] = d.Reason
	}
	return out
}

// =============================================================================
// TABLE TESTS
// =============================================================================

func TestDefaultTableIsValid(t *testing.T) {
	table := DefaultTable()

	require.NoError(t, ValidateTable(table))
	assert.Len(t, table, len(envelope.Intents()))
}

func TestValidateTable(t *testing.T) {
	// Test that every malformed table is rejected with the offending intent named.
	tests := []struct {
		name   string
		mutate func(RouteTable)
		want   string
	}{
		{"missing intent", func(rt RouteTable) { delete(rt, envelope.IntentTaxKnowledge) }, "TaxKnowledge"},
		{"empty sequence", func(rt RouteTable) { rt[envelope.IntentGoalTracking] = nil }, "GoalTracking"},
		{"invalid node", func(rt RouteTable) {
			rt[envelope.IntentUnknown] = []envelope.NodeID{envelope.NodeID(42)}
		}, "invalid node 42"},
		{"duplicate node", func(rt RouteTable) {
			rt[envelope.IntentUnknown] = []envelope.NodeID{envelope.NodeReasoningEngine, envelope.NodeReasoningEngine}
		}, "twice"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table := DefaultTable()
			tt.mutate(table)

			err := ValidateTable(table)

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRouterTableIsACopy(t *testing.T) {
	r := newTestRouter(t)

	table := r.Table()
	table[envelope.IntentTaxKnowledge][0] = envelope.NodeActionExecutor

	assert.Equal(t, envelope.NodeKnowledgeRetriever, r.Table()[envelope.IntentTaxKnowledge][0])
}

func TestRouterAppliesOverrides(t *testing.T) {
	cfg := config.DefaultRouterConfig()
	cfg.Routes = map[string][]string{"TaxKnowledge": {"ReasoningEngine"}}

	r, err := NewRouter(cfg, logging.NewNop())
	require.NoError(t, err)

	assert.Equal(t, []envelope.NodeID{envelope.NodeReasoningEngine}, r.Table()[envelope.IntentTaxKnowledge])
	assert.Equal(t, DefaultTable()[envelope.IntentGoalTracking], r.Table()[envelope.IntentGoalTracking])
}

func TestRouterRejectsBadOverrides(t *testing.T) {
	cfg := config.DefaultRouterConfig()
	cfg.Routes = map[string][]string{"TaxKnowledge": {"Oracle"}}

	_, err := NewRouter(cfg, logging.NewNop())

	assert.Error(t, err)
}

// =============================================================================
// ROUTING TESTS
// =============================================================================

func TestRouteStartedAlwaysOnboards(t *testing.T) {
	// Test that intent and confidence are irrelevant before data consent.
	r := newTestRouter(t)

	for _, in := range envelope.Intents() {
		plan := r.Route(classified(envelope.StageStarted, in, 0.99))

		assert.Equal(t, []envelope.NodeID{envelope.NodeOnboarding}, plan.Sequence, in.String())
		assert.Equal(t, envelope.ModeAnalyze, plan.Mode)
		assert.Empty(t, plan.Dropped)
	}
}

func TestRouteClarifiesOnLowConfidence(t *testing.T) {
	r := newTestRouter(t)

	tests := []struct {
		name       string
		intent     envelope.Intent
		confidence float64
	}{
		{"below threshold", envelope.IntentTaxKnowledge, 0.29},
		{"unknown intent", envelope.IntentUnknown, 0.9},
		{"zero", envelope.IntentUnknown, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := r.Route(classified(envelope.StageAdvanced, tt.intent, tt.confidence))

			assert.Equal(t, []envelope.NodeID{envelope.NodeReasoningEngine}, plan.Sequence)
			assert.Equal(t, envelope.ModeClarify, plan.Mode)
		})
	}
}

func TestRouteAtClarifyThresholdAnalyzes(t *testing.T) {
	r := newTestRouter(t)

	plan := r.Route(classified(envelope.StageIntermediate, envelope.IntentTaxKnowledge, 0.3))

	assert.Equal(t, envelope.ModeAnalyze, plan.Mode)
	assert.Equal(t, []envelope.NodeID{envelope.NodeKnowledgeRetriever, envelope.NodeReasoningEngine}, plan.Sequence)
}

func TestRouteStageCeiling(t *testing.T) {
	// Test that nodes above the user's stage are dropped and explained.
	r := newTestRouter(t)

	plan := r.Route(classified(envelope.StageMVP, envelope.IntentInvestmentInquiry, 0.9))

	assert.Equal(t, []envelope.NodeID{envelope.NodeReasoningEngine}, plan.Sequence)
	reasons := droppedReasons(plan)
	assert.Equal(t, DropStageCeiling, reasons[envelope.NodeKnowledgeRetriever])
	assert.Equal(t, DropStageCeiling, reasons[envelope.NodeMLModels])
	require.Len(t, plan.Notes, 1)
	assert.Contains(t, plan.Notes[0], "KnowledgeRetriever (from Intermediate)")
	assert.Contains(t, plan.Notes[0], "MLModels (from Advanced)")
}

func TestRouteNeverExceedsStage(t *testing.T) {
	r := newTestRouter(t)

	for _, stage := range []envelope.Stage{envelope.StageMVP, envelope.StageIntermediate, envelope.StageAdvanced} {
		for _, in := range envelope.Intents() {
			st := classified(stage, in, 0.95)
			st.ConsentGiven = true
			st.Statement = []byte("date,description,amount\n")

			for _, id := range r.Route(st).Sequence {
				assert.Truef(t, stage.AtLeast(agents.MinStage(id)), "%s routed %s at %s", in, id, stage)
			}
		}
	}
}

func TestRouteConsentGate(t *testing.T) {
	r := newTestRouter(t)

	t.Run("without consent", func(t *testing.T) {
		plan := r.Route(classified(envelope.StageAdvanced, envelope.IntentAdvancedPlanning, 0.9))

		assert.Equal(t, []envelope.NodeID{envelope.NodeTaskDecomposer, envelope.NodeReasoningEngine}, plan.Sequence)
		assert.Equal(t, DropConsent, droppedReasons(plan)[envelope.NodeActionExecutor])
		require.Len(t, plan.Notes, 1)
		assert.Contains(t, plan.Notes[0], "not given consent")
	})

	t.Run("with consent", func(t *testing.T) {
		st := classified(envelope.StageAdvanced, envelope.IntentAdvancedPlanning, 0.9)
		st.ConsentGiven = true

		plan := r.Route(st)

		assert.Equal(t, []envelope.NodeID{
			envelope.NodeTaskDecomposer, envelope.NodeReasoningEngine, envelope.NodeActionExecutor,
		}, plan.Sequence)
		assert.Empty(t, plan.Dropped)
	})
}

func TestRouteStatementParserNeedsStatement(t *testing.T) {
	r := newTestRouter(t)

	plan := r.Route(classified(envelope.StageMVP, envelope.IntentExpenseTracking, 0.85))

	assert.Equal(t, []envelope.NodeID{envelope.NodeBudgetAnalyzer}, plan.Sequence)
	assert.Equal(t, DropNoStatement, droppedReasons(plan)[envelope.NodeStatementParser])
	assert.Contains(t, plan.Notes, "No statement was attached, so your saved transactions were used.")

	st := classified(envelope.StageMVP, envelope.IntentExpenseTracking, 0.85)
	st.Statement = []byte("date,description,amount\n2024-06-01,Lunch,-10\n")
	plan = r.Route(st)

	assert.Equal(t, []envelope.NodeID{envelope.NodeStatementParser, envelope.NodeBudgetAnalyzer}, plan.Sequence)
	assert.Empty(t, plan.Notes)
}

func TestRouteEmptySequenceFallsBackToReasoning(t *testing.T) {
	cfg := config.DefaultRouterConfig()
	cfg.Routes = map[string][]string{"TaxKnowledge": {"KnowledgeRetriever"}}
	r, err := NewRouter(cfg, logging.NewNop())
	require.NoError(t, err)

	plan := r.Route(classified(envelope.StageMVP, envelope.IntentTaxKnowledge, 0.9))

	assert.Equal(t, []envelope.NodeID{envelope.NodeReasoningEngine}, plan.Sequence)
	assert.Equal(t, envelope.ModeAnalyze, plan.Mode)
}

func TestRouteDoesNotMutateState(t *testing.T) {
	r := newTestRouter(t)
	st := classified(envelope.StageMVP, envelope.IntentBudgetAnalysis, 0.8)

	r.Route(st)

	assert.Empty(t, st.ToolsUsed())
	assert.Empty(t, st.Results())
	assert.Equal(t, envelope.ModeAnalyze, st.Mode)
}
