package synth

import (
	"errors"
	"strings"
	"testing"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type section struct {
	text        string
	suggestions []string
}

func (s section) Summary() string       { return s.text }
func (s section) Suggestions() []string { return s.suggestions }

func newState(t *testing.T, plan envelope.RoutePlan) *envelope.State {
	t.Helper()
	st := envelope.NewState("user-1", "query")
	require.NoError(t, st.Annotate(envelope.RouterKey, plan))
	return st
}

// =============================================================================
// SECTIONS
// =============================================================================

func TestSynthesizeOneSectionPerTool(t *testing.T) {
	// Test every tool used is named in the text, in order.
	st := newState(t, envelope.RoutePlan{Sequence: []envelope.NodeID{envelope.NodeBudgetAnalyzer, envelope.NodeReasoningEngine}})
	require.NoError(t, st.Commit(envelope.NodeBudgetAnalyzer, envelope.Contribution{Output: section{text: "You spent $600.00 on Food & Dining.", suggestions: []string{"Set a budget"}}}))
	require.NoError(t, st.Commit(envelope.NodeReasoningEngine, envelope.Contribution{Output: section{text: "Looks fine.", suggestions: []string{"set a budget ", "Review goals"}}}))

	resp := Synthesize(st)

	assert.Equal(t, []string{"BudgetAnalyzer", "ReasoningEngine"}, resp.ToolsUsed)
	require.Len(t, resp.Sections, 2)
	assert.Equal(t, "Spending", resp.Sections[0].Title)
	assert.Equal(t, "Spending (BudgetAnalyzer): You spent $600.00 on Food & Dining.\n\nAnswer (ReasoningEngine): Looks fine.", resp.Text)
	assert.Equal(t, []string{"Set a budget", "Review goals"}, resp.Suggestions)
	assert.Empty(t, resp.Notes)
}

func TestSynthesizeOutputWithoutSummary(t *testing.T) {
	st := newState(t, envelope.RoutePlan{Sequence: []envelope.NodeID{envelope.NodeMLModels}})
	require.NoError(t, st.Commit(envelope.NodeMLModels, envelope.Contribution{Output: 42}))

	resp := Synthesize(st)

	assert.Equal(t, "Forecast and allocation (MLModels): Completed.", resp.Text)
}

func TestSynthesizeIsDeterministic(t *testing.T) {
	st := newState(t, envelope.RoutePlan{Notes: []string{"A note."}})
	require.NoError(t, st.Commit(envelope.NodeGoalPlanner, envelope.Contribution{Output: section{text: "Goals look good."}}))

	assert.Equal(t, Synthesize(st), Synthesize(st))
}

// =============================================================================
// NOTES AND FAILURES
// =============================================================================

func TestSynthesizeRepeatsRouterNotes(t *testing.T) {
	note := "Automated actions were not run because you have not given action consent."
	st := newState(t, envelope.RoutePlan{
		Sequence: []envelope.NodeID{envelope.NodeTaskDecomposer, envelope.NodeReasoningEngine},
		Dropped:  []envelope.DroppedNode{{Node: envelope.NodeActionExecutor, Reason: "consent_required"}},
		Notes:    []string{note},
	})
	require.NoError(t, st.Commit(envelope.NodeTaskDecomposer, envelope.Contribution{Output: section{text: "Plan."}}))
	require.NoError(t, st.Commit(envelope.NodeReasoningEngine, envelope.Contribution{Output: section{text: "Answer."}}))

	resp := Synthesize(st)

	assert.Contains(t, resp.Text, note)
	assert.NotContains(t, resp.ToolsUsed, "ActionExecutor")
}

func TestSynthesizeStatesFailures(t *testing.T) {
	st := newState(t, envelope.RoutePlan{Sequence: []envelope.NodeID{
		envelope.NodeStatementParser, envelope.NodeBudgetAnalyzer, envelope.NodeReasoningEngine,
	}})
	st.Fail(envelope.NodeStatementParser, agents.ErrorTypeParse, errors.New("parse statement: file is empty or has no data rows"))

	resp := Synthesize(st)

	assert.Contains(t, resp.Text, "StatementParser could not complete: parse statement: file is empty or has no data rows.")
	assert.Contains(t, resp.Text, "Skipped after an earlier step stopped the turn: BudgetAnalyzer, ReasoningEngine.")
}

func TestSynthesizeConsentFailure(t *testing.T) {
	st := newState(t, envelope.RoutePlan{Sequence: []envelope.NodeID{envelope.NodeActionExecutor}})
	st.Fail(envelope.NodeActionExecutor, agents.ErrorTypeConsent, agents.ErrConsentRequired)

	resp := Synthesize(st)

	assert.Equal(t, "ActionExecutor did not run: automated actions need your action consent.", resp.Text)
}

func TestSynthesizeNeverEmpty(t *testing.T) {
	resp := Synthesize(envelope.NewState("user-1", "??"))

	assert.NotEmpty(t, strings.TrimSpace(resp.Text))
	assert.Empty(t, resp.ToolsUsed)
	assert.Empty(t, resp.Suggestions)
}

func TestDedupeLimit(t *testing.T) {
	got := dedupe([]string{"a", "A", "", "b", "c", "d"}, 3)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}
