package runtime

import (
	"fmt"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/config"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/observability"
)

// Drop reasons recorded in the route plan.
const (
	DropStageCeiling = "stage_ceiling"
	DropConsent      = "consent_required"
	DropNoStatement  = "no_statement"
)

// RouteTable maps every intent to its node sequence.
type RouteTable map[envelope.Intent][]envelope.NodeID

// DefaultTable returns the built-in intent table.
func DefaultTable() RouteTable {
	return RouteTable{
		envelope.IntentExpenseTracking:   {envelope.NodeStatementParser, envelope.NodeBudgetAnalyzer},
		envelope.IntentBudgetAnalysis:    {envelope.NodeStatementParser, envelope.NodeBudgetAnalyzer, envelope.NodeReasoningEngine},
		envelope.IntentGoalTracking:      {envelope.NodeGoalPlanner, envelope.NodeReasoningEngine},
		envelope.IntentInvestmentInquiry: {envelope.NodeKnowledgeRetriever, envelope.NodeMLModels, envelope.NodeReasoningEngine},
		envelope.IntentTaxKnowledge:      {envelope.NodeKnowledgeRetriever, envelope.NodeReasoningEngine},
		envelope.IntentAdvancedPlanning:  {envelope.NodeTaskDecomposer, envelope.NodeReasoningEngine, envelope.NodeActionExecutor},
		envelope.IntentGeneralInquiry:    {envelope.NodeKnowledgeRetriever, envelope.NodeReasoningEngine},
		envelope.IntentUnknown:           {envelope.NodeReasoningEngine},
	}
}

// ValidateTable checks that every intent has a non-empty sequence of valid,
// distinct nodes.
func ValidateTable(t RouteTable) error {
	var problems []string
	for _, in := range envelope.Intents() {
		seq, ok := t[in]
		if !ok || len(seq) == 0 {
			problems = append(problems, fmt.Sprintf("intent '%s' has no route", in))
			continue
		}
		seen := make(map[envelope.NodeID]bool, len(seq))
		for _, id := range seq {
			if !id.Valid() {
				problems = append(problems, fmt.Sprintf("intent '%s' routes to invalid node %d", in, int(id)))
				continue
			}
			if seen[id] {
				problems = append(problems, fmt.Sprintf("intent '%s' routes to '%s' twice", in, id))
			}
			seen[id] = true
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid route table: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Router turns a classified state into a route plan. It is read-only after
// construction and safe for concurrent use.
type Router struct {
	table            RouteTable
	clarifyThreshold float64
	logger           logging.Logger
}

// NewRouter builds a router from the default table with cfg's overrides
// applied.
func NewRouter(cfg config.RouterConfig, logger logging.Logger) (*Router, error) {
	overrides, err := cfg.RouteOverrides()
	if err != nil {
		return nil, err
	}
	table := DefaultTable()
	for in, seq := range overrides {
		table[in] = seq
	}
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	return &Router{
		table:            table,
		clarifyThreshold: cfg.ClarifyThreshold,
		logger:           logger.Bind("component", "router"),
	}, nil
}

// Table returns a copy of the effective route table.
func (r *Router) Table() RouteTable {
	out := make(RouteTable, len(r.table))
	for k, v := range r.table {
		out[k] = append([]envelope.NodeID(nil), v...)
	}
	return out
}

// Route decides which nodes run, in order. It reads the state but never
// changes it.
func (r *Router) Route(st *envelope.State) envelope.RoutePlan {
	if st.Stage == envelope.StageStarted {
		return envelope.RoutePlan{Sequence: []envelope.NodeID{envelope.NodeOnboarding}, Mode: envelope.ModeAnalyze}
	}
	if st.Confidence < r.clarifyThreshold || st.Intent == envelope.IntentUnknown {
		return envelope.RoutePlan{Sequence: []envelope.NodeID{envelope.NodeReasoningEngine}, Mode: envelope.ModeClarify}
	}

	plan := envelope.RoutePlan{Mode: envelope.ModeAnalyze}
	requested, ok := r.table[st.Intent]
	if !ok {
		r.logger.Error("route_missing", "intent", st.Intent.String(), "request_id", st.RequestID)
		requested = r.table[envelope.IntentUnknown]
		plan.Mode = envelope.ModeClarify
	}

	var ceiling []string
	for _, id := range requested {
		switch {
		case id == envelope.NodeStatementParser && len(st.Statement) == 0:
			drop(&plan, id, DropNoStatement)
		case !st.Stage.AtLeast(agents.MinStage(id)):
			drop(&plan, id, DropStageCeiling)
			ceiling = append(ceiling, fmt.Sprintf("%s (from %s)", id, agents.MinStage(id)))
		case id == envelope.NodeActionExecutor && !st.ConsentGiven:
			drop(&plan, id, DropConsent)
		default:
			plan.Sequence = append(plan.Sequence, id)
		}
	}

	if len(ceiling) > 0 {
		plan.Notes = append(plan.Notes, fmt.Sprintf(
			"Some analyses are not available at your current stage (%s) and were skipped: %s.",
			st.Stage, strings.Join(ceiling, ", ")))
	}
	for _, d := range plan.Dropped {
		switch d.Reason {
		case DropConsent:
			plan.Notes = append(plan.Notes,
				"Automated actions were not executed because you have not given consent for them. You can enable action consent in your profile.")
		case DropNoStatement:
			if contains(plan.Sequence, envelope.NodeBudgetAnalyzer) {
				plan.Notes = append(plan.Notes, "No statement was attached, so your saved transactions were used.")
			}
		}
	}
	if len(plan.Sequence) == 0 {
		plan.Sequence = []envelope.NodeID{envelope.NodeReasoningEngine}
	}
	return plan
}

func drop(plan *envelope.RoutePlan, id envelope.NodeID, reason string) {
	plan.Dropped = append(plan.Dropped, envelope.DroppedNode{Node: id, Reason: reason})
	observability.RecordRouteDrop(id.String(), reason)
}

func contains(seq []envelope.NodeID, id envelope.NodeID) bool {
	for _, s := range seq {
		if s == id {
			return true
		}
	}
	return false
}
