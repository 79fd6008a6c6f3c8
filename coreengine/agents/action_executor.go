package agents

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/shopspring/decimal"
)

// Audit statuses.
const (
	AuditSimulated = "simulated"
	AuditExecuted  = "executed"
)

// Action is a candidate automated action.
type Action struct {
	Type        ActionType     `json:"type"`
	Name        string         `json:"action"`
	Description string         `json:"description"`
	Priority    Priority       `json:"priority"`
	Data        map[string]any `json:"data,omitempty"`
}

// ExecutedAction pairs an action with its audit record id.
type ExecutedAction struct {
	Action  Action `json:"action"`
	AuditID string `json:"audit_id"`
}

// ActionReport is the ActionExecutor output.
type ActionReport struct {
	Executed  []ExecutedAction `json:"executed"`
	Suggested []Action         `json:"suggested"`
}

// Summary implements envelope.Section.
func (r ActionReport) Summary() string {
	var parts []string
	if len(r.Executed) > 0 {
		items := make([]string, len(r.Executed))
		for i, e := range r.Executed {
			items[i] = e.Action.Description
		}
		parts = append(parts, fmt.Sprintf("Simulated %d action(s): %s.", len(r.Executed), strings.Join(items, "; ")))
	}
	if len(r.Suggested) > 0 {
		items := make([]string, len(r.Suggested))
		for i, a := range r.Suggested {
			items[i] = a.Description
		}
		parts = append(parts, "Left for you to review, since they need a banking or brokerage integration: "+strings.Join(items, "; ")+".")
	}
	if len(parts) == 0 {
		return "No automated actions were needed."
	}
	return strings.Join(parts, " ")
}

// Suggestions implements envelope.Suggester.
func (r ActionReport) Suggestions() []string {
	out := make([]string, 0, len(r.Suggested))
	for _, a := range r.Suggested {
		out = append(out, a.Description)
	}
	return out
}

// ActionExecutor simulates the enabled actions and records them. Everything
// else is handed back as a suggestion.
type ActionExecutor struct {
	audit   AuditLog
	enabled map[ActionType]bool
	now     func() time.Time
}

// NewActionExecutor creates the node. A nil enabled map uses
// DefaultEnabledActions.
func NewActionExecutor(audit AuditLog, enabled map[ActionType]bool) *ActionExecutor {
	if enabled == nil {
		enabled = DefaultEnabledActions()
	}
	return &ActionExecutor{audit: audit, enabled: enabled, now: func() time.Time { return time.Now().UTC() }}
}

// ID implements Node.
func (*ActionExecutor) ID() envelope.NodeID { return envelope.NodeActionExecutor }

// Enabled reports whether t can be simulated.
func (n *ActionExecutor) Enabled(t ActionType) bool {
	return n.enabled[t]
}

// Run implements Node. Without consent it returns ErrConsentRequired before
// touching anything.
func (n *ActionExecutor) Run(ctx context.Context, view envelope.View) (envelope.Contribution, error) {
	if !view.ConsentGiven {
		return envelope.Contribution{}, ErrConsentRequired
	}
	var (
		report ActionReport
		recs   []AuditRecord
	)
	for _, a := range CandidateActions(view) {
		if !n.enabled[a.Type] {
			report.Suggested = append(report.Suggested, a)
			continue
		}
		rec := n.newRecord(view.UserID, view.RequestID, a)
		recs = append(recs, rec)
		report.Executed = append(report.Executed, ExecutedAction{Action: a, AuditID: rec.ID})
	}
	if len(recs) > 0 {
		if n.audit == nil {
			return envelope.Contribution{}, errNoAuditLog
		}
		// One write: a failed node must leave no records behind.
		if err := n.audit.AppendAll(ctx, recs); err != nil {
			return envelope.Contribution{}, fmt.Errorf("append audit records: %w", err)
		}
	}
	return envelope.Contribution{Output: report}, nil
}

var errNoAuditLog = errors.New("no audit log configured")

// Execute runs one action outside a turn, for an explicit user request. It
// refuses without consent and for actions that are not enabled.
func (n *ActionExecutor) Execute(ctx context.Context, userID string, consent bool, a Action) (AuditRecord, error) {
	if !consent {
		return AuditRecord{}, ErrConsentRequired
	}
	if !n.enabled[a.Type] {
		return AuditRecord{}, fmt.Errorf("action type '%s' is not enabled", a.Type)
	}
	return n.record(ctx, userID, "", a)
}

func (n *ActionExecutor) record(ctx context.Context, userID, requestID string, a Action) (AuditRecord, error) {
	rec := n.newRecord(userID, requestID, a)
	if n.audit == nil {
		return AuditRecord{}, errNoAuditLog
	}
	if err := n.audit.Append(ctx, rec); err != nil {
		return AuditRecord{}, fmt.Errorf("append audit record: %w", err)
	}
	return rec, nil
}

func (n *ActionExecutor) newRecord(userID, requestID string, a Action) AuditRecord {
	rec := AuditRecord{
		ID:        uuid.NewString(),
		UserID:    userID,
		RequestID: requestID,
		Action:    a.Name,
		Type:      a.Type,
		Status:    AuditSimulated,
		Simulated: true,
		Details:   map[string]any{"description": a.Description, "priority": string(a.Priority)},
		CreatedAt: n.now(),
	}
	for k, v := range a.Data {
		rec.Details[k] = v
	}
	return rec
}

// CandidateActions derives actions from the analyses that ran earlier in the
// turn. A report is always offered.
func CandidateActions(view envelope.View) []Action {
	var out []Action

	if budget, ok := envelope.ResultOf[BudgetReport](view, envelope.NodeBudgetAnalyzer); ok {
		for _, b := range budget.Overspent() {
			out = append(out, Action{
				Type: ActionNotification, Name: "send_budget_alert", Priority: PriorityHigh,
				Description: fmt.Sprintf("Budget alert: %s is over budget (%s of %s)", b.Category, ledger.FormatMoney(b.Spent), ledger.FormatMoney(b.Limit)),
				Data:        map[string]any{"category": b.Category, "month": b.Month},
			})
		}
		if budget.TotalExpenses.IsPositive() {
			amount := budget.TotalExpenses.Mul(decimal.NewFromFloat(0.1)).Round(2)
			out = append(out, Action{
				Type: ActionTransfer, Name: "optimize_savings", Priority: PriorityMedium,
				Description: fmt.Sprintf("Transfer %s of surplus to savings", ledger.FormatMoney(amount)),
				Data:        map[string]any{"amount": amount.String()},
			})
		}
	}

	if goals, ok := envelope.ResultOf[GoalReport](view, envelope.NodeGoalPlanner); ok {
		for _, g := range goals.Goals {
			if g.Priority == PriorityCritical && !g.Reached {
				out = append(out, Action{
					Type: ActionTransfer, Name: "goal_contribution", Priority: PriorityHigh,
					Description: fmt.Sprintf("Monthly transfer of %s toward %s", ledger.FormatMoney(g.RequiredMonthly), g.Name),
					Data:        map[string]any{"goal": g.Name, "amount": g.RequiredMonthly.String()},
				})
			}
		}
	}

	if ml, ok := envelope.ResultOf[MLReport](view, envelope.NodeMLModels); ok {
		out = append(out, Action{
			Type: ActionRebalance, Name: "rebalance_portfolio", Priority: PriorityMedium,
			Description: fmt.Sprintf("Rebalance the portfolio to the %s target allocation", ml.Allocation.RiskTolerance),
			Data:        map[string]any{"risk_tolerance": ml.Allocation.RiskTolerance, "threshold_pct": 5},
		})
	}

	if plan, ok := envelope.ResultOf[TaskPlan](view, envelope.NodeTaskDecomposer); ok {
		for _, id := range plan.CriticalPath {
			out = append(out, Action{
				Type: ActionNotification, Name: "task_reminder", Priority: PriorityMedium,
				Description: "Reminder: " + plan.titleOf(id),
				Data:        map[string]any{"task_id": id, "due": "1 week"},
			})
		}
	}

	return append(out, Action{
		Type: ActionReportGeneration, Name: "generate_financial_report", Priority: PriorityLow,
		Description: "Generate a financial summary report",
		Data:        map[string]any{"report_type": "comprehensive"},
	})
}
