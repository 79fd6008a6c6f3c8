package agents

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/shopspring/decimal"
)

const daysPerMonth = 30.44

// maxProjectionMonths bounds completion projections at a century.
const maxProjectionMonths = 1200

// Template assumptions.
const (
	defaultMonthlyExpenses = 4000
	emergencyMonths        = 6
	emergencyTimeline      = 12
	retirementTarget       = 1_000_000
	retirementYears        = 30
	retirementReturn       = 0.07
	housePrice             = 400_000
	houseDownPayment       = 0.20
	houseTimeline          = 60
	vacationTarget         = 5000
	vacationTimeline       = 8
)

// GoalProgress is the plan for one stored goal.
type GoalProgress struct {
	Name            string          `json:"name"`
	Target          decimal.Decimal `json:"target_amount"`
	Current         decimal.Decimal `json:"current_amount"`
	Remaining       decimal.Decimal `json:"remaining"`
	ProgressPct     float64         `json:"progress_pct"`
	Deadline        time.Time       `json:"deadline"`
	MonthsLeft      int             `json:"months_left"`
	RequiredMonthly decimal.Decimal `json:"required_monthly"`
	// MonthlyRate is the contribution pace the projection assumes.
	MonthlyRate         decimal.Decimal `json:"monthly_rate"`
	ProjectedCompletion *time.Time      `json:"projected_completion,omitempty"`
	OnTrack             bool            `json:"on_track"`
	Reached             bool            `json:"reached"`
	Priority            Priority        `json:"priority"`
}

// GoalTemplate is a suggested goal for users without any.
type GoalTemplate struct {
	Name            string          `json:"name"`
	Target          decimal.Decimal `json:"target_amount"`
	Months          int             `json:"timeline_months"`
	MonthlyRequired decimal.Decimal `json:"monthly_required"`
	Priority        Priority        `json:"priority"`
	Notes           string          `json:"notes"`
}

// GoalReport is the GoalPlanner output.
type GoalReport struct {
	Goals                []GoalProgress  `json:"goals"`
	Templates            []GoalTemplate  `json:"templates,omitempty"`
	MonthlySavings       decimal.Decimal `json:"monthly_savings"`
	TotalMonthlyRequired decimal.Decimal `json:"total_monthly_required"`
}

// Summary implements envelope.Section.
func (r GoalReport) Summary() string {
	var parts []string
	if len(r.Goals) == 0 {
		items := make([]string, len(r.Templates))
		for i, t := range r.Templates {
			items[i] = fmt.Sprintf("%s (%s, about %s/month over %d months)",
				t.Name, ledger.FormatMoney(t.Target), ledger.FormatMoney(t.MonthlyRequired), t.Months)
		}
		parts = append(parts, "You have no saved goals yet. Suggested starting points: "+strings.Join(items, "; ")+".")
	}
	for _, g := range r.Goals {
		if g.Reached {
			parts = append(parts, fmt.Sprintf("%s: reached %s.", g.Name, ledger.FormatMoney(g.Target)))
			continue
		}
		status := "behind schedule"
		if g.OnTrack {
			status = "on track"
		}
		line := fmt.Sprintf("%s: %.1f%% of %s saved; %s/month needed to finish by %s (%s, %s priority).",
			g.Name, g.ProgressPct, ledger.FormatMoney(g.Target), ledger.FormatMoney(g.RequiredMonthly),
			g.Deadline.Format("January 2006"), status, strings.ToLower(string(g.Priority)))
		if g.ProjectedCompletion != nil {
			line += fmt.Sprintf(" At the current pace it completes in %s.", g.ProjectedCompletion.Format("January 2006"))
		}
		parts = append(parts, line)
	}
	if r.TotalMonthlyRequired.IsPositive() {
		parts = append(parts, fmt.Sprintf("Total needed across goals: %s/month.", ledger.FormatMoney(r.TotalMonthlyRequired)))
	}
	return strings.Join(parts, " ")
}

// Suggestions implements envelope.Suggester.
func (r GoalReport) Suggestions() []string {
	var out []string
	for _, t := range r.Templates {
		out = append(out, fmt.Sprintf("Create a %s goal", t.Name))
	}
	for _, g := range r.Goals {
		if !g.Reached && !g.OnTrack {
			out = append(out, fmt.Sprintf("Increase contributions to %s or extend its deadline", g.Name))
		}
	}
	if len(r.Goals) > 0 {
		out = append(out, "Automate savings transfers to stay on track")
	}
	return out
}

// GoalPlanner tracks goal progress and projects completion.
type GoalPlanner struct{}

// NewGoalPlanner creates the goal planner node.
func NewGoalPlanner() *GoalPlanner { return &GoalPlanner{} }

// ID implements Node.
func (*GoalPlanner) ID() envelope.NodeID { return envelope.NodeGoalPlanner }

// Run implements Node.
func (*GoalPlanner) Run(_ context.Context, view envelope.View) (envelope.Contribution, error) {
	now := view.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return envelope.Contribution{Output: PlanGoals(view.Context, view.Query, now)}, nil
}

// PlanGoals builds the goal report. With no stored goals it proposes
// templates matched from the query.
func PlanGoals(fc envelope.FinancialContext, query string, now time.Time) GoalReport {
	savings, expenses := monthlyAverages(fc.Transactions)
	report := GoalReport{MonthlySavings: savings, TotalMonthlyRequired: decimal.Zero}

	if len(fc.Goals) == 0 {
		report.Templates = goalTemplates(query, expenses)
		return report
	}

	active := 0
	for _, g := range fc.Goals {
		if !g.Reached() {
			active++
		}
	}
	for _, g := range fc.Goals {
		p := planGoal(g, savings, active, now)
		report.Goals = append(report.Goals, p)
		report.TotalMonthlyRequired = report.TotalMonthlyRequired.Add(p.RequiredMonthly)
	}
	sort.SliceStable(report.Goals, func(i, j int) bool {
		a, b := report.Goals[i], report.Goals[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		return a.Deadline.Before(b.Deadline)
	})
	return report
}

func planGoal(g envelope.Goal, savings decimal.Decimal, active int, now time.Time) GoalProgress {
	p := GoalProgress{
		Name:            g.Name,
		Target:          g.Target,
		Current:         g.Current,
		Deadline:        g.Deadline,
		Reached:         g.Reached(),
		Remaining:       decimal.Max(decimal.Zero, g.Target.Sub(g.Current)),
		RequiredMonthly: decimal.Zero,
		MonthlyRate:     decimal.Zero,
	}
	if g.Target.IsPositive() {
		p.ProgressPct = math.Min(100, percent(g.Current, g.Target))
	}
	if p.Reached {
		p.OnTrack = true
		p.Priority = PriorityLow
		return p
	}

	months := monthsBetween(now, g.Deadline)
	p.MonthsLeft = int(math.Max(0, math.Ceil(months)))
	p.RequiredMonthly = p.Remaining.Div(decimal.NewFromInt(int64(maxInt(p.MonthsLeft, 1)))).Round(2)

	// Own pace since creation, else an even share of the net monthly savings.
	if !g.CreatedAt.IsZero() && g.Current.IsPositive() {
		elapsed := math.Max(1, monthsBetween(g.CreatedAt, now))
		p.MonthlyRate = g.Current.Div(decimal.NewFromFloat(elapsed)).Round(2)
	}
	if !p.MonthlyRate.IsPositive() && savings.IsPositive() && active > 0 {
		p.MonthlyRate = savings.Div(decimal.NewFromInt(int64(active))).Round(2)
	}
	if p.MonthlyRate.IsPositive() {
		need := math.Ceil(p.Remaining.Div(p.MonthlyRate).InexactFloat64())
		if need <= maxProjectionMonths {
			done := now.AddDate(0, int(need), 0)
			p.ProjectedCompletion = &done
			p.OnTrack = !done.After(g.Deadline)
		}
	}
	p.Priority = goalPriority(g, p, months)
	return p
}

func goalPriority(g envelope.Goal, p GoalProgress, monthsLeft float64) Priority {
	label := strings.ToLower(g.Name + " " + g.Category)
	switch {
	case strings.Contains(label, "emergency"):
		return PriorityCritical
	case monthsLeft <= 12 && p.ProgressPct < 50:
		return PriorityHigh
	case monthsLeft <= 36:
		return PriorityMedium
	default:
		return PriorityLow
	}
}

// monthlyAverages returns the average net savings and expenses per month
// over the months that have any transactions.
func monthlyAverages(txs []envelope.Transaction) (savings, expenses decimal.Decimal) {
	months := make(map[string]bool)
	net, spent := decimal.Zero, decimal.Zero
	for _, t := range txs {
		months[t.Month()] = true
		if t.IsExpense() {
			spent = spent.Add(t.Amount.Abs())
			net = net.Sub(t.Amount.Abs())
		} else {
			net = net.Add(t.Amount.Abs())
		}
	}
	if len(months) == 0 {
		return decimal.Zero, decimal.Zero
	}
	n := decimal.NewFromInt(int64(len(months)))
	return net.Div(n).Round(2), spent.Div(n).Round(2)
}

func goalTemplates(query string, monthlyExpenses decimal.Decimal) []GoalTemplate {
	q := strings.ToLower(query)
	var out []GoalTemplate
	if strings.Contains(q, "emergency") {
		out = append(out, emergencyTemplate(monthlyExpenses))
	}
	if strings.Contains(q, "retire") {
		out = append(out, retirementTemplate())
	}
	if strings.Contains(q, "house") || strings.Contains(q, "home") {
		target := decimal.NewFromInt(housePrice).Mul(decimal.NewFromFloat(houseDownPayment))
		out = append(out, GoalTemplate{
			Name: "House Down Payment", Target: target, Months: houseTimeline,
			MonthlyRequired: target.Div(decimal.NewFromInt(houseTimeline)).Round(2),
			Priority:        PriorityMedium,
			Notes:           fmt.Sprintf("20%% down payment on a %s home", ledger.FormatMoney(decimal.NewFromInt(housePrice))),
		})
	}
	if strings.Contains(q, "vacation") || strings.Contains(q, "travel") {
		target := decimal.NewFromInt(vacationTarget)
		out = append(out, GoalTemplate{
			Name: "Vacation Fund", Target: target, Months: vacationTimeline,
			MonthlyRequired: target.Div(decimal.NewFromInt(vacationTimeline)).Round(2),
			Priority:        PriorityLow,
			Notes:           "Trip savings",
		})
	}
	if len(out) == 0 {
		out = append(out, emergencyTemplate(monthlyExpenses), retirementTemplate())
	}
	return out
}

func emergencyTemplate(monthlyExpenses decimal.Decimal) GoalTemplate {
	if !monthlyExpenses.IsPositive() {
		monthlyExpenses = decimal.NewFromInt(defaultMonthlyExpenses)
	}
	target := monthlyExpenses.Mul(decimal.NewFromInt(emergencyMonths)).Round(2)
	return GoalTemplate{
		Name: "Emergency Fund", Target: target, Months: emergencyTimeline,
		MonthlyRequired: target.Div(decimal.NewFromInt(emergencyTimeline)).Round(2),
		Priority:        PriorityCritical,
		Notes:           "Six months of living expenses",
	}
}

// retirementTemplate uses the future value of an annuity:
// PMT = FV * r / ((1 + r)^n - 1).
func retirementTemplate() GoalTemplate {
	r := retirementReturn / 12
	n := float64(retirementYears * 12)
	pmt := retirementTarget * r / (math.Pow(1+r, n) - 1)
	return GoalTemplate{
		Name: "Retirement Savings", Target: decimal.NewFromInt(retirementTarget), Months: retirementYears * 12,
		MonthlyRequired: decimal.NewFromFloat(pmt).Round(2),
		Priority:        PriorityHigh,
		Notes:           "Assumes a 7% average annual return",
	}
}

func monthsBetween(from, to time.Time) float64 {
	return to.Sub(from).Hours() / 24 / daysPerMonth
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
