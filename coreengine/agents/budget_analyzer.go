package agents

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/shopspring/decimal"
)

// concentrationAlertPct flags any category above this share of expenses.
const concentrationAlertPct = 30.0

// 50/30/20 targets, as percentages of the basis.
const (
	needsTargetPct   = 50.0
	wantsTargetPct   = 30.0
	savingsTargetPct = 20.0
)

var needsCategories = map[string]bool{
	"Housing":          true,
	"Utilities":        true,
	"Transportation":   true,
	"Food & Dining":    true,
	"Health & Fitness": true,
	"Education":        true,
}

// Transaction sources for a budget report.
const (
	SourceStatement = "statement"
	SourceHistory   = "history"
)

// CategoryShare is one category's spend and share of total expenses.
type CategoryShare struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
	Share    float64         `json:"share_pct"`
}

// BudgetStatus compares a monthly budget to actual spend.
type BudgetStatus struct {
	Category string          `json:"category"`
	Month    string          `json:"month"`
	Limit    decimal.Decimal `json:"limit"`
	Spent    decimal.Decimal `json:"spent"`
	Ratio    float64         `json:"ratio"`
	Over     bool            `json:"over"`
}

// RuleSplit measures spend against the 50/30/20 rule. Basis is period income,
// or total expenses when there was none.
type RuleSplit struct {
	Basis      decimal.Decimal `json:"basis"`
	Needs      decimal.Decimal `json:"needs"`
	Wants      decimal.Decimal `json:"wants"`
	Savings    decimal.Decimal `json:"savings"`
	NeedsPct   float64         `json:"needs_pct"`
	WantsPct   float64         `json:"wants_pct"`
	SavingsPct float64         `json:"savings_pct"`
}

// FocusSpend is the spend in the category the query asked about.
type FocusSpend struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

// BudgetReport is the BudgetAnalyzer output.
type BudgetReport struct {
	Period           ledger.Period   `json:"period"`
	Source           string          `json:"source"`
	TransactionCount int             `json:"transaction_count"`
	TotalExpenses    decimal.Decimal `json:"total_expenses"`
	TotalIncome      decimal.Decimal `json:"total_income"`
	Categories       []CategoryShare `json:"categories"`
	Budgets          []BudgetStatus  `json:"budgets,omitempty"`
	Alerts           []string        `json:"alerts,omitempty"`
	Split            RuleSplit       `json:"rule_50_30_20"`
	Recommendations  []string        `json:"recommendations,omitempty"`
	Focus            *FocusSpend     `json:"focus,omitempty"`
}

// Overspent returns the budgets whose spend exceeded the limit.
func (r BudgetReport) Overspent() []BudgetStatus {
	var out []BudgetStatus
	for _, b := range r.Budgets {
		if b.Over {
			out = append(out, b)
		}
	}
	return out
}

// Summary implements envelope.Section.
func (r BudgetReport) Summary() string {
	var parts []string
	if r.Focus != nil {
		parts = append(parts, fmt.Sprintf("You spent %s on %s in %s across %d transactions.",
			ledger.FormatMoney(r.Focus.Amount), r.Focus.Category, r.Period.Label, r.Focus.Count))
	}
	if len(r.Categories) == 0 {
		parts = append(parts, fmt.Sprintf("No expenses recorded for %s.", r.Period.Label))
	} else {
		top := r.Categories[0]
		parts = append(parts, fmt.Sprintf("Total expenses for %s: %s across %d categories; the largest is %s at %.1f%%.",
			r.Period.Label, ledger.FormatMoney(r.TotalExpenses), len(r.Categories), top.Category, top.Share))
	}
	if r.Source == SourceStatement {
		parts = append(parts, "Figures come from the uploaded statement.")
	}
	if over := r.Overspent(); len(over) > 0 {
		items := make([]string, len(over))
		for i, b := range over {
			items[i] = fmt.Sprintf("%s (%s of %s, %.0f%%)", b.Category, ledger.FormatMoney(b.Spent), ledger.FormatMoney(b.Limit), b.Ratio*100)
		}
		parts = append(parts, "Over budget: "+strings.Join(items, ", ")+".")
	}
	parts = append(parts, r.Alerts...)
	return strings.Join(parts, " ")
}

// Suggestions implements envelope.Suggester.
func (r BudgetReport) Suggestions() []string {
	return r.Recommendations
}

// BudgetAnalyzer computes spending breakdowns against budgets.
type BudgetAnalyzer struct{}

// NewBudgetAnalyzer creates the budget analyzer node.
func NewBudgetAnalyzer() *BudgetAnalyzer { return &BudgetAnalyzer{} }

// ID implements Node.
func (*BudgetAnalyzer) ID() envelope.NodeID { return envelope.NodeBudgetAnalyzer }

// Run implements Node. The freshly parsed statement is preferred over the
// stored history when the StatementParser ran earlier in the turn.
func (*BudgetAnalyzer) Run(_ context.Context, view envelope.View) (envelope.Contribution, error) {
	txs, source := view.Context.Transactions, SourceHistory
	if stmt, ok := envelope.ResultOf[StatementResult](view, envelope.NodeStatementParser); ok {
		txs, source = stmt.Transactions, SourceStatement
	}
	now := view.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	return envelope.Contribution{Output: AnalyzeBudget(txs, view.Context.Budgets, view.Query, source, now)}, nil
}

// AnalyzeBudget builds the report for the period the query names.
func AnalyzeBudget(txs []envelope.Transaction, budgets []envelope.Budget, query, source string, now time.Time) BudgetReport {
	period := PeriodFromQuery(query, now)
	spend := ledger.SpendByCategory(txs, period)

	report := BudgetReport{
		Period:        period,
		Source:        source,
		TotalExpenses: spend.Expenses,
		TotalIncome:   spend.Income,
	}
	for _, t := range txs {
		if period.Contains(t.Date) {
			report.TransactionCount++
		}
	}

	for _, c := range spend.Categories {
		share := percent(c.Amount, spend.Expenses)
		report.Categories = append(report.Categories, CategoryShare{
			Category: c.Category, Amount: c.Amount, Count: c.Count, Share: share,
		})
		if share > concentrationAlertPct {
			report.Alerts = append(report.Alerts, fmt.Sprintf("High spending in %s: %.1f%% of expenses.", c.Category, share))
		}
	}

	report.Budgets = compareBudgets(txs, budgets, budgetMonth(period, now))
	report.Split = splitByRule(spend)
	report.Recommendations = recommend(report)

	if cat, ok := ledger.CategoryInText(query); ok {
		focus := FocusSpend{Category: cat, Amount: spend.Total(cat)}
		for _, c := range spend.Categories {
			if c.Category == cat {
				focus.Count = c.Count
			}
		}
		report.Focus = &focus
	}
	return report
}

// PeriodFromQuery maps phrases like "last month" to a date range relative to
// now. Anything else covers all recorded transactions.
func PeriodFromQuery(query string, now time.Time) ledger.Period {
	q := strings.ToLower(query)
	switch {
	case strings.Contains(q, "last month"), strings.Contains(q, "previous month"):
		return ledger.PreviousMonthPeriod(now)
	case strings.Contains(q, "this month"), strings.Contains(q, "current month"):
		return ledger.MonthPeriod(now)
	case strings.Contains(q, "this year"):
		from := time.Date(now.Year(), 1, 1, 0, 0, 0, 0, time.UTC)
		return ledger.Period{From: from, To: from.AddDate(1, 0, 0), Label: fmt.Sprintf("%d", now.Year())}
	default:
		return ledger.Period{Label: "all recorded transactions"}
	}
}

// budgetMonth picks the month whose budgets apply: the period's month when the
// period is a single month, otherwise the current month.
func budgetMonth(p ledger.Period, now time.Time) time.Time {
	if !p.From.IsZero() && p.From.AddDate(0, 1, 0).Equal(p.To) {
		return p.From
	}
	return now
}

func compareBudgets(txs []envelope.Transaction, budgets []envelope.Budget, month time.Time) []BudgetStatus {
	key := month.Format("2006-01")
	spend := ledger.SpendByCategory(txs, ledger.MonthPeriod(month))

	var out []BudgetStatus
	for _, b := range budgets {
		if b.Month != key {
			continue
		}
		spent := spend.Total(b.Category)
		status := BudgetStatus{Category: b.Category, Month: b.Month, Limit: b.Amount, Spent: spent}
		if b.Amount.IsPositive() {
			status.Ratio = round2(spent.Div(b.Amount).InexactFloat64())
			status.Over = spent.GreaterThan(b.Amount)
		}
		out = append(out, status)
	}
	return out
}

func splitByRule(spend ledger.SpendSummary) RuleSplit {
	split := RuleSplit{Basis: spend.Income, Needs: decimal.Zero, Wants: decimal.Zero, Savings: decimal.Zero}
	if !split.Basis.IsPositive() {
		split.Basis = spend.Expenses
	}
	for _, c := range spend.Categories {
		switch {
		case c.Category == "Savings":
			split.Savings = split.Savings.Add(c.Amount)
		case needsCategories[c.Category]:
			split.Needs = split.Needs.Add(c.Amount)
		default:
			split.Wants = split.Wants.Add(c.Amount)
		}
	}
	if spend.Income.IsPositive() {
		// Whatever income was not spent counts toward savings.
		if left := spend.Income.Sub(spend.Expenses); left.IsPositive() {
			split.Savings = split.Savings.Add(left)
		}
	}
	split.NeedsPct = percent(split.Needs, split.Basis)
	split.WantsPct = percent(split.Wants, split.Basis)
	split.SavingsPct = percent(split.Savings, split.Basis)
	return split
}

func recommend(r BudgetReport) []string {
	if len(r.Categories) == 0 {
		return []string{"Add transactions or upload a statement so I can analyze your spending"}
	}
	var out []string
	s := r.Split
	if s.NeedsPct > needsTargetPct {
		out = append(out, fmt.Sprintf("Essential expenses take %.1f%%; aim for %.0f%%", s.NeedsPct, needsTargetPct))
	}
	if s.WantsPct > wantsTargetPct {
		out = append(out, fmt.Sprintf("Discretionary spending is %.1f%%; try to keep it under %.0f%%", s.WantsPct, wantsTargetPct))
	}
	if s.SavingsPct < savingsTargetPct {
		out = append(out, fmt.Sprintf("Try to save at least %.0f%% of your income", savingsTargetPct))
	}
	for _, c := range r.Categories {
		if c.Category == "Food & Dining" && c.Share > 15 {
			out = append(out, "Food spending is high; meal planning and cooking at home can help")
		}
	}
	for _, b := range r.Overspent() {
		out = append(out, fmt.Sprintf("Review your %s spending or raise its budget", b.Category))
	}
	return out
}

func percent(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	return math.Round(part.Div(whole).InexactFloat64()*1000) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
