package agents

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
)

// Facts implements FactSource.
func (r StatementResult) Facts() []Fact {
	return []Fact{
		{Label: "statement rows parsed", Value: fmt.Sprintf("%d of %d", r.Parsed(), r.TotalRows)},
		{Label: "statement rows skipped", Value: strconv.Itoa(len(r.RowErrors))},
	}
}

// Facts implements FactSource.
func (r BudgetReport) Facts() []Fact {
	facts := []Fact{
		{Label: "period", Value: r.Period.Label},
		{Label: "total expenses", Value: ledger.FormatMoney(r.TotalExpenses)},
		{Label: "total income", Value: ledger.FormatMoney(r.TotalIncome)},
		{Label: "savings share of income", Value: fmt.Sprintf("%.1f%%", r.Split.SavingsPct)},
	}
	for i, c := range r.Categories {
		if i == 5 {
			break
		}
		facts = append(facts, Fact{Label: "spend on " + c.Category, Value: fmt.Sprintf("%s (%.1f%%)", ledger.FormatMoney(c.Amount), c.Share)})
	}
	if r.Focus != nil {
		facts = append(facts, Fact{Label: "asked-about category " + r.Focus.Category, Value: ledger.FormatMoney(r.Focus.Amount)})
	}
	for _, b := range r.Overspent() {
		facts = append(facts, Fact{Label: "over budget " + b.Category, Value: fmt.Sprintf("%s of %s", ledger.FormatMoney(b.Spent), ledger.FormatMoney(b.Limit))})
	}
	return facts
}

// Facts implements FactSource.
func (r GoalReport) Facts() []Fact {
	facts := []Fact{{Label: "average monthly net savings", Value: ledger.FormatMoney(r.MonthlySavings)}}
	for _, g := range r.Goals {
		status := "behind"
		if g.OnTrack {
			status = "on track"
		}
		facts = append(facts, Fact{
			Label: "goal " + g.Name,
			Value: fmt.Sprintf("%.1f%% of %s, %s/month needed, %s", g.ProgressPct, ledger.FormatMoney(g.Target), ledger.FormatMoney(g.RequiredMonthly), status),
		})
	}
	for _, t := range r.Templates {
		facts = append(facts, Fact{Label: "suggested goal " + t.Name, Value: fmt.Sprintf("%s at %s/month", ledger.FormatMoney(t.Target), ledger.FormatMoney(t.MonthlyRequired))})
	}
	return facts
}

// Facts implements FactSource.
func (r KnowledgeResult) Facts() []Fact {
	facts := make([]Fact, 0, len(r.Snippets))
	for _, s := range r.Snippets {
		facts = append(facts, Fact{Label: s.Title + " (" + s.Source + ")", Value: s.Text})
	}
	return facts
}

// Facts implements FactSource.
func (r MLReport) Facts() []Fact {
	weights := make([]string, len(r.Allocation.Weights))
	for i, w := range r.Allocation.Weights {
		weights[i] = fmt.Sprintf("%s %d%%", w.Asset, w.Percent)
	}
	facts := []Fact{
		{Label: "target allocation (" + r.Allocation.RiskTolerance + ")", Value: strings.Join(weights, ", ")},
		{Label: "expected annual return", Value: fmt.Sprintf("%.1f%%", r.Allocation.ExpectedReturn)},
		{Label: "risk level", Value: fmt.Sprintf("%s (%.1f/10)", r.Risk.Level, r.Risk.Score)},
	}
	if r.Forecast != nil {
		facts = append(facts, Fact{Label: "forecast 12-month expenses", Value: ledger.FormatMoney(r.Forecast.AnnualTotal)})
	}
	return facts
}

// Facts implements FactSource.
func (p TaskPlan) Facts() []Fact {
	titles := make([]string, len(p.Tasks))
	for i, t := range p.Tasks {
		titles[i] = t.Title
	}
	return []Fact{
		{Label: "plan steps", Value: strings.Join(titles, "; ")},
		{Label: "estimated effort", Value: fmt.Sprintf("%.1f hours", p.TotalHours)},
	}
}
