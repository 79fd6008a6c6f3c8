// Package stage derives a user's stage from their profile and data.
package stage

import (
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/shopspring/decimal"
)

// Policy holds the data minimums that separate MVP from Intermediate.
type Policy struct {
	MinTransactions int
	MinGoals        int
}

// Facts is everything Resolve looks at. It is a plain value so the resolver
// stays pure.
type Facts struct {
	DataConsent      bool
	AdvancedOptIn    bool
	TransactionCount int
	GoalCount        int
	// CompletedCycles counts past budget months kept within budget plus goals
	// that reached their target.
	CompletedCycles int
}

// Resolve maps facts to a stage. It is total and has no failure mode.
func Resolve(f Facts, p Policy) envelope.Stage {
	if !f.DataConsent {
		return envelope.StageStarted
	}
	if f.TransactionCount < p.MinTransactions || f.GoalCount < p.MinGoals {
		return envelope.StageMVP
	}
	if f.CompletedCycles < 1 {
		return envelope.StageMVP
	}
	if !f.AdvancedOptIn {
		return envelope.StageIntermediate
	}
	return envelope.StageAdvanced
}

// Monotonic keeps a user's stage from regressing between turns. Only an
// explicit consent withdrawal sends the user back to Started.
func Monotonic(resolved, highWater envelope.Stage, dataConsent bool) envelope.Stage {
	if !dataConsent {
		return envelope.StageStarted
	}
	if resolved < highWater {
		return highWater
	}
	return resolved
}

// FactsFrom computes Facts from a profile and the loaded context. now decides
// which budget months are over.
func FactsFrom(p envelope.Profile, fc envelope.FinancialContext, now time.Time) Facts {
	return Facts{
		DataConsent:      p.DataConsent,
		AdvancedOptIn:    p.AdvancedOptIn,
		TransactionCount: len(fc.Transactions),
		GoalCount:        len(fc.Goals),
		CompletedCycles:  completedBudgetCycles(fc, now) + completedGoals(fc.Goals),
	}
}

// completedBudgetCycles counts months before now's month that had budgets and
// where every budgeted category stayed within its limit.
func completedBudgetCycles(fc envelope.FinancialContext, now time.Time) int {
	current := now.Format("2006-01")

	spent := make(map[string]decimal.Decimal) // month|category -> spend
	for _, t := range fc.Transactions {
		if !t.IsExpense() {
			continue
		}
		key := t.Month() + "|" + t.Category
		spent[key] = spent[key].Add(t.Amount.Abs())
	}

	within := make(map[string]bool)
	for _, b := range fc.Budgets {
		if b.Month >= current {
			continue
		}
		ok, seen := within[b.Month]
		if !seen {
			ok = true
		}
		if spent[b.Month+"|"+b.Category].GreaterThan(b.Amount) {
			ok = false
		}
		within[b.Month] = ok
	}

	n := 0
	for _, ok := range within {
		if ok {
			n++
		}
	}
	return n
}

func completedGoals(goals []envelope.Goal) int {
	n := 0
	for _, g := range goals {
		if g.Reached() {
			n++
		}
	}
	return n
}
