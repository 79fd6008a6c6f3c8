package ledger

import (
	"sort"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/shopspring/decimal"
)

// Period is a half-open date range [From, To). A zero Period matches
// everything.
type Period struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
	// Label is a human description such as "June 2024".
	Label string `json:"label"`
}

// Contains reports whether t falls inside the period.
func (p Period) Contains(t time.Time) bool {
	if !p.From.IsZero() && t.Before(p.From) {
		return false
	}
	if !p.To.IsZero() && !t.Before(p.To) {
		return false
	}
	return true
}

// MonthPeriod returns the calendar month containing t.
func MonthPeriod(t time.Time) Period {
	from := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return Period{From: from, To: from.AddDate(0, 1, 0), Label: from.Format("January 2006")}
}

// CategorySpend is the total expense in one category.
type CategorySpend struct {
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Count    int             `json:"count"`
}

// SpendSummary is the output of SpendByCategory.
type SpendSummary struct {
	Categories []CategorySpend `json:"categories"` // largest first
	Expenses   decimal.Decimal `json:"total_expenses"`
	Income     decimal.Decimal `json:"total_income"`
}

// SpendByCategory totals expenses per category and income overall for the
// transactions inside period. Expense amounts are reported as positive.
func SpendByCategory(txs []envelope.Transaction, period Period) SpendSummary {
	byCat := make(map[string]*CategorySpend)
	summary := SpendSummary{Expenses: decimal.Zero, Income: decimal.Zero}

	for _, t := range txs {
		if !period.Contains(t.Date) {
			continue
		}
		if !t.IsExpense() {
			summary.Income = summary.Income.Add(t.Amount.Abs())
			continue
		}
		cat := t.Category
		if cat == "" {
			cat = Uncategorized
		}
		cs, ok := byCat[cat]
		if !ok {
			cs = &CategorySpend{Category: cat, Amount: decimal.Zero}
			byCat[cat] = cs
		}
		cs.Amount = cs.Amount.Add(t.Amount.Abs())
		cs.Count++
		summary.Expenses = summary.Expenses.Add(t.Amount.Abs())
	}

	for _, cs := range byCat {
		summary.Categories = append(summary.Categories, *cs)
	}
	sort.Slice(summary.Categories, func(i, j int) bool {
		a, b := summary.Categories[i], summary.Categories[j]
		if !a.Amount.Equal(b.Amount) {
			return a.Amount.GreaterThan(b.Amount)
		}
		return a.Category < b.Category
	})
	return summary
}

// Total returns the spend for category, zero if absent.
func (s SpendSummary) Total(category string) decimal.Decimal {
	for _, c := range s.Categories {
		if c.Category == category {
			return c.Amount
		}
	}
	return decimal.Zero
}

// PreviousMonthPeriod returns the calendar month before the one containing t.
func PreviousMonthPeriod(t time.Time) Period {
	first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	return MonthPeriod(first.AddDate(0, -1, 0))
}

// FormatMoney renders an amount with two decimals and thousands separators,
// e.g. "$1,250.50" or "-$40.00".
func FormatMoney(d decimal.Decimal) string {
	sign := ""
	if d.IsNegative() {
		sign = "-"
		d = d.Abs()
	}
	fixed := d.StringFixed(2)
	whole, frac := fixed[:len(fixed)-3], fixed[len(fixed)-3:]

	var b []byte
	for i := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b = append(b, ',')
		}
		b = append(b, whole[i])
	}
	return sign + "$" + string(b) + frac
}
