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

// Portfolio model constants.
const (
	riskFreeRate        = 0.02
	portfolioVolatility = 0.12
	forecastMonths      = 12
	annualInflation     = 0.02
	seasonalAmplitude   = 0.10
	forecastBand        = 0.10
)

// Risk tolerance names.
const (
	RiskConservative = "conservative"
	RiskModerate     = "moderate"
	RiskAggressive   = "aggressive"
)

type assetClass struct {
	name           string
	expectedReturn float64
}

var assetClasses = []assetClass{
	{"US Stocks", 0.10},
	{"International Stocks", 0.09},
	{"Bonds", 0.04},
	{"REITs", 0.08},
	{"Commodities", 0.06},
}

// Weights per risk tolerance, in assetClasses order.
var allocationTable = map[string][]int{
	RiskConservative: {30, 10, 50, 5, 5},
	RiskModerate:     {40, 20, 25, 10, 5},
	RiskAggressive:   {50, 25, 10, 10, 5},
}

// AssetWeight is one line of a target allocation.
type AssetWeight struct {
	Asset   string `json:"asset"`
	Percent int    `json:"percent"`
}

// Allocation is a target portfolio for a risk tolerance.
type Allocation struct {
	RiskTolerance  string        `json:"risk_tolerance"`
	Weights        []AssetWeight `json:"weights"`
	ExpectedReturn float64       `json:"expected_return_pct"`
	Volatility     float64       `json:"volatility_pct"`
	SharpeRatio    float64       `json:"sharpe_ratio"`
}

// ForecastMonth is one projected month.
type ForecastMonth struct {
	Month    string          `json:"month"`
	Expected decimal.Decimal `json:"expected"`
	Low      decimal.Decimal `json:"low"`
	High     decimal.Decimal `json:"high"`
}

// Forecast projects monthly expenses forward.
type Forecast struct {
	Baseline      decimal.Decimal `json:"baseline_monthly"`
	Months        []ForecastMonth `json:"months"`
	AnnualTotal   decimal.Decimal `json:"annual_total"`
	AnnualChange  float64         `json:"annual_change_pct"`
	PeakMonth     string          `json:"peak_month"`
	HistoryMonths int             `json:"history_months"`
}

// RiskFactor is one scored contributor to overall risk.
type RiskFactor struct {
	Factor     string `json:"factor"`
	Score      int    `json:"score"` // 1-10
	Note       string `json:"note"`
	Mitigation string `json:"mitigation"`
}

// RiskSummary aggregates the risk factors.
type RiskSummary struct {
	Score   float64      `json:"score"`
	Level   string       `json:"level"`
	Factors []RiskFactor `json:"factors"`
}

// MLReport is the MLModels output.
type MLReport struct {
	Allocation Allocation  `json:"allocation"`
	Forecast   *Forecast   `json:"forecast,omitempty"`
	Risk       RiskSummary `json:"risk"`
}

// Summary implements envelope.Section.
func (r MLReport) Summary() string {
	weights := make([]string, len(r.Allocation.Weights))
	for i, w := range r.Allocation.Weights {
		weights[i] = fmt.Sprintf("%s %d%%", w.Asset, w.Percent)
	}
	parts := []string{fmt.Sprintf("Suggested allocation for a %s risk profile: %s (expected return %.1f%% a year, Sharpe %.2f).",
		r.Allocation.RiskTolerance, strings.Join(weights, ", "), r.Allocation.ExpectedReturn, r.Allocation.SharpeRatio)}
	if f := r.Forecast; f != nil {
		parts = append(parts, fmt.Sprintf("Projected expenses over the next 12 months: %s (%+.1f%% versus your current pace), peaking in %s.",
			ledger.FormatMoney(f.AnnualTotal), f.AnnualChange, f.PeakMonth))
	} else {
		parts = append(parts, "There is not enough expense history for a forecast yet.")
	}
	parts = append(parts, fmt.Sprintf("Overall risk: %s (%.1f/10).", r.Risk.Level, r.Risk.Score))
	return strings.Join(parts, " ")
}

// Suggestions implements envelope.Suggester.
func (r MLReport) Suggestions() []string {
	out := []string{"Rebalance when any asset class drifts more than 5% from target"}
	for _, f := range r.Risk.Factors {
		if f.Score >= 6 {
			out = append(out, f.Mitigation)
		}
	}
	return out
}

// MLModels runs the deterministic forecasting, allocation and risk models.
type MLModels struct{}

// NewMLModels creates the node.
func NewMLModels() *MLModels { return &MLModels{} }

// ID implements Node.
func (*MLModels) ID() envelope.NodeID { return envelope.NodeMLModels }

// Run implements Node.
func (*MLModels) Run(_ context.Context, view envelope.View) (envelope.Contribution, error) {
	now := view.ReceivedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}
	report := MLReport{Allocation: AllocateFor(view.Profile.RiskTolerance)}
	report.Forecast = ForecastExpenses(view.Context.Transactions, now)
	report.Risk = assessRisk(view)
	return envelope.Contribution{Output: report}, nil
}

// AllocateFor returns the target allocation for a risk tolerance. Unknown or
// empty tolerances are treated as moderate.
func AllocateFor(tolerance string) Allocation {
	key := strings.ToLower(strings.TrimSpace(tolerance))
	weights, ok := allocationTable[key]
	if !ok {
		key, weights = RiskModerate, allocationTable[RiskModerate]
	}
	a := Allocation{RiskTolerance: key, Volatility: portfolioVolatility * 100}
	ret := 0.0
	for i, w := range weights {
		a.Weights = append(a.Weights, AssetWeight{Asset: assetClasses[i].name, Percent: w})
		ret += float64(w) / 100 * assetClasses[i].expectedReturn
	}
	a.ExpectedReturn = math.Round(ret*1000) / 10
	a.SharpeRatio = round2((ret - riskFreeRate) / portfolioVolatility)
	return a
}

// ForecastExpenses projects the next twelve months from the average monthly
// expenses seen so far, with a seasonal swing and inflation trend. It returns
// nil without any expense history.
func ForecastExpenses(txs []envelope.Transaction, now time.Time) *Forecast {
	_, baseline := monthlyAverages(txs)
	if !baseline.IsPositive() {
		return nil
	}
	months := make(map[string]bool)
	for _, t := range txs {
		months[t.Month()] = true
	}

	f := &Forecast{Baseline: baseline, AnnualTotal: decimal.Zero, HistoryMonths: len(months)}
	base := baseline.InexactFloat64()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	peak := -1.0
	for m := 1; m <= forecastMonths; m++ {
		month := start.AddDate(0, m, 0)
		seasonal := 1 + seasonalAmplitude*math.Sin(2*math.Pi*float64(month.Month())/12)
		trend := 1 + annualInflation*float64(m)/12
		v := base * seasonal * trend
		expected := decimal.NewFromFloat(v).Round(2)
		f.Months = append(f.Months, ForecastMonth{
			Month:    month.Format("2006-01"),
			Expected: expected,
			Low:      decimal.NewFromFloat(v * (1 - forecastBand)).Round(2),
			High:     decimal.NewFromFloat(v * (1 + forecastBand)).Round(2),
		})
		f.AnnualTotal = f.AnnualTotal.Add(expected)
		if v > peak {
			peak, f.PeakMonth = v, month.Format("January")
		}
	}
	current := baseline.Mul(decimal.NewFromInt(forecastMonths))
	f.AnnualChange = math.Round(f.AnnualTotal.Sub(current).Div(current).InexactFloat64()*1000) / 10
	return f
}

func assessRisk(view envelope.View) RiskSummary {
	var factors []RiskFactor

	income := RiskFactor{Factor: "Income Stability", Score: 7,
		Note: "No income recorded", Mitigation: "Build an emergency fund and diversify income sources"}
	if view.Profile.AnnualIncome.IsPositive() {
		income.Score, income.Note = 5, "Single reported income source"
	}
	factors = append(factors, income)

	spend := ledger.SpendByCategory(view.Context.Transactions, ledger.Period{})
	if budget, ok := envelope.ResultOf[BudgetReport](view, envelope.NodeBudgetAnalyzer); ok {
		spend = ledger.SpendSummary{Expenses: budget.TotalExpenses, Income: budget.TotalIncome}
		for _, c := range budget.Categories {
			spend.Categories = append(spend.Categories, ledger.CategorySpend{Category: c.Category, Amount: c.Amount, Count: c.Count})
		}
	}
	discretionary := percent(spend.Total("Shopping").Add(spend.Total("Entertainment")), spend.Expenses)
	volatility := RiskFactor{Factor: "Expense Volatility", Score: 4,
		Note: "Discretionary spending is controlled", Mitigation: "Track discretionary spending against a budget"}
	if discretionary > 20 {
		volatility.Score, volatility.Note = 6, fmt.Sprintf("Discretionary spending is %.1f%% of expenses", discretionary)
	}
	factors = append(factors, volatility)

	savingsRate := 0.0
	if spend.Income.IsPositive() {
		savingsRate = percent(spend.Income.Sub(spend.Expenses), spend.Income)
	}
	saving := RiskFactor{Factor: "Savings Rate", Score: 3,
		Note: fmt.Sprintf("Saving %.1f%% of income", savingsRate), Mitigation: "Automate a monthly transfer to savings"}
	if savingsRate < 10 {
		saving.Score = 8
	} else if savingsRate < 20 {
		saving.Score = 5
	}
	factors = append(factors, saving)

	total := 0
	for _, f := range factors {
		total += f.Score
	}
	score := math.Round(float64(total)/float64(len(factors))*10) / 10
	level := "Medium"
	switch {
	case score >= 6:
		level = "High"
	case score < 4:
		level = "Low"
	}
	return RiskSummary{Score: score, Level: level, Factors: factors}
}
