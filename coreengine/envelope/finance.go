package envelope

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TransactionExpense = "expense"
	TransactionIncome  = "income"
)

// Transaction is one ledger entry. Expenses carry a negative amount.
type Transaction struct {
	ID              int64           `json:"id"`
	Date            time.Time       `json:"date"`
	Description     string          `json:"description"`
	Category        string          `json:"category"`
	Amount          decimal.Decimal `json:"amount"`
	Merchant        string          `json:"merchant,omitempty"`
	AccountType     string          `json:"account_type,omitempty"`
	TransactionType string          `json:"transaction_type"`
}

// IsExpense reports whether the transaction is money going out.
func (t Transaction) IsExpense() bool {
	if t.TransactionType != "" {
		return t.TransactionType == TransactionExpense
	}
	return t.Amount.IsNegative()
}

// Month returns the transaction month as YYYY-MM.
func (t Transaction) Month() string {
	return t.Date.Format("2006-01")
}

// Goal is a savings target.
type Goal struct {
	ID       int64           `json:"id"`
	Name     string          `json:"name"`
	Target   decimal.Decimal `json:"target_amount"`
	Current  decimal.Decimal `json:"current_amount"`
	Deadline time.Time       `json:"deadline"`
	Category string          `json:"category,omitempty"`
	// CreatedAt anchors the linear projection.
	CreatedAt time.Time `json:"created_at"`
}

// Reached reports whether the goal's current amount met its target.
func (g Goal) Reached() bool {
	return g.Target.IsPositive() && g.Current.GreaterThanOrEqual(g.Target)
}

// Budget is a monthly spending limit for one category.
type Budget struct {
	ID       int64           `json:"id"`
	Category string          `json:"category"`
	Amount   decimal.Decimal `json:"amount"`
	Month    string          `json:"month"` // YYYY-MM
}

// Recurring is a repeating transaction such as rent or a subscription.
type Recurring struct {
	ID          int64           `json:"id"`
	Description string          `json:"description"`
	Amount      decimal.Decimal `json:"amount"`
	Category    string          `json:"category"`
	Frequency   string          `json:"frequency"` // weekly, monthly, yearly
	NextDate    time.Time       `json:"next_date"`
}

// FinancialContext is the read-only snapshot loaded for one turn.
type FinancialContext struct {
	Transactions []Transaction `json:"transactions"`
	Goals        []Goal        `json:"goals"`
	Budgets      []Budget      `json:"budgets"`
	Recurring    []Recurring   `json:"recurring"`
}

// Profile holds what the user told us about themselves plus their consents.
//
// DataConsent gates everything beyond onboarding. ActionConsent gates the
// ActionExecutor and is never implied by DataConsent.
type Profile struct {
	UserID        string          `json:"user_id"`
	Name          string          `json:"name,omitempty"`
	Age           int             `json:"age,omitempty"`
	AnnualIncome  decimal.Decimal `json:"annual_income"`
	RiskTolerance string          `json:"risk_tolerance,omitempty"`
	DataConsent   bool            `json:"data_consent"`
	ActionConsent bool            `json:"action_consent"`
	AdvancedOptIn bool            `json:"advanced_opt_in"`
	// HighWater is the highest stage the user has reached.
	HighWater Stage     `json:"high_water"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ChatMessage is one entry of conversation history.
type ChatMessage struct {
	Role      string    `json:"role"` // user, assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ProposedAction is a data change the assistant read out of a chat message.
// It is only applied when the user confirms it.
type ProposedAction struct {
	Action string         `json:"action"`
	Params map[string]any `json:"params"`
}
