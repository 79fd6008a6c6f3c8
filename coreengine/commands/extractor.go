// Package commands reads data-entry commands out of chat messages ("I spent
// $12 on coffee today") and applies them once the user confirms.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/logging"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/typeutil"
)

// Command names.
const (
	AddTransaction = "add_transaction"
	AddBudget      = "add_budget"
	UpdateBudget   = "update_budget"
	AddGoal        = "add_goal"
	UpdateGoal     = "update_goal"
	AddRecurring   = "add_recurring"
)

// Names lists every supported command.
func Names() []string {
	return []string{AddTransaction, AddBudget, UpdateBudget, AddGoal, UpdateGoal, AddRecurring}
}

func known(action string) bool {
	for _, n := range Names() {
		if n == action {
			return true
		}
	}
	return false
}

var expenseWords = []string{"expense", "spend", "spent", "paid", "dining", "bought", "purchase"}

const extractorSystem = `You are a parser. Return ONLY strict JSON with keys action and params.
- Supported actions: add_transaction, add_budget, update_budget, add_goal, update_goal, add_recurring
- For expenses, set amount negative.
- Dates must be in YYYY-MM-DD. If 'today' is implied, use today's date.
- For add_budget, require category, budgeted (number), and month (YYYY-MM). If month missing, use current month.
- For add_transaction, require description (short), amount (number), category, date. Infer category from text if possible.
- For update_goal, include name and any fields to change: target, current, deadline (YYYY-MM-DD).
- For add_recurring, include description, amount, category, frequency (weekly, monthly or yearly) and start_date.
- If no clear actionable intent, return {"action": "none", "params": {}}.`

// Extractor asks the model for a structured command.
type Extractor struct {
	llm    llm.Provider
	logger logging.Logger
	now    func() time.Time
}

// NewExtractor creates an Extractor. provider should already be bounded by a
// timeout.
func NewExtractor(provider llm.Provider, logger logging.Logger) *Extractor {
	return &Extractor{
		llm:    provider,
		logger: logger.Bind("component", "command_extractor"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Extract returns the command in message, or nil when there is none. Model
// failures are returned as errors; callers treat them as "no command".
func (e *Extractor) Extract(ctx context.Context, message string) (*envelope.ProposedAction, error) {
	if strings.TrimSpace(message) == "" {
		return nil, nil
	}
	now := e.now()
	prompt := fmt.Sprintf("Today: %s. Current month: %s.\nCommand: %s",
		now.Format("2006-01-02"), now.Format("2006-01"), message)

	text, err := e.llm.Complete(ctx, prompt, llm.Constraints{
		System:      extractorSystem,
		Temperature: 0.2,
		MaxTokens:   300,
		JSON:        true,
	})
	if err != nil {
		return nil, fmt.Errorf("extract command: %w", err)
	}
	obj, err := typeutil.DecodeModelJSON(text)
	if err != nil {
		return nil, fmt.Errorf("extract command: %w", err)
	}

	action := strings.ToLower(strings.TrimSpace(fmt.Sprint(obj["action"])))
	if action == "" || action == "none" || action == "<nil>" {
		return nil, nil
	}
	if !known(action) {
		e.logger.Debug("command_unsupported", "action", action)
		return nil, nil
	}
	params, _ := obj["params"].(map[string]any)
	if params == nil {
		params = map[string]any{}
	}
	p := Normalize(message, envelope.ProposedAction{Action: action, Params: params}, now)
	e.logger.Debug("command_extracted", "action", p.Action)
	return &p, nil
}

// Normalize fills defaults and canonical values into a proposal: canonical
// categories, today's date and this month where missing, and a negative
// amount when the message talks about spending.
func Normalize(message string, p envelope.ProposedAction, now time.Time) envelope.ProposedAction {
	params := make(map[string]any, len(p.Params))
	for k, v := range p.Params {
		params[k] = v
	}
	str := func(key string) string {
		v, ok := params[key]
		if !ok || v == nil {
			return ""
		}
		return strings.TrimSpace(fmt.Sprint(v))
	}

	switch p.Action {
	case AddTransaction:
		if str("description") == "" {
			params["description"] = "Transaction"
		}
		if c := str("category"); c != "" {
			params["category"] = ledger.NormalizeCategory(c)
		} else {
			params["category"] = ledger.DetectCategory(str("description"))
		}
		if amount, ok := toDecimal(params["amount"]); ok {
			lower := strings.ToLower(message)
			for _, w := range expenseWords {
				if strings.Contains(lower, w) {
					amount = amount.Abs().Neg()
					break
				}
			}
			params["amount"] = json.Number(amount.String())
		}
		if str("date") == "" {
			params["date"] = now.Format("2006-01-02")
		}
	case AddBudget, UpdateBudget:
		if str("month") == "" {
			params["month"] = now.Format("2006-01")
		}
		if c := str("category"); c != "" {
			params["category"] = ledger.NormalizeCategory(c)
		}
	case AddGoal, UpdateGoal:
		if d := str("deadline"); len(d) == len("2006-01") {
			params["deadline"] = d + "-28"
		}
	case AddRecurring:
		if str("frequency") == "" {
			params["frequency"] = "monthly"
		}
		if c := str("category"); c != "" {
			params["category"] = ledger.NormalizeCategory(c)
		} else {
			params["category"] = "Subscriptions"
		}
		if str("start_date") == "" {
			params["start_date"] = now.Format("2006-01-02")
		}
	}
	return envelope.ProposedAction{Action: p.Action, Params: params}
}
