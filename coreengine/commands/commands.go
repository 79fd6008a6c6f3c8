package commands

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/tools"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/typeutil"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

// ErrInvalidParams is returned when a command's params cannot be applied.
var ErrInvalidParams = errors.New("invalid command params")

// Store is the persistence the commands write to.
type Store interface {
	AddTransactions(ctx context.Context, userID string, txs ...envelope.Transaction) ([]envelope.Transaction, error)
	AddBudget(ctx context.Context, userID string, b envelope.Budget) (envelope.Budget, error)
	UpdateBudget(ctx context.Context, userID string, b envelope.Budget) (envelope.Budget, error)
	AddGoal(ctx context.Context, userID string, g envelope.Goal) (envelope.Goal, error)
	UpdateGoal(ctx context.Context, userID, name string, u store.GoalUpdate) (envelope.Goal, error)
	AddRecurring(ctx context.Context, userID string, rec envelope.Recurring) (envelope.Recurring, error)
}

type transactionParams struct {
	Description string          `mapstructure:"description"`
	Amount      decimal.Decimal `mapstructure:"amount"`
	Category    string          `mapstructure:"category"`
	Date        time.Time       `mapstructure:"date"`
	Merchant    string          `mapstructure:"merchant"`
	AccountType string          `mapstructure:"account_type"`
}

type budgetParams struct {
	Category string          `mapstructure:"category"`
	Budgeted decimal.Decimal `mapstructure:"budgeted"`
	Month    string          `mapstructure:"month"`
}

type goalParams struct {
	Name     string           `mapstructure:"name"`
	Target   *decimal.Decimal `mapstructure:"target"`
	Current  *decimal.Decimal `mapstructure:"current"`
	Deadline *time.Time       `mapstructure:"deadline"`
	Category string           `mapstructure:"category"`
}

type recurringParams struct {
	Description string          `mapstructure:"description"`
	Amount      decimal.Decimal `mapstructure:"amount"`
	Category    string          `mapstructure:"category"`
	Frequency   string          `mapstructure:"frequency"`
	StartDate   time.Time       `mapstructure:"start_date"`
}

var (
	decimalType = reflect.TypeOf(decimal.Decimal{})
	timeType    = reflect.TypeOf(time.Time{})
)

// financeHook decodes model output into decimals and dates. Models send
// amounts as numbers or strings like "$1,200".
func financeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	switch to {
	case decimalType:
		d, ok := toDecimal(data)
		if !ok {
			return nil, fmt.Errorf("not an amount: %v", data)
		}
		return d, nil
	case timeType:
		if t, ok := data.(time.Time); ok {
			return t, nil
		}
		s, ok := data.(string)
		if !ok {
			return nil, fmt.Errorf("not a date: %v", data)
		}
		t, ok := ledger.ParseDate(s)
		if !ok {
			return nil, fmt.Errorf("not a date: %q", s)
		}
		return t, nil
	}
	return data, nil
}

func toDecimal(v any) (decimal.Decimal, bool) {
	if d, ok := typeutil.SafeDecimal(v); ok {
		return d, true
	}
	if s, ok := v.(string); ok {
		d, err := ledger.ParseAmount(s)
		return d, err == nil
	}
	return decimal.Zero, false
}

func decodeParams(params map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.DecodeHookFuncType(financeHook),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(params); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalidParams, field)
}

func applied(action string, item any) map[string]any {
	return map[string]any{"status": "ok", "action": action, "item": item}
}

// Register adds the data commands to exec, writing through s.
func Register(exec *tools.ToolExecutor, s Store) error {
	defs := []*tools.ToolDefinition{
		{
			Name:        AddTransaction,
			Description: "Record a single transaction",
			Params:      []string{"description", "amount", "date", "category"},
			Handler: func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
				var p transactionParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				if p.Date.IsZero() {
					return nil, missing("date")
				}
				tx := envelope.Transaction{
					Date:        p.Date,
					Description: strings.TrimSpace(p.Description),
					Category:    ledger.NormalizeCategory(p.Category),
					Amount:      p.Amount,
					Merchant:    p.Merchant,
					AccountType: p.AccountType,
				}
				if tx.Category == "" {
					tx.Category = ledger.DetectCategory(tx.Description)
				}
				saved, err := s.AddTransactions(ctx, userID, tx)
				if err != nil {
					return nil, err
				}
				return applied(AddTransaction, saved[0]), nil
			},
		},
		{
			Name:        AddBudget,
			Description: "Create a monthly budget for a category",
			Params:      []string{"category", "budgeted", "month"},
			Handler:     budgetHandler(AddBudget, s.AddBudget),
		},
		{
			Name:        UpdateBudget,
			Description: "Change an existing monthly budget",
			Params:      []string{"category", "budgeted", "month"},
			Handler:     budgetHandler(UpdateBudget, s.UpdateBudget),
		},
		{
			Name:        AddGoal,
			Description: "Create a savings goal",
			Params:      []string{"name", "target", "deadline", "current", "category"},
			Handler: func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
				var p goalParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				if strings.TrimSpace(p.Name) == "" {
					return nil, missing("name")
				}
				if p.Target == nil || !p.Target.IsPositive() {
					return nil, missing("target")
				}
				g := envelope.Goal{Name: strings.TrimSpace(p.Name), Target: *p.Target, Category: p.Category}
				if p.Current != nil {
					g.Current = *p.Current
				}
				if p.Deadline != nil {
					g.Deadline = *p.Deadline
				}
				saved, err := s.AddGoal(ctx, userID, g)
				if err != nil {
					return nil, err
				}
				return applied(AddGoal, saved), nil
			},
		},
		{
			Name:        UpdateGoal,
			Description: "Change a goal's target, progress or deadline",
			Params:      []string{"name", "target", "current", "deadline"},
			Handler: func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
				var p goalParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				if strings.TrimSpace(p.Name) == "" {
					return nil, missing("name")
				}
				if p.Target == nil && p.Current == nil && p.Deadline == nil {
					return nil, fmt.Errorf("%w: nothing to update", ErrInvalidParams)
				}
				saved, err := s.UpdateGoal(ctx, userID, strings.TrimSpace(p.Name), store.GoalUpdate{
					Target:   p.Target,
					Current:  p.Current,
					Deadline: p.Deadline,
				})
				if err != nil {
					return nil, err
				}
				return applied(UpdateGoal, saved), nil
			},
		},
		{
			Name:        AddRecurring,
			Description: "Track a recurring bill or subscription",
			Params:      []string{"description", "amount", "frequency", "category", "start_date"},
			Handler: func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
				var p recurringParams
				if err := decodeParams(params, &p); err != nil {
					return nil, err
				}
				if strings.TrimSpace(p.Description) == "" {
					return nil, missing("description")
				}
				rec := envelope.Recurring{
					Description: strings.TrimSpace(p.Description),
					Amount:      p.Amount,
					Category:    ledger.NormalizeCategory(p.Category),
					Frequency:   strings.ToLower(strings.TrimSpace(p.Frequency)),
					NextDate:    p.StartDate,
				}
				saved, err := s.AddRecurring(ctx, userID, rec)
				if err != nil {
					return nil, err
				}
				return applied(AddRecurring, saved), nil
			},
		},
	}
	for _, def := range defs {
		def.Category = "data"
		def.RiskLevel = tools.RiskWrite
		if err := exec.Register(def); err != nil {
			return err
		}
	}
	return nil
}

func budgetHandler(action string, write func(context.Context, string, envelope.Budget) (envelope.Budget, error)) tools.ToolHandler {
	return func(ctx context.Context, userID string, params map[string]any) (map[string]any, error) {
		var p budgetParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.Category) == "" {
			return nil, missing("category")
		}
		saved, err := write(ctx, userID, envelope.Budget{
			Category: ledger.NormalizeCategory(p.Category),
			Amount:   p.Budgeted,
			Month:    strings.TrimSpace(p.Month),
		})
		if err != nil {
			return nil, err
		}
		return applied(action, saved), nil
	}
}
