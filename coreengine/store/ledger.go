package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/shopspring/decimal"
)

// =============================================================================
// CONTEXT
// =============================================================================

// LoadContext returns everything stored for userID, transactions newest
// first. A user with no rows gets an empty context, not an error.
func (r *Repository) LoadContext(ctx context.Context, userID string) (envelope.FinancialContext, error) {
	var (
		fc  envelope.FinancialContext
		err error
	)
	if fc.Transactions, err = r.Transactions(ctx, userID); err != nil {
		return envelope.FinancialContext{}, err
	}
	if fc.Goals, err = r.Goals(ctx, userID); err != nil {
		return envelope.FinancialContext{}, err
	}
	if fc.Budgets, err = r.Budgets(ctx, userID); err != nil {
		return envelope.FinancialContext{}, err
	}
	if fc.Recurring, err = r.Recurring(ctx, userID); err != nil {
		return envelope.FinancialContext{}, err
	}
	return fc, nil
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// AddTransactions inserts txs in one database transaction and returns them
// with their ids.
func (r *Repository) AddTransactions(ctx context.Context, userID string, txs ...envelope.Transaction) ([]envelope.Transaction, error) {
	if len(txs) == 0 {
		return nil, nil
	}
	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = dbtx.Rollback() }()

	stmt, err := dbtx.PrepareContext(ctx, `
		INSERT INTO transactions (user_id, date, description, category, amount, merchant, account_type, transaction_type)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert transaction: %w", err)
	}
	defer stmt.Close()

	out := make([]envelope.Transaction, 0, len(txs))
	for _, t := range txs {
		if strings.TrimSpace(t.Description) == "" || t.Date.IsZero() {
			return nil, fmt.Errorf("transaction needs a description and a date: %w", ErrInvalid)
		}
		if t.TransactionType == "" {
			t.TransactionType = envelope.TransactionIncome
			if t.Amount.IsNegative() {
				t.TransactionType = envelope.TransactionExpense
			}
		}
		res, err := stmt.ExecContext(ctx, userID, t.Date.Format(dateLayout), t.Description, t.Category,
			t.Amount.String(), t.Merchant, t.AccountType, t.TransactionType)
		if err != nil {
			return nil, fmt.Errorf("insert transaction: %w", err)
		}
		if t.ID, err = res.LastInsertId(); err != nil {
			return nil, fmt.Errorf("transaction id: %w", err)
		}
		out = append(out, t)
	}
	if err := dbtx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

// Transactions returns userID's transactions, newest first.
func (r *Repository) Transactions(ctx context.Context, userID string) ([]envelope.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, date, description, category, amount, merchant, account_type, transaction_type
		FROM transactions WHERE user_id = ? ORDER BY date DESC, id DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []envelope.Transaction
	for rows.Next() {
		var (
			t            envelope.Transaction
			date, amount string
		)
		if err := rows.Scan(&t.ID, &date, &t.Description, &t.Category, &amount, &t.Merchant, &t.AccountType, &t.TransactionType); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		if t.Date, err = parseDate(date); err != nil {
			return nil, fmt.Errorf("transaction %d date: %w", t.ID, err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("transaction %d amount: %w", t.ID, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// =============================================================================
// GOALS
// =============================================================================

// AddGoal inserts a goal. A second goal with the same name is ErrDuplicate.
func (r *Repository) AddGoal(ctx context.Context, userID string, g envelope.Goal) (envelope.Goal, error) {
	if strings.TrimSpace(g.Name) == "" || !g.Target.IsPositive() || g.Deadline.IsZero() {
		return envelope.Goal{}, fmt.Errorf("goal needs a name, a positive target and a deadline: %w", ErrInvalid)
	}
	if g.CreatedAt.IsZero() {
		g.CreatedAt = r.now()
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO goals (user_id, name, target_amount, current_amount, deadline, category, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		userID, g.Name, g.Target.String(), g.Current.String(), g.Deadline.Format(dateLayout), g.Category,
		g.CreatedAt.Format(stampLayout))
	if isUniqueViolation(err) {
		return envelope.Goal{}, fmt.Errorf("goal '%s': %w", g.Name, ErrDuplicate)
	}
	if err != nil {
		return envelope.Goal{}, fmt.Errorf("insert goal: %w", err)
	}
	if g.ID, err = res.LastInsertId(); err != nil {
		return envelope.Goal{}, fmt.Errorf("goal id: %w", err)
	}
	return g, nil
}

// GoalUpdate holds the fields UpdateGoal may change. Nil fields are kept.
type GoalUpdate struct {
	Target   *decimal.Decimal
	Current  *decimal.Decimal
	Deadline *time.Time
}

// UpdateGoal changes the named goal.
func (r *Repository) UpdateGoal(ctx context.Context, userID, name string, u GoalUpdate) (envelope.Goal, error) {
	goals, err := r.Goals(ctx, userID)
	if err != nil {
		return envelope.Goal{}, err
	}
	var g *envelope.Goal
	for i := range goals {
		if strings.EqualFold(goals[i].Name, name) {
			g = &goals[i]
			break
		}
	}
	if g == nil {
		return envelope.Goal{}, fmt.Errorf("goal '%s': %w", name, ErrNotFound)
	}
	if u.Target != nil {
		g.Target = *u.Target
	}
	if u.Current != nil {
		g.Current = *u.Current
	}
	if u.Deadline != nil {
		g.Deadline = *u.Deadline
	}
	if !g.Target.IsPositive() || g.Current.IsNegative() {
		return envelope.Goal{}, fmt.Errorf("goal '%s' amounts: %w", name, ErrInvalid)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE goals SET target_amount = ?, current_amount = ?, deadline = ? WHERE id = ?`,
		g.Target.String(), g.Current.String(), g.Deadline.Format(dateLayout), g.ID)
	if err != nil {
		return envelope.Goal{}, fmt.Errorf("update goal: %w", err)
	}
	return *g, nil
}

// Goals returns userID's goals by deadline.
func (r *Repository) Goals(ctx context.Context, userID string) ([]envelope.Goal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, target_amount, current_amount, deadline, category, created_at
		FROM goals WHERE user_id = ? ORDER BY deadline, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query goals: %w", err)
	}
	defer rows.Close()

	var out []envelope.Goal
	for rows.Next() {
		var (
			g                                    envelope.Goal
			target, current, deadline, createdAt string
		)
		if err := rows.Scan(&g.ID, &g.Name, &target, &current, &deadline, &g.Category, &createdAt); err != nil {
			return nil, fmt.Errorf("scan goal: %w", err)
		}
		if g.Target, err = decimal.NewFromString(target); err != nil {
			return nil, fmt.Errorf("goal %d target: %w", g.ID, err)
		}
		if g.Current, err = decimal.NewFromString(current); err != nil {
			return nil, fmt.Errorf("goal %d current: %w", g.ID, err)
		}
		if g.Deadline, err = parseDate(deadline); err != nil {
			return nil, fmt.Errorf("goal %d deadline: %w", g.ID, err)
		}
		if g.CreatedAt, err = time.Parse(stampLayout, createdAt); err != nil {
			return nil, fmt.Errorf("goal %d created_at: %w", g.ID, err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// =============================================================================
// BUDGETS
// =============================================================================

// AddBudget inserts a monthly budget. One budget per category and month.
func (r *Repository) AddBudget(ctx context.Context, userID string, b envelope.Budget) (envelope.Budget, error) {
	if err := validBudget(b); err != nil {
		return envelope.Budget{}, err
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO budgets (user_id, category, amount, month) VALUES (?, ?, ?, ?)`,
		userID, b.Category, b.Amount.String(), b.Month)
	if isUniqueViolation(err) {
		return envelope.Budget{}, fmt.Errorf("budget %s for %s: %w", b.Category, b.Month, ErrDuplicate)
	}
	if err != nil {
		return envelope.Budget{}, fmt.Errorf("insert budget: %w", err)
	}
	if b.ID, err = res.LastInsertId(); err != nil {
		return envelope.Budget{}, fmt.Errorf("budget id: %w", err)
	}
	return b, nil
}

// UpdateBudget sets the amount of an existing budget.
func (r *Repository) UpdateBudget(ctx context.Context, userID string, b envelope.Budget) (envelope.Budget, error) {
	if err := validBudget(b); err != nil {
		return envelope.Budget{}, err
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE budgets SET amount = ? WHERE user_id = ? AND category = ? AND month = ?`,
		b.Amount.String(), userID, b.Category, b.Month)
	if err != nil {
		return envelope.Budget{}, fmt.Errorf("update budget: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return envelope.Budget{}, fmt.Errorf("update budget: %w", err)
	} else if n == 0 {
		return envelope.Budget{}, fmt.Errorf("budget %s for %s: %w", b.Category, b.Month, ErrNotFound)
	}

	row := r.db.QueryRowContext(ctx, `SELECT id FROM budgets WHERE user_id = ? AND category = ? AND month = ?`,
		userID, b.Category, b.Month)
	if err := row.Scan(&b.ID); err != nil {
		return envelope.Budget{}, fmt.Errorf("budget id: %w", err)
	}
	return b, nil
}

// Budgets returns userID's budgets by month then category.
func (r *Repository) Budgets(ctx context.Context, userID string) ([]envelope.Budget, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, category, amount, month FROM budgets WHERE user_id = ? ORDER BY month, category`, userID)
	if err != nil {
		return nil, fmt.Errorf("query budgets: %w", err)
	}
	defer rows.Close()

	var out []envelope.Budget
	for rows.Next() {
		var (
			b      envelope.Budget
			amount string
		)
		if err := rows.Scan(&b.ID, &b.Category, &amount, &b.Month); err != nil {
			return nil, fmt.Errorf("scan budget: %w", err)
		}
		if b.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("budget %d amount: %w", b.ID, err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func validBudget(b envelope.Budget) error {
	if strings.TrimSpace(b.Category) == "" || !b.Amount.IsPositive() {
		return fmt.Errorf("budget needs a category and a positive amount: %w", ErrInvalid)
	}
	if _, err := time.Parse("2006-01", b.Month); err != nil {
		return fmt.Errorf("budget month '%s' is not YYYY-MM: %w", b.Month, ErrInvalid)
	}
	return nil
}

// =============================================================================
// RECURRING
// =============================================================================

// AddRecurring inserts a recurring transaction.
func (r *Repository) AddRecurring(ctx context.Context, userID string, rec envelope.Recurring) (envelope.Recurring, error) {
	switch rec.Frequency {
	case "weekly", "monthly", "yearly":
	default:
		return envelope.Recurring{}, fmt.Errorf("frequency '%s' must be weekly, monthly or yearly: %w", rec.Frequency, ErrInvalid)
	}
	if strings.TrimSpace(rec.Description) == "" || rec.NextDate.IsZero() {
		return envelope.Recurring{}, fmt.Errorf("recurring transaction needs a description and a next date: %w", ErrInvalid)
	}
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO recurring (user_id, description, amount, category, frequency, next_date)
		VALUES (?, ?, ?, ?, ?, ?)`,
		userID, rec.Description, rec.Amount.String(), rec.Category, rec.Frequency, rec.NextDate.Format(dateLayout))
	if err != nil {
		return envelope.Recurring{}, fmt.Errorf("insert recurring: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return envelope.Recurring{}, fmt.Errorf("recurring id: %w", err)
	}
	return rec, nil
}

// Recurring returns userID's recurring transactions by next date.
func (r *Repository) Recurring(ctx context.Context, userID string) ([]envelope.Recurring, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, description, amount, category, frequency, next_date
		FROM recurring WHERE user_id = ? ORDER BY next_date, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("query recurring: %w", err)
	}
	defer rows.Close()

	var out []envelope.Recurring
	for rows.Next() {
		var (
			rec          envelope.Recurring
			amount, next string
		)
		if err := rows.Scan(&rec.ID, &rec.Description, &amount, &rec.Category, &rec.Frequency, &next); err != nil {
			return nil, fmt.Errorf("scan recurring: %w", err)
		}
		if rec.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("recurring %d amount: %w", rec.ID, err)
		}
		if rec.NextDate, err = parseDate(next); err != nil {
			return nil, fmt.Errorf("recurring %d next date: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
