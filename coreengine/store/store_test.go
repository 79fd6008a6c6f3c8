package store

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)

func newRepo(t *testing.T) *Repository {
	t.Helper()
	repo, err := Open(context.Background(), "sqlite", ":memory:")
	require.NoError(t, err)
	repo.now = func() time.Time { return fixedNow }
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func money(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// =============================================================================
// OPEN
// =============================================================================

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), "postgres", "x")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported storage driver 'postgres'")
}

func TestOpenCgoDriver(t *testing.T) {
	// Test the cgo driver speaks the same schema when cgo is available.
	repo, err := Open(context.Background(), "sqlite3", ":memory:")
	if err != nil && strings.Contains(err.Error(), "cgo") {
		t.Skip("go-sqlite3 needs cgo")
	}
	require.NoError(t, err)
	defer repo.Close()

	require.NoError(t, repo.SaveProfile(context.Background(), envelope.Profile{UserID: "u1", DataConsent: true}))
	p, err := repo.GetProfile(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, p.DataConsent)
	assert.Equal(t, "sqlite3", repo.Driver())
}

// =============================================================================
// PROFILES
// =============================================================================

func TestProfileRoundTrip(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	in := envelope.Profile{
		UserID:        "u1",
		Name:          "Sam",
		Age:           34,
		AnnualIncome:  money("72000.50"),
		RiskTolerance: "moderate",
		DataConsent:   true,
		ActionConsent: false,
		AdvancedOptIn: true,
		HighWater:     envelope.StageIntermediate,
	}
	require.NoError(t, repo.SaveProfile(ctx, in))

	got, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)

	in.UpdatedAt = fixedNow
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("profile mismatch (-want +got):\n%s", diff)
	}
}

func TestSaveProfileUpserts(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.SaveProfile(ctx, envelope.Profile{UserID: "u1", Name: "Sam"}))
	require.NoError(t, repo.SaveProfile(ctx, envelope.Profile{UserID: "u1", Name: "Sam", ActionConsent: true, HighWater: envelope.StageMVP}))

	got, err := repo.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, got.ActionConsent)
	assert.Equal(t, envelope.StageMVP, got.HighWater)
}

func TestGetProfileNotFound(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.GetProfile(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveProfileRejectsEmptyUser(t *testing.T) {
	repo := newRepo(t)
	err := repo.SaveProfile(context.Background(), envelope.Profile{})
	assert.ErrorIs(t, err, ErrInvalid)
}

// =============================================================================
// LEDGER
// =============================================================================

func TestAddTransactionsAndLoadContext(t *testing.T) {
	// Test rows come back newest first with amounts intact.
	repo := newRepo(t)
	ctx := context.Background()

	added, err := repo.AddTransactions(ctx, "u1",
		envelope.Transaction{Date: day(2024, 6, 1), Description: "Salary", Category: "Income", Amount: money("5000")},
		envelope.Transaction{Date: day(2024, 6, 5), Description: "Groceries", Category: "Food & Dining", Amount: money("-123.45"), Merchant: "Market"},
	)
	require.NoError(t, err)
	require.Len(t, added, 2)
	assert.NotZero(t, added[0].ID)
	assert.Equal(t, envelope.TransactionIncome, added[0].TransactionType)
	assert.Equal(t, envelope.TransactionExpense, added[1].TransactionType)

	_, err = repo.AddTransactions(ctx, "u2", envelope.Transaction{Date: day(2024, 6, 2), Description: "Other user", Amount: money("-1")})
	require.NoError(t, err)

	fc, err := repo.LoadContext(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, fc.Transactions, 2)
	assert.Equal(t, "Groceries", fc.Transactions[0].Description)
	assert.True(t, money("-123.45").Equal(fc.Transactions[0].Amount))
	assert.Equal(t, "Market", fc.Transactions[0].Merchant)
	assert.Equal(t, day(2024, 6, 5), fc.Transactions[0].Date)
}

func TestAddTransactionsIsAtomic(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.AddTransactions(ctx, "u1",
		envelope.Transaction{Date: day(2024, 6, 1), Description: "Fine", Amount: money("-5")},
		envelope.Transaction{Date: day(2024, 6, 1), Description: "", Amount: money("-5")},
	)
	require.ErrorIs(t, err, ErrInvalid)

	txs, err := repo.Transactions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, txs)
}

func TestLoadContextEmptyUser(t *testing.T) {
	repo := newRepo(t)
	fc, err := repo.LoadContext(context.Background(), "new")
	require.NoError(t, err)
	assert.Empty(t, fc.Transactions)
	assert.Empty(t, fc.Goals)
}

func TestGoals(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	g, err := repo.AddGoal(ctx, "u1", envelope.Goal{Name: "Emergency fund", Target: money("10000"), Current: money("2500"), Deadline: day(2025, 6, 1)})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, g.CreatedAt)

	_, err = repo.AddGoal(ctx, "u1", envelope.Goal{Name: "Emergency fund", Target: money("1"), Deadline: day(2025, 1, 1)})
	assert.ErrorIs(t, err, ErrDuplicate)

	current := money("3000")
	updated, err := repo.UpdateGoal(ctx, "u1", "emergency FUND", GoalUpdate{Current: &current})
	require.NoError(t, err)
	assert.True(t, current.Equal(updated.Current))
	assert.True(t, money("10000").Equal(updated.Target))

	_, err = repo.UpdateGoal(ctx, "u1", "Boat", GoalUpdate{Current: &current})
	assert.ErrorIs(t, err, ErrNotFound)

	goals, err := repo.Goals(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, goals, 1)
	assert.True(t, current.Equal(goals[0].Current))
	assert.Equal(t, day(2025, 6, 1), goals[0].Deadline)
}

func TestAddGoalValidation(t *testing.T) {
	repo := newRepo(t)
	_, err := repo.AddGoal(context.Background(), "u1", envelope.Goal{Name: "Car", Target: money("0"), Deadline: day(2025, 1, 1)})
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestBudgets(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.AddBudget(ctx, "u1", envelope.Budget{Category: "Food & Dining", Amount: money("500"), Month: "2024-06"})
	require.NoError(t, err)
	_, err = repo.AddBudget(ctx, "u1", envelope.Budget{Category: "Food & Dining", Amount: money("600"), Month: "2024-06"})
	assert.ErrorIs(t, err, ErrDuplicate)

	b, err := repo.UpdateBudget(ctx, "u1", envelope.Budget{Category: "Food & Dining", Amount: money("650"), Month: "2024-06"})
	require.NoError(t, err)
	assert.NotZero(t, b.ID)

	_, err = repo.UpdateBudget(ctx, "u1", envelope.Budget{Category: "Travel", Amount: money("650"), Month: "2024-06"})
	assert.ErrorIs(t, err, ErrNotFound)

	budgets, err := repo.Budgets(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.True(t, money("650").Equal(budgets[0].Amount))
}

func TestBudgetValidation(t *testing.T) {
	tests := []struct {
		name   string
		budget envelope.Budget
	}{
		{"empty category", envelope.Budget{Amount: money("10"), Month: "2024-06"}},
		{"zero amount", envelope.Budget{Category: "Food & Dining", Amount: money("0"), Month: "2024-06"}},
		{"bad month", envelope.Budget{Category: "Food & Dining", Amount: money("10"), Month: "June"}},
	}
	repo := newRepo(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := repo.AddBudget(context.Background(), "u1", tt.budget)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestRecurring(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	_, err := repo.AddRecurring(ctx, "u1", envelope.Recurring{Description: "Rent", Amount: money("-1500"), Category: "Housing", Frequency: "monthly", NextDate: day(2024, 7, 1)})
	require.NoError(t, err)
	_, err = repo.AddRecurring(ctx, "u1", envelope.Recurring{Description: "Gym", Amount: money("-40"), Frequency: "daily", NextDate: day(2024, 7, 1)})
	assert.ErrorIs(t, err, ErrInvalid)

	fc, err := repo.LoadContext(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, fc.Recurring, 1)
	assert.Equal(t, "monthly", fc.Recurring[0].Frequency)
	assert.True(t, money("-1500").Equal(fc.Recurring[0].Amount))
}
