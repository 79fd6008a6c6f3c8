package testutil

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/ledger"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/llm"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// MOCK TESTS
// =============================================================================

func TestMockLLMProvider(t *testing.T) {
	ctx := context.Background()
	mock := NewMockLLMProvider().
		WithResponse("Classify", `{"intent": "TaxKnowledge", "confidence": 0.9}`).
		WithResponse("Class", "never chosen")

	out, err := mock.Complete(ctx, "Classify the user's question", llm.Constraints{JSON: true})
	require.NoError(t, err)
	assert.Contains(t, out, "TaxKnowledge")

	out, err = mock.Complete(ctx, "something else", llm.Constraints{})
	require.NoError(t, err)
	assert.Equal(t, "Mock answer.", out)

	assert.Equal(t, 2, mock.GetCallCount())
	assert.True(t, mock.Calls()[0].Constraints.JSON)

	mock.Reset()
	assert.Zero(t, mock.GetCallCount())
}

func TestMockLLMProviderDelayHonoursContext(t *testing.T) {
	mock := NewMockLLMProvider().WithDelay(time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := mock.Complete(ctx, "slow", llm.Constraints{})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMockLLMProviderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewMockLLMProvider().WithError(boom).Complete(context.Background(), "x", llm.Constraints{})
	assert.ErrorIs(t, err, boom)
}

func TestMockProfileStore(t *testing.T) {
	ctx := context.Background()
	profiles := NewMockProfileStore(ConsentedProfile("u1", false, false))

	_, err := profiles.GetProfile(ctx, "nobody")
	assert.ErrorIs(t, err, store.ErrNotFound)

	p, err := profiles.GetProfile(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.DataConsent)

	p.ActionConsent = true
	require.NoError(t, profiles.SaveProfile(ctx, p))
	saved, ok := profiles.Saved("u1")
	require.True(t, ok)
	assert.True(t, saved.ActionConsent)
	assert.Equal(t, 1, profiles.SaveCount())
}

func TestMockContextLoader(t *testing.T) {
	loader := NewMockContextLoader().With("u1", envelope.FinancialContext{Transactions: FoodTransactions(Day(2024, 6, 1), 3)})

	fc, err := loader.LoadContext(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, fc.Transactions, 4)

	loader.Error = errors.New("db down")
	_, err = loader.LoadContext(context.Background(), "u1")
	assert.Error(t, err)
	assert.Equal(t, 2, loader.LoadCount())
}

func TestMockEventContext(t *testing.T) {
	ec := NewMockEventContext()
	ctx := context.Background()

	ec.EmitNodeStarted(ctx, "req_1", envelope.NodeGoalPlanner, 0)
	ec.EmitNodeCompleted(ctx, "req_1", envelope.NodeGoalPlanner, envelope.StatusSuccess, 3, nil)

	assert.Equal(t, []string{"GoalPlanner"}, ec.GetStartedNodes())
	assert.Equal(t, []string{"GoalPlanner"}, ec.GetCompletedNodes())
	assert.Len(t, ec.GetEvents(), 2)
}

func TestMockLogger(t *testing.T) {
	logger := NewMockLogger()
	bound := logger.Bind("request_id", "req_1")

	bound.Info("turn_started", "intent", "GoalTracking")
	logger.Warn("profile_load_failed")

	assert.True(t, logger.HasLog("info", "turn_started"))
	assert.True(t, logger.HasLog("warn", "profile_load_failed"))
	assert.False(t, logger.HasLog("error", "turn_started"))
	logs := logger.GetLogs()
	require.Len(t, logs, 2)
	assert.Equal(t, "req_1", logs[0].Fields["request_id"])
	assert.Equal(t, "GoalTracking", logs[0].Fields["intent"])
}

// =============================================================================
// FIXTURE TESTS
// =============================================================================

func TestFoodTransactions(t *testing.T) {
	txs := FoodTransactions(Day(2024, 6, 1), 12)

	require.Len(t, txs, 13)
	assert.True(t, txs[0].Amount.IsPositive())
	for _, tx := range txs[1:] {
		assert.Equal(t, "Food & Dining", tx.Category)
		assert.True(t, tx.IsExpense())
		assert.Equal(t, time.June, tx.Date.Month())
	}
}

func TestStatementCSVParses(t *testing.T) {
	// Test the fixture produces exactly the requested good and bad rows.
	res, err := ledger.NewCSVParser().Parse(context.Background(), bytes.NewReader(StatementCSV(47, 3)))

	require.NoError(t, err)
	assert.Equal(t, 50, res.TotalRows)
	assert.Len(t, res.Transactions, 47)
	assert.Len(t, res.Errors, 3)
}
