package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = time.Date(2024, 6, 20, 12, 0, 0, 0, time.UTC)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func messages(n int) []envelope.ChatMessage {
	out := make([]envelope.ChatMessage, n)
	for i := range out {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		out[i] = envelope.ChatMessage{Role: role, Content: fmt.Sprintf("message %d", i), Timestamp: fixedNow.Add(time.Duration(i) * time.Second)}
	}
	return out
}

// historyStore is the surface both histories share.
type historyStore interface {
	Append(ctx context.Context, userID string, msgs ...envelope.ChatMessage) error
	Recent(ctx context.Context, userID string, limit int) ([]envelope.ChatMessage, error)
	Clear(ctx context.Context, userID string) error
}

// =============================================================================
// HISTORY CONTRACT
// =============================================================================

func TestHistoryContract(t *testing.T) {
	_, client := newRedis(t)
	stores := map[string]historyStore{
		"redis":     NewRedisHistory(client, WithMaxMessages(4)),
		"in-memory": NewInMemoryHistory(4),
	}
	for name, h := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			user := "contract-" + name

			// Test the cap keeps the newest messages, oldest first.
			require.NoError(t, h.Append(ctx, user, messages(6)...))
			got, err := h.Recent(ctx, user, 10)
			require.NoError(t, err)
			require.Len(t, got, 4)
			assert.Equal(t, "message 2", got[0].Content)
			assert.Equal(t, "message 5", got[3].Content)
			assert.True(t, fixedNow.Add(5*time.Second).Equal(got[3].Timestamp))

			got, err = h.Recent(ctx, user, 2)
			require.NoError(t, err)
			assert.Equal(t, []string{"message 4", "message 5"}, []string{got[0].Content, got[1].Content})

			got, err = h.Recent(ctx, user, 0)
			require.NoError(t, err)
			assert.Empty(t, got)

			require.NoError(t, h.Clear(ctx, user))
			got, err = h.Recent(ctx, user, 10)
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestHistoryUsersAreIsolated(t *testing.T) {
	h := NewInMemoryHistory(10)
	ctx := context.Background()
	require.NoError(t, h.Append(ctx, "a", messages(2)...))

	got, err := h.Recent(ctx, "b", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisHistoryPrefixAndTTL(t *testing.T) {
	mr, client := newRedis(t)
	h := NewRedisHistory(client, WithPrefix("test:"), WithTTL(time.Hour))
	ctx := context.Background()

	require.NoError(t, h.Append(ctx, "u1", messages(1)...))

	assert.True(t, mr.Exists("test:history:u1"))
	assert.Equal(t, time.Hour, mr.TTL("test:history:u1"))

	mr.FastForward(2 * time.Hour)
	got, err := h.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestRedisHistoryUnavailable(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()
	h := NewRedisHistory(client)
	mr.Close()

	err = h.Append(context.Background(), "u1", messages(1)...)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "append history")
	assert.Error(t, h.Ping(context.Background()))
}

func TestRedisHistoryPing(t *testing.T) {
	_, client := newRedis(t)

	assert.NoError(t, NewRedisHistory(client).Ping(context.Background()))
}

// =============================================================================
// AUDIT LOG
// =============================================================================

func TestAuditLogContract(t *testing.T) {
	_, client := newRedis(t)
	logs := map[string]agents.AuditLog{
		"redis":     NewRedisAuditLog(client),
		"in-memory": NewInMemoryAuditLog(),
	}
	for name, log := range logs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, action := range []string{"create_budget_alert", "generate_financial_report", "task_reminder"} {
				require.NoError(t, log.Append(ctx, agents.AuditRecord{
					ID:        fmt.Sprintf("rec-%d", i),
					UserID:    "u1",
					Action:    action,
					Type:      agents.ActionType(action),
					Status:    agents.AuditSimulated,
					Simulated: true,
					CreatedAt: fixedNow,
				}))
			}
			require.NoError(t, log.Append(ctx, agents.AuditRecord{ID: "other", UserID: "u2"}))

			// Test newest first, limited and per user.
			recs, err := log.List(ctx, "u1", 2)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "rec-2", recs[0].ID)
			assert.Equal(t, "rec-1", recs[1].ID)
			assert.True(t, recs[0].Simulated)
			assert.True(t, fixedNow.Equal(recs[0].CreatedAt))

			recs, err = log.List(ctx, "u1", 0)
			require.NoError(t, err)
			assert.Empty(t, recs)
		})
	}
}

// TestAuditLogAppendAll stores a batch in order, split by user.
func TestAuditLogAppendAll(t *testing.T) {
	_, client := newRedis(t)
	logs := map[string]agents.AuditLog{
		"redis":     NewRedisAuditLog(client),
		"in-memory": NewInMemoryAuditLog(),
	}
	for name, log := range logs {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, log.AppendAll(ctx, nil))
			require.NoError(t, log.AppendAll(ctx, []agents.AuditRecord{
				{ID: "a", UserID: "u1", Status: agents.AuditSimulated},
				{ID: "x", UserID: "u2", Status: agents.AuditSimulated},
				{ID: "b", UserID: "u1", Status: agents.AuditSimulated},
			}))

			recs, err := log.List(ctx, "u1", 10)
			require.NoError(t, err)
			require.Len(t, recs, 2)
			assert.Equal(t, "b", recs[0].ID)
			assert.Equal(t, "a", recs[1].ID)

			recs, err = log.List(ctx, "u2", 10)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "x", recs[0].ID)
		})
	}
}
