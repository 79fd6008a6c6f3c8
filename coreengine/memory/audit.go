package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/agents"
	"github.com/redis/go-redis/v9"
)

// maxAuditRecords bounds each user's audit list.
const maxAuditRecords = 1000

// RedisAuditLog keeps action records newest first in a Redis list per user.
type RedisAuditLog struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisAuditLog creates an audit log over client. WithTTL is ignored:
// audit records do not expire.
func NewRedisAuditLog(client redis.UniversalClient, opts ...Option) *RedisAuditLog {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	o.ttl = 0
	return &RedisAuditLog{client: client, opts: o}
}

func (a *RedisAuditLog) key(userID string) string {
	return a.opts.prefix + "audit:" + userID
}

// Append implements agents.AuditLog.
func (a *RedisAuditLog) Append(ctx context.Context, rec agents.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode audit record: %w", err)
	}
	key := a.key(rec.UserID)
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, maxAuditRecords-1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append audit record: %w", err)
	}
	return nil
}

// AppendAll implements agents.AuditLog in one MULTI/EXEC transaction.
func (a *RedisAuditLog) AppendAll(ctx context.Context, recs []agents.AuditRecord) error {
	if len(recs) == 0 {
		return nil
	}
	values := make(map[string][]any)
	var keys []string
	for _, rec := range recs {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode audit record: %w", err)
		}
		key := a.key(rec.UserID)
		if _, ok := values[key]; !ok {
			keys = append(keys, key)
		}
		values[key] = append(values[key], data)
	}
	_, err := a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, key := range keys {
			pipe.LPush(ctx, key, values[key]...)
			pipe.LTrim(ctx, key, 0, maxAuditRecords-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append audit records: %w", err)
	}
	return nil
}

// List implements agents.AuditLog, newest first.
func (a *RedisAuditLog) List(ctx context.Context, userID string, limit int) ([]agents.AuditRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := a.client.LRange(ctx, a.key(userID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list audit records: %w", err)
	}
	out := make([]agents.AuditRecord, 0, len(raw))
	for _, r := range raw {
		var rec agents.AuditRecord
		if err := json.Unmarshal([]byte(r), &rec); err != nil {
			return nil, fmt.Errorf("decode audit record: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// InMemoryAuditLog is a process-local audit log.
type InMemoryAuditLog struct {
	mu      sync.RWMutex
	records map[string][]agents.AuditRecord
}

// NewInMemoryAuditLog creates an empty audit log.
func NewInMemoryAuditLog() *InMemoryAuditLog {
	return &InMemoryAuditLog{records: make(map[string][]agents.AuditRecord)}
}

// Append implements agents.AuditLog.
func (a *InMemoryAuditLog) Append(ctx context.Context, rec agents.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[rec.UserID] = append(a.records[rec.UserID], rec)
	return nil
}

// AppendAll implements agents.AuditLog.
func (a *InMemoryAuditLog) AppendAll(ctx context.Context, recs []agents.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, rec := range recs {
		a.records[rec.UserID] = append(a.records[rec.UserID], rec)
	}
	return nil
}

// List implements agents.AuditLog, newest first.
func (a *InMemoryAuditLog) List(ctx context.Context, userID string, limit int) ([]agents.AuditRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	recs := a.records[userID]
	out := make([]agents.AuditRecord, 0, min(limit, len(recs)))
	for i := len(recs) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, recs[i])
	}
	return out, nil
}

var (
	_ agents.AuditLog = (*RedisAuditLog)(nil)
	_ agents.AuditLog = (*InMemoryAuditLog)(nil)
)
