// Package memory keeps per-user conversation history and the action audit
// trail, in Redis for deployments and in process for tests and the CLI.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/finrouter/coreengine/envelope"
	"github.com/redis/go-redis/v9"
)

// DefaultMaxMessages is how many messages a history keeps per user.
const DefaultMaxMessages = 10

// Option configures the Redis-backed stores.
type Option func(*options)

type options struct {
	prefix      string
	ttl         time.Duration
	maxMessages int
}

func defaultOptions() options {
	return options{prefix: "finrouter:", maxMessages: DefaultMaxMessages}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(o *options) { o.prefix = prefix }
}

// WithTTL expires a user's keys after ttl of inactivity. Zero keeps them.
func WithTTL(ttl time.Duration) Option {
	return func(o *options) { o.ttl = ttl }
}

// WithMaxMessages caps the stored history per user.
func WithMaxMessages(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxMessages = n
		}
	}
}

// =============================================================================
// REDIS HISTORY
// =============================================================================

// RedisHistory stores each user's recent messages in a capped Redis list.
type RedisHistory struct {
	client redis.UniversalClient
	opts   options
}

// NewRedisHistory creates a history over client.
func NewRedisHistory(client redis.UniversalClient, opts ...Option) *RedisHistory {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisHistory{client: client, opts: o}
}

func (h *RedisHistory) key(userID string) string {
	return h.opts.prefix + "history:" + userID
}

// Append adds messages oldest first and trims the list to the cap.
func (h *RedisHistory) Append(ctx context.Context, userID string, msgs ...envelope.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	values := make([]any, 0, len(msgs))
	for _, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode chat message: %w", err)
		}
		values = append(values, data)
	}

	key := h.key(userID)
	_, err := h.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, values...)
		pipe.LTrim(ctx, key, int64(-h.opts.maxMessages), -1)
		if h.opts.ttl > 0 {
			pipe.Expire(ctx, key, h.opts.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Recent returns up to limit messages, oldest first.
func (h *RedisHistory) Recent(ctx context.Context, userID string, limit int) ([]envelope.ChatMessage, error) {
	if limit <= 0 {
		return nil, nil
	}
	raw, err := h.client.LRange(ctx, h.key(userID), int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	out := make([]envelope.ChatMessage, 0, len(raw))
	for _, r := range raw {
		var m envelope.ChatMessage
		if err := json.Unmarshal([]byte(r), &m); err != nil {
			return nil, fmt.Errorf("decode chat message: %w", err)
		}
		out = append(out, m)
	}
	return out, nil
}

// Clear removes the user's history.
func (h *RedisHistory) Clear(ctx context.Context, userID string) error {
	if err := h.client.Del(ctx, h.key(userID)).Err(); err != nil {
		return fmt.Errorf("clear history: %w", err)
	}
	return nil
}

// Ping checks that Redis answers.
func (h *RedisHistory) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// =============================================================================
// IN-MEMORY HISTORY
// =============================================================================

// InMemoryHistory is a process-local history.
type InMemoryHistory struct {
	mu          sync.RWMutex
	maxMessages int
	messages    map[string][]envelope.ChatMessage
}

// NewInMemoryHistory creates a history capped at maxMessages per user.
func NewInMemoryHistory(maxMessages int) *InMemoryHistory {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}
	return &InMemoryHistory{maxMessages: maxMessages, messages: make(map[string][]envelope.ChatMessage)}
}

// Append adds messages and drops the oldest beyond the cap.
func (h *InMemoryHistory) Append(ctx context.Context, userID string, msgs ...envelope.ChatMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	all := append(h.messages[userID], msgs...)
	if len(all) > h.maxMessages {
		all = append([]envelope.ChatMessage(nil), all[len(all)-h.maxMessages:]...)
	}
	h.messages[userID] = all
	return nil
}

// Recent returns up to limit messages, oldest first.
func (h *InMemoryHistory) Recent(ctx context.Context, userID string, limit int) ([]envelope.ChatMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()

	all := h.messages[userID]
	if limit < len(all) {
		all = all[len(all)-limit:]
	}
	return append([]envelope.ChatMessage(nil), all...), nil
}

// Clear removes the user's history.
func (h *InMemoryHistory) Clear(ctx context.Context, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.messages, userID)
	return nil
}
