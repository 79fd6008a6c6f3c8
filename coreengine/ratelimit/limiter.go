// Package ratelimit provides per-user sliding window rate limiting for the
// chat endpoints.
package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// =============================================================================
// CONFIG & RESULT
// =============================================================================

// Config defines rate limiting thresholds. A zero limit disables that window.
type Config struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	RequestsPerHour   int `json:"requests_per_hour"`
	// BurstSize caps requests within any one second.
	BurstSize int `json:"burst_size"`
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 30,
		RequestsPerHour:   600,
		BurstSize:         5,
	}
}

// Result is the outcome of a rate limit check.
type Result struct {
	Allowed    bool          `json:"allowed"`
	LimitType  string        `json:"limit_type,omitempty"` // "burst", "minute", "hour"
	Current    int           `json:"current"`
	Limit      int           `json:"limit"`
	Remaining  int           `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

func exceeded(limitType string, current, limit int, retryAfter time.Duration) Result {
	return Result{
		LimitType:  limitType,
		Current:    current,
		Limit:      limit,
		RetryAfter: retryAfter,
	}
}

// =============================================================================
// SLIDING WINDOW
// =============================================================================

const bucketsPerWindow = 10

// window is a sliding window counter split into sub-buckets. Callers hold
// the Limiter's lock.
type window struct {
	span    time.Duration
	buckets map[int64]int
}

func newWindow(span time.Duration) *window {
	return &window{span: span, buckets: make(map[int64]int)}
}

func (w *window) bucketSize() time.Duration {
	return w.span / bucketsPerWindow
}

func (w *window) bucketOf(t time.Time) int64 {
	return t.UnixNano() / int64(w.bucketSize())
}

// prune drops buckets that slid out of the window.
func (w *window) prune(now time.Time) {
	oldest := w.bucketOf(now) - bucketsPerWindow + 1
	for b := range w.buckets {
		if b < oldest {
			delete(w.buckets, b)
		}
	}
}

func (w *window) record(now time.Time) {
	w.prune(now)
	w.buckets[w.bucketOf(now)]++
}

func (w *window) count(now time.Time) int {
	oldest := w.bucketOf(now) - bucketsPerWindow + 1
	n := 0
	for b, c := range w.buckets {
		if b >= oldest {
			n += c
		}
	}
	return n
}

// retryAfter estimates how long until the count drops below limit.
func (w *window) retryAfter(now time.Time, limit int) time.Duration {
	current := w.count(now)
	if current < limit {
		return 0
	}
	oldest := w.bucketOf(now) - bucketsPerWindow + 1
	live := make([]int64, 0, len(w.buckets))
	for b := range w.buckets {
		if b >= oldest {
			live = append(live, b)
		}
	}
	sort.Slice(live, func(i, j int) bool { return live[i] < live[j] })

	excess := current - limit + 1
	expired := 0
	for _, b := range live {
		expired += w.buckets[b]
		if expired >= excess {
			// Bucket b leaves the window once the window's oldest bucket is b+1.
			leaves := time.Unix(0, (b+bucketsPerWindow)*int64(w.bucketSize()))
			if d := leaves.Sub(now); d > 0 {
				return d
			}
			return 0
		}
	}
	return w.span
}

func (w *window) empty(now time.Time) bool {
	w.prune(now)
	return len(w.buckets) == 0
}

// =============================================================================
// LIMITER
// =============================================================================

type windowKey struct {
	userID    string
	endpoint  string
	limitType string
}

type check struct {
	limitType string
	span      time.Duration
	limit     int
}

// Limiter tracks request rates per user and endpoint. It is safe for
// concurrent use.
type Limiter struct {
	mu        sync.Mutex
	defaults  Config
	overrides map[string]Config
	windows   map[windowKey]*window
	now       func() time.Time
}

// New creates a limiter with cfg as the default for every user.
func New(cfg Config) *Limiter {
	return &Limiter{
		defaults:  cfg,
		overrides: make(map[string]Config),
		windows:   make(map[windowKey]*window),
		now:       time.Now,
	}
}

// SetUserLimits overrides the limits for one user.
func (l *Limiter) SetUserLimits(userID string, cfg Config) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.overrides[userID] = cfg
}

func (l *Limiter) configFor(userID string) Config {
	if cfg, ok := l.overrides[userID]; ok {
		return cfg
	}
	return l.defaults
}

func checksFor(cfg Config) []check {
	return []check{
		{"burst", time.Second, cfg.BurstSize},
		{"minute", time.Minute, cfg.RequestsPerMinute},
		{"hour", time.Hour, cfg.RequestsPerHour},
	}
}

// Allow checks every window and records the request only when all of them
// have room. A rejected request is not counted.
func (l *Limiter) Allow(userID, endpoint string) Result {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	cfg := l.configFor(userID)
	checks := checksFor(cfg)
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := l.windowFor(windowKey{userID, endpoint, c.limitType}, c.span)
		if current := w.count(now); current >= c.limit {
			return exceeded(c.limitType, current, c.limit, w.retryAfter(now, c.limit))
		}
	}

	res := Result{Allowed: true, Remaining: -1}
	for _, c := range checks {
		if c.limit <= 0 {
			continue
		}
		w := l.windowFor(windowKey{userID, endpoint, c.limitType}, c.span)
		w.record(now)
		remaining := c.limit - w.count(now)
		if res.Remaining < 0 || remaining < res.Remaining {
			res.Remaining, res.Limit, res.Current, res.LimitType = remaining, c.limit, w.count(now), c.limitType
		}
	}
	if res.Remaining < 0 {
		res.Remaining = 0
	}
	return res
}

func (l *Limiter) windowFor(key windowKey, span time.Duration) *window {
	w, ok := l.windows[key]
	if !ok {
		w = newWindow(span)
		l.windows[key] = w
	}
	return w
}

// Usage reports the current count per window for a user and endpoint.
func (l *Limiter) Usage(userID, endpoint string) map[string]int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]int)
	for _, c := range checksFor(l.configFor(userID)) {
		if w, ok := l.windows[windowKey{userID, endpoint, c.limitType}]; ok {
			out[c.limitType] = w.count(now)
		} else {
			out[c.limitType] = 0
		}
	}
	return out
}

// ResetUser forgets every window of a user and returns how many there were.
func (l *Limiter) ResetUser(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key := range l.windows {
		if key.userID == userID {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// CleanupExpired drops windows with no activity left.
func (l *Limiter) CleanupExpired() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for key, w := range l.windows {
		if w.empty(now) {
			delete(l.windows, key)
			n++
		}
	}
	return n
}

// Run calls CleanupExpired every interval until ctx is done.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			l.CleanupExpired()
		}
	}
}
