package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)}
	l := New(cfg)
	l.now = clock.now
	return l, clock
}

// =============================================================================
// WINDOW TESTS
// =============================================================================

func TestMinuteLimit(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		res := l.Allow("u1", "chat")
		require.True(t, res.Allowed, "request %d", i)
		assert.Equal(t, 2-i, res.Remaining)
		clock.advance(time.Second)
	}

	res := l.Allow("u1", "chat")
	assert.False(t, res.Allowed)
	assert.Equal(t, "minute", res.LimitType)
	assert.Equal(t, 3, res.Current)
	assert.Equal(t, 3, res.Limit)
	assert.Positive(t, res.RetryAfter)
	assert.LessOrEqual(t, res.RetryAfter, time.Minute)
}

func TestWindowSlides(t *testing.T) {
	// Test that requests leave the window once it has moved past them.
	l, clock := newTestLimiter(Config{RequestsPerMinute: 2})

	require.True(t, l.Allow("u1", "chat").Allowed)
	require.True(t, l.Allow("u1", "chat").Allowed)
	blocked := l.Allow("u1", "chat")
	require.False(t, blocked.Allowed)

	clock.advance(blocked.RetryAfter)

	assert.True(t, l.Allow("u1", "chat").Allowed)
}

func TestRejectedRequestsAreNotCounted(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	l.Allow("u1", "chat")
	for i := 0; i < 5; i++ {
		l.Allow("u1", "chat")
	}

	assert.Equal(t, 1, l.Usage("u1", "chat")["minute"])
}

func TestBurstLimit(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 100, BurstSize: 2})

	assert.True(t, l.Allow("u1", "chat").Allowed)
	assert.True(t, l.Allow("u1", "chat").Allowed)
	res := l.Allow("u1", "chat")
	assert.False(t, res.Allowed)
	assert.Equal(t, "burst", res.LimitType)
	assert.LessOrEqual(t, res.RetryAfter, time.Second)

	clock.advance(time.Second)
	assert.True(t, l.Allow("u1", "chat").Allowed)
}

func TestHourLimit(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerHour: 2})

	l.Allow("u1", "chat")
	clock.advance(10 * time.Minute)
	l.Allow("u1", "chat")
	clock.advance(10 * time.Minute)

	res := l.Allow("u1", "chat")
	assert.False(t, res.Allowed)
	assert.Equal(t, "hour", res.LimitType)
}

func TestZeroLimitsDisableWindows(t *testing.T) {
	l, _ := newTestLimiter(Config{})

	for i := 0; i < 100; i++ {
		require.True(t, l.Allow("u1", "chat").Allowed)
	}
}

// =============================================================================
// KEYING TESTS
// =============================================================================

func TestUsersAndEndpointsAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})

	assert.True(t, l.Allow("u1", "chat").Allowed)
	assert.False(t, l.Allow("u1", "chat").Allowed)
	assert.True(t, l.Allow("u2", "chat").Allowed)
	assert.True(t, l.Allow("u1", "upload").Allowed)
}

func TestUserOverrides(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1})
	l.SetUserLimits("vip", Config{RequestsPerMinute: 3})

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("vip", "chat").Allowed)
	}
	assert.False(t, l.Allow("vip", "chat").Allowed)
}

func TestResetUser(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 1, RequestsPerHour: 10})
	l.Allow("u1", "chat")
	l.Allow("u2", "chat")

	assert.Equal(t, 2, l.ResetUser("u1"))
	assert.True(t, l.Allow("u1", "chat").Allowed)
	assert.False(t, l.Allow("u2", "chat").Allowed)
}

// =============================================================================
// CLEANUP TESTS
// =============================================================================

func TestCleanupExpired(t *testing.T) {
	l, clock := newTestLimiter(Config{RequestsPerMinute: 5})
	l.Allow("u1", "chat")

	assert.Zero(t, l.CleanupExpired())

	clock.advance(2 * time.Minute)
	assert.Equal(t, 1, l.CleanupExpired())
	assert.Zero(t, l.Usage("u1", "chat")["minute"])
}

func TestRunStopsWithContext(t *testing.T) {
	l := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)

	go func() { done <- l.Run(ctx, time.Millisecond) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestConcurrentAllow(t *testing.T) {
	l, _ := newTestLimiter(Config{RequestsPerMinute: 50})

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Allow("u1", "chat").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, allowed)
}
