package ratelimit

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestLimiter(t *testing.T) (*Limiter, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC)}
	return New(Config{Limit: 3, Window: time.Hour}, WithClock(clk.Now)), clk
}

func TestCheckAdmitsUpToLimit(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t)
	start := clk.Now()

	r1 := l.Check("249900000001")
	require.True(t, r1.Allowed)
	assert.Equal(t, 2, r1.Remaining)
	assert.Equal(t, start.Add(time.Hour), r1.ResetAt)

	clk.Advance(time.Minute)
	r2 := l.Check("249900000001")
	clk.Advance(time.Minute)
	r3 := l.Check("249900000001")
	assert.True(t, r2.Allowed)
	assert.Equal(t, 1, r2.Remaining)
	assert.True(t, r3.Allowed)
	assert.Equal(t, 0, r3.Remaining)

	clk.Advance(time.Minute)
	r4 := l.Check("249900000001")
	assert.False(t, r4.Allowed)
	assert.Equal(t, 0, r4.Remaining)
	assert.Equal(t, r1.ResetAt, r4.ResetAt, "denial must not move the reset instant")
	assert.Equal(t, 57*time.Minute, r4.RetryAfter(clk.Now()))
}

func TestCheckKeysAreIndependent(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	for range 3 {
		require.True(t, l.Check("a").Allowed)
	}
	assert.False(t, l.Check("a").Allowed)
	assert.True(t, l.Check("b").Allowed)
}

func TestWindowResetsOnlyAfterResetInstant(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t)

	for range 3 {
		l.Check("k")
	}
	clk.Advance(time.Hour)
	assert.False(t, l.Check("k").Allowed, "exactly at resetAt the window is still active")

	clk.Advance(time.Nanosecond)
	r := l.Check("k")
	assert.True(t, r.Allowed)
	assert.Equal(t, 2, r.Remaining)
	assert.Equal(t, clk.Now().Add(time.Hour), r.ResetAt)
}

func TestSweepDropsExpiredWindows(t *testing.T) {
	t.Parallel()
	l, clk := newTestLimiter(t)

	l.Check("old")
	clk.Advance(30 * time.Minute)
	l.Check("fresh")
	clk.Advance(31 * time.Minute)

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Len())
	assert.Equal(t, 1, l.Check("fresh").Remaining, "open window survives the sweep")
	assert.Equal(t, 2, l.Check("old").Remaining, "swept key starts a new window")
}

func TestApplyKeepsOpenWindows(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	r := l.Check("k")
	l.Apply(Config{Limit: 1, Window: time.Minute})
	d := l.Check("k")
	assert.False(t, d.Allowed)
	assert.Equal(t, r.ResetAt, d.ResetAt)
	assert.Equal(t, Config{Limit: 1, Window: time.Minute}, l.Config())
}

func TestDefaults(t *testing.T) {
	t.Parallel()
	l := New(Config{})
	assert.Equal(t, Config{Limit: DefaultLimit, Window: DefaultWindow}, l.Config())
}

func TestCheckConcurrentNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	l, _ := newTestLimiter(t)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Check(fmt.Sprintf("k%d", i%2)).Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 6, allowed)
}
