package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/eventbus"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type sendRecord struct {
	recipient string
	payload   string
	at        time.Time
}

type fakeSender struct {
	mu       sync.Mutex
	records  []sendRecord
	attempts map[string]int
	fail     func(payload string, attempt int) error
}

func (f *fakeSender) SendMessage(_ context.Context, recipient, payload string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.attempts == nil {
		f.attempts = map[string]int{}
	}
	f.attempts[payload]++
	if f.fail != nil {
		if err := f.fail(payload, f.attempts[payload]); err != nil {
			return err
		}
	}
	f.records = append(f.records, sendRecord{recipient: recipient, payload: payload, at: time.Now()})
	return nil
}

func (f *fakeSender) sent() []sendRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendRecord(nil), f.records...)
}

func (f *fakeSender) payloads() []string {
	var out []string
	for _, r := range f.sent() {
		out = append(out, r.payload)
	}
	return out
}

func (f *fakeSender) attemptsFor(payload string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts[payload]
}

type gate struct{ open atomic.Bool }

func (g *gate) Ready() bool { return g.open.Load() }

func openGate() *gate {
	g := &gate{}
	g.open.Store(true)
	return g
}

func fastConfig() Config {
	return Config{MaxAttempts: 3, RetryBase: 10 * time.Millisecond, Spacing: 5 * time.Millisecond, SendTimeout: time.Second}
}

func startQueue(t *testing.T, cfg Config, s Sender, g Gate, bus eventbus.Bus) *Queue {
	t.Helper()
	q := New(cfg, s, g, bus, logx.Nop())
	q.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		q.Stop(ctx)
	})
	return q
}

func waitHandle(t *testing.T, h *Handle) Result {
	t.Helper()
	select {
	case <-h.Done():
		res, _ := h.Result()
		return res
	case <-time.After(3 * time.Second):
		t.Fatalf("handle %s did not resolve", h.ID())
		return Result{}
	}
}

func TestFIFOWithSpacing(t *testing.T) {
	cfg := fastConfig()
	cfg.Spacing = 30 * time.Millisecond
	s := &fakeSender{}
	q := startQueue(t, cfg, s, openGate(), nil)

	var last *Handle
	for i := range 4 {
		h, err := q.Push("r", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		last = h
	}
	waitHandle(t, last)

	recs := s.sent()
	require.Len(t, recs, 4)
	assert.Equal(t, []string{"m0", "m1", "m2", "m3"}, s.payloads())
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].at.Sub(recs[i-1].at), cfg.Spacing)
	}
}

func TestRetrySucceedsOnLastAttempt(t *testing.T) {
	s := &fakeSender{fail: func(_ string, attempt int) error {
		if attempt < 3 {
			return errors.New("timeout")
		}
		return nil
	}}
	q := startQueue(t, fastConfig(), s, openGate(), nil)

	start := time.Now()
	h, err := q.Push("r", "hello")
	require.NoError(t, err)
	res := waitHandle(t, h)

	require.NoError(t, res.Err)
	assert.Equal(t, 3, res.Attempts)
	assert.False(t, res.DeliveredAt.IsZero())
	// Linear backoff: 1×base after the first failure, 2×base after the second.
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
	assert.Equal(t, uint64(2), q.Stats().Retries)
}

func TestExhaustedItemReportedOnceAndQueueMovesOn(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()

	boom := errors.New("upstream 500")
	s := &fakeSender{fail: func(payload string, _ int) error {
		if payload == "bad" {
			return boom
		}
		return nil
	}}
	q := startQueue(t, fastConfig(), s, openGate(), bus)

	bad, err := q.Push("r", "bad")
	require.NoError(t, err)
	good, err := q.Push("r", "good")
	require.NoError(t, err)

	res := waitHandle(t, bad)
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 3, res.Attempts)
	require.NoError(t, waitHandle(t, good).Err)
	assert.Equal(t, 3, s.attemptsFor("bad"))

	_, err = bad.Wait(context.Background())
	assert.ErrorIs(t, err, boom)

	var failed, sentN int
	timeout := time.After(time.Second)
	for failed+sentN < 2 {
		select {
		case ev := <-events:
			switch ev.Type {
			case eventbus.TypeDeliveryFailed:
				failed++
			case eventbus.TypeDeliverySent:
				sentN++
			}
		case <-timeout:
			t.Fatalf("missing delivery events: failed=%d sent=%d", failed, sentN)
		}
	}
	assert.Equal(t, 1, failed)
	assert.Equal(t, 1, sentN)
	assert.Equal(t, uint64(1), q.Stats().Failed)
}

func TestHeldUntilReady(t *testing.T) {
	cfg := fastConfig()
	cfg.Spacing = 20 * time.Millisecond
	s := &fakeSender{}
	g := &gate{}
	q := startQueue(t, cfg, s, g, nil)

	var handles []*Handle
	for i := range 5 {
		h, err := q.Push("r", fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		handles = append(handles, h)
	}
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.sent())
	assert.Equal(t, 5, q.Depth())

	g.open.Store(true)
	q.Kick()
	for _, h := range handles {
		require.NoError(t, waitHandle(t, h).Err)
	}

	recs := s.sent()
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m4"}, s.payloads())
	for i := 1; i < len(recs); i++ {
		assert.GreaterOrEqual(t, recs[i].at.Sub(recs[i-1].at), cfg.Spacing)
	}
	assert.Equal(t, 0, q.Depth())
}

func TestPermanentErrorsAreNotRetried(t *testing.T) {
	s := &fakeSender{fail: func(payload string, _ int) error {
		if payload == "unknown" {
			return fmt.Errorf("lookup: %w", transport.ErrRecipientUnknown)
		}
		return Permanent(errors.New("malformed"))
	}}
	q := startQueue(t, fastConfig(), s, openGate(), nil)

	h1, _ := q.Push("r", "unknown")
	h2, _ := q.Push("r", "other")
	r1 := waitHandle(t, h1)
	r2 := waitHandle(t, h2)

	assert.ErrorIs(t, r1.Err, transport.ErrRecipientUnknown)
	assert.Equal(t, 1, r1.Attempts)
	assert.True(t, IsPermanent(r2.Err))
	assert.Equal(t, 1, r2.Attempts)
}

func TestPausesBetweenAttemptsWhenNotReady(t *testing.T) {
	g := openGate()
	s := &fakeSender{}
	s.fail = func(_ string, attempt int) error {
		if attempt == 1 {
			g.open.Store(false)
			return errors.New("connection lost")
		}
		return nil
	}
	q := startQueue(t, fastConfig(), s, g, nil)

	h, err := q.Push("r", "first")
	require.NoError(t, err)
	second, err := q.Push("r", "second")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return s.attemptsFor("first") == 1 && !q.Draining()
	}, time.Second, 5*time.Millisecond)
	_, done := h.Result()
	assert.False(t, done)
	assert.Equal(t, 2, q.Depth())

	g.open.Store(true)
	q.Kick()
	res := waitHandle(t, h)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.Attempts)
	require.NoError(t, waitHandle(t, second).Err)
	assert.Equal(t, []string{"first", "second"}, s.payloads())
}

func TestItemMaxAttemptsOverride(t *testing.T) {
	s := &fakeSender{fail: func(string, int) error { return errors.New("nope") }}
	q := startQueue(t, fastConfig(), s, openGate(), nil)

	h, err := q.Push("r", "once", WithMaxAttempts(1), WithKind("login_link"))
	require.NoError(t, err)
	res := waitHandle(t, h)
	assert.Error(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
}

func TestRetryAfterHintExtendsBackoff(t *testing.T) {
	s := &fakeSender{fail: func(_ string, attempt int) error {
		if attempt == 1 {
			return RetryAfter(errors.New("flood"), 60*time.Millisecond)
		}
		return nil
	}}
	q := startQueue(t, fastConfig(), s, openGate(), nil)

	start := time.Now()
	h, _ := q.Push("r", "x")
	require.NoError(t, waitHandle(t, h).Err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)

	d, ok := RetryAfterHint(RetryAfter(errors.New("x"), -time.Second))
	assert.True(t, ok)
	assert.Zero(t, d)
}

func TestStopResolvesPendingAndRejectsPush(t *testing.T) {
	q := New(fastConfig(), &fakeSender{}, &gate{}, nil, logx.Nop())
	q.Start(context.Background())

	h, err := q.Push("r", "never")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	q.Stop(ctx)

	res := waitHandle(t, h)
	assert.ErrorIs(t, res.Err, ErrStopped)
	_, err = q.Push("r", "late")
	assert.ErrorIs(t, err, ErrStopped)
}

func TestMaxDepth(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxDepth = 2
	q := New(cfg, &fakeSender{}, &gate{}, nil, logx.Nop())

	_, err := q.Push("r", "a")
	require.NoError(t, err)
	_, err = q.Push("r", "b")
	require.NoError(t, err)
	_, err = q.Push("r", "c")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestHandleWaitHonoursContext(t *testing.T) {
	h := newHandle("x")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := h.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	assert.True(t, h.resolve(Result{Attempts: 1}))
	assert.False(t, h.resolve(Result{Attempts: 2}), "a handle resolves exactly once")
	res, ok := h.Result()
	assert.True(t, ok)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, "x", res.ID)
}

func TestCancelWithdrawsQueuedItem(t *testing.T) {
	cfg := fastConfig()
	cfg.Spacing = 300 * time.Millisecond
	s := &fakeSender{}
	q := startQueue(t, cfg, s, openGate(), nil)

	first, err := q.Push("r", "first")
	require.NoError(t, err)
	second, err := q.Push("r", "second")
	require.NoError(t, err)
	login, err := q.Push("r", "login-link", WithMaxAttempts(1))
	require.NoError(t, err)

	waitHandle(t, first)
	timeout := errors.New("login timeout")
	require.True(t, q.Cancel(login, timeout))
	res := waitHandle(t, login)
	assert.ErrorIs(t, res.Err, timeout)
	assert.Zero(t, res.Attempts)

	waitHandle(t, second)
	time.Sleep(cfg.Spacing + 100*time.Millisecond)
	assert.Equal(t, []string{"first", "second"}, s.payloads())
	assert.Zero(t, q.Depth())

	assert.False(t, q.Cancel(first, timeout), "resolved items cannot be withdrawn")
	assert.False(t, q.Cancel(nil, timeout))
}

type blockingSender struct {
	entered chan struct{}
	release chan struct{}
}

func (b *blockingSender) SendMessage(ctx context.Context, _, _ string) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestCancelLeavesInFlightItemAlone(t *testing.T) {
	s := &blockingSender{entered: make(chan struct{}, 1), release: make(chan struct{})}
	q := startQueue(t, fastConfig(), s, openGate(), nil)

	h, err := q.Push("r", "x")
	require.NoError(t, err)
	select {
	case <-s.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	assert.False(t, q.Cancel(h, errors.New("too late")))
	close(s.release)
	res := waitHandle(t, h)
	require.NoError(t, res.Err)
	assert.Equal(t, 1, res.Attempts)
}

func TestCancelDuringRetryBackoff(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryBase = 200 * time.Millisecond
	s := &fakeSender{fail: func(payload string, _ int) error {
		if payload == "flaky" {
			return errors.New("transient")
		}
		return nil
	}}
	q := startQueue(t, cfg, s, openGate(), nil)

	h, err := q.Push("r", "flaky")
	require.NoError(t, err)
	next, err := q.Push("r", "next")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return s.attemptsFor("flaky") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, q.Cancel(h, context.DeadlineExceeded))

	waitHandle(t, next)
	assert.Equal(t, 1, s.attemptsFor("flaky"))
	assert.Equal(t, []string{"next"}, s.payloads())
}
