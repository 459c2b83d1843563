// Package delivery implements the ordered, retrying, readiness-gated outbound queue.
//
// Items are sent strictly in arrival order by a single consumer. A failing item
// is retried in place with linear backoff, so nothing overtakes it. Sending
// pauses whenever the gate reports not ready and resumes on Kick.
package delivery

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	logx "relaybot/pkg/logx"
)

type item struct {
	id          string
	kind        string
	recipient   string
	payload     string
	maxAttempts int
	enqueuedAt  time.Time
	attempts    int
	lastErr     error
	handle      *Handle

	// guarded by Queue.mu
	inFlight bool
	canceled bool
}

// PushOption customizes a single item.
type PushOption func(*item)

// WithMaxAttempts overrides the configured attempt budget for one item.
func WithMaxAttempts(n int) PushOption {
	return func(it *item) {
		if n > 0 {
			it.maxAttempts = n
		}
	}
}

// WithKind labels the item in logs and events.
func WithKind(kind string) PushOption {
	return func(it *item) { it.kind = kind }
}

type Queue struct {
	log    logx.Logger
	sender Sender
	gate   Gate
	bus    eventbus.Bus

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter
	items   []*item
	stopped bool

	wake     chan struct{}
	draining atomic.Bool

	sent    atomic.Uint64
	failed  atomic.Uint64
	retries atomic.Uint64

	runMu sync.Mutex
	sup   *rtsup.Supervisor
}

func New(cfg Config, sender Sender, gate Gate, bus eventbus.Bus, log logx.Logger) *Queue {
	if bus == nil {
		bus = eventbus.Nop()
	}
	q := &Queue{
		log:    log,
		sender: sender,
		gate:   gate,
		bus:    bus,
		wake:   make(chan struct{}, 1),
	}
	q.applyLocked(cfg)
	return q
}

func (q *Queue) Apply(cfg Config) {
	q.mu.Lock()
	q.applyLocked(cfg)
	q.mu.Unlock()
}

func (q *Queue) applyLocked(cfg Config) {
	cfg = cfg.withDefaults()
	q.cfg = cfg
	if cfg.RatePerSec > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), 1)
	} else {
		q.limiter = nil
	}
}

func (q *Queue) snapshotCfg() (Config, *rate.Limiter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cfg, q.limiter
}

// Start launches the consumer. It is idempotent.
func (q *Queue) Start(ctx context.Context) {
	q.runMu.Lock()
	defer q.runMu.Unlock()
	if q.sup != nil {
		return
	}
	q.mu.Lock()
	q.stopped = false
	q.mu.Unlock()

	q.sup = rtsup.New(ctx, rtsup.WithLogger(q.log))
	q.sup.GoRestart("delivery.consumer", func(c context.Context) error {
		q.run(c)
		return c.Err()
	}, rtsup.WithPublishFirstError(true))
	q.Kick()
}

// Stop halts the consumer and resolves every unsent item with ErrStopped.
// An in-flight attempt is abandoned when ctx expires.
func (q *Queue) Stop(ctx context.Context) {
	q.runMu.Lock()
	sup := q.sup
	q.sup = nil
	q.runMu.Unlock()

	if sup != nil {
		if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			q.log.Warn("delivery consumer stop", logx.Err(err))
		}
	}

	q.mu.Lock()
	q.stopped = true
	pending := q.items
	q.items = nil
	q.mu.Unlock()

	for _, it := range pending {
		it.handle.resolve(Result{Attempts: it.attempts, Err: ErrStopped})
	}
	if len(pending) > 0 {
		q.log.Warn("delivery queue stopped with undelivered items", logx.Int("dropped", len(pending)))
	}
}

// Push appends a message to the tail of the queue. Items are accepted in any
// readiness state and held until the gate opens.
func (q *Queue) Push(recipientID, payload string, opts ...PushOption) (*Handle, error) {
	it := &item{
		id:         uuid.NewString(),
		recipient:  recipientID,
		payload:    payload,
		enqueuedAt: time.Now(),
	}
	for _, o := range opts {
		o(it)
	}
	it.handle = newHandle(it.id)

	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil, ErrStopped
	}
	if q.cfg.MaxDepth > 0 && len(q.items) >= q.cfg.MaxDepth {
		q.mu.Unlock()
		return nil, ErrQueueFull
	}
	q.items = append(q.items, it)
	depth := len(q.items)
	q.mu.Unlock()

	q.log.Debug("message queued", logx.String("id", it.id), logx.String("kind", it.kind), logx.Recipient(recipientID), logx.Int("depth", depth))
	q.Kick()
	return it.handle, nil
}

// Cancel withdraws a queued item and resolves its handle with err. It reports
// false when the item is mid-send or already resolved; the handle then carries
// the real outcome.
func (q *Queue) Cancel(h *Handle, err error) bool {
	if h == nil {
		return false
	}
	q.mu.Lock()
	var (
		it       *item
		attempts int
	)
	for i, cand := range q.items {
		if cand.handle != h {
			continue
		}
		if cand.inFlight {
			q.mu.Unlock()
			return false
		}
		it, attempts = cand, cand.attempts
		cand.canceled = true
		q.items = append(q.items[:i:i], q.items[i+1:]...)
		break
	}
	q.mu.Unlock()
	if it == nil {
		return false
	}
	if !h.resolve(Result{Attempts: attempts, Err: err}) {
		return false
	}
	q.log.Debug("message withdrawn", logx.String("id", it.id), logx.String("kind", it.kind), logx.Recipient(it.recipient), logx.Err(err))
	q.Kick()
	return true
}

// claim marks it as in flight unless it was withdrawn.
func (q *Queue) claim(it *item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if it.canceled {
		return false
	}
	it.inFlight = true
	return true
}

func (q *Queue) release(it *item) {
	q.mu.Lock()
	it.inFlight = false
	q.mu.Unlock()
}

// Kick asks the consumer to drain. Safe to call from any goroutine, never blocks.
func (q *Queue) Kick() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Draining() bool { return q.draining.Load() }

func (q *Queue) Stats() Stats {
	return Stats{
		Depth:    q.Depth(),
		Draining: q.Draining(),
		Sent:     q.sent.Load(),
		Failed:   q.failed.Load(),
		Retries:  q.retries.Load(),
	}
}

func (q *Queue) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
			q.drain(ctx)
		}
	}
}

func (q *Queue) head() *item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

func (q *Queue) removeHead(it *item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) > 0 && q.items[0] == it {
		q.items[0] = nil
		q.items = q.items[1:]
	}
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomePaused
	outcomeCanceled
	outcomeWithdrawn
)

func (q *Queue) drain(ctx context.Context) {
	if !q.draining.CompareAndSwap(false, true) {
		return
	}
	defer q.draining.Store(false)

	for ctx.Err() == nil {
		if q.gate != nil && !q.gate.Ready() {
			if d := q.Depth(); d > 0 {
				q.log.Debug("delivery paused until ready", logx.Int("depth", d))
			}
			return
		}
		it := q.head()
		if it == nil {
			return
		}

		switch q.deliver(ctx, it) {
		case outcomeSent:
			q.removeHead(it)
			q.sent.Add(1)
			it.handle.resolve(Result{Attempts: it.attempts, DeliveredAt: time.Now()})
			q.publish(eventbus.TypeDeliverySent, it, nil)
			q.log.Info("message delivered", logx.String("id", it.id), logx.String("kind", it.kind), logx.Recipient(it.recipient), logx.Int("attempts", it.attempts), logx.Duration("queued_for", time.Since(it.enqueuedAt)))

			cfg, _ := q.snapshotCfg()
			if !sleepCtx(ctx, cfg.Spacing) {
				return
			}
		case outcomeFailed:
			q.removeHead(it)
			q.failed.Add(1)
			if it.handle.resolve(Result{Attempts: it.attempts, Err: it.lastErr}) {
				q.publish(eventbus.TypeDeliveryFailed, it, it.lastErr)
				q.log.Warn("message delivery failed", logx.String("id", it.id), logx.String("kind", it.kind), logx.Recipient(it.recipient), logx.Int("attempts", it.attempts), logx.Err(it.lastErr))
			}
		case outcomeWithdrawn:
			// Cancel already resolved the handle and unlinked the item.
		case outcomePaused, outcomeCanceled:
			return
		}
	}
}

// deliver attempts the head item until it succeeds, fails for good, is
// withdrawn, or the gate closes between attempts. A sent item stays marked
// in flight so Cancel cannot race its resolution.
func (q *Queue) deliver(ctx context.Context, it *item) outcome {
	cfg, lim := q.snapshotCfg()
	maxAttempts := cfg.MaxAttempts
	if it.maxAttempts > 0 {
		maxAttempts = it.maxAttempts
	}

	for it.attempts < maxAttempts {
		if it.attempts > 0 {
			wait := time.Duration(it.attempts) * cfg.RetryBase
			if hint, ok := RetryAfterHint(it.lastErr); ok && hint > wait {
				wait = hint
			}
			if !sleepCtx(ctx, wait) {
				return outcomeCanceled
			}
			if q.gate != nil && !q.gate.Ready() {
				return outcomePaused
			}
			q.retries.Add(1)
		}
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return outcomeCanceled
			}
		}

		if !q.claim(it) {
			return outcomeWithdrawn
		}
		it.attempts++
		sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
		err := q.sender.SendMessage(sctx, it.recipient, it.payload)
		cancel()
		if err == nil {
			return outcomeSent
		}
		q.release(it)
		it.lastErr = err
		if ctx.Err() != nil {
			return outcomeCanceled
		}
		if IsPermanent(err) {
			return outcomeFailed
		}
		q.log.Warn("delivery attempt failed", logx.String("id", it.id), logx.Int("attempt", it.attempts), logx.Int("max_attempts", maxAttempts), logx.Err(err))
	}
	return outcomeFailed
}

func (q *Queue) publish(typ string, it *item, err error) {
	ev := Event{ID: it.id, Kind: it.kind, Recipient: logx.MaskID(it.recipient), Attempts: it.attempts, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	q.bus.Publish(eventbus.Event{Type: typ, Time: ev.At, Data: ev})
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
