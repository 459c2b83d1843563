package delivery

import (
	"context"
	"sync"
	"time"
)

// Config controls pacing and retries of the delivery queue.
type Config struct {
	// MaxAttempts per item, first attempt included.
	MaxAttempts int
	// RetryBase is multiplied by the number of failed attempts to get the retry delay.
	RetryBase time.Duration
	// Spacing is the pause after each successful send.
	Spacing time.Duration
	// SendTimeout bounds a single send attempt.
	SendTimeout time.Duration
	// RatePerSec caps sends globally. Zero disables the cap.
	RatePerSec float64
	// MaxDepth bounds queued items. Zero means unbounded.
	MaxDepth int
}

const (
	DefaultMaxAttempts = 3
	DefaultRetryBase   = time.Second
	DefaultSpacing     = 2 * time.Second
	DefaultSendTimeout = 30 * time.Second
	DefaultMaxDepth    = 10000
)

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = DefaultRetryBase
	}
	if c.Spacing < 0 {
		c.Spacing = 0
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	if c.RatePerSec < 0 {
		c.RatePerSec = 0
	}
	if c.MaxDepth < 0 {
		c.MaxDepth = 0
	}
	return c
}

// Gate reports whether sends may start.
type Gate interface {
	Ready() bool
}

// Sender performs a single delivery attempt.
type Sender interface {
	SendMessage(ctx context.Context, recipientID, payload string) error
}

// Result is the terminal outcome of an item.
type Result struct {
	ID          string
	Attempts    int
	Err         error
	DeliveredAt time.Time
}

// Handle resolves exactly once with the item's terminal outcome.
// Callers may wait on it or drop it.
type Handle struct {
	id   string
	done chan struct{}
	once sync.Once
	res  Result
}

func newHandle(id string) *Handle {
	return &Handle{id: id, done: make(chan struct{})}
}

func (h *Handle) ID() string { return h.id }

func (h *Handle) Done() <-chan struct{} { return h.done }

// Result returns the outcome once resolved.
func (h *Handle) Result() (Result, bool) {
	select {
	case <-h.done:
		return h.res, true
	default:
		return Result{}, false
	}
}

// Wait blocks until the item resolves or ctx ends.
// The returned error is the delivery error, or ctx.Err().
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.res, h.res.Err
	case <-ctx.Done():
		return Result{ID: h.id}, ctx.Err()
	}
}

func (h *Handle) resolve(res Result) bool {
	first := false
	h.once.Do(func() {
		res.ID = h.id
		h.res = res
		close(h.done)
		first = true
	})
	return first
}

// Event is published on the event bus when an item resolves.
type Event struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind,omitempty"`
	Recipient string    `json:"recipient"`
	Attempts  int       `json:"attempts"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Stats are best-effort counters.
type Stats struct {
	Depth    int    `json:"depth"`
	Draining bool   `json:"draining"`
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Retries  uint64 `json:"retries"`
}
