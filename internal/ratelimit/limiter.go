// Package ratelimit implements a fixed-window, per-key admission limiter.
//
// A window opens on the first check for a key and lasts Window. Up to Limit
// checks are admitted inside it; further checks are denied until the window
// has strictly passed its reset instant. Windows live only in memory.
package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const (
	DefaultLimit  = 3
	DefaultWindow = time.Hour
)

type Config struct {
	Limit  int
	Window time.Duration
}

func (c Config) withDefaults() Config {
	if c.Limit <= 0 {
		c.Limit = DefaultLimit
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	return c
}

// Result contains the outcome of a Check.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter returns how long until the window resets, measured from now.
// Returns 0 for admitted checks.
func (r Result) RetryAfter(now time.Time) time.Duration {
	if r.Allowed || !r.ResetAt.After(now) {
		return 0
	}
	return r.ResetAt.Sub(now)
}

type window struct {
	count   int
	resetAt time.Time
}

type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows map[string]*window
	now     func() time.Time
}

type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:     cfg.withDefaults(),
		windows: map[string]*window{},
		now:     time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Check records one attempt for key and reports whether it is admitted.
// A denied check never moves the window's reset instant.
func (l *Limiter) Check(key string) Result {
	key = strings.TrimSpace(key)
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	limit := l.cfg.Limit
	w, ok := l.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(l.cfg.Window)}
		l.windows[key] = w
		return Result{Allowed: true, Limit: limit, Remaining: limit - 1, ResetAt: w.resetAt}
	}
	if w.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{Allowed: true, Limit: limit, Remaining: limit - w.count, ResetAt: w.resetAt}
}

// Sweep drops windows whose reset instant has passed and returns how many it removed.
func (l *Limiter) Sweep() int {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for k, w := range l.windows {
		if now.After(w.resetAt) {
			delete(l.windows, k)
			n++
		}
	}
	return n
}

// Len returns the number of tracked windows, expired ones included until the next Sweep.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// Apply swaps limit and window length. Open windows keep their reset instant.
func (l *Limiter) Apply(cfg Config) {
	l.mu.Lock()
	l.cfg = cfg.withDefaults()
	l.mu.Unlock()
}

func (l *Limiter) Config() Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cfg
}
