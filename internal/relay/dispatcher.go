// Package relay is the notification facade used by the HTTP surface: it admits
// messages against readiness and per-recipient rate limits, renders templates,
// and hands accepted messages to the delivery queue.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"relaybot/internal/delivery"
	"relaybot/internal/ratelimit"
	"relaybot/internal/readiness"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

const (
	DefaultBrand        = "طبيبك - Tabeebak"
	DefaultLoginTimeout = time.Minute
)

type Config struct {
	CountryCode string
	Brand       string
	// AcceptWhenNotReady lets Enqueue and Send admit messages while the session
	// is not ready; they wait in the queue. Login links are never admitted early.
	AcceptWhenNotReady bool
	// LoginTimeout bounds how long SendLoginLink waits for the delivery outcome.
	LoginTimeout time.Duration
}

func (c Config) withDefaults() Config {
	c.CountryCode = strings.TrimPrefix(strings.TrimSpace(c.CountryCode), "+")
	if c.CountryCode == "" {
		c.CountryCode = DefaultCountryCode
	}
	if strings.TrimSpace(c.Brand) == "" {
		c.Brand = DefaultBrand
	}
	if c.LoginTimeout <= 0 {
		c.LoginTimeout = DefaultLoginTimeout
	}
	return c
}

// Readiness is the slice of the readiness monitor the dispatcher reads.
type Readiness interface {
	State() readiness.State
	Snapshot() readiness.Snapshot
}

// Directory answers whether a recipient is reachable at all.
type Directory interface {
	IsKnownRecipient(ctx context.Context, recipientID string) (bool, error)
}

type Queue interface {
	Push(recipientID, payload string, opts ...delivery.PushOption) (*delivery.Handle, error)
	Cancel(h *delivery.Handle, err error) bool
	Stats() delivery.Stats
}

// Receipt acknowledges an accepted message.
type Receipt struct {
	ID        string           `json:"id"`
	Kind      Kind             `json:"kind"`
	Recipient string           `json:"recipient"`
	Remaining int              `json:"remaining"`
	ResetAt   time.Time        `json:"resetTime"`
	Handle    *delivery.Handle `json:"-"`
}

type Status struct {
	Ready          bool           `json:"ready"`
	State          string         `json:"state"`
	PairingPending bool           `json:"pairingPending"`
	Since          time.Time      `json:"since"`
	LastError      string         `json:"lastError,omitempty"`
	Connects       int            `json:"connects"`
	Queue          delivery.Stats `json:"queue"`
}

type Dispatcher struct {
	log    logx.Logger
	ready  Readiness
	dir    Directory
	queue  Queue
	login  *ratelimit.Limiter
	notify *ratelimit.Limiter

	mu  sync.RWMutex
	cfg Config
}

func New(cfg Config, ready Readiness, dir Directory, q Queue, login, notify *ratelimit.Limiter, log logx.Logger) *Dispatcher {
	if login == nil {
		login = ratelimit.New(ratelimit.Config{})
	}
	if notify == nil {
		notify = ratelimit.New(ratelimit.Config{Limit: 20})
	}
	return &Dispatcher{
		log:    log,
		ready:  ready,
		dir:    dir,
		queue:  q,
		login:  login,
		notify: notify,
		cfg:    cfg.withDefaults(),
	}
}

// Apply swaps the dispatcher settings. Limiters are reconfigured separately.
func (d *Dispatcher) Apply(cfg Config) {
	d.mu.Lock()
	d.cfg = cfg.withDefaults()
	d.mu.Unlock()
}

func (d *Dispatcher) config() Config {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.cfg
}

func (d *Dispatcher) Status() Status {
	snap := d.ready.Snapshot()
	return Status{
		Ready:          snap.State == readiness.Ready,
		State:          snap.State.String(),
		PairingPending: snap.State == readiness.CredentialPending && snap.PairingCode != "",
		Since:          snap.Since,
		LastError:      snap.LastError,
		Connects:       snap.Connects,
		Queue:          d.queue.Stats(),
	}
}

// PairingCode returns the code a human must scan, if the session awaits pairing.
func (d *Dispatcher) PairingCode() (string, bool) {
	snap := d.ready.Snapshot()
	if snap.State != readiness.CredentialPending || snap.PairingCode == "" {
		return "", false
	}
	return snap.PairingCode, true
}

// Enqueue admits a plain text message and returns without waiting for delivery.
func (d *Dispatcher) Enqueue(ctx context.Context, recipient, payload string) (Receipt, error) {
	return d.admit(ctx, KindText, recipient, payload)
}

// Notify renders a template and enqueues it. Login links go through SendLoginLink.
func (d *Dispatcher) Notify(ctx context.Context, kind Kind, recipient string, f Fields) (Receipt, error) {
	if kind == KindLoginLink {
		return Receipt{}, fmt.Errorf("%w: login links are sent with SendLoginLink", ErrInvalidMessage)
	}
	f.Brand = d.config().Brand
	text, err := Render(kind, f)
	if err != nil {
		return Receipt{}, err
	}
	return d.admit(ctx, kind, recipient, text)
}

// Send admits a plain text message and waits for its terminal outcome.
func (d *Dispatcher) Send(ctx context.Context, recipient, payload string) error {
	rc, err := d.admit(ctx, KindText, recipient, payload)
	if err != nil {
		return err
	}
	res, err := rc.Handle.Wait(ctx)
	if err != nil {
		return err
	}
	return outcomeErr(res.Err)
}

func (d *Dispatcher) admit(ctx context.Context, kind Kind, recipient, payload string) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	cfg := d.config()
	phone, err := NormalizePhone(recipient, cfg.CountryCode)
	if err != nil {
		return Receipt{}, err
	}
	if strings.TrimSpace(payload) == "" {
		return Receipt{}, fmt.Errorf("%w: empty payload", ErrInvalidMessage)
	}
	if !cfg.AcceptWhenNotReady && d.ready.State() != readiness.Ready {
		return Receipt{}, ErrNotReady
	}

	res := d.notify.Check(phone)
	if !res.Allowed {
		d.log.Warn("notification rate limited", logx.Recipient(phone), logx.String("kind", string(kind)), logx.Time("reset_at", res.ResetAt))
		return Receipt{}, &RateLimitError{Limit: res.Limit, ResetAt: res.ResetAt}
	}

	h, err := d.queue.Push(phone, payload, delivery.WithKind(string(kind)))
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	return Receipt{
		ID:        h.ID(),
		Kind:      kind,
		Recipient: phone,
		Remaining: res.Remaining,
		ResetAt:   res.ResetAt,
		Handle:    h,
	}, nil
}

// SendLoginLink delivers a one-time sign-in link and waits for the outcome.
// The link is attempted once; a failure is reported to the caller rather than
// retried behind its back.
func (d *Dispatcher) SendLoginLink(ctx context.Context, recipient, link, displayName string) error {
	cfg := d.config()
	phone, err := NormalizePhone(recipient, cfg.CountryCode)
	if err != nil {
		return err
	}
	if err := validateLink(link); err != nil {
		return err
	}
	if d.ready.State() != readiness.Ready {
		return ErrNotReady
	}

	res := d.login.Check(phone)
	if !res.Allowed {
		d.log.Warn("login link rate limited", logx.Recipient(phone), logx.Time("reset_at", res.ResetAt))
		return &RateLimitError{Limit: res.Limit, ResetAt: res.ResetAt}
	}

	known, err := d.dir.IsKnownRecipient(ctx, phone)
	if err != nil {
		return fmt.Errorf("%w: recipient lookup: %w", ErrSendFailed, err)
	}
	if !known {
		d.log.Info("login link for unknown recipient", logx.Recipient(phone))
		return ErrRecipientUnknown
	}

	text, err := Render(KindLoginLink, Fields{Brand: cfg.Brand, Name: displayName, URL: link})
	if err != nil {
		return err
	}
	h, err := d.queue.Push(phone, text, delivery.WithKind(string(KindLoginLink)), delivery.WithMaxAttempts(1))
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	wctx, cancel := context.WithTimeout(ctx, cfg.LoginTimeout)
	defer cancel()
	out, err := h.Wait(wctx)
	if err != nil {
		// A link reported as failed must never arrive later.
		if d.queue.Cancel(h, err) {
			d.log.Warn("login link withdrawn before delivery", logx.Recipient(phone), logx.Err(err))
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
		// Mid-send: the attempt is bounded by the queue's send timeout.
		if out, err = h.Wait(context.WithoutCancel(ctx)); err != nil {
			return fmt.Errorf("%w: %w", ErrSendFailed, err)
		}
	}
	if err := outcomeErr(out.Err); err != nil {
		d.log.Warn("login link not delivered", logx.Recipient(phone), logx.Err(out.Err))
		return err
	}
	d.log.Info("login link delivered", logx.Recipient(phone))
	return nil
}

func validateLink(link string) error {
	link = strings.TrimSpace(link)
	if link == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidMessage)
	}
	u, err := url.Parse(link)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url must be an absolute http(s) link", ErrInvalidMessage)
	}
	return nil
}

func outcomeErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, transport.ErrRecipientUnknown):
		return fmt.Errorf("%w: %w", ErrRecipientUnknown, err)
	default:
		return fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
}
