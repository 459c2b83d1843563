// Package loopback is an in-process Transport. Messages are recorded instead of
// delivered, pairing completes on a timer or on demand, and failures can be
// injected. It backs local runs (transport.driver: loopback) and tests.
package loopback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	// PairAfter completes pairing automatically after this delay. Zero waits for Pair().
	PairAfter time.Duration
	// Recipients restricts the known recipients. Empty means everyone is known.
	Recipients []string
}

// Message is a recorded delivery.
type Message struct {
	RecipientID string
	Payload     string
	At          time.Time
}

// SendFunc can fail a send. attempt counts sends to the same recipient, starting at 1.
type SendFunc func(recipientID string, attempt int) error

type session struct {
	ID       string    `json:"id"`
	PairedAt time.Time `json:"paired_at"`
}

type Transport struct {
	cfg Config
	log logx.Logger

	mu       sync.Mutex
	events   chan<- transport.Event
	ctx      context.Context
	cancel   context.CancelFunc
	cred     []byte
	pairing  string
	rejectID string
	sent     []Message
	attempts map[string]int
	sendFn   SendFunc
	known    map[string]bool
	inits    int
}

func New(cfg Config, log logx.Logger) *Transport {
	t := &Transport{cfg: cfg, log: log, attempts: map[string]int{}}
	if len(cfg.Recipients) > 0 {
		t.known = map[string]bool{}
		for _, r := range cfg.Recipients {
			t.known[strings.TrimSpace(r)] = true
		}
	}
	return t
}

func (t *Transport) Initialize(ctx context.Context, credential []byte, events chan<- transport.Event) error {
	t.mu.Lock()
	if t.cancel != nil {
		t.cancel()
	}
	lctx, cancel := context.WithCancel(context.Background())
	t.ctx, t.cancel = lctx, cancel
	t.events = events
	t.inits++
	t.cred = nil
	t.pairing = ""
	rejectID := t.rejectID
	t.mu.Unlock()

	if len(credential) > 0 {
		var s session
		if err := json.Unmarshal(credential, &s); err != nil || s.ID == "" || s.ID == rejectID {
			go transport.Emit(lctx, events, transport.Event{Kind: transport.EventAuthRejected, Reason: "session not recognized"})
			return nil
		}
		t.mu.Lock()
		t.cred = append([]byte(nil), credential...)
		t.mu.Unlock()
		go t.announce(lctx, credential)
		return nil
	}

	code := "loopback-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	t.mu.Lock()
	t.pairing = code
	t.mu.Unlock()
	go func() {
		if !transport.Emit(lctx, events, transport.Event{Kind: transport.EventPairingCode, PairingCode: code}) || t.cfg.PairAfter <= 0 {
			return
		}
		timer := time.NewTimer(t.cfg.PairAfter)
		defer timer.Stop()
		select {
		case <-lctx.Done():
		case <-timer.C:
			if err := t.Pair(); err != nil {
				t.log.Debug("auto pairing skipped", logx.Err(err))
			}
		}
	}()
	return nil
}

func (t *Transport) announce(ctx context.Context, cred []byte) {
	if transport.Emit(ctx, t.eventsCh(), transport.Event{Kind: transport.EventAuthenticated, Credential: cred}) {
		transport.Emit(ctx, t.eventsCh(), transport.Event{Kind: transport.EventReady, Credential: cred})
	}
}

func (t *Transport) eventsCh() chan<- transport.Event {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.events
}

// Pair completes a pending pairing as if a human had confirmed the code.
func (t *Transport) Pair() error {
	t.mu.Lock()
	if t.pairing == "" || t.ctx == nil {
		t.mu.Unlock()
		return errors.New("loopback: no pairing in progress")
	}
	cred, err := json.Marshal(session{ID: uuid.NewString(), PairedAt: time.Now().UTC()})
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.pairing = ""
	t.cred = cred
	ctx := t.ctx
	t.mu.Unlock()

	t.announce(ctx, cred)
	return nil
}

// PairingCode returns the code of a pairing in progress.
func (t *Transport) PairingCode() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pairing
}

// Disconnect simulates a dropped session.
func (t *Transport) Disconnect(reason string) {
	t.mu.Lock()
	ctx, events := t.ctx, t.events
	t.mu.Unlock()
	if ctx != nil {
		transport.Emit(ctx, events, transport.Event{Kind: transport.EventDisconnected, Reason: reason})
	}
}

// Revoke makes the current credential invalid and reports the rejection.
func (t *Transport) Revoke(reason string) {
	t.mu.Lock()
	var s session
	if json.Unmarshal(t.cred, &s) == nil {
		t.rejectID = s.ID
	}
	t.cred = nil
	ctx, events := t.ctx, t.events
	t.mu.Unlock()
	if ctx != nil {
		transport.Emit(ctx, events, transport.Event{Kind: transport.EventAuthRejected, Reason: reason})
	}
}

// FailSends installs a failure injector. Nil clears it.
func (t *Transport) FailSends(fn SendFunc) {
	t.mu.Lock()
	t.sendFn = fn
	t.mu.Unlock()
}

func (t *Transport) SendMessage(ctx context.Context, recipientID, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cred == nil {
		return transport.ErrNotConnected
	}
	if t.known != nil && !t.known[recipientID] {
		return fmt.Errorf("%w: %s", transport.ErrRecipientUnknown, logx.MaskID(recipientID))
	}
	t.attempts[recipientID]++
	if t.sendFn != nil {
		if err := t.sendFn(recipientID, t.attempts[recipientID]); err != nil {
			return err
		}
	}
	t.sent = append(t.sent, Message{RecipientID: recipientID, Payload: payload, At: time.Now()})
	t.log.Debug("message delivered", logx.Recipient(recipientID), logx.Int("bytes", len(payload)))
	return nil
}

func (t *Transport) IsKnownRecipient(_ context.Context, recipientID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cred == nil {
		return false, transport.ErrNotConnected
	}
	return t.known == nil || t.known[recipientID], nil
}

func (t *Transport) Credential(context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cred == nil {
		return nil, nil
	}
	return append([]byte(nil), t.cred...), nil
}

func (t *Transport) Shutdown(context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel != nil {
		t.cancel()
		t.cancel = nil
	}
	t.events = nil
	return nil
}

// Sent returns a copy of every recorded delivery in order.
func (t *Transport) Sent() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.sent...)
}

// Inits reports how many times Initialize was called.
func (t *Transport) Inits() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inits
}
