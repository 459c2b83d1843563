// Package readiness tracks whether the transport session can deliver messages.
//
// A Monitor owns the session lifecycle: it loads the stored credential,
// initializes the transport, follows its lifecycle events, persists fresh
// credentials, and reconnects after a fixed delay whenever the session drops.
// All state changes happen on one goroutine; readers get snapshots.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"relaybot/internal/eventbus"
	rtsup "relaybot/internal/runtime/supervisor"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

var ErrNotReady = errors.New("session not ready")

type Config struct {
	// CredentialKey is the logical key the session credential is stored under.
	CredentialKey string
	// ReconnectDelay is the fixed wait before reconnecting from Disconnected.
	ReconnectDelay time.Duration
	// InitTimeout bounds transport initialization and the Authenticating phase.
	InitTimeout time.Duration
	// PersistTimeout bounds each credential store call.
	PersistTimeout time.Duration
	// ShutdownGrace bounds the final credential save on Stop.
	ShutdownGrace time.Duration
}

const (
	DefaultCredentialKey  = "relay-main-session"
	DefaultReconnectDelay = 10 * time.Second
	DefaultInitTimeout    = 90 * time.Second
	DefaultPersistTimeout = 10 * time.Second
	DefaultShutdownGrace  = 5 * time.Second
)

func (c Config) withDefaults() Config {
	if c.CredentialKey == "" {
		c.CredentialKey = DefaultCredentialKey
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = DefaultPersistTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = DefaultShutdownGrace
	}
	return c
}

type Monitor struct {
	cfg   Config
	log   logx.Logger
	tr    transport.Transport
	store storage.CredentialStore
	bus   eventbus.Bus

	mu      sync.RWMutex
	snap    Snapshot
	changed chan struct{}

	cbMu      sync.Mutex
	callbacks []func(Transition)

	events   chan transport.Event
	persistQ chan persistOp

	runMu sync.Mutex
	sup   *rtsup.Supervisor

	// owned by the loop goroutine
	loaded    []byte
	rejected  map[fingerprint]struct{}
	reconnect *time.Timer
	watchdog  *time.Timer
}

func New(cfg Config, tr transport.Transport, store storage.CredentialStore, bus eventbus.Bus, log logx.Logger) *Monitor {
	if store == nil {
		store = storage.NewNop()
	}
	if bus == nil {
		bus = eventbus.Nop()
	}
	return &Monitor{
		cfg:      cfg.withDefaults(),
		log:      log,
		tr:       tr,
		store:    store,
		bus:      bus,
		snap:     Snapshot{State: Disconnected, Since: time.Now()},
		changed:  make(chan struct{}),
		events:   make(chan transport.Event, 64),
		persistQ: make(chan persistOp, 32),
		rejected: map[fingerprint]struct{}{},
	}
}

// OnTransition registers fn to be called, in order, for every state change.
// Callbacks run on the monitor goroutine and must not block.
func (m *Monitor) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, fn)
	m.cbMu.Unlock()
}

func (m *Monitor) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap.State
}

func (m *Monitor) Ready() bool { return m.State() == Ready }

func (m *Monitor) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// PairingCode returns the code a human must confirm, if pairing is in progress.
func (m *Monitor) PairingCode() (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.snap.State != CredentialPending || m.snap.PairingCode == "" {
		return "", false
	}
	return m.snap.PairingCode, true
}

// WaitFor blocks until the monitor reaches want or ctx ends.
func (m *Monitor) WaitFor(ctx context.Context, want State) error {
	for {
		m.mu.RLock()
		st, ch := m.snap.State, m.changed
		m.mu.RUnlock()
		if st == want {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s (at %s): %w", want, st, ctx.Err())
		case <-ch:
		}
	}
}

// Start launches the monitor goroutines and begins the first connect.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.sup != nil {
		return nil
	}
	m.sup = rtsup.New(ctx, rtsup.WithLogger(m.log))
	m.sup.Go0("readiness.persist", m.persistLoop)
	m.sup.Go0("readiness.loop", m.run)
	return nil
}

// Stop ends the lifecycle loop, saves the current credential one last time
// (bounded by ShutdownGrace) and shuts the transport down.
func (m *Monitor) Stop(ctx context.Context) error {
	m.runMu.Lock()
	sup := m.sup
	m.sup = nil
	m.runMu.Unlock()
	if sup == nil {
		return nil
	}

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		m.log.Warn("readiness loop stop", logx.Err(err))
	}

	if st := m.State(); st == Ready || st == Authenticating {
		m.finalSave(ctx)
	}
	err := m.tr.Shutdown(ctx)
	m.transition(Disconnected, "shutdown")
	return err
}

func (m *Monitor) finalSave(ctx context.Context) {
	gctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownGrace)
	defer cancel()

	cred, err := m.tr.Credential(gctx)
	if err != nil || len(cred) == 0 {
		m.log.Debug("no credential to save on shutdown", logx.Err(err))
		return
	}
	if err := m.store.Save(gctx, m.cfg.CredentialKey, cred); err != nil {
		m.log.Warn("final credential save failed", logx.Err(err))
		return
	}
	m.log.Info("credential saved on shutdown", logx.Int("bytes", len(cred)))
}

// Checkpoint queues a save of the live credential. Only valid while Ready.
func (m *Monitor) Checkpoint(ctx context.Context) error {
	if !m.Ready() {
		return ErrNotReady
	}
	cred, err := m.tr.Credential(ctx)
	if err != nil {
		return err
	}
	if len(cred) == 0 {
		return nil
	}
	m.enqueue(persistOp{kind: opSave, blob: cred, reason: "checkpoint"})
	return nil
}

func (m *Monitor) run(ctx context.Context) {
	m.reconnect = time.NewTimer(0)
	m.watchdog = time.NewTimer(time.Hour)
	m.watchdog.Stop()
	defer m.reconnect.Stop()
	defer m.watchdog.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.reconnect.C:
			m.connect(ctx)
		case <-m.watchdog.C:
			if m.State() == Authenticating {
				m.fail("authentication timed out", errors.New("not ready within init timeout"))
				m.scheduleReconnect(m.cfg.ReconnectDelay)
			}
		case ev := <-m.events:
			m.handle(ctx, ev)
		}
	}
}

func (m *Monitor) connect(ctx context.Context) {
	if m.State() != Disconnected {
		return
	}
	m.mu.Lock()
	m.snap.Connects++
	attempt := m.snap.Connects
	m.mu.Unlock()

	if attempt > 1 {
		sctx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
		if err := m.tr.Shutdown(sctx); err != nil {
			m.log.Debug("releasing previous session", logx.Err(err))
		}
		cancel()
	}

	cred := m.loadCredential(ctx)
	m.loaded = cred
	if ctx.Err() != nil {
		return
	}

	m.log.Info("initializing transport", logx.Int("attempt", attempt), logx.Bool("stored_credential", cred != nil))
	ictx, cancel := context.WithTimeout(ctx, m.cfg.InitTimeout)
	err := m.tr.Initialize(ictx, cred, m.events)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, transport.ErrCredentialRejected) {
			m.reject("initialize rejected credential")
			m.scheduleReconnect(0)
			return
		}
		m.fail("initialize failed", err)
		m.scheduleReconnect(m.cfg.ReconnectDelay)
		return
	}

	if cred != nil {
		m.transition(Authenticating, "stored credential")
		m.armWatchdog()
	} else {
		m.transition(CredentialPending, "no stored credential")
	}
}

func (m *Monitor) handle(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventPairingCode:
		if m.State() == Ready {
			return
		}
		m.watchdog.Stop()
		m.mu.Lock()
		m.snap.PairingCode = ev.PairingCode
		m.mu.Unlock()
		m.transition(CredentialPending, "pairing code issued")
		m.bus.Publish(eventbus.Event{Type: eventbus.TypePairingCode, Data: ev.PairingCode})
		m.log.Info("pairing code issued; waiting for confirmation")

	case transport.EventAuthenticated:
		if st := m.State(); st != Authenticating && st != Ready {
			m.transition(Authenticating, "authenticated")
			m.armWatchdog()
		}
		m.saveFrom(ctx, ev.Credential, "authenticated")

	case transport.EventReady:
		m.watchdog.Stop()
		m.transition(Ready, "ready")
		m.saveFrom(ctx, ev.Credential, "ready")

	case transport.EventCredentialUpdated:
		m.saveFrom(ctx, ev.Credential, "credential updated")

	case transport.EventDisconnected:
		m.watchdog.Stop()
		m.transition(Disconnected, nonEmpty(ev.Reason, "disconnected"))
		m.scheduleReconnect(m.cfg.ReconnectDelay)

	case transport.EventAuthRejected:
		m.watchdog.Stop()
		m.reject(nonEmpty(ev.Reason, "credential rejected"))
		m.scheduleReconnect(0)

	default:
		m.log.Debug("ignoring transport event", logx.String("kind", string(ev.Kind)))
	}
}

// reject drops the stored credential so the next connect starts fresh pairing.
func (m *Monitor) reject(reason string) {
	if m.loaded != nil {
		m.rejected[fingerprintOf(m.loaded)] = struct{}{}
	}
	m.loaded = nil
	m.log.Warn("credential rejected; fresh pairing required", logx.String("reason", reason))
	m.transition(Disconnected, reason)
	m.enqueue(persistOp{kind: opDelete, reason: reason})
}

func (m *Monitor) fail(msg string, err error) {
	m.log.Warn(msg, logx.Err(err))
	m.mu.Lock()
	m.snap.LastError = err.Error()
	m.mu.Unlock()
	m.transition(Disconnected, msg)
}

func (m *Monitor) saveFrom(ctx context.Context, cred []byte, reason string) {
	if len(cred) == 0 {
		c, err := m.tr.Credential(ctx)
		if err != nil {
			m.log.Debug("credential unavailable", logx.String("reason", reason), logx.Err(err))
			return
		}
		cred = c
	}
	if len(cred) == 0 {
		return
	}
	m.loaded = cred
	m.enqueue(persistOp{kind: opSave, blob: cred, reason: reason})
}

func (m *Monitor) scheduleReconnect(d time.Duration) {
	m.reconnect.Stop()
	select {
	case <-m.reconnect.C:
	default:
	}
	if d > 0 {
		m.log.Info("reconnect scheduled", logx.Duration("in", d))
	}
	m.reconnect.Reset(d)
}

func (m *Monitor) armWatchdog() {
	m.watchdog.Stop()
	select {
	case <-m.watchdog.C:
	default:
	}
	m.watchdog.Reset(m.cfg.InitTimeout)
}

func (m *Monitor) transition(to State, reason string) {
	m.mu.Lock()
	from := m.snap.State
	if from == to {
		m.mu.Unlock()
		return
	}
	now := time.Now()
	m.snap.State = to
	m.snap.Since = now
	if to != CredentialPending {
		m.snap.PairingCode = ""
	}
	if to == Ready {
		m.snap.LastError = ""
	}
	close(m.changed)
	m.changed = make(chan struct{})
	m.mu.Unlock()

	tr := Transition{From: from, To: to, Reason: reason, At: now}
	m.log.Info("readiness changed", logx.String("from", from.String()), logx.String("to", to.String()), logx.String("reason", reason))

	m.cbMu.Lock()
	cbs := append([]func(Transition){}, m.callbacks...)
	m.cbMu.Unlock()
	for _, fn := range cbs {
		fn(tr)
	}
	m.bus.Publish(eventbus.Event{Type: eventbus.TypeReadinessTransition, Time: now, Data: tr})
}

func nonEmpty(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
