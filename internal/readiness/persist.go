package readiness

import (
	"context"
	"time"

	"github.com/zeebo/blake3"

	"relaybot/internal/eventbus"
	logx "relaybot/pkg/logx"
)

type opKind int

const (
	opLoad opKind = iota
	opSave
	opDelete
)

type persistOp struct {
	kind   opKind
	blob   []byte
	reason string
	reply  chan []byte
}

type fingerprint [32]byte

func fingerprintOf(b []byte) fingerprint { return blake3.Sum256(b) }

// persistLoop runs every store call in submission order, so a delete queued
// after a save is never overtaken by it.
func (m *Monitor) persistLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case op := <-m.persistQ:
			m.apply(ctx, op)
		}
	}
}

func (m *Monitor) apply(ctx context.Context, op persistOp) {
	pctx, cancel := context.WithTimeout(ctx, m.cfg.PersistTimeout)
	defer cancel()
	key := m.cfg.CredentialKey
	start := time.Now()

	switch op.kind {
	case opLoad:
		rec, ok, err := m.store.Load(pctx, key)
		var blob []byte
		switch {
		case err != nil:
			m.log.Warn("credential load failed; treating as absent", logx.Err(err))
		case ok && len(rec.Blob) > 0:
			blob = rec.Blob
			m.log.Debug("credential loaded", logx.Int64("version", rec.Version), logx.Time("updated_at", rec.UpdatedAt))
		}
		op.reply <- blob

	case opSave:
		if err := m.store.Save(pctx, key, op.blob); err != nil {
			m.log.Warn("credential save failed", logx.String("reason", op.reason), logx.Err(err))
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeCredentialFailed, Data: err.Error()})
			return
		}
		m.log.Debug("credential saved", logx.String("reason", op.reason), logx.Int("bytes", len(op.blob)), logx.Duration("took", time.Since(start)))
		m.bus.Publish(eventbus.Event{Type: eventbus.TypeCredentialSaved, Data: op.reason})

	case opDelete:
		if err := m.store.Delete(pctx, key); err != nil {
			m.log.Warn("credential delete failed", logx.String("reason", op.reason), logx.Err(err))
			m.bus.Publish(eventbus.Event{Type: eventbus.TypeCredentialFailed, Data: err.Error()})
			return
		}
		m.log.Info("credential deleted", logx.String("reason", op.reason))
	}
}

// enqueue never blocks: transitions must not wait on a slow store.
func (m *Monitor) enqueue(op persistOp) {
	select {
	case m.persistQ <- op:
	default:
		m.log.Warn("credential persistence backlog full; dropping operation", logx.String("reason", op.reason))
	}
}

// loadCredential returns the stored credential or nil. Load failures and
// credentials rejected earlier in this process count as absent.
func (m *Monitor) loadCredential(ctx context.Context) []byte {
	reply := make(chan []byte, 1)
	select {
	case m.persistQ <- persistOp{kind: opLoad, reply: reply}:
	case <-ctx.Done():
		return nil
	}
	var blob []byte
	select {
	case blob = <-reply:
	case <-ctx.Done():
		return nil
	}
	if blob == nil {
		return nil
	}
	if _, bad := m.rejected[fingerprintOf(blob)]; bad {
		m.log.Warn("stored credential was rejected earlier; ignoring it")
		return nil
	}
	return blob
}
