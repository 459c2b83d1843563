package loopback

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

func next(t *testing.T, ch <-chan transport.Event) transport.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for transport event")
		return transport.Event{}
	}
}

func TestPairingThenReady(t *testing.T) {
	tr := New(Config{}, logx.Nop())
	events := make(chan transport.Event, 8)
	ctx := context.Background()

	require.NoError(t, tr.Initialize(ctx, nil, events))
	ev := next(t, events)
	require.Equal(t, transport.EventPairingCode, ev.Kind)
	assert.Equal(t, tr.PairingCode(), ev.PairingCode)

	require.NoError(t, tr.Pair())
	auth := next(t, events)
	ready := next(t, events)
	assert.Equal(t, transport.EventAuthenticated, auth.Kind)
	assert.Equal(t, transport.EventReady, ready.Kind)
	assert.NotEmpty(t, auth.Credential)

	cred, err := tr.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, auth.Credential, cred)
}

func TestStoredCredentialResumesAndRevokedIsRejected(t *testing.T) {
	tr := New(Config{PairAfter: time.Millisecond}, logx.Nop())
	events := make(chan transport.Event, 8)
	ctx := context.Background()

	require.NoError(t, tr.Initialize(ctx, nil, events))
	next(t, events) // pairing code
	cred := next(t, events).Credential
	next(t, events) // ready

	require.NoError(t, tr.Initialize(ctx, cred, events))
	assert.Equal(t, transport.EventAuthenticated, next(t, events).Kind)
	assert.Equal(t, transport.EventReady, next(t, events).Kind)

	tr.Revoke("logged out")
	assert.Equal(t, transport.EventAuthRejected, next(t, events).Kind)

	require.NoError(t, tr.Initialize(ctx, cred, events))
	assert.Equal(t, transport.EventAuthRejected, next(t, events).Kind)
	assert.Equal(t, 3, tr.Inits())
}

func TestSendMessage(t *testing.T) {
	tr := New(Config{Recipients: []string{"249911111111"}, PairAfter: time.Millisecond}, logx.Nop())
	ctx := context.Background()

	assert.ErrorIs(t, tr.SendMessage(ctx, "249911111111", "x"), transport.ErrNotConnected)

	events := make(chan transport.Event, 8)
	require.NoError(t, tr.Initialize(ctx, nil, events))
	next(t, events)
	next(t, events)
	next(t, events)

	boom := errors.New("flaky")
	tr.FailSends(func(_ string, attempt int) error {
		if attempt == 1 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, tr.SendMessage(ctx, "249911111111", "hello"), boom)
	require.NoError(t, tr.SendMessage(ctx, "249911111111", "hello"))
	assert.ErrorIs(t, tr.SendMessage(ctx, "249922222222", "hello"), transport.ErrRecipientUnknown)

	known, err := tr.IsKnownRecipient(ctx, "249922222222")
	require.NoError(t, err)
	assert.False(t, known)

	sent := tr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "hello", sent[0].Payload)
	require.NoError(t, tr.Shutdown(ctx))
}
