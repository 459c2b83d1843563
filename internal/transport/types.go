// Package transport defines the messaging capability the relay drives and the
// lifecycle events a transport reports while it connects and runs.
package transport

import (
	"context"
	"errors"
)

var (
	// ErrRecipientUnknown means the recipient can never be reached by this transport.
	// Senders should not retry it.
	ErrRecipientUnknown = errors.New("transport: recipient unknown")
	// ErrCredentialRejected means the stored credential is no longer accepted.
	ErrCredentialRejected = errors.New("transport: credential rejected")
	// ErrNotConnected is returned by sends issued before Initialize or after Shutdown.
	ErrNotConnected = errors.New("transport: not connected")
)

type EventKind string

const (
	EventPairingCode       EventKind = "pairing_code"
	EventAuthenticated     EventKind = "authenticated"
	EventReady             EventKind = "ready"
	EventDisconnected      EventKind = "disconnected"
	EventAuthRejected      EventKind = "auth_rejected"
	EventCredentialUpdated EventKind = "credential_updated"
)

// Event is a lifecycle signal emitted by a Transport after Initialize.
//
// Credential is set for authenticated, ready and credential_updated events when
// the transport has a fresh credential to persist. PairingCode is set for
// pairing_code events. Reason carries a human-readable cause for
// disconnected and auth_rejected.
type Event struct {
	Kind        EventKind
	PairingCode string
	Credential  []byte
	Reason      string
}

// Transport is the messaging capability. Implementations must be safe for
// concurrent use; events are delivered on the channel given to Initialize.
type Transport interface {
	// Initialize starts a session. A nil credential starts human pairing and the
	// transport reports a pairing code. Initialize returns once the session is
	// started; progress is reported through events.
	Initialize(ctx context.Context, credential []byte, events chan<- Event) error
	SendMessage(ctx context.Context, recipientID, payload string) error
	IsKnownRecipient(ctx context.Context, recipientID string) (bool, error)
	// Credential returns the current session credential, or nil when there is none.
	Credential(ctx context.Context) ([]byte, error)
	Shutdown(ctx context.Context) error
}

// Emit delivers ev unless ctx ends first.
func Emit(ctx context.Context, events chan<- Event, ev Event) bool {
	if events == nil {
		return false
	}
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
