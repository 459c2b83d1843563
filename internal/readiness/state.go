package readiness

import "time"

// State is the connection state of the transport session.
type State int32

const (
	Disconnected State = iota
	CredentialPending
	Authenticating
	Ready
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case CredentialPending:
		return "credential_pending"
	case Authenticating:
		return "authenticating"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Transition is published every time the state changes.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// Snapshot is a consistent point-in-time view of the monitor.
type Snapshot struct {
	State       State     `json:"state"`
	Since       time.Time `json:"since"`
	PairingCode string    `json:"pairing_code,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Connects    int       `json:"connects"`
}
