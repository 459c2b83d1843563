package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrTooLarge = errors.New("credential blob too large")
	ErrEmptyKey = errors.New("credential key is empty")
)

// MaxBlobSize bounds a single credential blob as handed to a store.
const MaxBlobSize = 16 << 20

// maxStoredSize leaves room for sealing framing on top of MaxBlobSize.
const maxStoredSize = MaxBlobSize + 64<<10

// Config configures the credential store.
//
// Path is the directory (file) or database file (sqlite). URL is the
// connection string for postgres and redis. Table names the postgres table
// (default "relay_sessions"); KeyPrefix prefixes redis keys (default "relaybot:session:").
type Config struct {
	Driver      string
	Path        string
	URL         string
	Table       string
	KeyPrefix   string
	BusyTimeout time.Duration // sqlite only
	DialTimeout time.Duration // postgres and redis
	Seal        SealConfig
}

// SealConfig enables at-rest protection of credential blobs.
// Identity is an age X25519 secret key ("AGE-SECRET-KEY-1...").
type SealConfig struct {
	Identity string
	Compress bool
}

func (c SealConfig) Enabled() bool { return c.Identity != "" || c.Compress }

// Record is a stored credential.
type Record struct {
	Blob      []byte
	Version   int64
	UpdatedAt time.Time
}

// CredentialStore persists one opaque blob per key.
//
// Load reports ok=false with a nil error when nothing is stored. Save is an
// upsert. Delete of a missing key succeeds.
type CredentialStore interface {
	Load(ctx context.Context, key string) (rec Record, ok bool, err error)
	Save(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

func checkWrite(key string, blob []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	if len(blob) > maxStoredSize {
		return ErrTooLarge
	}
	return nil
}
