package storage

import (
	"context"
	"sync"
	"time"
)

type nopStore struct{}

// NewNop returns the NoPersistence store: loads find nothing, writes are dropped.
func NewNop() CredentialStore { return nopStore{} }

func (nopStore) Load(context.Context, string) (Record, bool, error) { return Record{}, false, nil }
func (nopStore) Save(context.Context, string, []byte) error         { return nil }
func (nopStore) Delete(context.Context, string) error               { return nil }
func (nopStore) Close() error                                       { return nil }

// IsNop reports whether st persists nothing.
func IsNop(st CredentialStore) bool {
	_, ok := st.(nopStore)
	return ok
}

type memoryStore struct {
	mu     sync.Mutex
	recs   map[string]Record
	closed bool
}

func NewMemory() CredentialStore {
	return &memoryStore{recs: map[string]Record{}}
}

func (m *memoryStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Record{}, false, ErrClosed
	}
	rec, ok := m.recs[key]
	if !ok {
		return Record{}, false, nil
	}
	rec.Blob = append([]byte(nil), rec.Blob...)
	return rec, true, nil
}

func (m *memoryStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := checkWrite(key, blob); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	prev := m.recs[key]
	m.recs[key] = Record{
		Blob:      append([]byte{}, blob...),
		Version:   prev.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.recs, key)
	return nil
}

func (m *memoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
