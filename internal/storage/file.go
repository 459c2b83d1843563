package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "relaybot/pkg/logx"
)

// fileStore keeps one document per key under a directory:
//
//	<dir>/<key>.credential.json
//
// Writes go to a temp file which is fsynced and renamed over the old one.
type fileStore struct {
	log logx.Logger
	dir string

	mu     sync.Mutex
	closed bool
}

type fileRecord struct {
	Key       string    `json:"key"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	Blob      []byte    `json:"blob"`
}

func openFile(cfg Config, log logx.Logger) (CredentialStore, error) {
	dir := strings.TrimSpace(cfg.Path)
	if dir == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	return &fileStore{log: log, dir: dir}, nil
}

// fileName keeps keys filesystem-safe; bytes outside [A-Za-z0-9_-] are %-hex escaped.
func (s *fileStore) fileName(key string) string {
	var b strings.Builder
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_':
			b.WriteByte(c)
		default:
			b.WriteByte('%')
			b.WriteString(hex.EncodeToString([]byte{c}))
		}
	}
	return filepath.Join(s.dir, b.String()+".credential.json")
}

func (s *fileStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Record{}, false, ErrClosed
	}
	fr, ok, err := s.readLocked(key)
	if err != nil || !ok {
		return Record{}, false, err
	}
	return Record{Blob: fr.Blob, Version: fr.Version, UpdatedAt: fr.UpdatedAt}, true, nil
}

func (s *fileStore) readLocked(key string) (fileRecord, bool, error) {
	raw, err := os.ReadFile(s.fileName(key))
	if errors.Is(err, os.ErrNotExist) {
		return fileRecord{}, false, nil
	}
	if err != nil {
		return fileRecord{}, false, err
	}
	var fr fileRecord
	if err := json.Unmarshal(raw, &fr); err != nil {
		return fileRecord{}, false, err
	}
	if fr.Blob == nil {
		fr.Blob = []byte{}
	}
	return fr, true, nil
}

func (s *fileStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := checkWrite(key, blob); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	var version int64 = 1
	if prev, ok, err := s.readLocked(key); err != nil {
		s.log.Warn("previous credential unreadable, overwriting", logx.String("key", key), logx.Err(err))
	} else if ok {
		version = prev.Version + 1
	}

	if blob == nil {
		blob = []byte{}
	}
	raw, err := json.Marshal(fileRecord{Key: key, Version: version, UpdatedAt: time.Now().UTC(), Blob: blob})
	if err != nil {
		return err
	}
	return writeFileAtomic(s.fileName(key), raw)
}

func writeFileAtomic(path string, raw []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := os.Remove(s.fileName(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
