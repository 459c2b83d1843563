package storage

import (
	"errors"
	"strings"

	logx "relaybot/pkg/logx"
)

// Open initializes the configured store and wraps it with sealing when enabled.
// An empty driver selects "none".
func Open(cfg Config, log logx.Logger) (CredentialStore, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	var (
		st  CredentialStore
		err error
	)
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none":
		return NewNop(), nil
	case "memory":
		st = NewMemory()
	case "file":
		st, err = openFile(cfg, log)
	case "sqlite", "sqlite3":
		st, err = openSQLite(cfg, log)
	case "postgres", "postgresql", "supabase":
		st, err = openPostgres(cfg, log)
	case "redis":
		st, err = openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
	if err != nil {
		return nil, err
	}
	if !cfg.Seal.Enabled() {
		return st, nil
	}
	sealed, err := Seal(st, cfg.Seal)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	log.Debug("credential sealing enabled", logx.Bool("encrypt", cfg.Seal.Identity != ""), logx.Bool("compress", cfg.Seal.Compress))
	return sealed, nil
}
