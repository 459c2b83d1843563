package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	logx "relaybot/pkg/logx"
)

const defaultPostgresTable = "relay_sessions"

var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// postgresStore keeps credentials in a single table keyed by session_id.
// Hosted Postgres (Supabase and friends) works unchanged.
type postgresStore struct {
	pool  *pgxpool.Pool
	log   logx.Logger
	table string

	schemaMu    sync.Mutex
	schemaReady bool

	qSchema, qLoad, qSave, qDelete string
}

func openPostgres(cfg Config, log logx.Logger) (CredentialStore, error) {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil, errors.New("storage.url is required for postgres driver")
	}
	table := strings.TrimSpace(cfg.Table)
	if table == "" {
		table = defaultPostgresTable
	}
	if !tableNameRe.MatchString(table) {
		return nil, fmt.Errorf("invalid postgres table name %q", table)
	}

	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	pcfg.MaxConns = 2
	pcfg.MinConns = 0
	if cfg.DialTimeout > 0 {
		pcfg.ConnConfig.ConnectTimeout = cfg.DialTimeout
	}

	// The pool dials on first use, so an unreachable database only fails calls.
	pool, err := pgxpool.NewWithConfig(context.Background(), pcfg)
	if err != nil {
		return nil, fmt.Errorf("postgres pool: %w", err)
	}

	ident := pgx.Identifier{table}.Sanitize()
	return &postgresStore{
		pool:  pool,
		log:   log,
		table: table,
		qSchema: `CREATE TABLE IF NOT EXISTS ` + ident + ` (
		session_id   TEXT PRIMARY KEY,
		session_data BYTEA NOT NULL,
		version      BIGINT NOT NULL DEFAULT 1,
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
		qLoad:   `SELECT session_data, version, updated_at FROM ` + ident + ` WHERE session_id = $1`,
		qSave:   `INSERT INTO ` + ident + ` (session_id, session_data, version, updated_at) VALUES ($1, $2, 1, now()) ON CONFLICT (session_id) DO UPDATE SET session_data = EXCLUDED.session_data, version = ` + ident + `.version + 1, updated_at = now()`,
		qDelete: `DELETE FROM ` + ident + ` WHERE session_id = $1`,
	}, nil
}

// ensureSchema creates the table once; a failure is retried on the next call.
func (s *postgresStore) ensureSchema(ctx context.Context) error {
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	if _, err := s.pool.Exec(ctx, s.qSchema); err != nil {
		return fmt.Errorf("ensure table %s: %w", s.table, err)
	}
	s.schemaReady = true
	s.log.Info("postgres credential table ready", logx.String("table", s.table))
	return nil
}

func (s *postgresStore) Load(ctx context.Context, key string) (Record, bool, error) {
	if err := s.ensureSchema(ctx); err != nil {
		return Record{}, false, err
	}
	var rec Record
	err := s.pool.QueryRow(ctx, s.qLoad, key).Scan(&rec.Blob, &rec.Version, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	if rec.Blob == nil {
		rec.Blob = []byte{}
	}
	return rec, true, nil
}

func (s *postgresStore) Save(ctx context.Context, key string, blob []byte) error {
	if err := checkWrite(key, blob); err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	if blob == nil {
		blob = []byte{}
	}
	_, err := s.pool.Exec(ctx, s.qSave, key, blob)
	return err
}

func (s *postgresStore) Delete(ctx context.Context, key string) error {
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, s.qDelete, key)
	return err
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}
