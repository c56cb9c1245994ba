package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	logx "ponybot/pkg/logx"
)

const (
	kvTable             = "kv"
	defaultBusyTimeout  = 5 * time.Second
	sqliteConnectWindow = 10 * time.Second
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      BLOB NOT NULL,
	expires_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS kv_expires_at ON kv(expires_at) WHERE expires_at > 0;
`

type sqliteStore struct {
	db  *sqlx.DB
	log logx.Logger
	now func() time.Time
}

type sqliteRow struct {
	Value     []byte `db:"value"`
	ExpiresAt int64  `db:"expires_at"`
}

func openSQLite(cfg Config, log logx.Logger, now func() time.Time) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 100 * time.Millisecond
	eb.MaxInterval = time.Second
	eb.MaxElapsedTime = sqliteConnectWindow
	if err := backoff.Retry(db.Ping, eb); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = defaultBusyTimeout
	}
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", p), logx.Err(err))
		}
	}
	if _, err := db.Exec(kvSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	log.Debug("sqlite store opened", logx.String("path", path))
	return &sqliteStore{db: db, log: log, now: now}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	query, args, err := sq.
		Select("value", "expires_at").
		From(kvTable).
		Where(sq.Eq{"key": key}).
		Limit(1).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build sql: %w", err)
	}
	var row sqliteRow
	err = s.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, s.wrap("get", key, err)
	}
	if expired(row.ExpiresAt, s.now()) {
		return false, nil
	}
	return true, decode(key, row.Value, dst)
}

func (s *sqliteStore) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := encode(key, v)
	if err != nil {
		return err
	}
	query, args, err := sq.
		Insert(kvTable).
		Columns("key", "value", "expires_at").
		Values(key, []byte(raw), expiry(s.now(), ttl)).
		Suffix(`ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at`).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return s.wrap("set", key, err)
	}
	return nil
}

func (s *sqliteStore) Unset(ctx context.Context, key string) error {
	query, args, err := sq.Delete(kvTable).Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return s.wrap("unset", key, err)
	}
	return nil
}

// Sync deletes expired rows and checkpoints the WAL.
func (s *sqliteStore) Sync(ctx context.Context) error {
	query, args, err := sq.
		Delete(kvTable).
		Where(sq.And{sq.Gt{"expires_at": 0}, sq.LtOrEq{"expires_at": s.now().UnixMilli()}}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build sql: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return s.wrap("prune", "", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		s.log.Debug("pruned expired keys", logx.Int64("count", n))
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		s.log.Debug("wal checkpoint failed", logx.Err(err))
	}
	return nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func (s *sqliteStore) wrap(op, key string, err error) error {
	if strings.Contains(err.Error(), "database is closed") {
		return ErrClosed
	}
	if key == "" {
		return fmt.Errorf("sqlite %s: %w", op, err)
	}
	return fmt.Errorf("sqlite %s %q: %w", op, key, err)
}
