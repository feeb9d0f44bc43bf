// Package store persists the vault registry, render cache, publish state,
// and user/role tables in a single sqlite database.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

var ErrNotFound = errors.New("not found")

type Store struct {
	db          *sql.DB
	lockTimeout time.Duration
}

func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db, lockTimeout: 5 * time.Second}, nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return err
	}
	version, err := s.currentSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version != schemaVersion {
		return s.setSchemaVersion(ctx, schemaVersion)
	}
	return nil
}

func (s *Store) currentSchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return v, nil
}

func (s *Store) setSchemaVersion(ctx context.Context, v int) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM schema_version"); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, "INSERT INTO schema_version(version) VALUES(?)", v)
	return err
}

func isSQLiteBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code()
		return code == sqlite3.SQLITE_BUSY || code == sqlite3.SQLITE_LOCKED
	}
	return false
}

func retryDelay(attempt int) time.Duration {
	delay := time.Duration(attempt+1) * 40 * time.Millisecond
	if delay > 300*time.Millisecond {
		delay = 300 * time.Millisecond
	}
	return delay
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err == nil || !isSQLiteBusy(err) {
			return res, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Since(start) >= s.lockTimeout {
			slog.Debug("sql exec busy timeout", "query", query, "attempts", attempt+1)
			return nil, err
		}
		time.Sleep(retryDelay(attempt))
	}
}

func (s *Store) queryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	start := time.Now()
	for attempt := 0; ; attempt++ {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err == nil || !isSQLiteBusy(err) {
			return rows, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if time.Since(start) >= s.lockTimeout {
			slog.Debug("sql query busy timeout", "query", query, "attempts", attempt+1)
			return nil, err
		}
		time.Sleep(retryDelay(attempt))
	}
}

func nullableUnix(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func unixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}
