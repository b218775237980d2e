// Package storage provides the SQLite storage layer for Uderia.
//
// The whole auth store is a single SQLite file (uderia_auth.db): users,
// profiles, prompts with versions and overrides, prompt mappings, knowledge
// collections, plugin settings, pack import records, and the RAG outbox.
// Access goes through database/sql with the modernc.org/sqlite driver; the
// connection string enables WAL mode and a busy timeout so concurrent
// request handlers do not trip over writer locks.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps the SQLite handle and the logger shared by all query methods.
type DB struct {
	sql    *sql.DB
	logger *slog.Logger
}

// Open opens (creating if needed) the SQLite database at path.
func Open(ctx context.Context, path string, logger *slog.Logger) (*DB, error) {
	dsn := "file:" + path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"foreign_keys(ON)",
			"synchronous(NORMAL)",
		},
	}.Encode()

	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", path, err)
	}

	// SQLite allows one writer at a time; a small pool with a busy timeout
	// behaves better than many connections contending for the write lock.
	handle.SetMaxOpenConns(4)
	handle.SetMaxIdleConns(4)
	handle.SetConnMaxLifetime(time.Hour)

	if err := handle.PingContext(ctx); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("storage: ping %s: %w", path, err)
	}

	return &DB{sql: handle, logger: logger}, nil
}

// SQL returns the underlying handle for use by other packages (tests, scripts).
func (db *DB) SQL() *sql.DB {
	return db.sql
}

// Ping checks connectivity to the database.
func (db *DB) Ping(ctx context.Context) error {
	return db.sql.PingContext(ctx)
}

// Close shuts down the database handle.
func (db *DB) Close() error {
	return db.sql.Close()
}

// fmtTime renders a timestamp for storage. All timestamps are UTC RFC3339.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// fmtTimePtr renders an optional timestamp, nil stays NULL.
func fmtTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(*t)
}

// parseTime parses a stored timestamp. Zero time on empty input.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseTimePtr parses an optional stored timestamp.
func parseTimePtr(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// marshalJSON renders a map column. nil maps become "{}" so columns stay
// valid JSON.
func marshalJSON(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("storage: marshal json column: %w", err)
	}
	return string(raw), nil
}

// unmarshalJSON parses a map column. Empty input yields an empty map.
func unmarshalJSON(s string) (map[string]any, error) {
	if s == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("storage: unmarshal json column: %w", err)
	}
	return m, nil
}
