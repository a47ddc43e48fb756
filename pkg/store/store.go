// Package store provides the SQLite-backed storage layer for the Foreman
// runtime: agents, tasks, per-agent inboxes, and the runtime event log.
// Reads observe prior writes within one process; concurrent updates to the
// same entity are serialized through read-modify-write transactions rather
// than coalesced.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Store manages the Foreman runtime database.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// Open opens (or creates) the runtime database at path with WAL enabled and
// initializes the schema.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return New(db), nil
}

// New wraps an already-open database. The schema must be initialized.
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// Close releases the database connection. Safe to call multiple times.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// DB exposes the underlying handle for read-only consumers (CLI queries).
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

// --- JSON column helpers ---

func toJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func fromJSONStrings(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// --- Timestamp helpers ---

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(raw string) time.Time {
	t, err := time.Parse(timeLayout, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}
