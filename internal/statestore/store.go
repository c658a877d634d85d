// Package statestore persists the applied-state record and recent
// reconcile results in a local sqlite database, so `rappd status` and a
// restarted daemon can see what was last converged.
package statestore

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/infrasonar/rapp/internal/state"
)

// resultKeep bounds the results table; older rows are trimmed on insert.
const resultKeep = 200

// Result is one recorded reconcile outcome.
type Result struct {
	ID        int64
	Source    string
	OK        bool
	Detail    string
	CreatedAt string
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS applied_state (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	version INTEGER NOT NULL,
	compose_digest TEXT NOT NULL,
	env_digest TEXT NOT NULL,
	services_json TEXT NOT NULL,
	applied_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize applied state schema: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS results (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	source TEXT NOT NULL,
	ok INTEGER NOT NULL,
	detail TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize results schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SaveApplied replaces the single applied-state row. Called only after
// every container operation of an apply cycle succeeded.
func (s *Store) SaveApplied(applied state.AppliedState) error {
	services, err := json.Marshal(applied.Services)
	if err != nil {
		return fmt.Errorf("marshal applied services: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO applied_state (id, version, compose_digest, env_digest, services_json, applied_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		 version = excluded.version,
		 compose_digest = excluded.compose_digest,
		 env_digest = excluded.env_digest,
		 services_json = excluded.services_json,
		 applied_at = excluded.applied_at`,
		applied.Version,
		applied.ComposeDigest,
		applied.EnvDigest,
		string(services),
		applied.AppliedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("save applied state: %w", err)
	}
	return nil
}

// LoadApplied returns the persisted applied state, or ok=false when the
// appliance never converged.
func (s *Store) LoadApplied() (state.AppliedState, bool, error) {
	var applied state.AppliedState
	var servicesJSON, appliedAt string
	err := s.db.QueryRow(
		`SELECT version, compose_digest, env_digest, services_json, applied_at FROM applied_state WHERE id = 1`,
	).Scan(&applied.Version, &applied.ComposeDigest, &applied.EnvDigest, &servicesJSON, &appliedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return state.AppliedState{}, false, nil
		}
		return state.AppliedState{}, false, fmt.Errorf("query applied state: %w", err)
	}
	if err := json.Unmarshal([]byte(servicesJSON), &applied.Services); err != nil {
		return state.AppliedState{}, false, fmt.Errorf("unmarshal applied services: %w", err)
	}
	if ts, err := time.Parse(time.RFC3339, appliedAt); err == nil {
		applied.AppliedAt = ts
	}
	return applied, true, nil
}

// RecordResult appends one reconcile outcome and trims the table.
func (s *Store) RecordResult(source string, ok bool, detail string) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO results (source, ok, detail, created_at) VALUES (?, ?, ?, ?)`,
		source, okInt, detail, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("record result: %w", err)
	}
	_, err = s.db.Exec(
		`DELETE FROM results WHERE id <= (SELECT MAX(id) FROM results) - ?`, resultKeep,
	)
	if err != nil {
		return fmt.Errorf("trim results: %w", err)
	}
	return nil
}

// RecentResults returns the newest results first, at most limit rows.
func (s *Store) RecentResults(limit int) ([]Result, error) {
	rows, err := s.db.Query(
		`SELECT id, source, ok, detail, created_at FROM results ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	out := make([]Result, 0, limit)
	for rows.Next() {
		var r Result
		var okInt int
		if err := rows.Scan(&r.ID, &r.Source, &okInt, &r.Detail, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan result row: %w", err)
		}
		r.OK = okInt != 0
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate result rows: %w", err)
	}
	return out, nil
}
