// Package invokestore is the SQLite-backed journal of tool invocations: one
// row per invocation recording its input, approval resolution, and outcome.
// All write methods tolerate a nil store so the engines can run without
// persistence.
package invokestore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/toolgate/toolgate/internal/approval"
	"github.com/toolgate/toolgate/internal/engine"
)

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record is one journal row.
type Record struct {
	Ts              int64          `json:"ts"`
	Kind            engine.Kind    `json:"kind"`
	Input           string         `json:"input"`
	State           approval.State `json:"state"`
	Outcome         string         `json:"outcome,omitempty"`
	DurationMS      int64          `json:"duration_ms"`
	Feedback        string         `json:"feedback,omitempty"`
	CreatedAtUnixMs int64          `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64          `json:"updated_at_unix_ms"`
}

// Begin inserts the pending row for a new invocation. A replayed ts is
// overwritten; invocation ids are monotonic so this only happens on restart
// with a stale clock.
func (s *Store) Begin(inv engine.Invocation) {
	if s == nil || s.db == nil {
		return
	}
	input := inv.Command
	if inv.Kind == engine.KindWriteToFile {
		input = inv.Path
	}
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(`
INSERT INTO invocations (ts, kind, input, state, outcome, duration_ms, feedback, created_at_unix_ms, updated_at_unix_ms)
VALUES (?, ?, ?, ?, '', 0, '', ?, ?)
ON CONFLICT(ts) DO UPDATE SET
  kind = excluded.kind,
  input = excluded.input,
  state = excluded.state,
  outcome = '',
  duration_ms = 0,
  feedback = '',
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, inv.Ts, string(inv.Kind), input, string(approval.StatePending), now, now)
	if err != nil {
		// Journal failures never affect the invocation.
		return
	}
}

// SetState records an intermediate state change.
func (s *Store) SetState(ts int64, state approval.State) {
	if s == nil || s.db == nil {
		return
	}
	_, _ = s.db.Exec(`
UPDATE invocations SET state = ?, updated_at_unix_ms = ? WHERE ts = ?
`, string(state), time.Now().UnixMilli(), ts)
}

// Finish records the terminal resolution. The stored state for an approved
// run is "completed" with the outcome qualifier; denials and errors keep
// their own states.
func (s *Store) Finish(ts int64, state approval.State, outcome string, durationMS int64, feedback string) {
	if s == nil || s.db == nil {
		return
	}
	stored := state
	if state == approval.StateApproved {
		stored = approval.StateCompleted
	}
	_, _ = s.db.Exec(`
UPDATE invocations
SET state = ?, outcome = ?, duration_ms = ?, feedback = ?, updated_at_unix_ms = ?
WHERE ts = ?
`, string(stored), outcome, durationMS, feedback, time.Now().UnixMilli(), ts)
}

// Get returns one record by invocation ts.
func (s *Store) Get(ts int64) (Record, bool, error) {
	if s == nil || s.db == nil {
		return Record{}, false, errors.New("store closed")
	}
	row := s.db.QueryRow(`
SELECT ts, kind, input, state, outcome, duration_ms, feedback, created_at_unix_ms, updated_at_unix_ms
FROM invocations WHERE ts = ?
`, ts)
	var r Record
	var kind, state string
	err := row.Scan(&r.Ts, &kind, &r.Input, &state, &r.Outcome, &r.DurationMS, &r.Feedback, &r.CreatedAtUnixMs, &r.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	r.Kind = engine.Kind(kind)
	r.State = approval.State(state)
	return r, true, nil
}

// List returns the most recent records, newest first.
func (s *Store) List(limit int) ([]Record, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store closed")
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(`
SELECT ts, kind, input, state, outcome, duration_ms, feedback, created_at_unix_ms, updated_at_unix_ms
FROM invocations ORDER BY ts DESC LIMIT ?
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var kind, state string
		if err := rows.Scan(&r.Ts, &kind, &r.Input, &state, &r.Outcome, &r.DurationMS, &r.Feedback, &r.CreatedAtUnixMs, &r.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		r.Kind = engine.Kind(kind)
		r.State = approval.State(state)
		out = append(out, r)
	}
	return out, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS invocations (
  ts INTEGER PRIMARY KEY,
  kind TEXT NOT NULL,
  input TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL,
  outcome TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  feedback TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_state ON invocations(state);
`); err != nil {
		return err
	}
	return nil
}
