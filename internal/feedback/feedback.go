// Package feedback persists the engine's self-observations: quality gate
// verdicts, silence decisions, and eval runs. The self-improve pass mines
// these windows for lessons; status reads them for counters. Lives in its
// own database so wiping it never touches memory or sessions.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Final disposition of a gated candidate.
const (
	ActionSent      = "sent"
	ActionRewritten = "rewritten"
	ActionSilenced  = "silenced"
)

// GateVerdict records one pass through the outgoing quality gate.
type GateVerdict struct {
	ID            string
	ChatID        string
	CandidateHash string
	Pass          bool
	Authenticity  int
	Naturalness   int
	Pressure      int
	VoiceMatch    int
	Notes         string
	FinalAction   string
	CreatedAtMs   int64
}

// SilenceDecision records why a turn chose to say nothing. Rung is the
// pre-draft ladder step (1-8) when the silence came from the ladder,
// zero otherwise.
type SilenceDecision struct {
	ID          string
	ChatID      string
	Reason      string
	Rung        int
	CreatedAtMs int64
}

// EvalRun records one fixture-suite run.
type EvalRun struct {
	ID          string
	Fixtures    int
	Passed      int
	MeanScore   float64
	Notes       string
	CreatedAtMs int64
}

// Store wraps the feedback database.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Option configures a Store at open time.
type Option func(*Store)

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the feedback database at path.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open feedback db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{db: db, path: path, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate feedback db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gate_verdicts (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			candidate_hash TEXT NOT NULL,
			pass INTEGER NOT NULL DEFAULT 0,
			authenticity INTEGER NOT NULL DEFAULT 0,
			naturalness INTEGER NOT NULL DEFAULT 0,
			pressure INTEGER NOT NULL DEFAULT 0,
			voice_match INTEGER NOT NULL DEFAULT 0,
			notes TEXT,
			final_action TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_gate_verdicts_time ON gate_verdicts (created_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS silence_decisions (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			reason TEXT NOT NULL,
			rung INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_silence_time ON silence_decisions (created_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS eval_runs (
			id TEXT PRIMARY KEY,
			fixtures INTEGER NOT NULL,
			passed INTEGER NOT NULL,
			mean_score REAL NOT NULL DEFAULT 0,
			notes TEXT,
			created_at_ms INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Health verifies the database is usable; used by the doctor command.
func (s *Store) Health(ctx context.Context) error {
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("journal_mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal_mode is %q, want wal", mode)
	}
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table'
		 AND name IN ('gate_verdicts', 'silence_decisions', 'eval_runs')`).Scan(&n); err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("feedback schema incomplete: %d/3 tables", n)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
