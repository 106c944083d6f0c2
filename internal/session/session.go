// Package session is the per-chat conversation log: an append-only message
// table with a running summary per chat and an outbound ledger recording
// what the agent itself sent. Compaction folds old messages into the
// summary so context stays bounded without losing the thread.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Outbound ledger kinds.
const (
	KindSend      = "send"
	KindProactive = "proactive"
)

// Message is one logged line of conversation.
type Message struct {
	ID              string
	ChatID          string
	Role            string
	AuthorID        string
	AuthorName      string
	Content         string
	SourceMessageID string
	IsReaction      bool
	CreatedAtMs     int64
}

// Session is the per-chat metadata row. Summary holds everything compacted
// away; SummaryUpToID is the last message folded in.
type Session struct {
	ChatID            string
	Summary           string
	SummaryUpToID     string
	CreatedAtMs       int64
	LastCompactedAtMs int64
}

// LedgerEntry is one outbound send, used for the "you recently said"
// context excerpt and for noticing when a person replied.
type LedgerEntry struct {
	ID            string
	ChatID        string
	Content       string
	Kind          string
	SentAtMs      int64
	RepliedToAtMs int64
}

// Store wraps the session database. Same discipline as the memory store:
// every method is atomic, callers hold no locks around calls.
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

// Open opens (creating if needed) the session database at path.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
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
		return nil, fmt.Errorf("migrate session db: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			chat_id TEXT PRIMARY KEY,
			summary TEXT,
			summary_up_to_id TEXT,
			created_at_ms INTEGER NOT NULL,
			last_compacted_at_ms INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			role TEXT NOT NULL,
			author_id TEXT,
			author_name TEXT,
			content TEXT NOT NULL,
			source_message_id TEXT,
			is_reaction INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat ON messages (chat_id, created_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_source ON messages (source_message_id)`,
		`CREATE TABLE IF NOT EXISTS outbound_ledger (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			content TEXT NOT NULL,
			kind TEXT NOT NULL,
			sent_at_ms INTEGER NOT NULL,
			replied_to_at_ms INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_chat ON outbound_ledger (chat_id, sent_at_ms DESC)`,
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
		 AND name IN ('sessions', 'messages', 'outbound_ledger')`).Scan(&n); err != nil {
		return err
	}
	if n != 3 {
		return fmt.Errorf("session schema incomplete: %d/3 tables", n)
	}
	return nil
}

func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("session.rollback_failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
