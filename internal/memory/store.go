// Package memory is the agent's long-term store: people, facts, episodes,
// lessons, and capsules in a single SQLite file, with hybrid FTS+vector
// retrieval and leased dirty queues driving background consolidation. A
// markdown mirror keeps person and group capsules human-editable on disk.
package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/kith/internal/embed"
)

const defaultLease = 10 * time.Minute

// Store wraps the memory database. All methods are safe for concurrent use;
// each write runs in its own transaction so callers never hold locks around
// store calls.
type Store struct {
	db       *sql.DB
	path     string
	embedder embed.Embedder
	mirror   *Mirror
	lease    time.Duration
	now      func() time.Time
}

// Option configures a Store at open time.
type Option func(*Store)

// WithEmbedder enables the vector leg of hybrid search. Without it the
// store is fully functional on FTS alone.
func WithEmbedder(e embed.Embedder) Option {
	return func(s *Store) { s.embedder = e }
}

// WithMirrorDir enables the markdown mirror under dir (dir/people,
// dir/groups).
func WithMirrorDir(dir string) Option {
	return func(s *Store) { s.mirror = NewMirror(dir) }
}

// WithLease overrides the dirty-queue lease duration.
func WithLease(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.lease = d
		}
	}
}

// WithClock injects a clock for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Open opens (creating if needed) the memory database at path and applies
// migrations. The DSN sets WAL journaling, NORMAL sync, foreign keys, a 5s
// busy timeout, and a 256MB mmap hint; the modernc driver wants each pragma
// as a _pragma query parameter.
func Open(path string, opts ...Option) (*Store, error) {
	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=mmap_size(268435456)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}

	// Single connection: optimal for SQLite under WAL, and it makes the
	// per-connection pragmas above apply to every statement.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(0)

	s := &Store{
		db:    db,
		path:  path,
		lease: defaultLease,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate memory db: %w", err)
	}
	if s.embedder != nil {
		if err := s.ensureVectorTables(ctx, s.embedder.Dimensions()); err != nil {
			db.Close()
			return nil, fmt.Errorf("ensure vector tables: %w", err)
		}
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) nowMs() int64 {
	return s.now().UnixMilli()
}

// withTx runs fn in a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			slog.Warn("memory.rollback_failed", "error", rbErr)
		}
		return err
	}
	return tx.Commit()
}

func (s *Store) tableExists(ctx context.Context, name string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type IN ('table','view') AND name = ?)", name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return exists, nil
}

func (s *Store) columnExists(ctx context.Context, table, column string) (bool, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, fmt.Errorf("table_info %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Health verifies the database is usable: WAL journaling is active and the
// core tables exist. Used by the doctor command.
func (s *Store) Health(ctx context.Context) error {
	var mode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode); err != nil {
		return fmt.Errorf("journal_mode: %w", err)
	}
	if mode != "wal" {
		return fmt.Errorf("journal_mode is %q, want wal", mode)
	}
	for _, table := range []string{"people", "facts", "episodes", "lessons", "group_capsules"} {
		ok, err := s.tableExists(ctx, table)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("missing table %s", table)
		}
	}
	return nil
}

func (s *Store) metaGet(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("meta get %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) metaSet(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO meta (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		key, value)
	if err != nil {
		return fmt.Errorf("meta set %s: %w", key, err)
	}
	return nil
}
