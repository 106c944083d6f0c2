package memory

import (
	"context"
	"fmt"
	"log/slog"
)

// A migration must be idempotent: it checks for table/column presence
// before altering, so the whole list can re-run on every open without a
// version bookkeeping table.
type migration struct {
	name  string
	apply func(ctx context.Context, s *Store) error
}

var migrations = []migration{
	{"base_tables", migrateBaseTables},
	{"fts_tables", migrateFTSTables},
	{"embedding_tables", migrateEmbeddingTables},
	{"person_profile_columns", migratePersonProfileColumns},
	{"dirty_queues", migrateDirtyQueues},
	{"proactive_ledger", migrateProactiveLedger},
}

func (s *Store) migrate(ctx context.Context) error {
	for _, m := range migrations {
		if err := m.apply(ctx, s); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
	}
	return nil
}

func migrateBaseTables(ctx context.Context, s *Store) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS people (
			id TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			channel TEXT NOT NULL,
			channel_user_id TEXT NOT NULL,
			relationship_score REAL NOT NULL DEFAULT 0,
			trust_tier_override TEXT,
			capsule TEXT,
			public_style_capsule TEXT,
			created_at_ms INTEGER NOT NULL,
			updated_at_ms INTEGER NOT NULL,
			UNIQUE (channel, channel_user_id)
		)`,
		`CREATE TABLE IF NOT EXISTS facts (
			id TEXT PRIMARY KEY,
			person_id TEXT REFERENCES people(id) ON DELETE CASCADE,
			subject TEXT NOT NULL,
			content TEXT NOT NULL,
			category TEXT,
			evidence_quote TEXT,
			last_accessed_at_ms INTEGER,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_person ON facts (person_id)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_subject ON facts (subject)`,
		`CREATE INDEX IF NOT EXISTS idx_facts_last_accessed ON facts (last_accessed_at_ms)`,
		`CREATE TABLE IF NOT EXISTS episodes (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			person_id TEXT REFERENCES people(id) ON DELETE SET NULL,
			is_group INTEGER NOT NULL DEFAULT 0,
			content TEXT NOT NULL,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_chat ON episodes (chat_id, created_at_ms DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_episodes_person ON episodes (person_id, is_group, created_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS lessons (
			id TEXT PRIMARY KEY,
			type TEXT,
			category TEXT NOT NULL,
			content TEXT NOT NULL,
			rule TEXT,
			alternative TEXT,
			person_id TEXT,
			episode_refs TEXT,
			confidence REAL,
			times_validated INTEGER NOT NULL DEFAULT 0,
			times_violated INTEGER NOT NULL DEFAULT 0,
			created_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_lessons_category ON lessons (category, created_at_ms DESC)`,
		`CREATE TABLE IF NOT EXISTS group_capsules (
			chat_id TEXT PRIMARY KEY,
			capsule TEXT,
			updated_at_ms INTEGER NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateFTSTables(ctx context.Context, s *Store) error {
	stmts := []string{
		`CREATE VIRTUAL TABLE IF NOT EXISTS facts_fts USING fts5(
			id UNINDEXED, subject, content, tokenize = 'porter unicode61'
		)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS episodes_fts USING fts5(
			id UNINDEXED, content, tokenize = 'porter unicode61'
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateEmbeddingTables(ctx context.Context, s *Store) error {
	for _, stmt := range embeddingTableDDL {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migratePersonProfileColumns(ctx context.Context, s *Store) error {
	cols := []struct{ name, def string }{
		{"current_concerns", "TEXT"},
		{"goals", "TEXT"},
		{"preferences", "TEXT"},
		{"last_mood_signal", "TEXT"},
		{"curiosity_questions", "TEXT"},
		{"birthday", "TEXT"},
		{"timezone", "TEXT"},
	}
	for _, c := range cols {
		exists, err := s.columnExists(ctx, "people", c.name)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE people ADD COLUMN %s %s", c.name, c.def)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateDirtyQueues(ctx context.Context, s *Store) error {
	for _, table := range []string{QueueGroupCapsule, QueuePublicStyle} {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			key TEXT PRIMARY KEY,
			dirty_at_ms INTEGER NOT NULL,
			dirty_last_at_ms INTEGER NOT NULL,
			claimed_at_ms INTEGER
		)`, table)
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func migrateProactiveLedger(ctx context.Context, s *Store) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS proactive_ledger (
			id TEXT PRIMARY KEY,
			person_id TEXT,
			chat_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			sent_at_ms INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_proactive_person ON proactive_ledger (person_id, sent_at_ms DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var embeddingTableDDL = []string{
	`CREATE TABLE IF NOT EXISTS fact_embeddings (
		fact_id TEXT PRIMARY KEY REFERENCES facts(id) ON DELETE CASCADE,
		embedding BLOB NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS episode_embeddings (
		episode_id TEXT PRIMARY KEY REFERENCES episodes(id) ON DELETE CASCADE,
		embedding BLOB NOT NULL,
		created_at_ms INTEGER NOT NULL
	)`,
}

// ensureVectorTables records the embedding dimension and, when a previous
// run used a different one, drops and recreates the embedding tables.
// Dropped vectors are repopulated lazily as rows are written again;
// truncating or padding stored vectors to a new dimension would corrupt
// similarity.
func (s *Store) ensureVectorTables(ctx context.Context, dims int) error {
	stored, err := s.metaGet(ctx, "embedding_dim")
	if err != nil {
		return err
	}
	want := fmt.Sprintf("%d", dims)
	if stored != "" && stored != want {
		slog.Warn("memory.vector_dim_changed", "stored", stored, "configured", want)
		for _, table := range []string{"fact_embeddings", "episode_embeddings"} {
			if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
				return err
			}
		}
		for _, stmt := range embeddingTableDDL {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
	}
	return s.metaSet(ctx, "embedding_dim", want)
}
