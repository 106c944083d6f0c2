package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// LogEpisode persists an episode with its FTS row and vector in one
// transaction. Group episodes mark the group-capsule dirty queue, and when
// person-attributed also the public-style queue, inside the same
// transaction, so a crash never loses the consolidation trigger. Fills
// e.ID and e.CreatedAtMs.
func (s *Store) LogEpisode(ctx context.Context, e *Episode) error {
	if e.ChatID == "" {
		return fmt.Errorf("log episode: chatId required")
	}
	if e.Content == "" {
		return fmt.Errorf("log episode: empty content")
	}
	if e.ID == "" {
		e.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := s.nowMs()
	if e.CreatedAtMs == 0 {
		e.CreatedAtMs = now
	}

	vec, hasVec := s.computeEmbedding(ctx, e.Content)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO episodes (id, chat_id, person_id, is_group, content, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.ChatID, nullable(e.PersonID), boolInt(e.IsGroup), e.Content, e.CreatedAtMs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO episodes_fts (id, content) VALUES (?, ?)", e.ID, e.Content); err != nil {
			return err
		}
		if hasVec {
			if err := insertEmbeddingTx(ctx, tx, "episode_embeddings", "episode_id", e.ID, vec, now); err != nil {
				return err
			}
		}
		if e.IsGroup {
			if err := markDirtyTx(ctx, tx, QueueGroupCapsule, e.ChatID, now); err != nil {
				return err
			}
			if e.PersonID != "" {
				if err := markDirtyTx(ctx, tx, QueuePublicStyle, e.PersonID, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("log episode: %w", err)
	}
	return nil
}

// RecentEpisodes returns the chat's episodes, newest first.
func (s *Store) RecentEpisodes(ctx context.Context, chatID string, limit int) ([]*Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, person_id, is_group, content, created_at_ms
		 FROM episodes WHERE chat_id = ? ORDER BY created_at_ms DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent episodes: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

// EpisodesByPerson returns episodes attributed to a person, optionally
// restricted to group or DM context, newest first.
func (s *Store) EpisodesByPerson(ctx context.Context, personID string, isGroup bool, limit int) ([]*Episode, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, person_id, is_group, content, created_at_ms
		 FROM episodes WHERE person_id = ? AND is_group = ? ORDER BY created_at_ms DESC LIMIT ?`,
		personID, boolInt(isGroup), limit)
	if err != nil {
		return nil, fmt.Errorf("episodes by person: %w", err)
	}
	defer rows.Close()
	return collectEpisodes(rows)
}

func collectEpisodes(rows *sql.Rows) ([]*Episode, error) {
	var out []*Episode
	for rows.Next() {
		e, err := scanEpisode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanEpisode(row rowScanner) (*Episode, error) {
	var e Episode
	var personID sql.NullString
	var isGroup int
	if err := row.Scan(&e.ID, &e.ChatID, &personID, &isGroup, &e.Content, &e.CreatedAtMs); err != nil {
		return nil, err
	}
	e.PersonID = personID.String
	e.IsGroup = isGroup != 0
	return &e, nil
}

// CountEpisodes returns the number of stored episodes.
func (s *Store) CountEpisodes(ctx context.Context) (int, error) {
	return s.countRows(ctx, "episodes")
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
