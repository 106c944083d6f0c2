package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// GetGroupCapsule returns the capsule for a group chat, or nil when none
// has been written yet.
func (s *Store) GetGroupCapsule(ctx context.Context, chatID string) (*GroupCapsule, error) {
	var gc GroupCapsule
	var capsule sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT chat_id, capsule, updated_at_ms FROM group_capsules WHERE chat_id = ?", chatID,
	).Scan(&gc.ChatID, &capsule, &gc.UpdatedAtMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get group capsule: %w", err)
	}
	gc.Capsule = capsule.String
	return &gc, nil
}

// SetGroupCapsule upserts the capsule and refreshes the markdown mirror.
func (s *Store) SetGroupCapsule(ctx context.Context, chatID, capsule string) error {
	if chatID == "" {
		return fmt.Errorf("set group capsule: chatId required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_capsules (chat_id, capsule, updated_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(chat_id) DO UPDATE SET capsule = excluded.capsule, updated_at_ms = excluded.updated_at_ms`,
		chatID, nullable(capsule), s.nowMs())
	if err != nil {
		return fmt.Errorf("set group capsule: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.WriteGroup(chatID, capsule); err != nil {
			slog.Warn("memory.mirror_write_failed", "chat", chatID, "error", err)
		}
	}
	return nil
}

// ListGroupCapsules returns all group capsules, most recently updated
// first.
func (s *Store) ListGroupCapsules(ctx context.Context) ([]*GroupCapsule, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chat_id, capsule, updated_at_ms FROM group_capsules ORDER BY updated_at_ms DESC")
	if err != nil {
		return nil, fmt.Errorf("list group capsules: %w", err)
	}
	defer rows.Close()

	var out []*GroupCapsule
	for rows.Next() {
		var gc GroupCapsule
		var capsule sql.NullString
		if err := rows.Scan(&gc.ChatID, &capsule, &gc.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("scan group capsule: %w", err)
		}
		gc.Capsule = capsule.String
		out = append(out, &gc)
	}
	return out, rows.Err()
}
