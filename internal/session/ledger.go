package session

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// RecordOutbound logs a send in the outbound ledger and returns its id.
func (s *Store) RecordOutbound(ctx context.Context, chatID, content, kind string) (string, error) {
	if chatID == "" || content == "" {
		return "", fmt.Errorf("record outbound: chatId and content required")
	}
	if kind != KindSend && kind != KindProactive {
		return "", fmt.Errorf("record outbound: unknown kind %q", kind)
	}
	id := uuid.Must(uuid.NewV7()).String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO outbound_ledger (id, chat_id, content, kind, sent_at_ms) VALUES (?, ?, ?, ?, ?)`,
		id, chatID, content, kind, s.nowMs())
	if err != nil {
		return "", fmt.Errorf("record outbound: %w", err)
	}
	return id, nil
}

// MarkReplied stamps every unanswered outbound entry for the chat. Called
// when an inbound message arrives, so "did they respond" reads stay cheap.
func (s *Store) MarkReplied(ctx context.Context, chatID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE outbound_ledger SET replied_to_at_ms = ? WHERE chat_id = ? AND replied_to_at_ms IS NULL",
		s.nowMs(), chatID)
	if err != nil {
		return fmt.Errorf("mark replied: %w", err)
	}
	return nil
}

// RecentOutbound returns the chat's latest sends, newest first. Feeds the
// "you recently sent" context excerpt.
func (s *Store) RecentOutbound(ctx context.Context, chatID string, limit int) ([]*LedgerEntry, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, content, kind, sent_at_ms, replied_to_at_ms
		 FROM outbound_ledger WHERE chat_id = ? ORDER BY sent_at_ms DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent outbound: %w", err)
	}
	defer rows.Close()

	var out []*LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		var replied sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ChatID, &e.Content, &e.Kind, &e.SentAtMs, &replied); err != nil {
			return nil, fmt.Errorf("scan ledger entry: %w", err)
		}
		e.RepliedToAtMs = replied.Int64
		out = append(out, &e)
	}
	return out, rows.Err()
}

// UnansweredSince counts proactive sends after sinceMs that never got a
// reply; the proactive scheduler backs off when the silence piles up.
func (s *Store) UnansweredSince(ctx context.Context, chatID string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbound_ledger
		 WHERE chat_id = ? AND kind = ? AND sent_at_ms >= ? AND replied_to_at_ms IS NULL`,
		chatID, KindProactive, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unanswered since: %w", err)
	}
	return n, nil
}
