package memory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// RecordProactive logs one proactive send. The warming throttle counts
// these per person over a rolling day.
func (s *Store) RecordProactive(ctx context.Context, personID, chatID, kind string) error {
	if chatID == "" || kind == "" {
		return fmt.Errorf("record proactive: chat id and kind required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO proactive_ledger (id, person_id, chat_id, kind, sent_at_ms) VALUES (?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), nullable(personID), chatID, kind, s.nowMs())
	if err != nil {
		return fmt.Errorf("record proactive: %w", err)
	}
	return nil
}

// CountProactiveSince returns how many proactive sends the person received
// at or after sinceMs.
func (s *Store) CountProactiveSince(ctx context.Context, personID string, sinceMs int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM proactive_ledger WHERE person_id = ? AND sent_at_ms >= ?`,
		personID, sinceMs).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count proactive: %w", err)
	}
	return n, nil
}
