package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Append logs a message, creating the session row on first contact. Fills
// m.ID and m.CreatedAtMs.
func (s *Store) Append(ctx context.Context, m *Message) error {
	if m.ChatID == "" {
		return fmt.Errorf("append message: chatId required")
	}
	if m.Role != RoleUser && m.Role != RoleAssistant {
		return fmt.Errorf("append message: unknown role %q", m.Role)
	}
	if m.ID == "" {
		m.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := s.nowMs()
	if m.CreatedAtMs == 0 {
		m.CreatedAtMs = now
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (chat_id, created_at_ms) VALUES (?, ?)
			 ON CONFLICT(chat_id) DO NOTHING`, m.ChatID, now); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, chat_id, role, author_id, author_name, content,
				source_message_id, is_reaction, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.ID, m.ChatID, m.Role, nullable(m.AuthorID), nullable(m.AuthorName), m.Content,
			nullable(m.SourceMessageID), boolInt(m.IsReaction), m.CreatedAtMs)
		return err
	})
	if err != nil {
		return fmt.Errorf("append message: %w", err)
	}
	return nil
}

const messageColumns = `id, chat_id, role, author_id, author_name, content,
	source_message_id, is_reaction, created_at_ms`

// History returns the chat's last limit messages in chronological order,
// oldest first, the way the model reads them.
func (s *Store) History(ctx context.Context, chatID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages WHERE chat_id = ?
		 ORDER BY created_at_ms DESC, id DESC LIMIT ?`, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()
	msgs, err := collectMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

func collectMessages(rows *sql.Rows) ([]*Message, error) {
	var out []*Message
	for rows.Next() {
		var m Message
		var authorID, authorName, sourceID sql.NullString
		var isReaction int
		if err := rows.Scan(&m.ID, &m.ChatID, &m.Role, &authorID, &authorName, &m.Content,
			&sourceID, &isReaction, &m.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.AuthorID = authorID.String
		m.AuthorName = authorName.String
		m.SourceMessageID = sourceID.String
		m.IsReaction = isReaction != 0
		out = append(out, &m)
	}
	return out, rows.Err()
}

// CountMessages returns how many live (uncompacted) messages the chat has.
func (s *Store) CountMessages(ctx context.Context, chatID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM messages WHERE chat_id = ?", chatID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Get returns the session metadata, or nil when the chat has never spoken.
func (s *Store) Get(ctx context.Context, chatID string) (*Session, error) {
	var sess Session
	var summary, upTo sql.NullString
	var compacted sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT chat_id, summary, summary_up_to_id, created_at_ms, last_compacted_at_ms
		 FROM sessions WHERE chat_id = ?`, chatID).
		Scan(&sess.ChatID, &summary, &upTo, &sess.CreatedAtMs, &compacted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	sess.Summary = summary.String
	sess.SummaryUpToID = upTo.String
	sess.LastCompactedAtMs = compacted.Int64
	return &sess, nil
}

// ListChats returns every chat with a session row, most recent first.
func (s *Store) ListChats(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT chat_id FROM sessions ORDER BY created_at_ms DESC")
	if err != nil {
		return nil, fmt.Errorf("list chats: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Summarizer folds older messages into the running summary. It runs
// outside any transaction; the store applies the result atomically.
type Summarizer func(ctx context.Context, prior string, msgs []*Message) (string, error)

// EnsureCompact compacts when the chat holds more than maxMessages live
// messages, keeping the newest keepLast verbatim. Reports whether a
// compaction ran.
func (s *Store) EnsureCompact(ctx context.Context, chatID string, maxMessages, keepLast int, fn Summarizer) (bool, error) {
	n, err := s.CountMessages(ctx, chatID)
	if err != nil {
		return false, err
	}
	if n <= maxMessages {
		return false, nil
	}
	return s.Compact(ctx, chatID, keepLast, fn)
}

// Compact unconditionally folds everything but the newest keepLast
// messages into the summary. The summarizer call happens before the
// transaction; the summary update and message deletes land atomically.
// Per-chat locking upstream keeps the read-summarize-write window safe.
func (s *Store) Compact(ctx context.Context, chatID string, keepLast int, fn Summarizer) (bool, error) {
	if keepLast < 0 {
		keepLast = 0
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+messageColumns+` FROM messages WHERE chat_id = ?
		 ORDER BY created_at_ms ASC, id ASC`, chatID)
	if err != nil {
		return false, fmt.Errorf("compact: %w", err)
	}
	msgs, err := collectMessages(rows)
	rows.Close()
	if err != nil {
		return false, fmt.Errorf("compact: %w", err)
	}
	if len(msgs) <= keepLast {
		return false, nil
	}
	old := msgs[:len(msgs)-keepLast]

	sess, err := s.Get(ctx, chatID)
	if err != nil {
		return false, err
	}
	var prior string
	if sess != nil {
		prior = sess.Summary
	}

	summary, err := fn(ctx, prior, old)
	if err != nil {
		return false, fmt.Errorf("compact summarize: %w", err)
	}

	now := s.nowMs()
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (chat_id, summary, summary_up_to_id, created_at_ms, last_compacted_at_ms)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(chat_id) DO UPDATE SET
				summary = excluded.summary,
				summary_up_to_id = excluded.summary_up_to_id,
				last_compacted_at_ms = excluded.last_compacted_at_ms`,
			chatID, nullable(summary), old[len(old)-1].ID, now, now); err != nil {
			return err
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(old)), ",")
		args := make([]any, len(old))
		for i, m := range old {
			args[i] = m.ID
		}
		_, err := tx.ExecContext(ctx,
			"DELETE FROM messages WHERE id IN ("+placeholders+")", args...)
		return err
	})
	if err != nil {
		return false, fmt.Errorf("compact: %w", err)
	}
	return true, nil
}
