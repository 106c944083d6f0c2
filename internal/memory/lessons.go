package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// AddLesson appends a lesson. Lessons are never edited or deleted; a
// contradicting rule in a later lesson is the retraction mechanism.
func (s *Store) AddLesson(ctx context.Context, l *Lesson) error {
	if l.Category == "" || l.Content == "" {
		return fmt.Errorf("add lesson: category and content required")
	}
	if l.ID == "" {
		l.ID = uuid.Must(uuid.NewV7()).String()
	}
	if l.CreatedAtMs == 0 {
		l.CreatedAtMs = s.nowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO lessons (id, type, category, content, rule, alternative, person_id, episode_refs,
			confidence, times_validated, times_violated, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, nullable(string(l.Type)), l.Category, l.Content, nullable(l.Rule), nullable(l.Alternative),
		nullable(l.PersonID), encodeStringList(l.EpisodeRefs), nullableFloat(l.Confidence),
		l.TimesValidated, l.TimesViolated, l.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("add lesson: %w", err)
	}
	return nil
}

// ListLessons returns lessons newest first, optionally filtered by
// category.
func (s *Store) ListLessons(ctx context.Context, category string, limit int) ([]*Lesson, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, type, category, content, rule, alternative, person_id, episode_refs,
		confidence, times_validated, times_violated, created_at_ms FROM lessons`
	args := []any{}
	if category != "" {
		query += " WHERE category = ?"
		args = append(args, category)
	}
	query += " ORDER BY created_at_ms DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list lessons: %w", err)
	}
	defer rows.Close()

	var out []*Lesson
	for rows.Next() {
		l, err := scanLesson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lesson: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func scanLesson(row rowScanner) (*Lesson, error) {
	var l Lesson
	var ltype, rule, alt, personID, refs sql.NullString
	var confidence sql.NullFloat64
	err := row.Scan(&l.ID, &ltype, &l.Category, &l.Content, &rule, &alt, &personID, &refs,
		&confidence, &l.TimesValidated, &l.TimesViolated, &l.CreatedAtMs)
	if err != nil {
		return nil, err
	}
	l.Type = LessonType(ltype.String)
	l.Rule = rule.String
	l.Alternative = alt.String
	l.PersonID = personID.String
	l.Confidence = confidence.Float64
	if refs.Valid && refs.String != "" {
		json.Unmarshal([]byte(refs.String), &l.EpisodeRefs)
	}
	return &l, nil
}

// RecordLessonOutcome bumps the validation or violation counter. The
// counters, not the row itself, are the only mutable part of a lesson.
func (s *Store) RecordLessonOutcome(ctx context.Context, id string, validated bool) error {
	col := "times_violated"
	if validated {
		col = "times_validated"
	}
	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE lessons SET %s = %s + 1 WHERE id = ?", col, col), id)
	if err != nil {
		return fmt.Errorf("record lesson outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("record lesson outcome: %w", sql.ErrNoRows)
	}
	return nil
}

// CountLessons returns the number of stored lessons.
func (s *Store) CountLessons(ctx context.Context) (int, error) {
	return s.countRows(ctx, "lessons")
}

func nullableFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}
