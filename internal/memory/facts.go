package memory

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// StoreFact persists a fact with its FTS row and (when an embedder is
// configured) its vector, all in one transaction. The embedding is computed
// before the transaction opens; a failed embedding downgrades the row to
// FTS-only rather than failing the write. Fills f.ID and f.CreatedAtMs.
func (s *Store) StoreFact(ctx context.Context, f *Fact) error {
	if f.Subject == "" && f.Content == "" {
		return fmt.Errorf("store fact: empty subject and content")
	}
	if f.Category != "" && !ValidFactCategory(f.Category) {
		return fmt.Errorf("store fact: unknown category %q", f.Category)
	}
	if f.ID == "" {
		f.ID = uuid.Must(uuid.NewV7()).String()
	}
	now := s.nowMs()
	if f.CreatedAtMs == 0 {
		f.CreatedAtMs = now
	}

	vec, hasVec := s.computeEmbedding(ctx, f.Subject+" "+f.Content)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, nullable(f.PersonID), f.Subject, f.Content, nullable(string(f.Category)),
			nullable(f.EvidenceQuote), nullableInt(f.LastAccessedAtMs), f.CreatedAtMs)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO facts_fts (id, subject, content) VALUES (?, ?, ?)",
			f.ID, f.Subject, f.Content); err != nil {
			return err
		}
		if hasVec {
			return insertEmbeddingTx(ctx, tx, "fact_embeddings", "fact_id", f.ID, vec, now)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("store fact: %w", err)
	}
	return nil
}

// GetFact fetches by id.
func (s *Store) GetFact(ctx context.Context, id string) (*Fact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms
		 FROM facts WHERE id = ?`, id)
	f, err := scanFact(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("fact not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("get fact: %w", err)
	}
	return f, nil
}

func scanFact(row rowScanner) (*Fact, error) {
	var f Fact
	var personID, category, quote sql.NullString
	var lastAccessed sql.NullInt64
	err := row.Scan(&f.ID, &personID, &f.Subject, &f.Content, &category, &quote, &lastAccessed, &f.CreatedAtMs)
	if err != nil {
		return nil, err
	}
	f.PersonID = personID.String
	f.Category = FactCategory(category.String)
	f.EvidenceQuote = quote.String
	f.LastAccessedAtMs = lastAccessed.Int64
	return &f, nil
}

// ListFactsByPerson returns the person's facts, most recently created first.
func (s *Store) ListFactsByPerson(ctx context.Context, personID string, limit int) ([]*Fact, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms
		 FROM facts WHERE person_id = ? ORDER BY created_at_ms DESC LIMIT ?`, personID, limit)
	if err != nil {
		return nil, fmt.Errorf("list facts: %w", err)
	}
	defer rows.Close()
	return collectFacts(rows)
}

func collectFacts(rows *sql.Rows) ([]*Fact, error) {
	var out []*Fact
	for rows.Next() {
		f, err := scanFact(rows)
		if err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// TouchFacts stamps last_accessed_at_ms on the given facts. Access recency
// feeds the hybrid search boost, so facts the agent actually used float up.
func (s *Store) TouchFacts(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	now := s.nowMs()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx,
				"UPDATE facts SET last_accessed_at_ms = ? WHERE id = ?", now, id); err != nil {
				return err
			}
		}
		return nil
	})
}

// DeleteFact removes the fact, its FTS row, and its vector in one
// transaction.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM facts_fts WHERE id = ?", id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM fact_embeddings WHERE fact_id = ?", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM facts WHERE id = ?", id)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return sql.ErrNoRows
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}
	return nil
}

// CountFacts returns the number of stored facts.
func (s *Store) CountFacts(ctx context.Context) (int, error) {
	return s.countRows(ctx, "facts")
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
