package memory

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"
)

// Reciprocal-rank fusion and recency boost parameters.
const (
	rrfK            = 60
	rrfFTSWeight    = 0.6
	rrfVecWeight    = 0.4
	recencyWeight   = 0.2
	recencyHalfLife = 30 * 24 * time.Hour

	// Per-leg rank depth and the cap on vectors pulled into memory for
	// the application-layer cosine pass.
	legDepth          = 60
	vecCandidateLimit = 500
)

// SearchResult is one hybrid search hit across facts and episodes.
type SearchResult struct {
	Kind             string // "fact" or "episode"
	ID               string
	PersonID         string
	ChatID           string // episodes only
	Subject          string // facts only
	Content          string
	LastAccessedAtMs int64 // facts only
	CreatedAtMs      int64
	Score            float64
}

// HybridSearch retrieves facts and episodes relevant to query. Both an FTS
// leg and a vector leg produce ranked candidates; per-id scores fuse by
// reciprocal rank, then a recency boost favors fresh or recently-used rows.
// Without an embedder (or when embedding fails) the search degrades to
// FTS-only; a query with no tokenizable terms degrades to vector-only.
func (s *Store) HybridSearch(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	match := buildMatchQuery(query)
	queryVec, hasVec := s.computeEmbedding(ctx, query)
	if match == "" && !hasVec {
		return nil, nil
	}

	now := s.nowMs()
	var results []SearchResult

	for _, kind := range []searchKind{factKind, episodeKind} {
		ftsRanks, err := s.ftsRanks(ctx, kind, match)
		if err != nil {
			return nil, err
		}
		var vecRanks map[string]int
		if hasVec {
			vecRanks, err = s.vecRanks(ctx, kind, queryVec)
			if err != nil {
				return nil, err
			}
		}

		ids := unionKeys(ftsRanks, vecRanks)
		if len(ids) == 0 {
			continue
		}
		rows, err := s.fetchSearchRows(ctx, kind, ids)
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			score := 0.0
			if rank, ok := ftsRanks[r.ID]; ok {
				score += rrfFTSWeight / float64(rrfK+rank)
			}
			if rank, ok := vecRanks[r.ID]; ok {
				score += rrfVecWeight / float64(rrfK+rank)
			}
			r.Score = score * recencyBoost(now, kind.recencyBasis(r))
			results = append(results, r)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].CreatedAtMs != results[j].CreatedAtMs {
			return results[i].CreatedAtMs > results[j].CreatedAtMs
		}
		return results[i].ID < results[j].ID
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// recencyBoost is 1+w at age zero decaying toward 1 with a 30-day
// half-life: recency sways ties, it does not bury relevance.
func recencyBoost(nowMs, basisMs int64) float64 {
	age := float64(nowMs - basisMs)
	if age < 0 {
		age = 0
	}
	halfLife := float64(recencyHalfLife.Milliseconds())
	return 1 + recencyWeight*math.Exp(-math.Ln2*age/halfLife)
}

type searchKind struct {
	name     string
	ftsTable string
	vecSQL   string
	fetchSQL string
}

var factKind = searchKind{
	name:     "fact",
	ftsTable: "facts_fts",
	vecSQL: `SELECT f.id, e.embedding FROM facts f
		JOIN fact_embeddings e ON e.fact_id = f.id
		ORDER BY f.created_at_ms DESC LIMIT ?`,
	fetchSQL: `SELECT id, person_id, subject, content, last_accessed_at_ms, created_at_ms
		FROM facts WHERE id IN (%s)`,
}

var episodeKind = searchKind{
	name:     "episode",
	ftsTable: "episodes_fts",
	vecSQL: `SELECT ep.id, e.embedding FROM episodes ep
		JOIN episode_embeddings e ON e.episode_id = ep.id
		ORDER BY ep.created_at_ms DESC LIMIT ?`,
	fetchSQL: `SELECT id, person_id, chat_id, content, created_at_ms
		FROM episodes WHERE id IN (%s)`,
}

// recencyBasis picks the timestamp the boost decays from: facts prefer
// last access, episodes only have creation.
func (k searchKind) recencyBasis(r SearchResult) int64 {
	if k.name == "fact" && r.LastAccessedAtMs > 0 {
		return r.LastAccessedAtMs
	}
	return r.CreatedAtMs
}

func (s *Store) ftsRanks(ctx context.Context, kind searchKind, match string) (map[string]int, error) {
	if match == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		"SELECT id FROM %s WHERE %s MATCH ? ORDER BY rank LIMIT ?", kind.ftsTable, kind.ftsTable),
		match, legDepth)
	if err != nil {
		return nil, fmt.Errorf("fts search %s: %w", kind.name, err)
	}
	defer rows.Close()

	ranks := make(map[string]int)
	rank := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		rank++
		ranks[id] = rank
	}
	return ranks, rows.Err()
}

func (s *Store) vecRanks(ctx context.Context, kind searchKind, queryVec []float32) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, kind.vecSQL, vecCandidateLimit)
	if err != nil {
		return nil, fmt.Errorf("vector candidates %s: %w", kind.name, err)
	}
	defer rows.Close()

	type scored struct {
		id  string
		sim float64
	}
	dims := s.embedder.Dimensions()
	var cands []scored
	for rows.Next() {
		var id string
		var blob []byte
		if err := rows.Scan(&id, &blob); err != nil {
			return nil, err
		}
		vec, err := decodeVector(blob, dims)
		if err != nil {
			// Stale row from a previous dimension; skip it.
			slog.Debug("memory.vector_decode_skipped", "kind", kind.name, "id", id, "error", err)
			continue
		}
		cands = append(cands, scored{id: id, sim: cosineSimilarity(queryVec, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(cands, func(i, j int) bool { return cands[i].sim > cands[j].sim })
	if len(cands) > legDepth {
		cands = cands[:legDepth]
	}
	ranks := make(map[string]int, len(cands))
	for i, c := range cands {
		ranks[c.id] = i + 1
	}
	return ranks, nil
}

func (s *Store) fetchSearchRows(ctx context.Context, kind searchKind, ids []string) ([]SearchResult, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(kind.fetchSQL, placeholders), args...)
	if err != nil {
		return nil, fmt.Errorf("fetch %s rows: %w", kind.name, err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		r, err := scanSearchRow(kind, rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func scanSearchRow(kind searchKind, row rowScanner) (SearchResult, error) {
	r := SearchResult{Kind: kind.name}
	if kind.name == "fact" {
		var personID sql.NullString
		var lastAccessed sql.NullInt64
		if err := row.Scan(&r.ID, &personID, &r.Subject, &r.Content, &lastAccessed, &r.CreatedAtMs); err != nil {
			return r, fmt.Errorf("scan fact hit: %w", err)
		}
		r.PersonID = personID.String
		r.LastAccessedAtMs = lastAccessed.Int64
		return r, nil
	}
	var personID sql.NullString
	if err := row.Scan(&r.ID, &personID, &r.ChatID, &r.Content, &r.CreatedAtMs); err != nil {
		return r, fmt.Errorf("scan episode hit: %w", err)
	}
	r.PersonID = personID.String
	return r, nil
}

func unionKeys(a, b map[string]int) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for id := range a {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for id := range b {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
