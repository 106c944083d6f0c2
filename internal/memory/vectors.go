package memory

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
)

// encodeVector packs a float32 vector into a little-endian BLOB.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:i*4+4], math.Float32bits(v))
	}
	return buf
}

// decodeVector is the inverse of encodeVector. dims guards against rows
// written under a different embedding dimension.
func decodeVector(blob []byte, dims int) ([]float32, error) {
	if len(blob) != dims*4 {
		return nil, fmt.Errorf("vector blob length %d, want %d", len(blob), dims*4)
	}
	vec := make([]float32, dims)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4 : i*4+4]))
	}
	return vec, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// computeEmbedding returns the vector for text, or ok=false when no
// embedder is configured or the provider call fails. Embedding failures
// never block a write; the row just stays out of the vector index.
func (s *Store) computeEmbedding(ctx context.Context, text string) ([]float32, bool) {
	if s.embedder == nil || text == "" {
		return nil, false
	}
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		slog.Debug("memory.embed_failed", "error", err)
		return nil, false
	}
	return vec, true
}

func insertEmbeddingTx(ctx context.Context, tx *sql.Tx, table, idCol, id string, vec []float32, nowMs int64) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (%s, embedding, created_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(%s) DO UPDATE SET embedding = excluded.embedding, created_at_ms = excluded.created_at_ms`,
		table, idCol, idCol)
	_, err := tx.ExecContext(ctx, stmt, id, encodeVector(vec), nowMs)
	return err
}
