package feedback

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
)

// HashCandidate derives the stored fingerprint of a gated candidate.
// The text itself is never persisted here.
func HashCandidate(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])[:16]
}

// RecordGateVerdict stores one gate outcome. ID and CreatedAtMs are
// filled in when empty.
func (s *Store) RecordGateVerdict(ctx context.Context, v *GateVerdict) error {
	if v.ChatID == "" {
		return fmt.Errorf("record gate verdict: chatId required")
	}
	switch v.FinalAction {
	case ActionSent, ActionRewritten, ActionSilenced:
	default:
		return fmt.Errorf("record gate verdict: unknown action %q", v.FinalAction)
	}
	if v.ID == "" {
		v.ID = uuid.Must(uuid.NewV7()).String()
	}
	if v.CreatedAtMs == 0 {
		v.CreatedAtMs = s.nowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO gate_verdicts (id, chat_id, candidate_hash, pass, authenticity,
			naturalness, pressure, voice_match, notes, final_action, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.ChatID, v.CandidateHash, boolInt(v.Pass), v.Authenticity,
		v.Naturalness, v.Pressure, v.VoiceMatch, nullable(v.Notes),
		v.FinalAction, v.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("record gate verdict: %w", err)
	}
	return nil
}

// RecordSilence stores one silence decision. Rung zero means the silence
// came from outside the pre-draft ladder.
func (s *Store) RecordSilence(ctx context.Context, chatID, reason string, rung int) error {
	if chatID == "" || reason == "" {
		return fmt.Errorf("record silence: chatId and reason required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO silence_decisions (id, chat_id, reason, rung, created_at_ms)
		 VALUES (?, ?, ?, ?, ?)`,
		uuid.Must(uuid.NewV7()).String(), chatID, reason, rung, s.nowMs())
	if err != nil {
		return fmt.Errorf("record silence: %w", err)
	}
	return nil
}

// RecordEvalRun stores one fixture-suite result.
func (s *Store) RecordEvalRun(ctx context.Context, run *EvalRun) error {
	if run.Fixtures < 0 || run.Passed < 0 || run.Passed > run.Fixtures {
		return fmt.Errorf("record eval run: %d/%d out of range", run.Passed, run.Fixtures)
	}
	if run.ID == "" {
		run.ID = uuid.Must(uuid.NewV7()).String()
	}
	if run.CreatedAtMs == 0 {
		run.CreatedAtMs = s.nowMs()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO eval_runs (id, fixtures, passed, mean_score, notes, created_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.Fixtures, run.Passed, run.MeanScore, nullable(run.Notes), run.CreatedAtMs)
	if err != nil {
		return fmt.Errorf("record eval run: %w", err)
	}
	return nil
}

// GateVerdictsSince returns verdicts recorded at or after sinceMs, newest
// first. Self-improve mines these for recurring judge complaints.
func (s *Store) GateVerdictsSince(ctx context.Context, sinceMs int64, limit int) ([]*GateVerdict, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, candidate_hash, pass, authenticity, naturalness,
			pressure, voice_match, notes, final_action, created_at_ms
		 FROM gate_verdicts WHERE created_at_ms >= ?
		 ORDER BY created_at_ms DESC LIMIT ?`, sinceMs, limit)
	if err != nil {
		return nil, fmt.Errorf("gate verdicts since: %w", err)
	}
	defer rows.Close()
	var out []*GateVerdict
	for rows.Next() {
		var v GateVerdict
		var pass int
		var notes sql.NullString
		if err := rows.Scan(&v.ID, &v.ChatID, &v.CandidateHash, &pass, &v.Authenticity,
			&v.Naturalness, &v.Pressure, &v.VoiceMatch, &notes, &v.FinalAction,
			&v.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("gate verdicts since: %w", err)
		}
		v.Pass = pass != 0
		v.Notes = notes.String
		out = append(out, &v)
	}
	return out, rows.Err()
}

// SilencesSince returns silence decisions recorded at or after sinceMs,
// newest first.
func (s *Store) SilencesSince(ctx context.Context, sinceMs int64, limit int) ([]*SilenceDecision, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, reason, rung, created_at_ms
		 FROM silence_decisions WHERE created_at_ms >= ?
		 ORDER BY created_at_ms DESC LIMIT ?`, sinceMs, limit)
	if err != nil {
		return nil, fmt.Errorf("silences since: %w", err)
	}
	defer rows.Close()
	var out []*SilenceDecision
	for rows.Next() {
		var d SilenceDecision
		if err := rows.Scan(&d.ID, &d.ChatID, &d.Reason, &d.Rung, &d.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("silences since: %w", err)
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}

// SilenceCounts rolls up silence decisions by reason since sinceMs.
// Status uses this for its quiet-hours table.
func (s *Store) SilenceCounts(ctx context.Context, sinceMs int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reason, COUNT(*) FROM silence_decisions
		 WHERE created_at_ms >= ? GROUP BY reason`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("silence counts: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var reason string
		var n int
		if err := rows.Scan(&reason, &n); err != nil {
			return nil, fmt.Errorf("silence counts: %w", err)
		}
		out[reason] = n
	}
	return out, rows.Err()
}

// GateCounts rolls up gate verdicts by final action since sinceMs.
func (s *Store) GateCounts(ctx context.Context, sinceMs int64) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT final_action, COUNT(*) FROM gate_verdicts
		 WHERE created_at_ms >= ? GROUP BY final_action`, sinceMs)
	if err != nil {
		return nil, fmt.Errorf("gate counts: %w", err)
	}
	defer rows.Close()
	out := map[string]int{}
	for rows.Next() {
		var action string
		var n int
		if err := rows.Scan(&action, &n); err != nil {
			return nil, fmt.Errorf("gate counts: %w", err)
		}
		out[action] = n
	}
	return out, rows.Err()
}

// ListEvalRuns returns eval runs newest first.
func (s *Store) ListEvalRuns(ctx context.Context, limit int) ([]*EvalRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, fixtures, passed, mean_score, notes, created_at_ms
		 FROM eval_runs ORDER BY created_at_ms DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list eval runs: %w", err)
	}
	defer rows.Close()
	var out []*EvalRun
	for rows.Next() {
		var run EvalRun
		var notes sql.NullString
		if err := rows.Scan(&run.ID, &run.Fixtures, &run.Passed, &run.MeanScore,
			&notes, &run.CreatedAtMs); err != nil {
			return nil, fmt.Errorf("list eval runs: %w", err)
		}
		run.Notes = notes.String
		out = append(out, &run)
	}
	return out, rows.Err()
}
