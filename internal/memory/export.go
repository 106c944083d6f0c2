package memory

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
)

const exportVersion = 1

// Export line kinds. Vectors are deliberately absent: they are derived
// data, recomputed lazily as imported rows are written to again.
type exportLine struct {
	Kind         string        `json:"kind"`
	Version      int           `json:"version,omitempty"`
	Person       *Person       `json:"person,omitempty"`
	Fact         *Fact         `json:"fact,omitempty"`
	Episode      *Episode      `json:"episode,omitempty"`
	Lesson       *Lesson       `json:"lesson,omitempty"`
	GroupCapsule *GroupCapsule `json:"groupCapsule,omitempty"`
}

// ExportJSON writes the whole store as JSON lines: a header, then one line
// per person, fact, episode, lesson, and group capsule.
func (s *Store) ExportJSON(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	if err := enc.Encode(exportLine{Kind: "header", Version: exportVersion}); err != nil {
		return fmt.Errorf("export header: %w", err)
	}

	people, err := s.ListPeople(ctx)
	if err != nil {
		return err
	}
	for _, p := range people {
		if err := enc.Encode(exportLine{Kind: "person", Person: p}); err != nil {
			return fmt.Errorf("export person: %w", err)
		}
	}

	if err := s.exportFacts(ctx, enc); err != nil {
		return err
	}
	if err := s.exportEpisodes(ctx, enc); err != nil {
		return err
	}

	lessons, err := s.ListLessons(ctx, "", 1<<30)
	if err != nil {
		return err
	}
	for _, l := range lessons {
		if err := enc.Encode(exportLine{Kind: "lesson", Lesson: l}); err != nil {
			return fmt.Errorf("export lesson: %w", err)
		}
	}

	capsules, err := s.ListGroupCapsules(ctx)
	if err != nil {
		return err
	}
	for _, gc := range capsules {
		if err := enc.Encode(exportLine{Kind: "group_capsule", GroupCapsule: gc}); err != nil {
			return fmt.Errorf("export group capsule: %w", err)
		}
	}

	return bw.Flush()
}

func (s *Store) exportFacts(ctx context.Context, enc *json.Encoder) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, person_id, subject, content, category, evidence_quote, last_accessed_at_ms, created_at_ms
		 FROM facts ORDER BY created_at_ms`)
	if err != nil {
		return fmt.Errorf("export facts: %w", err)
	}
	defer rows.Close()
	facts, err := collectFacts(rows)
	if err != nil {
		return err
	}
	for _, f := range facts {
		if err := enc.Encode(exportLine{Kind: "fact", Fact: f}); err != nil {
			return fmt.Errorf("export fact: %w", err)
		}
	}
	return nil
}

func (s *Store) exportEpisodes(ctx context.Context, enc *json.Encoder) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, chat_id, person_id, is_group, content, created_at_ms
		 FROM episodes ORDER BY created_at_ms`)
	if err != nil {
		return fmt.Errorf("export episodes: %w", err)
	}
	defer rows.Close()
	episodes, err := collectEpisodes(rows)
	if err != nil {
		return err
	}
	for _, e := range episodes {
		if err := enc.Encode(exportLine{Kind: "episode", Episode: e}); err != nil {
			return fmt.Errorf("export episode: %w", err)
		}
	}
	return nil
}

// ImportStats reports what an import applied and skipped.
type ImportStats struct {
	People        int
	Facts         int
	Episodes      int
	Lessons       int
	GroupCapsules int
	Skipped       int
}

// ImportJSON reads a dump produced by ExportJSON. The whole input is
// validated before anything is written; application then runs in a single
// transaction. Import is additive: rows whose id already exists are
// skipped, never overwritten. Vectors are never imported.
func (s *Store) ImportJSON(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats

	lines, err := parseImport(r)
	if err != nil {
		return stats, err
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		for _, line := range lines {
			applied, err := s.importLineTx(ctx, tx, line)
			if err != nil {
				return err
			}
			if !applied {
				stats.Skipped++
				continue
			}
			switch line.Kind {
			case "person":
				stats.People++
			case "fact":
				stats.Facts++
			case "episode":
				stats.Episodes++
			case "lesson":
				stats.Lessons++
			case "group_capsule":
				stats.GroupCapsules++
			}
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, fmt.Errorf("import: %w", err)
	}
	return stats, nil
}

// parseImport decodes and validates every line up front, so a malformed
// dump is rejected before the first write.
func parseImport(r io.Reader) ([]exportLine, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var lines []exportLine
	lineNo := 0
	for sc.Scan() {
		lineNo++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		var line exportLine
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("import line %d: %w", lineNo, err)
		}
		if err := validateImportLine(line, lineNo); err != nil {
			return nil, err
		}
		if line.Kind == "header" {
			continue
		}
		lines = append(lines, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read import: %w", err)
	}
	return lines, nil
}

func validateImportLine(line exportLine, lineNo int) error {
	fail := func(msg string) error {
		return fmt.Errorf("import line %d: %s", lineNo, msg)
	}
	switch line.Kind {
	case "header":
		if line.Version != exportVersion {
			return fail(fmt.Sprintf("unsupported version %d", line.Version))
		}
	case "person":
		p := line.Person
		if p == nil {
			return fail("person line without person")
		}
		if p.ID == "" || p.Channel == "" || p.ChannelUserID == "" {
			return fail("person missing id/channel/channelUserId")
		}
		if p.RelationshipScore < 0 || p.RelationshipScore > 1 {
			return fail("relationshipScore out of [0,1]")
		}
	case "fact":
		f := line.Fact
		if f == nil {
			return fail("fact line without fact")
		}
		if f.ID == "" || (f.Subject == "" && f.Content == "") {
			return fail("fact missing id or content")
		}
		if f.Category != "" && !ValidFactCategory(f.Category) {
			return fail(fmt.Sprintf("unknown fact category %q", f.Category))
		}
	case "episode":
		e := line.Episode
		if e == nil {
			return fail("episode line without episode")
		}
		if e.ID == "" || e.ChatID == "" || e.Content == "" {
			return fail("episode missing id/chatId/content")
		}
	case "lesson":
		l := line.Lesson
		if l == nil {
			return fail("lesson line without lesson")
		}
		if l.ID == "" || l.Category == "" || l.Content == "" {
			return fail("lesson missing id/category/content")
		}
	case "group_capsule":
		gc := line.GroupCapsule
		if gc == nil {
			return fail("group_capsule line without groupCapsule")
		}
		if gc.ChatID == "" {
			return fail("group capsule missing chatId")
		}
	default:
		return fail(fmt.Sprintf("unknown kind %q", line.Kind))
	}
	return nil
}

func (s *Store) importLineTx(ctx context.Context, tx *sql.Tx, line exportLine) (bool, error) {
	switch line.Kind {
	case "person":
		p := line.Person
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO people (id, display_name, channel, channel_user_id, relationship_score,
				trust_tier_override, capsule, public_style_capsule,
				current_concerns, goals, preferences, last_mood_signal, curiosity_questions,
				birthday, timezone, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.DisplayName, p.Channel, p.ChannelUserID, p.RelationshipScore,
			nullable(p.TrustTierOverride), nullable(p.Capsule), nullable(p.PublicStyleCapsule),
			encodeStringList(p.CurrentConcerns), encodeStringList(p.Goals), encodeStringList(p.Preferences),
			nullable(p.LastMoodSignal), encodeStringList(p.CuriosityQuestions),
			nullable(p.Birthday), nullable(p.Timezone), p.CreatedAtMs, p.UpdatedAtMs)
		return rowApplied(res, err)
	case "fact":
		f := line.Fact
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO facts (id, person_id, subject, content, category, evidence_quote,
				last_accessed_at_ms, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			f.ID, nullable(f.PersonID), f.Subject, f.Content, nullable(string(f.Category)),
			nullable(f.EvidenceQuote), nullableInt(f.LastAccessedAtMs), f.CreatedAtMs)
		applied, err := rowApplied(res, err)
		if err != nil || !applied {
			return applied, err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO facts_fts (id, subject, content) VALUES (?, ?, ?)", f.ID, f.Subject, f.Content)
		return true, err
	case "episode":
		e := line.Episode
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO episodes (id, chat_id, person_id, is_group, content, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.ChatID, nullable(e.PersonID), boolInt(e.IsGroup), e.Content, e.CreatedAtMs)
		applied, err := rowApplied(res, err)
		if err != nil || !applied {
			return applied, err
		}
		_, err = tx.ExecContext(ctx,
			"INSERT INTO episodes_fts (id, content) VALUES (?, ?)", e.ID, e.Content)
		return true, err
	case "lesson":
		l := line.Lesson
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO lessons (id, type, category, content, rule, alternative, person_id,
				episode_refs, confidence, times_validated, times_violated, created_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			l.ID, nullable(string(l.Type)), l.Category, l.Content, nullable(l.Rule), nullable(l.Alternative),
			nullable(l.PersonID), encodeStringList(l.EpisodeRefs), nullableFloat(l.Confidence),
			l.TimesValidated, l.TimesViolated, l.CreatedAtMs)
		return rowApplied(res, err)
	case "group_capsule":
		gc := line.GroupCapsule
		res, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO group_capsules (chat_id, capsule, updated_at_ms) VALUES (?, ?, ?)`,
			gc.ChatID, nullable(gc.Capsule), gc.UpdatedAtMs)
		return rowApplied(res, err)
	}
	return false, nil
}

func rowApplied(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
