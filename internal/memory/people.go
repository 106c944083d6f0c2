package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
)

// TrackPerson upserts the identity for (channel, channelUserID) and returns
// the stored row. On repeat calls only displayName (when non-empty) and
// updatedAtMs change; everything else is preserved.
func (s *Store) TrackPerson(ctx context.Context, channel, channelUserID, displayName string) (*Person, error) {
	if channel == "" || channelUserID == "" {
		return nil, fmt.Errorf("track person: channel and channelUserId required")
	}
	now := s.nowMs()
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO people (id, display_name, channel, channel_user_id, relationship_score, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, 0, ?, ?)
			 ON CONFLICT (channel, channel_user_id) DO UPDATE SET
				display_name = CASE WHEN excluded.display_name != '' THEN excluded.display_name ELSE display_name END,
				updated_at_ms = excluded.updated_at_ms`,
			uuid.Must(uuid.NewV7()).String(), displayName, channel, channelUserID, now, now)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("track person: %w", err)
	}
	return s.FindPerson(ctx, channel, channelUserID)
}

// GetPerson fetches by id.
func (s *Store) GetPerson(ctx context.Context, id string) (*Person, error) {
	return s.queryPerson(ctx, "WHERE id = ?", id)
}

// FindPerson fetches by channel identity.
func (s *Store) FindPerson(ctx context.Context, channel, channelUserID string) (*Person, error) {
	return s.queryPerson(ctx, "WHERE channel = ? AND channel_user_id = ?", channel, channelUserID)
}

// FindPersonByName fetches by display name, channel user id, or id; used by
// CLI commands where the operator types whatever they remember. Returns
// sql.ErrNoRows wrapped when nothing matches.
func (s *Store) FindPersonByName(ctx context.Context, name string) (*Person, error) {
	return s.queryPerson(ctx, "WHERE id = ? OR channel_user_id = ? OR display_name = ? COLLATE NOCASE", name, name, name)
}

const personColumns = `id, display_name, channel, channel_user_id, relationship_score,
	trust_tier_override, capsule, public_style_capsule,
	current_concerns, goals, preferences, last_mood_signal, curiosity_questions,
	birthday, timezone, created_at_ms, updated_at_ms`

func (s *Store) queryPerson(ctx context.Context, where string, args ...any) (*Person, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+personColumns+" FROM people "+where, args...)
	p, err := scanPerson(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("person not found: %w", err)
	}
	if err != nil {
		return nil, fmt.Errorf("query person: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPerson(row rowScanner) (*Person, error) {
	var p Person
	var override, capsule, publicStyle sql.NullString
	var concerns, goals, prefs, mood, curiosity sql.NullString
	var birthday, timezone sql.NullString
	err := row.Scan(&p.ID, &p.DisplayName, &p.Channel, &p.ChannelUserID, &p.RelationshipScore,
		&override, &capsule, &publicStyle,
		&concerns, &goals, &prefs, &mood, &curiosity,
		&birthday, &timezone, &p.CreatedAtMs, &p.UpdatedAtMs)
	if err != nil {
		return nil, err
	}
	p.TrustTierOverride = override.String
	p.Capsule = capsule.String
	p.PublicStyleCapsule = publicStyle.String
	p.LastMoodSignal = mood.String
	p.Birthday = birthday.String
	p.Timezone = timezone.String
	p.CurrentConcerns = decodeStringList(concerns)
	p.Goals = decodeStringList(goals)
	p.Preferences = decodeStringList(prefs)
	p.CuriosityQuestions = decodeStringList(curiosity)
	return &p, nil
}

func decodeStringList(v sql.NullString) []string {
	if !v.Valid || v.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(v.String), &out); err != nil {
		return nil
	}
	return out
}

func encodeStringList(v []string) any {
	if len(v) == 0 {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(data)
}

// BumpRelationshipScore raises the person's score to at least score.
// Scores only move up; writers race safely because the write is a MAX.
func (s *Store) BumpRelationshipScore(ctx context.Context, id string, score float64) error {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE people SET relationship_score = MAX(relationship_score, ?), updated_at_ms = ? WHERE id = ?",
		score, s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("bump relationship score: %w", err)
	}
	return nil
}

// SetTrustOverride pins the trust tier; empty clears the override.
func (s *Store) SetTrustOverride(ctx context.Context, id string, tier TrustTier) error {
	if tier != "" {
		switch tier {
		case TierNewContact, TierGettingToKnow, TierCloseFriend:
		default:
			return fmt.Errorf("unknown trust tier %q", tier)
		}
	}
	_, err := s.db.ExecContext(ctx,
		"UPDATE people SET trust_tier_override = ?, updated_at_ms = ? WHERE id = ?",
		nullable(string(tier)), s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("set trust override: %w", err)
	}
	return nil
}

// ProfileUpdate carries optional profile mutations; nil fields are left
// untouched.
type ProfileUpdate struct {
	CurrentConcerns    *[]string
	Goals              *[]string
	Preferences        *[]string
	LastMoodSignal     *string
	CuriosityQuestions *[]string
	Birthday           *string
	Timezone           *string
}

// UpdateProfile applies the non-nil fields of u.
func (s *Store) UpdateProfile(ctx context.Context, id string, u ProfileUpdate) error {
	sets := []string{"updated_at_ms = ?"}
	args := []any{s.nowMs()}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}
	if u.CurrentConcerns != nil {
		add("current_concerns", encodeStringList(*u.CurrentConcerns))
	}
	if u.Goals != nil {
		add("goals", encodeStringList(*u.Goals))
	}
	if u.Preferences != nil {
		add("preferences", encodeStringList(*u.Preferences))
	}
	if u.LastMoodSignal != nil {
		add("last_mood_signal", nullable(*u.LastMoodSignal))
	}
	if u.CuriosityQuestions != nil {
		add("curiosity_questions", encodeStringList(*u.CuriosityQuestions))
	}
	if u.Birthday != nil {
		add("birthday", nullable(*u.Birthday))
	}
	if u.Timezone != nil {
		add("timezone", nullable(*u.Timezone))
	}
	args = append(args, id)

	query := "UPDATE people SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}
	return nil
}

// SetPersonCapsule replaces the person capsule and refreshes the markdown
// mirror.
func (s *Store) SetPersonCapsule(ctx context.Context, id, capsule string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE people SET capsule = ?, updated_at_ms = ? WHERE id = ?",
		nullable(capsule), s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("set person capsule: %w", err)
	}
	s.mirrorPerson(ctx, id)
	return nil
}

// SetPublicStyleCapsule replaces the public-style capsule.
func (s *Store) SetPublicStyleCapsule(ctx context.Context, id, capsule string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE people SET public_style_capsule = ?, updated_at_ms = ? WHERE id = ?",
		nullable(capsule), s.nowMs(), id)
	if err != nil {
		return fmt.Errorf("set public style capsule: %w", err)
	}
	s.mirrorPerson(ctx, id)
	return nil
}

// DeletePerson removes the person and their facts (episodes keep their
// content with person_id cleared). The FTS rows for cascaded facts go in
// the same transaction; the mirror file is removed best-effort.
func (s *Store) DeletePerson(ctx context.Context, id string) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"DELETE FROM facts_fts WHERE id IN (SELECT id FROM facts WHERE person_id = ?)", id); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM people WHERE id = ?", id)
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
		return fmt.Errorf("delete person: %w", err)
	}
	if s.mirror != nil {
		if err := s.mirror.Remove(mirrorKindPerson, id); err != nil {
			slog.Debug("memory.mirror_remove_failed", "person", id, "error", err)
		}
	}
	return nil
}

// ListPeople returns all people ordered by most recently updated.
func (s *Store) ListPeople(ctx context.Context) ([]*Person, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+personColumns+" FROM people ORDER BY updated_at_ms DESC")
	if err != nil {
		return nil, fmt.Errorf("list people: %w", err)
	}
	defer rows.Close()

	var out []*Person
	for rows.Next() {
		p, err := scanPerson(rows)
		if err != nil {
			return nil, fmt.Errorf("scan person: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CountPeople returns the number of tracked people.
func (s *Store) CountPeople(ctx context.Context) (int, error) {
	return s.countRows(ctx, "people")
}

func (s *Store) countRows(ctx context.Context, table string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return n, nil
}

func (s *Store) mirrorPerson(ctx context.Context, id string) {
	if s.mirror == nil {
		return
	}
	p, err := s.GetPerson(ctx, id)
	if err != nil {
		slog.Debug("memory.mirror_load_failed", "person", id, "error", err)
		return
	}
	if err := s.mirror.WritePerson(p); err != nil {
		slog.Warn("memory.mirror_write_failed", "person", id, "error", err)
	}
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
