package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/kith/internal/providers"
)

// Input caps per refresh. Enough texture for a capsule without letting a
// busy chat blow up the prompt.
const (
	consolidateEpisodes = 30
	consolidateFacts    = 40
	episodeClipChars    = 280
)

const defaultConsolidateEvery = 10 * time.Minute

// ModelCaller is the slice of the provider router consolidation needs.
type ModelCaller interface {
	CompleteObject(ctx context.Context, role providers.Role, req providers.Request, schema map[string]any, out any) (providers.Usage, error)
}

// Consolidator drains the dirty queues into refreshed capsules using the
// fast model. Claims are leased, so it is safe to run alongside a live
// engine; a pass cut short mid-batch leaves its unfinished claims to lease
// expiry.
type Consolidator struct {
	store  *Store
	models ModelCaller
}

func NewConsolidator(store *Store, models ModelCaller) *Consolidator {
	return &Consolidator{store: store, models: models}
}

// ConsolidateStats counts one pass. Failed keys were released for retry.
type ConsolidateStats struct {
	Groups int
	People int
	Failed int
}

func (st ConsolidateStats) total() int { return st.Groups + st.People + st.Failed }

func (st *ConsolidateStats) add(o ConsolidateStats) {
	st.Groups += o.Groups
	st.People += o.People
	st.Failed += o.Failed
}

// Run consolidates on a fixed cadence until ctx is done. Zero or negative
// cadence falls back to ten minutes.
func (c *Consolidator) Run(ctx context.Context, every time.Duration) error {
	if every <= 0 {
		every = defaultConsolidateEvery
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := c.RunOnce(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("memory.consolidate_failed", "error", err)
				continue
			}
			if stats.total() > 0 {
				slog.Info("memory.consolidate.done",
					"groups", stats.Groups, "people", stats.People, "failed", stats.Failed)
			}
		}
	}
}

// RunOnce processes one claim batch from each queue, group capsules first.
func (c *Consolidator) RunOnce(ctx context.Context) (ConsolidateStats, error) {
	stats, err := c.ConsolidateGroups(ctx)
	if err != nil {
		return stats, err
	}
	people, err := c.ConsolidatePeople(ctx)
	stats.add(people)
	return stats, err
}

// ConsolidateGroups claims a batch from the group-capsule queue and
// rewrites each chat's capsule from its recent episodes. A key whose
// refresh fails is released and counted, not fatal.
func (c *Consolidator) ConsolidateGroups(ctx context.Context) (ConsolidateStats, error) {
	var stats ConsolidateStats
	claims, err := c.store.ClaimDirty(ctx, QueueGroupCapsule, 0)
	if err != nil {
		return stats, err
	}
	for _, cl := range claims {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := c.refreshGroup(ctx, cl.Key); err != nil {
			stats.Failed++
			slog.Debug("group capsule refresh failed", "chat", cl.Key, "error", err)
			c.release(ctx, QueueGroupCapsule, cl.Key)
			continue
		}
		if err := c.store.CompleteDirty(ctx, QueueGroupCapsule, cl.Key); err != nil {
			return stats, err
		}
		stats.Groups++
	}
	return stats, nil
}

// ConsolidatePeople claims a batch from the public-style queue and rewrites
// both of each person's capsules in one model call.
func (c *Consolidator) ConsolidatePeople(ctx context.Context) (ConsolidateStats, error) {
	var stats ConsolidateStats
	claims, err := c.store.ClaimDirty(ctx, QueuePublicStyle, 0)
	if err != nil {
		return stats, err
	}
	for _, cl := range claims {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := c.refreshPerson(ctx, cl.Key); err != nil {
			stats.Failed++
			slog.Debug("person capsule refresh failed", "person", cl.Key, "error", err)
			c.release(ctx, QueuePublicStyle, cl.Key)
			continue
		}
		if err := c.store.CompleteDirty(ctx, QueuePublicStyle, cl.Key); err != nil {
			return stats, err
		}
		stats.People++
	}
	return stats, nil
}

func (c *Consolidator) release(ctx context.Context, queue, key string) {
	if err := c.store.ReleaseDirty(ctx, queue, key); err != nil {
		slog.Debug("dirty release failed", "queue", queue, "key", key, "error", err)
	}
}

var groupCapsuleSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"capsule": map[string]any{"type": "string"},
	},
	"required": []string{"capsule"},
}

func (c *Consolidator) refreshGroup(ctx context.Context, chatID string) error {
	episodes, err := c.store.RecentEpisodes(ctx, chatID, consolidateEpisodes)
	if err != nil {
		return err
	}
	if len(episodes) == 0 {
		return nil
	}
	var prev string
	if gc, err := c.store.GetGroupCapsule(ctx, chatID); err == nil && gc != nil {
		prev = gc.Capsule
	}

	var b strings.Builder
	b.WriteString("You keep a private note on each group chat: who is active, what they talk about, running jokes, the general vibe. Rewrite this chat's note from the moments below. Under 600 characters, plain prose. Keep what still holds from the old note, drop what went stale.\n")
	if prev != "" {
		fmt.Fprintf(&b, "\nOld note: %s\n", clipPrompt(prev, 600))
	}
	b.WriteString("\nRecent moments, oldest first:\n")
	for i := len(episodes) - 1; i >= 0; i-- {
		fmt.Fprintf(&b, "- %s\n", clipPrompt(episodes[i].Content, episodeClipChars))
	}

	var out struct {
		Capsule string `json:"capsule"`
	}
	_, err = c.models.CompleteObject(ctx, providers.RoleFast, providers.Request{
		Messages:  []providers.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 400,
	}, groupCapsuleSchema, &out)
	if err != nil {
		return err
	}
	capsule := strings.TrimSpace(out.Capsule)
	if capsule == "" {
		// Nothing worth writing beats clobbering the old note.
		return nil
	}
	return c.store.SetGroupCapsule(ctx, chatID, capsule)
}

var personCapsuleSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"capsule":      map[string]any{"type": "string"},
		"public_style": map[string]any{"type": "string"},
	},
	"required": []string{"capsule", "public_style"},
}

// refreshPerson rewrites the person capsule and the public-style capsule
// together; both feed off the same facts and episodes, so one call covers
// them. A person deleted since the mark is a silent no-op, which lets the
// complete step clear the stale key.
func (c *Consolidator) refreshPerson(ctx context.Context, personID string) error {
	p, err := c.store.GetPerson(ctx, personID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	facts, err := c.store.ListFactsByPerson(ctx, personID, consolidateFacts)
	if err != nil {
		return err
	}
	groupEps, err := c.store.EpisodesByPerson(ctx, personID, true, consolidateEpisodes/2)
	if err != nil {
		return err
	}
	dmEps, err := c.store.EpisodesByPerson(ctx, personID, false, consolidateEpisodes/2)
	if err != nil {
		return err
	}
	if len(facts) == 0 && len(groupEps) == 0 && len(dmEps) == 0 {
		return nil
	}

	name := p.DisplayName
	if name == "" {
		name = personID
	}

	var b strings.Builder
	fmt.Fprintf(&b, "You keep two private notes on %s.\n", name)
	b.WriteString("capsule: who they are to you, what is going on with them lately, how you talk one on one.\n")
	b.WriteString("public_style: how you handle them in group chats around other people. Tone, jokes that land, topics to keep out of public.\n")
	b.WriteString("Rewrite both from the material below. Under 500 characters each, plain prose. Empty string when there is nothing worth noting.\n")
	if p.Capsule != "" {
		fmt.Fprintf(&b, "\nOld capsule: %s\n", clipPrompt(p.Capsule, 500))
	}
	if p.PublicStyleCapsule != "" {
		fmt.Fprintf(&b, "Old public_style: %s\n", clipPrompt(p.PublicStyleCapsule, 500))
	}
	if len(facts) > 0 {
		b.WriteString("\nFacts:\n")
		for _, f := range facts {
			fmt.Fprintf(&b, "- %s: %s\n", f.Subject, clipPrompt(f.Content, episodeClipChars))
		}
	}
	writeEpisodeSection(&b, "One-on-one moments, oldest first:", dmEps)
	writeEpisodeSection(&b, "Group moments, oldest first:", groupEps)

	var out struct {
		Capsule     string `json:"capsule"`
		PublicStyle string `json:"public_style"`
	}
	_, err = c.models.CompleteObject(ctx, providers.RoleFast, providers.Request{
		Messages:  []providers.Message{{Role: "user", Content: b.String()}},
		MaxTokens: 600,
	}, personCapsuleSchema, &out)
	if err != nil {
		return err
	}
	if capsule := strings.TrimSpace(out.Capsule); capsule != "" {
		if err := c.store.SetPersonCapsule(ctx, personID, capsule); err != nil {
			return err
		}
	}
	if style := strings.TrimSpace(out.PublicStyle); style != "" {
		if err := c.store.SetPublicStyleCapsule(ctx, personID, style); err != nil {
			return err
		}
	}
	return nil
}

func writeEpisodeSection(b *strings.Builder, header string, eps []*Episode) {
	if len(eps) == 0 {
		return
	}
	b.WriteString("\n" + header + "\n")
	for i := len(eps) - 1; i >= 0; i-- {
		fmt.Fprintf(b, "- %s\n", clipPrompt(eps[i].Content, episodeClipChars))
	}
}

func clipPrompt(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}
