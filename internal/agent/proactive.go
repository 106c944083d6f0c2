package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/kith/internal/behavior"
	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/chatlock"
	"github.com/nextlevelbuilder/kith/internal/compose"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/quality"
	"github.com/nextlevelbuilder/kith/internal/session"
)

// Proactive event kinds the scheduler feeds into the engine.
const (
	ProactiveCheckin  = "checkin"
	ProactiveReminder = "reminder"
	ProactiveBirthday = "birthday"
)

const (
	reasonUnroutable      = "proactive_unroutable"
	reasonSleepMode       = "sleep_mode"
	reasonSafeMode        = "proactive_safe_mode"
	reasonWarmingThrottle = "proactive_warming_throttle"
	reasonHeartbeat       = "proactive_heartbeat"
)

// ProactiveEvent asks the engine to consider reaching out first. Note
// carries the reminder text or check-in label, free-form.
type ProactiveEvent struct {
	Kind   string
	ChatID bus.ChatID
	Note   string
}

// HandleProactive runs a proactive turn: trust and sleep checks, a
// generation pass that may decline with a heartbeat, then the same
// gate, delay, and staleness treatment an inbound reply gets. An
// inbound message arriving mid-turn wins; the proactive draft is
// dropped.
func (e *Engine) HandleProactive(ctx context.Context, ev ProactiveEvent) (bus.OutgoingAction, error) {
	start := e.now()
	chat := ev.ChatID

	channel, peerKind, userID, err := bus.ParseChatID(chat)
	if err != nil || peerKind != bus.PeerDM {
		return e.silence(ctx, chat, reasonUnroutable, 0), nil
	}
	isOp := bus.IsOperatorChat(chat)
	var person *memory.Person
	if !isOp {
		person, err = e.mem.FindPerson(ctx, channel, userID)
		if err != nil {
			return e.silence(ctx, chat, reasonUnroutable, 0), nil
		}
	}
	seq := e.nextSeq(chat)

	var d *draft
	err = e.locks.RunExclusive(ctx, string(chat), func() error {
		var derr error
		d, derr = e.proactiveDraft(ctx, chat, ev, channel, person, isOp)
		return derr
	})
	if err != nil {
		if errors.Is(err, chatlock.ErrDraining) || errors.Is(err, context.Canceled) {
			return e.silence(ctx, chat, reasonShuttingDown, 0), nil
		}
		e.turnError(ctx, chat, err, start)
		return bus.OutgoingAction{}, err
	}
	if d.resolved {
		return d.action, nil
	}

	if e.seqOf(chat) != seq {
		return e.silence(ctx, chat, reasonStale, 0), nil
	}
	pause := sampleHumanDelay(e.cfg.Delay, d.action.Kind, len(d.action.Text), d.isQuestion, e.uniform, e.normal)
	if !sleepCtx(ctx, pause) {
		return e.silence(ctx, chat, reasonShuttingDown, 0), nil
	}

	var action bus.OutgoingAction
	err = e.locks.RunExclusive(ctx, string(chat), func() error {
		if e.seqOf(chat) != seq {
			action = e.silence(ctx, chat, reasonStale, 0)
			return nil
		}
		action = e.commitProactive(ctx, chat, ev, d, person)
		return nil
	})
	if err != nil {
		return e.silence(ctx, chat, reasonShuttingDown, 0), nil
	}
	if action.Kind != bus.ActionSilence {
		e.sink.Emit(ctx, "turn.commit", map[string]any{
			"chat":       string(chat),
			"kind":       string(action.Kind),
			"proactive":  ev.Kind,
			"elapsed_ms": e.now().Sub(start).Milliseconds(),
			"tokens":     d.usage.TotalTokens,
		})
	}
	return action, nil
}

func (e *Engine) proactiveDraft(ctx context.Context, chat bus.ChatID, ev ProactiveEvent, channel string, person *memory.Person, isOp bool) (*draft, error) {
	now := e.now()
	if !isOp {
		_, bcfg := e.ladder()
		// Night hours win over everything, even a close friend's
		// birthday; it can wait until morning.
		if behavior.InSleepWindow(bcfg.Sleep, now) {
			return &draft{action: e.silence(ctx, chat, reasonSleepMode, 0), resolved: true}, nil
		}
		switch tier := memory.DeriveTrustTier(person, false); tier {
		case memory.TierNewContact:
			if ev.Kind != ProactiveReminder && ev.Kind != ProactiveBirthday {
				return &draft{action: e.silence(ctx, chat, reasonSafeMode, 0), resolved: true}, nil
			}
		default:
			limit := 1
			if tier == memory.TierCloseFriend {
				limit = 3
			}
			n, err := e.mem.CountProactiveSince(ctx, person.ID, now.Add(-24*time.Hour).UnixMilli())
			if err != nil {
				slog.Debug("proactive count failed", "chat", chat, "error", err)
			}
			if n >= limit {
				return &draft{action: e.silence(ctx, chat, reasonWarmingThrottle, 0), resolved: true}, nil
			}
		}
	}

	input := e.proactiveComposeInput(ctx, chat, ev, channel, person)
	built, err := compose.Build(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}
	gres, err := e.gen.Generate(ctx, GenInput{
		Messages:     built.Messages,
		AntiPatterns: e.cfg.AntiPatterns,
		MaxChars:     e.cfg.DMMaxChars,
		ToolsAllowed: true,
		Reprompt: func(ctx context.Context) ([]providers.Message, error) {
			if _, cerr := e.sessions.Compact(ctx, string(chat), compactKeepLast, e.summarizer()); cerr != nil {
				return nil, cerr
			}
			rebuilt, berr := compose.Build(ctx, input)
			if berr != nil {
				return nil, berr
			}
			return rebuilt.Messages, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if gres.Reason != "" {
		return &draft{action: e.silence(ctx, chat, gres.Reason, 0), resolved: true, usage: gres.Usage}, nil
	}
	if IsHeartbeat(gres.Text) {
		// The model declined. Nothing is persisted; the chat never
		// learns a check-in happened.
		return &draft{action: e.silence(ctx, chat, reasonHeartbeat, 0), resolved: true, usage: gres.Usage}, nil
	}

	gr := e.gate.GateOutgoingText(ctx, quality.GateInput{
		Draft:                gres.Text,
		Kind:                 "proactive",
		MaxChars:             e.cfg.DMMaxChars,
		IdentityAntiPatterns: e.cfg.AntiPatterns,
		Media:                gres.Media,
	})
	e.recordVerdict(ctx, chat, gres.Text, gr)
	if gr.Silenced() {
		return &draft{action: e.silence(ctx, chat, gr.Reason, 0), resolved: true, usage: gres.Usage}, nil
	}

	action := bus.SendText(chat, gr.Text)
	action.Media = gr.Media
	name := ""
	if person != nil {
		name = person.DisplayName
	}
	return &draft{
		action:     action,
		usage:      gres.Usage,
		isQuestion: endsWithQuestion(gr.Text),
		person:     person,
		authorName: name,
	}, nil
}

func (e *Engine) commitProactive(ctx context.Context, chat bus.ChatID, ev ProactiveEvent, d *draft, person *memory.Person) bus.OutgoingAction {
	if err := e.sessions.Append(ctx, &session.Message{
		ChatID:  string(chat),
		Role:    session.RoleAssistant,
		Content: d.action.Text,
	}); err != nil {
		slog.Warn("assistant row append failed", "chat", chat, "error", err)
	}
	if _, err := e.sessions.RecordOutbound(ctx, string(chat), d.action.Text, session.KindProactive); err != nil {
		slog.Debug("outbound ledger write failed", "chat", chat, "error", err)
	}
	if person != nil {
		if err := e.mem.RecordProactive(ctx, person.ID, string(chat), ev.Kind); err != nil {
			slog.Debug("proactive record failed", "chat", chat, "error", err)
		}
	}
	e.afterCommit(chat, d)
	return d.action
}

func (e *Engine) proactiveComposeInput(ctx context.Context, chat bus.ChatID, ev ProactiveEvent, channel string, person *memory.Person) compose.Input {
	query := ev.Note
	if query == "" && person != nil {
		query = person.DisplayName
	}
	return compose.Input{
		Identity: e.cfg.Identity,
		Persona:  e.cfg.Persona,
		BehaviorHint: "You are reaching out first, unprompted. One short message at most. " +
			"If there is no real reason to write, reply with exactly HEARTBEAT_OK and nothing else.",
		ChannelPolicy: fmt.Sprintf("Channel %s. Keep replies under %d characters.", channel, e.cfg.DMMaxChars),
		Sections:      e.buildSections(ctx, chat, person, query, false),
		Batch:         []compose.BatchMessage{{Text: proactivePrompt(ev, person)}},
		FetchHistory: func(ctx context.Context) ([]compose.HistoryMessage, string, error) {
			rows, err := e.sessions.History(ctx, string(chat), historyWindow)
			if err != nil {
				return nil, "", err
			}
			summary := ""
			if sess, serr := e.sessions.Get(ctx, string(chat)); serr == nil && sess != nil {
				summary = sess.Summary
			}
			out := make([]compose.HistoryMessage, len(rows))
			for i, r := range rows {
				out[i] = compose.HistoryMessage{
					Role:       r.Role,
					Content:    r.Content,
					AuthorName: r.AuthorName,
					SourceID:   r.SourceMessageID,
				}
			}
			return out, summary, nil
		},
		Compact: func(ctx context.Context) error {
			_, err := e.sessions.Compact(ctx, string(chat), compactKeepLast, e.summarizer())
			return err
		},
		MaxContextTokens: e.cfg.MaxContextTokens,
	}
}

func proactivePrompt(ev ProactiveEvent, person *memory.Person) string {
	name := "them"
	if person != nil && person.DisplayName != "" {
		name = person.DisplayName
	}
	switch ev.Kind {
	case ProactiveReminder:
		return fmt.Sprintf("[reminder due] %s. Nudge %s about it in your own words.", ev.Note, name)
	case ProactiveBirthday:
		return fmt.Sprintf("[birthday] Today is %s's birthday. A short warm note, nothing over the top.", name)
	default:
		s := fmt.Sprintf("[check-in] A scheduled moment to think about %s.", name)
		if ev.Note != "" {
			s += " " + ev.Note
		}
		return s + " Message them only if you have a real opening, like something you said you would follow up on. Otherwise HEARTBEAT_OK."
	}
}
