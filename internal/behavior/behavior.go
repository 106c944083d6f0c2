// Package behavior decides, before any model call, whether the agent
// should answer at all. The ladder runs in a fixed order and the first
// non-send rung wins; most rungs only apply to group chats, where an
// always-on participant has to be deliberately quiet to stay welcome.
package behavior

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/providers"
)

const (
	dominationWindow = 20
	threadLockWindow = 8
	velocityWindowMs = 10_000
	reactionWeight   = 0.25
)

// ModelCaller is the slice of the provider router the ladder needs for
// reaction choice.
type ModelCaller interface {
	Complete(ctx context.Context, role providers.Role, req providers.Request) (*providers.Response, error)
}

// Sample is one prior chat message reduced to what the share and lock
// math needs. Slices are ordered oldest first.
type Sample struct {
	AuthorID    string
	IsAssistant bool
	IsReaction  bool
	AtMs        int64
}

// Input carries one inbound message plus the chat state the ladder
// reads. Recent holds the last user+assistant messages (20 is enough
// for every rung); HistoryAuthors counts distinct participants over the
// chat's longer history.
type Input struct {
	Msg            bus.IncomingMessage
	UserText       string
	Recent         []Sample
	HistoryAuthors int
}

// Decision is the ladder's outcome. Rung identifies which rung produced
// a non-send result; 0 means the message fell through to send.
type Decision struct {
	Kind   bus.ActionKind
	Emoji  string
	Reason string
	Rung   int
}

func send() Decision {
	return Decision{Kind: bus.ActionSend}
}

func silence(rung int, reason string) Decision {
	return Decision{Kind: bus.ActionSilence, Reason: reason, Rung: rung}
}

// Config holds the ladder knobs.
type Config struct {
	// AgentName is matched case-insensitively in group text to spot
	// name-mentions the platform did not flag.
	AgentName      string
	Sleep          SleepConfig
	RandomSkipRate float64
}

// Engine evaluates the ladder. Safe for concurrent use as long as the
// injected rand source is.
type Engine struct {
	cfg  Config
	fast ModelCaller
	rand func() float64
	now  func() time.Time
}

type Option func(*Engine)

// WithRand replaces the probability draw source.
func WithRand(fn func() float64) Option {
	return func(e *Engine) { e.rand = fn }
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) { e.now = fn }
}

// New creates an engine. fast may be nil; reaction rolls then resolve to
// silence instead of calling a model.
func New(cfg Config, fast ModelCaller, opts ...Option) *Engine {
	e := &Engine{
		cfg:  cfg,
		fast: fast,
		rand: defaultRand,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Decide runs the ladder for one inbound message. Operator messages
// bypass the sleep window, the share checks, the engagement roll, and
// the random skip; group etiquette (not-mentioned, thread lock) still
// applies to them.
func (e *Engine) Decide(ctx context.Context, in Input) Decision {
	now := e.now()

	if !in.Msg.IsOperator && InSleepWindow(e.cfg.Sleep, now) {
		return silence(1, "sleep_mode")
	}
	if in.Msg.IsGroup && in.Msg.Mentioned == bus.TriNo {
		return silence(2, "not_mentioned")
	}
	if e.threadLocked(in) {
		return silence(3, "thread_lock")
	}

	if in.Msg.IsGroup && !in.Msg.IsOperator {
		share, threshold := participation(in.Recent, in.Msg.GroupSize)
		if share > threshold {
			return silence(4, "domination_check")
		}
		if RapidGroupDialogue(in.Recent, now) {
			return silence(5, "velocity_skip")
		}
		if in.Msg.Mentioned != bus.TriYes {
			if d := e.engagementRoll(ctx, in, share, threshold); d.Kind != bus.ActionSend {
				return d
			}
		}
	}

	if !in.Msg.IsOperator && in.Msg.Mentioned != bus.TriYes &&
		e.cfg.RandomSkipRate > 0 && e.rand() < e.cfg.RandomSkipRate {
		return silence(8, "random_skip")
	}
	return send()
}

// threadLocked detects a two-party back-and-forth monopolizing a group:
// the last 8 messages show exactly two participants, one of them us,
// in a chat that historically has at least three. A direct mention with
// a question mark breaks the lock.
func (e *Engine) threadLocked(in Input) bool {
	if in.Msg.Mentioned == bus.TriYes && containsQuestion(in.UserText) {
		return false
	}
	if in.HistoryAuthors < 3 {
		return false
	}
	window := lastN(in.Recent, threadLockWindow)
	if len(window) < threadLockWindow {
		return false
	}
	assistant := false
	others := make(map[string]bool, 2)
	for _, s := range window {
		if s.IsAssistant {
			assistant = true
			continue
		}
		others[s.AuthorID] = true
	}
	return assistant && len(others) == 1
}

// participation returns the assistant's weighted share of the last 20
// messages and the group-size threshold it is held to. Reactions weigh
// a quarter of a message.
func participation(recent []Sample, groupSize int) (share, threshold float64) {
	var ours, total float64
	for _, s := range lastN(recent, dominationWindow) {
		w := 1.0
		if s.IsReaction {
			w = reactionWeight
		}
		total += w
		if s.IsAssistant {
			ours += w
		}
	}
	if total > 0 {
		share = ours / total
	}
	switch {
	case groupSize <= 4:
		threshold = 0.30
	case groupSize <= 7:
		threshold = 0.20
	default:
		threshold = 0.15
	}
	return share, threshold
}

// RapidGroupDialogue reports whether three or more distinct humans
// spoke within the last ten seconds. The turn engine calls this before
// taking the chat lock; the ladder re-checks under it.
func RapidGroupDialogue(recent []Sample, now time.Time) bool {
	cutoff := now.UnixMilli() - velocityWindowMs
	authors := make(map[string]bool, 4)
	for i := len(recent) - 1; i >= 0; i-- {
		s := recent[i]
		if s.AtMs < cutoff {
			break
		}
		if s.IsAssistant {
			continue
		}
		authors[s.AuthorID] = true
		if len(authors) >= 3 {
			return true
		}
	}
	return false
}

func lastN(s []Sample, n int) []Sample {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
