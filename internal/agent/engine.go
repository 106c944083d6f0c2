// Package agent is the turn engine. It sequences inbound bursts per
// chat, runs the pre-draft behavior gate, drives the tool-augmented
// generation loop, applies the outgoing quality gate, and commits
// replies after a human-paced delay with staleness re-checks at both
// sides of the wait.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kith/internal/behavior"
	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/chatlock"
	"github.com/nextlevelbuilder/kith/internal/compose"
	"github.com/nextlevelbuilder/kith/internal/feedback"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/quality"
	"github.com/nextlevelbuilder/kith/internal/ratelimit"
	"github.com/nextlevelbuilder/kith/internal/session"
	"github.com/nextlevelbuilder/kith/internal/telemetry"
	"github.com/nextlevelbuilder/kith/internal/tools"
)

// Silence reasons owned by the engine. Gate and model reasons travel
// with their own results.
const (
	reasonShuttingDown = "shutting_down"
	reasonDuplicate    = "duplicate_message"
	reasonArtifact     = "platform_artifact"
	reasonEmptyInput   = "empty_input"
	reasonStale        = "stale_discard"
	reasonVelocity     = "velocity_skip"
)

const (
	seenTTL = 10 * time.Minute
	seenCap = 10000
	seqCap  = 10000

	historyWindow  = 40
	velocityWindow = 12
	scanWindow     = 200

	compactMaxMessages = 120
	compactKeepLast    = 30

	episodeClip = 300
)

// Config tunes one engine instance. Zero fields fall back to the
// defaults the adapters were built against.
type Config struct {
	AgentName    string
	Identity     string
	Persona      string
	AntiPatterns []string

	DMMaxChars        int
	GroupMaxChars     int
	GroupMaxSentences int
	MaxContextTokens  int

	DebounceMs int

	Delay    DelayConfig
	Behavior behavior.Config
	Limits   ratelimit.Config
}

func (c Config) withDefaults() Config {
	if c.AgentName == "" {
		c.AgentName = "Kith"
	}
	if c.DMMaxChars <= 0 {
		c.DMMaxChars = 1200
	}
	if c.GroupMaxChars <= 0 {
		c.GroupMaxChars = 420
	}
	if c.GroupMaxSentences <= 0 {
		c.GroupMaxSentences = 2
	}
	if c.DebounceMs <= 0 {
		c.DebounceMs = 1500
	}
	c.Delay = c.Delay.withDefaults()
	if c.Behavior.AgentName == "" {
		c.Behavior.AgentName = c.AgentName
	}
	return c
}

// Deps are the shared services the engine drives. Feedback and Sink
// are optional; everything else is required.
type Deps struct {
	Models   ModelCaller
	Tools    *tools.Registry
	Sessions *session.Store
	Memory   *memory.Store
	Feedback *feedback.Store
	Sink     telemetry.Sink
}

// Engine owns the full inbound-to-outbound path for every chat.
type Engine struct {
	cfg Config

	models    ModelCaller
	behave    *behavior.Engine
	gen       *Generator
	gate      *quality.Gate
	extractor *Extractor

	sessions *session.Store
	mem      *memory.Store
	fb       *feedback.Store

	guard   *InputGuard
	locks   *chatlock.Lock
	limiter *ratelimit.SendLimiter
	acc     *bus.Accumulator
	seen    *bus.DedupeCache
	sink    telemetry.Sink

	mu       sync.Mutex
	seq      map[bus.ChatID]uint64
	seqOrder []bus.ChatID

	bg         sync.WaitGroup
	now        func() time.Time
	uniform    func() float64
	normal     func() float64
	behaveOpts []behavior.Option
}

// Option adjusts engine construction, mostly for tests.
type Option func(*Engine)

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDelaySource substitutes the random draws behind human pacing.
func WithDelaySource(uniform, normal func() float64) Option {
	return func(e *Engine) {
		e.uniform = uniform
		e.normal = normal
	}
}

// WithBehaviorOptions passes options through to the embedded ladder.
func WithBehaviorOptions(opts ...behavior.Option) Option {
	return func(e *Engine) { e.behaveOpts = opts }
}

// New wires an engine from its dependencies. The behavior gate,
// generator, and quality gate are built here so they share the
// engine's model router and persona.
func New(cfg Config, deps Deps, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	sink := deps.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	e := &Engine{
		cfg:       cfg,
		models:    deps.Models,
		gen:       NewGenerator(deps.Models, deps.Tools),
		gate:      quality.NewGate(deps.Models, cfg.Persona),
		extractor: NewExtractor(deps.Models, deps.Memory),
		sessions:  deps.Sessions,
		mem:       deps.Memory,
		fb:        deps.Feedback,
		guard:     NewInputGuard(),
		locks:     chatlock.New(),
		limiter:   ratelimit.NewSendLimiter(cfg.Limits),
		acc:       bus.NewAccumulator(time.Duration(cfg.DebounceMs) * time.Millisecond),
		seen:      bus.NewDedupeCache(seenTTL, seenCap),
		sink:      sink,
		seq:       make(map[bus.ChatID]uint64),
		now:       time.Now,
		uniform:   rand.Float64,
		normal:    rand.NormFloat64,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.behave = behavior.New(cfg.Behavior, deps.Models, e.behaveOpts...)
	return e
}

// Generator exposes the engine's generation loop, mainly so status
// surfaces can read the breaker.
func (e *Engine) Generator() *Generator { return e.gen }

// Limiter exposes the send limiter for status surfaces.
func (e *Engine) Limiter() *ratelimit.SendLimiter { return e.limiter }

// Reconfigure swaps the behavior ladder and send-limit knobs on a
// running engine. Identity, stores and model routes stay fixed; changing
// those needs a restart. Turns already in flight finish under the
// ladder they started with.
func (e *Engine) Reconfigure(bcfg behavior.Config, limits ratelimit.Config) {
	if bcfg.AgentName == "" {
		bcfg.AgentName = e.cfg.AgentName
	}
	e.mu.Lock()
	e.cfg.Behavior = bcfg
	e.behave = behavior.New(bcfg, e.models, e.behaveOpts...)
	e.mu.Unlock()
	e.limiter.Reconfigure(limits)
	slog.Info("engine.reconfigured")
}

// ladder grabs the current behavior engine and its config in one shot.
func (e *Engine) ladder() (*behavior.Engine, behavior.Config) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.behave, e.cfg.Behavior
}

// KnownChats lists chats the engine has handled recently, newest last.
func (e *Engine) KnownChats() []bus.ChatID {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]bus.ChatID, len(e.seqOrder))
	copy(out, e.seqOrder)
	return out
}

// Shutdown refuses new turns, waits for in-flight ones, then waits for
// background persistence to settle.
func (e *Engine) Shutdown(ctx context.Context) error {
	if err := e.locks.Drain(ctx); err != nil {
		return err
	}
	done := make(chan struct{})
	go func() {
		e.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleIncoming runs one full turn for an inbound message. It always
// returns an action; silence is an action too. An error means the turn
// died after the inbound message was already persisted.
func (e *Engine) HandleIncoming(ctx context.Context, msg bus.IncomingMessage) (bus.OutgoingAction, error) {
	start := e.now()
	chat := msg.ChatID
	seq := e.nextSeq(chat)

	if ctx.Err() != nil {
		return e.silence(ctx, chat, reasonShuttingDown, 0), nil
	}
	if e.seen.IsDuplicate(string(chat) + "/" + string(msg.ID)) {
		return e.silence(ctx, chat, reasonDuplicate, 0), nil
	}
	if isPlatformArtifact(msg.Text) && len(msg.Attachments) == 0 {
		return e.silence(ctx, chat, reasonArtifact, 0), nil
	}
	userText := canonicalUserText(&msg)
	if userText == "" {
		return e.silence(ctx, chat, reasonEmptyInput, 0), nil
	}

	e.persistInbound(ctx, &msg, userText)

	wait := e.acc.PushAndGetDebounce(msg, start)
	if !sleepCtx(ctx, wait) {
		return e.silence(ctx, chat, reasonShuttingDown, 0), nil
	}
	if e.seqOf(chat) != seq {
		return e.silence(ctx, chat, reasonStale, 0), nil
	}

	if msg.IsGroup && e.rapidDialogue(ctx, chat) {
		e.acc.Clear(chat)
		return e.silence(ctx, chat, reasonVelocity, 0), nil
	}

	var d *draft
	err := e.locks.RunExclusive(ctx, string(chat), func() error {
		var derr error
		d, derr = e.draft(ctx, chat, &msg, seq)
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
		action = e.commit(ctx, chat, d)
		return nil
	})
	if err != nil {
		return e.silence(ctx, chat, reasonShuttingDown, 0), nil
	}
	if action.Kind != bus.ActionSilence {
		e.sink.Emit(ctx, "turn.commit", map[string]any{
			"chat":       string(chat),
			"kind":       string(action.Kind),
			"elapsed_ms": e.now().Sub(start).Milliseconds(),
			"tokens":     d.usage.TotalTokens,
		})
	}
	return action, nil
}

// draft holds everything decided under the first lock hold that the
// commit phase needs after the delay.
type draft struct {
	action     bus.OutgoingAction
	resolved   bool
	usage      providers.Usage
	isQuestion bool
	person     *memory.Person
	batchText  string
	authorName string
	isGroup    bool
}

func (e *Engine) draft(ctx context.Context, chat bus.ChatID, msg *bus.IncomingMessage, seq uint64) (*draft, error) {
	batch := e.acc.Drain(chat)
	if len(batch) == 0 {
		// A prior turn's drain absorbed this burst.
		return &draft{action: e.silence(ctx, chat, reasonStale, 0), resolved: true}, nil
	}

	anchor := batch[len(batch)-1]
	mention := batch[0].Mentioned
	texts := make([]string, 0, len(batch))
	for i := range batch {
		if i > 0 {
			mention = mention.Or(batch[i].Mentioned)
		}
		if t := canonicalUserText(&batch[i]); t != "" {
			texts = append(texts, t)
		}
	}
	anchor.Mentioned = mention
	batchText := strings.Join(texts, "\n")

	rows, err := e.sessions.History(ctx, string(chat), scanWindow)
	if err != nil {
		slog.Warn("history read failed", "chat", chat, "error", err)
		rows = nil
	}
	behave, _ := e.ladder()
	dec := behave.Decide(ctx, behavior.Input{
		Msg:            anchor,
		UserText:       batchText,
		Recent:         samplesFromRows(tailRows(rows, velocityWindow*4)),
		HistoryAuthors: distinctAuthors(rows),
	})
	switch dec.Kind {
	case bus.ActionSilence:
		return &draft{action: e.silence(ctx, chat, dec.Reason, dec.Rung), resolved: true}, nil
	case bus.ActionReact:
		return &draft{
			action:     bus.React(chat, dec.Emoji, anchor.AuthorID, anchor.Timestamp),
			authorName: anchor.AuthorName,
			isGroup:    anchor.IsGroup,
		}, nil
	}

	var person *memory.Person
	if !anchor.IsGroup {
		person, err = e.mem.TrackPerson(ctx, anchor.Channel, string(anchor.AuthorID), anchor.AuthorName)
		if err != nil {
			slog.Debug("person upsert failed", "chat", chat, "error", err)
			person = nil
		}
	}

	toolsAllowed := true
	if matches := e.guard.Scan(batchText); len(matches) > 0 {
		slog.Warn("security.injection_detected",
			"chat", chat, "patterns", matchNames(matches), "len", len(batchText))
		if SuppressTools(matches) && !anchor.IsOperator {
			toolsAllowed = false
			slog.Info("security.injection_blocked", "chat", chat)
		}
	}

	if !anchor.IsOperator {
		if err := e.limiter.Take(ctx, chat); err != nil {
			return &draft{action: e.silence(ctx, chat, reasonShuttingDown, 0), resolved: true}, nil
		}
	}

	if _, err := e.sessions.EnsureCompact(ctx, string(chat), compactMaxMessages, compactKeepLast, e.summarizer()); err != nil {
		slog.Debug("compaction check failed", "chat", chat, "error", err)
	}

	input := e.composeInput(ctx, chat, &anchor, batch, person, batchText)
	built, err := compose.Build(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("compose: %w", err)
	}

	maxChars := e.cfg.DMMaxChars
	if anchor.IsGroup {
		maxChars = e.cfg.GroupMaxChars
	}
	gres, err := e.gen.Generate(ctx, GenInput{
		Messages:     built.Messages,
		AntiPatterns: e.cfg.AntiPatterns,
		MaxChars:     maxChars,
		IsGroup:      anchor.IsGroup,
		ToolsAllowed: toolsAllowed,
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

	kind := "dm"
	maxSentences := 0
	if anchor.IsGroup {
		kind = "group"
		maxSentences = e.cfg.GroupMaxSentences
	}
	gr := e.gate.GateOutgoingText(ctx, quality.GateInput{
		Draft:                gres.Text,
		Kind:                 kind,
		MaxChars:             maxChars,
		MaxSentences:         maxSentences,
		IsGroup:              anchor.IsGroup,
		IdentityAntiPatterns: e.cfg.AntiPatterns,
		Media:                gres.Media,
	})
	e.recordVerdict(ctx, chat, gres.Text, gr)
	if gr.Silenced() {
		return &draft{action: e.silence(ctx, chat, gr.Reason, 0), resolved: true, usage: gres.Usage}, nil
	}

	action := bus.SendText(chat, gr.Text)
	action.Media = gr.Media
	return &draft{
		action:     action,
		usage:      gres.Usage,
		isQuestion: endsWithQuestion(gr.Text),
		person:     person,
		batchText:  batchText,
		authorName: anchor.AuthorName,
		isGroup:    anchor.IsGroup,
	}, nil
}

// commit persists the outbound action and kicks off background memory
// work. Runs under the chat lock after the staleness re-check.
func (e *Engine) commit(ctx context.Context, chat bus.ChatID, d *draft) bus.OutgoingAction {
	switch d.action.Kind {
	case bus.ActionSend:
		if err := e.sessions.Append(ctx, &session.Message{
			ChatID:  string(chat),
			Role:    session.RoleAssistant,
			Content: d.action.Text,
		}); err != nil {
			slog.Warn("assistant row append failed", "chat", chat, "error", err)
		}
		if _, err := e.sessions.RecordOutbound(ctx, string(chat), d.action.Text, session.KindSend); err != nil {
			slog.Debug("outbound ledger write failed", "chat", chat, "error", err)
		}
		e.afterCommit(chat, d)
	case bus.ActionReact:
		if err := e.sessions.Append(ctx, &session.Message{
			ChatID:     string(chat),
			Role:       session.RoleAssistant,
			Content:    d.action.ReactEmoji,
			IsReaction: true,
		}); err != nil {
			slog.Debug("reaction row append failed", "chat", chat, "error", err)
		}
	}
	return d.action
}

// afterCommit runs the post-send persistence that must never block the
// reply: episode logging, fact extraction, capsule dirtying, and the
// relationship score bump.
func (e *Engine) afterCommit(chat bus.ChatID, d *draft) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		personID := ""
		if d.person != nil {
			personID = d.person.ID
		}
		name := d.authorName
		if name == "" {
			name = "them"
		}
		content := fmt.Sprintf("%s: %s", e.cfg.AgentName, clipText(d.action.Text, episodeClip))
		if d.batchText != "" {
			content = fmt.Sprintf("%s: %s\n%s", name, clipText(d.batchText, episodeClip), content)
		}
		if err := e.mem.LogEpisode(ctx, &memory.Episode{
			ChatID:   string(chat),
			PersonID: personID,
			IsGroup:  d.isGroup,
			Content:  content,
		}); err != nil {
			slog.Debug("episode write failed", "chat", chat, "error", err)
		}

		if d.isGroup {
			if err := e.mem.MarkDirty(ctx, memory.QueueGroupCapsule, string(chat)); err != nil {
				slog.Debug("dirty mark failed", "queue", memory.QueueGroupCapsule, "error", err)
			}
		} else if d.person != nil {
			if err := e.mem.MarkDirty(ctx, memory.QueuePublicStyle, d.person.ID); err != nil {
				slog.Debug("dirty mark failed", "queue", memory.QueuePublicStyle, "error", err)
			}
			if d.batchText != "" {
				if err := e.mem.BumpRelationshipScore(ctx, d.person.ID, d.person.RelationshipScore+0.01); err != nil {
					slog.Debug("relationship bump failed", "person", d.person.ID, "error", err)
				}
				e.extractor.ExtractFromExchange(ctx, d.person, d.batchText, d.action.Text)
			}
		}
	}()
}

// persistInbound writes the user row and reply bookkeeping before any
// decision is made, so a crash never loses what the user said.
func (e *Engine) persistInbound(ctx context.Context, msg *bus.IncomingMessage, userText string) {
	if err := e.sessions.Append(ctx, &session.Message{
		ChatID:          string(msg.ChatID),
		Role:            session.RoleUser,
		AuthorID:        string(msg.AuthorID),
		AuthorName:      msg.AuthorName,
		Content:         userText,
		SourceMessageID: string(msg.ID),
		IsReaction:      msg.IsReaction(),
		CreatedAtMs:     msg.Timestamp,
	}); err != nil {
		slog.Debug("inbound persist failed", "chat", msg.ChatID, "error", err)
	}
	if err := e.sessions.MarkReplied(ctx, string(msg.ChatID)); err != nil {
		slog.Debug("reply mark failed", "chat", msg.ChatID, "error", err)
	}

	chat := msg.ChatID
	name := msg.AuthorName
	text := userText
	isGroup := msg.IsGroup
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		bctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if name == "" {
			name = "them"
		}
		if err := e.mem.LogEpisode(bctx, &memory.Episode{
			ChatID:  string(chat),
			IsGroup: isGroup,
			Content: fmt.Sprintf("%s: %s", name, clipText(text, episodeClip)),
		}); err != nil {
			slog.Debug("inbound episode failed", "chat", chat, "error", err)
		}
	}()
}

func (e *Engine) composeInput(ctx context.Context, chat bus.ChatID, anchor *bus.IncomingMessage, batch []bus.IncomingMessage, person *memory.Person, queryText string) compose.Input {
	batchMsgs := make([]compose.BatchMessage, 0, len(batch))
	for i := range batch {
		b := &batch[i]
		batchMsgs = append(batchMsgs, compose.BatchMessage{
			DisplayName: b.AuthorName,
			AuthorID:    string(b.AuthorID),
			Text:        canonicalUserText(b),
			Images:      imageParts(ctx, b.Attachments),
			SourceID:    string(b.ID),
		})
	}

	maxChars := e.cfg.DMMaxChars
	hint := ""
	if anchor.IsGroup {
		maxChars = e.cfg.GroupMaxChars
		hint = "This is a group chat. One short message, no lists, no headings. Stay quiet unless you add something."
	}
	policy := fmt.Sprintf("Channel %s. Keep replies under %d characters.", anchor.Channel, maxChars)
	if anchor.IsOperator {
		policy += " You are talking to your operator; be direct and skip the small talk."
	}

	return compose.Input{
		Identity:      e.cfg.Identity,
		Persona:       e.cfg.Persona,
		BehaviorHint:  hint,
		ChannelPolicy: policy,
		ToolDocs:      "",
		Sections:      e.buildSections(ctx, chat, person, queryText, anchor.IsGroup),
		Batch:         batchMsgs,
		IsGroup:       anchor.IsGroup,
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

// buildSections assembles the grounding blocks: local time, person and
// group capsules, memory retrieval, and the recent outbound ledger.
// Every lookup is best-effort; a missing section just narrows context.
func (e *Engine) buildSections(ctx context.Context, chat bus.ChatID, person *memory.Person, queryText string, isGroup bool) []compose.Section {
	sections := []compose.Section{{
		Title:  "Now",
		Body:   e.now().Format("Monday 15:04, Jan 2 2006"),
		Budget: 60,
	}}

	if person != nil && person.Capsule != "" {
		sections = append(sections, compose.Section{
			Title:  "About " + person.DisplayName,
			Body:   person.Capsule,
			Budget: 600,
		})
	}
	if isGroup {
		if gc, err := e.mem.GetGroupCapsule(ctx, string(chat)); err == nil && gc != nil && gc.Capsule != "" {
			sections = append(sections, compose.Section{
				Title:  "This group",
				Body:   gc.Capsule,
				Budget: 400,
			})
		}
	}

	if results, err := e.mem.HybridSearch(ctx, queryText, 6); err == nil && len(results) > 0 {
		var b strings.Builder
		for _, r := range results {
			if r.Subject != "" {
				fmt.Fprintf(&b, "- %s: %s\n", r.Subject, clipText(r.Content, 200))
			} else {
				fmt.Fprintf(&b, "- %s\n", clipText(r.Content, 200))
			}
		}
		sections = append(sections, compose.Section{
			Title:  "From memory",
			Body:   strings.TrimRight(b.String(), "\n"),
			Budget: 900,
		})
	}

	if entries, err := e.sessions.RecentOutbound(ctx, string(chat), 3); err == nil && len(entries) > 0 {
		var b strings.Builder
		for _, le := range entries {
			fmt.Fprintf(&b, "- %s\n", clipText(le.Content, 160))
		}
		sections = append(sections, compose.Section{
			Title:  "You recently sent",
			Body:   strings.TrimRight(b.String(), "\n"),
			Budget: 300,
		})
	}
	return sections
}

// summarizer folds older rows into the running summary with the fast
// model. Used by compaction both proactively and on context overflow.
func (e *Engine) summarizer() session.Summarizer {
	return func(ctx context.Context, prior string, msgs []*session.Message) (string, error) {
		var b strings.Builder
		if prior != "" {
			b.WriteString("Running summary so far:\n")
			b.WriteString(prior)
			b.WriteString("\n\n")
		}
		b.WriteString("New messages to fold in:\n")
		for _, m := range msgs {
			name := m.AuthorName
			if m.Role == session.RoleAssistant {
				name = e.cfg.AgentName
			}
			if name == "" {
				name = m.Role
			}
			fmt.Fprintf(&b, "%s: %s\n", name, clipText(m.Content, 200))
		}
		resp, err := e.models.Complete(ctx, providers.RoleFast, providers.Request{
			Messages: []providers.Message{
				{Role: "system", Content: "Update the running summary of this conversation. Keep names, decisions, running jokes, and open threads. Plain prose, at most 1200 characters. Reply with the summary only."},
				{Role: "user", Content: b.String()},
			},
			MaxTokens: 400,
		})
		if err != nil {
			return "", err
		}
		s := strings.TrimSpace(resp.Text)
		if s == "" {
			return "", fmt.Errorf("summarizer returned nothing")
		}
		return s, nil
	}
}

// rapidDialogue checks whether the group is mid-burst, in which case
// jumping in would talk over people.
func (e *Engine) rapidDialogue(ctx context.Context, chat bus.ChatID) bool {
	rows, err := e.sessions.History(ctx, string(chat), velocityWindow)
	if err != nil {
		return false
	}
	return behavior.RapidGroupDialogue(samplesFromRows(rows), e.now())
}

// silence records the decision and emits the action. Every quiet exit
// funnels through here so the feedback store sees the reason.
func (e *Engine) silence(ctx context.Context, chat bus.ChatID, reason string, rung int) bus.OutgoingAction {
	slog.Debug("turn.silence", "chat", chat, "reason", reason)
	if e.fb != nil && reason != reasonShuttingDown && ctx.Err() == nil {
		if err := e.fb.RecordSilence(ctx, string(chat), reason, rung); err != nil {
			slog.Debug("silence record failed", "chat", chat, "error", err)
		}
	}
	e.sink.Emit(ctx, "turn.silence", map[string]any{"chat": string(chat), "reason": reason})
	return bus.Silence(chat, reason)
}

func (e *Engine) recordVerdict(ctx context.Context, chat bus.ChatID, draftText string, gr quality.GateResult) {
	if e.fb == nil || gr.Verdict == nil {
		return
	}
	final := feedback.ActionSent
	switch {
	case gr.Silenced():
		final = feedback.ActionSilenced
	case gr.AttemptedRewrite:
		final = feedback.ActionRewritten
	}
	v := &feedback.GateVerdict{
		ChatID:        string(chat),
		CandidateHash: feedback.HashCandidate(draftText),
		Pass:          gr.Verdict.Pass,
		Authenticity:  gr.Verdict.Authenticity,
		Naturalness:   gr.Verdict.Naturalness,
		Pressure:      gr.Verdict.Pressure,
		VoiceMatch:    gr.Verdict.VoiceMatch,
		Notes:         gr.Verdict.Notes,
		FinalAction:   final,
	}
	if err := e.fb.RecordGateVerdict(ctx, v); err != nil {
		slog.Debug("verdict record failed", "chat", chat, "error", err)
	}
}

func (e *Engine) turnError(ctx context.Context, chat bus.ChatID, err error, start time.Time) {
	slog.Error("turn failed", "chat", chat, "error", err)
	e.sink.Emit(ctx, "turn.error", map[string]any{
		"chat":       string(chat),
		"error":      err.Error(),
		"elapsed_ms": e.now().Sub(start).Milliseconds(),
	})
}

// nextSeq bumps the chat's response sequence and returns the new
// value. The map is FIFO-bounded so dormant chats fall off.
func (e *Engine) nextSeq(chat bus.ChatID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.seq[chat]; !ok {
		if len(e.seq) >= seqCap {
			oldest := e.seqOrder[0]
			e.seqOrder = e.seqOrder[1:]
			delete(e.seq, oldest)
		}
		e.seqOrder = append(e.seqOrder, chat)
	}
	e.seq[chat]++
	return e.seq[chat]
}

func (e *Engine) seqOf(chat bus.ChatID) uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seq[chat]
}

func samplesFromRows(rows []*session.Message) []behavior.Sample {
	out := make([]behavior.Sample, len(rows))
	for i, r := range rows {
		out[i] = behavior.Sample{
			AuthorID:    r.AuthorID,
			IsAssistant: r.Role == session.RoleAssistant,
			IsReaction:  r.IsReaction,
			AtMs:        r.CreatedAtMs,
		}
	}
	return out
}

func distinctAuthors(rows []*session.Message) int {
	seen := make(map[string]struct{})
	for _, r := range rows {
		id := r.AuthorID
		if r.Role == session.RoleAssistant {
			id = "@self"
		}
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
	}
	return len(seen)
}

func tailRows(rows []*session.Message, n int) []*session.Message {
	if len(rows) <= n {
		return rows
	}
	return rows[len(rows)-n:]
}

func clipText(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "…"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
