// Package proactive turns clock time into self-initiated turns: cron
// rules from config plus birthdays from the people table. The scheduler
// only proposes; the engine's trust tier and warming budget decide what
// actually goes out.
package proactive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/kith/internal/agent"
	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/session"
)

const (
	tickEvery = 30 * time.Second

	// birthdayHour is when a birthday note goes out, in the person's
	// own timezone.
	birthdayHour = 9
)

// Rule is one configured impulse to reach out.
type Rule struct {
	Name  string
	Cron  string   // five-field cron, evaluated in the agent's timezone
	Kind  string   // checkin or reminder; empty means checkin
	Note  string   // extra context for the prompt
	Chats []string // explicit targets; empty broadcasts to every known DM
}

// Handler runs one proactive turn. *agent.Engine satisfies it.
type Handler interface {
	HandleProactive(ctx context.Context, ev agent.ProactiveEvent) (bus.OutgoingAction, error)
}

// Scheduler fires due rules and birthdays on a coarse tick. Every due
// minute is latched per rule, so the half-minute tick cannot fire the
// same minute twice.
type Scheduler struct {
	rules    []Rule
	loc      *time.Location
	handler  Handler
	sessions *session.Store
	mem      *memory.Store

	gron *gronx.Gronx
	now  func() time.Time
	wg   sync.WaitGroup

	mu    sync.Mutex
	fired map[string]string
}

type Option func(*Scheduler)

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// New builds a scheduler. Rules with invalid cron expressions are
// dropped with a warning rather than wedging the daemon. An empty or
// unknown timezone falls back to the process local zone.
func New(rules []Rule, timezone string, h Handler, sessions *session.Store, mem *memory.Store, opts ...Option) *Scheduler {
	s := &Scheduler{
		loc:      time.Local,
		handler:  h,
		sessions: sessions,
		mem:      mem,
		gron:     gronx.New(),
		now:      time.Now,
		fired:    make(map[string]string),
	}
	if timezone != "" {
		if l, err := time.LoadLocation(timezone); err == nil {
			s.loc = l
		} else {
			slog.Warn("proactive timezone unknown, using local", "timezone", timezone)
		}
	}
	for _, r := range rules {
		if !s.gron.IsValid(r.Cron) {
			slog.Warn("proactive rule dropped, bad cron", "rule", r.Name, "cron", r.Cron)
			continue
		}
		if r.Kind == "" {
			r.Kind = agent.ProactiveCheckin
		}
		s.rules = append(s.rules, r)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run ticks until ctx ends, then waits for in-flight turns to settle.
func (s *Scheduler) Run(ctx context.Context) error {
	slog.Info("proactive scheduler running", "rules", len(s.rules))
	t := time.NewTicker(tickEvery)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return ctx.Err()
		case <-t.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires everything due right now, each turn on its own goroutine.
// The engine serializes per chat; across chats parallel is fine.
func (s *Scheduler) Tick(ctx context.Context) {
	for _, ev := range s.due(ctx) {
		s.wg.Add(1)
		go func(ev agent.ProactiveEvent) {
			defer s.wg.Done()
			if _, err := s.handler.HandleProactive(ctx, ev); err != nil {
				slog.Warn("proactive turn failed", "chat", ev.ChatID, "kind", ev.Kind, "error", err)
			}
		}(ev)
	}
}

func (s *Scheduler) due(ctx context.Context) []agent.ProactiveEvent {
	now := s.now().In(s.loc)
	var out []agent.ProactiveEvent

	stamp := now.Format("2006-01-02 15:04")
	for _, r := range s.rules {
		isDue, err := s.gron.IsDue(r.Cron, now)
		if err != nil {
			slog.Warn("cron eval failed", "rule", r.Name, "error", err)
			continue
		}
		if !isDue || !s.once("rule/"+r.Name+"/"+r.Cron, stamp) {
			continue
		}
		note := r.Note
		if note == "" {
			note = r.Name
		}
		for _, chat := range s.targets(ctx, r) {
			out = append(out, agent.ProactiveEvent{Kind: r.Kind, ChatID: chat, Note: note})
		}
	}

	people, err := s.mem.ListPeople(ctx)
	if err != nil {
		slog.Warn("people list failed", "error", err)
		people = nil
	}
	for _, p := range people {
		if p.Birthday == "" || p.Channel == "" || p.ChannelUserID == "" {
			continue
		}
		loc := s.loc
		if p.Timezone != "" {
			if l, lerr := time.LoadLocation(p.Timezone); lerr == nil {
				loc = l
			}
		}
		local := s.now().In(loc)
		if local.Format("01-02") != p.Birthday || local.Hour() != birthdayHour {
			continue
		}
		if !s.once("birthday/"+p.ID, local.Format("2006-01-02")) {
			continue
		}
		out = append(out, agent.ProactiveEvent{
			Kind:   agent.ProactiveBirthday,
			ChatID: bus.MakeChatID(p.Channel, bus.PeerDM, p.ChannelUserID),
		})
	}
	return out
}

// once reports whether key has not yet fired for stamp, marking it.
func (s *Scheduler) once(key, stamp string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired[key] == stamp {
		return false
	}
	s.fired[key] = stamp
	return true
}

// targets resolves a rule to chat ids. Broadcast rules go to every DM
// the agent has history with; the operator chat is only reached when
// named explicitly.
func (s *Scheduler) targets(ctx context.Context, r Rule) []bus.ChatID {
	if len(r.Chats) > 0 {
		out := make([]bus.ChatID, 0, len(r.Chats))
		for _, c := range r.Chats {
			out = append(out, bus.ChatID(c))
		}
		return out
	}
	chats, err := s.sessions.ListChats(ctx)
	if err != nil {
		slog.Warn("chat list failed", "rule", r.Name, "error", err)
		return nil
	}
	var out []bus.ChatID
	for _, c := range chats {
		id := bus.ChatID(c)
		if bus.IsOperatorChat(id) {
			continue
		}
		if _, peer, _, perr := bus.ParseChatID(id); perr != nil || peer != bus.PeerDM {
			continue
		}
		out = append(out, id)
	}
	return out
}
