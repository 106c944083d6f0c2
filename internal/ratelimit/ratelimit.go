// Package ratelimit bounds outbound sends with a global bucket and one
// bucket per chat. Take blocks until both buckets have a token, so a
// noisy chat cannot starve the process of its whole budget without also
// paying its own.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

const (
	// maxTrackedChats caps per-chat bucket entries so an agent added to
	// thousands of rooms does not grow memory without bound.
	maxTrackedChats = 4096

	// idleEviction is how long a chat bucket may sit unused before it is
	// eligible for pruning.
	idleEviction = 24 * time.Hour
)

// Config holds bucket rates. Zero values fall back to defaults.
type Config struct {
	GlobalPerHour  int // default 25
	GlobalBurst    int // default 5
	PerChatPerHour int // default 10
	PerChatBurst   int // default 3
}

func (c Config) withDefaults() Config {
	if c.GlobalPerHour <= 0 {
		c.GlobalPerHour = 25
	}
	if c.GlobalBurst <= 0 {
		c.GlobalBurst = 5
	}
	if c.PerChatPerHour <= 0 {
		c.PerChatPerHour = 10
	}
	if c.PerChatBurst <= 0 {
		c.PerChatBurst = 3
	}
	return c
}

type chatEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// SendLimiter combines one global token bucket with lazily created per-chat
// buckets. Safe for concurrent use.
type SendLimiter struct {
	cfg    Config
	global *rate.Limiter

	mu    sync.Mutex
	chats map[bus.ChatID]*chatEntry

	nowFunc func() time.Time
}

// NewSendLimiter creates a limiter from cfg (zero fields defaulted).
func NewSendLimiter(cfg Config) *SendLimiter {
	cfg = cfg.withDefaults()
	return &SendLimiter{
		cfg:     cfg,
		global:  rate.NewLimiter(perHour(cfg.GlobalPerHour), cfg.GlobalBurst),
		chats:   make(map[bus.ChatID]*chatEntry),
		nowFunc: time.Now,
	}
}

func perHour(n int) rate.Limit {
	return rate.Limit(float64(n) / 3600.0)
}

// Reconfigure applies new bucket rates to the live limiter. Existing
// chat buckets are retuned in place; a Take already waiting keeps its
// reservation under the old rate.
func (l *SendLimiter) Reconfigure(cfg Config) {
	cfg = cfg.withDefaults()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cfg = cfg
	l.global.SetLimit(perHour(cfg.GlobalPerHour))
	l.global.SetBurst(cfg.GlobalBurst)
	for _, e := range l.chats {
		e.limiter.SetLimit(perHour(cfg.PerChatPerHour))
		e.limiter.SetBurst(cfg.PerChatBurst)
	}
}

// Take consumes one send token from the global bucket and one from the
// chat bucket, blocking until both are available or ctx is canceled. A
// canceled wait hands its pending reservation back to the bucket.
func (l *SendLimiter) Take(ctx context.Context, chat bus.ChatID) error {
	if err := l.global.Wait(ctx); err != nil {
		return err
	}
	cl := l.chatLimiter(chat, l.nowFunc())
	return cl.Wait(ctx)
}

// Remaining reports approximate available tokens (global, chat) for status
// output. The chat value is the burst cap when the chat has never sent.
func (l *SendLimiter) Remaining(chat bus.ChatID) (float64, float64) {
	now := l.nowFunc()
	g := l.global.TokensAt(now)
	l.mu.Lock()
	e, ok := l.chats[chat]
	l.mu.Unlock()
	if !ok {
		return g, float64(l.cfg.PerChatBurst)
	}
	return g, e.limiter.TokensAt(now)
}

// TrackedChats reports how many chat buckets are live.
func (l *SendLimiter) TrackedChats() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.chats)
}

func (l *SendLimiter) chatLimiter(chat bus.ChatID, now time.Time) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.chats) >= maxTrackedChats {
		l.pruneLocked(now)
	}

	e, ok := l.chats[chat]
	if !ok {
		e = &chatEntry{limiter: rate.NewLimiter(perHour(l.cfg.PerChatPerHour), l.cfg.PerChatBurst)}
		l.chats[chat] = e
	}
	e.lastSeen = now
	return e.limiter
}

func (l *SendLimiter) pruneLocked(now time.Time) {
	for k, e := range l.chats {
		if now.Sub(e.lastSeen) >= idleEviction {
			delete(l.chats, k)
		}
	}
	// Hard eviction if every entry is recent.
	for len(l.chats) >= maxTrackedChats {
		for k := range l.chats {
			delete(l.chats, k)
			break
		}
	}
}
