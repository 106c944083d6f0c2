package bus

import (
	"strings"
	"sync"
	"time"
)

const (
	defaultDebounce = 300 * time.Millisecond

	// maxAccumulatorChats bounds the buffer map; eviction is opportunistic
	// on insert, oldest-touch first.
	maxAccumulatorChats = 10000
)

// Accumulator buffers rapid-fire messages per chat so the agent answers the
// whole thought, not each fragment. It is passive: callers push, wait the
// returned debounce, then drain. A newer push supersedes the older waiter
// through the engine's sequence check, which restarts the wait.
type Accumulator struct {
	debounce time.Duration

	mu      sync.Mutex
	buffers map[ChatID]*chatBuffer
}

type chatBuffer struct {
	msgs      []IncomingMessage
	touchedAt time.Time
}

// NewAccumulator creates an accumulator. debounce <= 0 uses the default.
func NewAccumulator(debounce time.Duration) *Accumulator {
	if debounce <= 0 {
		debounce = defaultDebounce
	}
	return &Accumulator{
		debounce: debounce,
		buffers:  make(map[ChatID]*chatBuffer),
	}
}

// PushAndGetDebounce appends msg to its chat's buffer and returns how long
// the caller should wait from now before draining. When the newest text
// looks mid-sentence the window stretches to 3x the configured debounce.
func (a *Accumulator) PushAndGetDebounce(msg IncomingMessage, now time.Time) time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()

	b, ok := a.buffers[msg.ChatID]
	if !ok {
		if len(a.buffers) >= maxAccumulatorChats {
			a.evictOldestLocked()
		}
		b = &chatBuffer{}
		a.buffers[msg.ChatID] = b
	}
	b.msgs = append(b.msgs, msg)
	b.touchedAt = now

	if looksUnfinished(msg.Text) {
		return 3 * a.debounce
	}
	return a.debounce
}

// Drain returns the chat's buffered batch in arrival order and clears it.
func (a *Accumulator) Drain(chat ChatID) []IncomingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.buffers[chat]
	if !ok {
		return nil
	}
	delete(a.buffers, chat)
	return b.msgs
}

// Clear discards the chat's buffer without returning it. Used when a
// velocity check decides the whole burst should be skipped.
func (a *Accumulator) Clear(chat ChatID) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.buffers, chat)
}

// Pending reports how many messages are buffered for the chat.
func (a *Accumulator) Pending(chat ChatID) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.buffers[chat]; ok {
		return len(b.msgs)
	}
	return 0
}

func (a *Accumulator) evictOldestLocked() {
	var oldest ChatID
	var oldestAt time.Time
	first := true
	for chat, b := range a.buffers {
		if first || b.touchedAt.Before(oldestAt) {
			oldest, oldestAt, first = chat, b.touchedAt, false
		}
	}
	if !first {
		delete(a.buffers, oldest)
	}
}

// looksUnfinished reports whether text reads as a sentence still being
// typed: no terminal punctuation, or an explicitly dangling ending.
func looksUnfinished(text string) bool {
	t := strings.TrimSpace(text)
	if t == "" {
		return false
	}
	if strings.HasSuffix(t, "...") || strings.HasSuffix(t, "…") {
		return true
	}
	t = strings.TrimRight(t, "\"')]}")
	if t == "" {
		return false
	}
	switch t[len(t)-1] {
	case '.', '!', '?':
		return false
	}
	return true
}
