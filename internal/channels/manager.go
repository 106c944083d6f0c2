package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

const (
	inboundBuffer = 64

	restartBackoffMin = time.Second
	restartBackoffMax = 30 * time.Second

	// A run that survived this long counts as healthy, so the next
	// restart starts the backoff ladder over.
	backoffResetAfter = time.Minute
)

// TurnHandler runs one reactive turn. *agent.Engine satisfies it.
type TurnHandler interface {
	HandleIncoming(ctx context.Context, msg bus.IncomingMessage) (bus.OutgoingAction, error)
}

// Manager supervises the registered adapters and pumps their fan-in
// inbound channel through the turn handler. Outbound actions are routed
// back by the channel tag inside the chat id, so proactive sends from the
// scheduler go through the same Deliver path as replies.
type Manager struct {
	mu       sync.RWMutex
	adapters map[string]Adapter

	inbound chan bus.IncomingMessage
	turns   sync.WaitGroup
}

func NewManager() *Manager {
	return &Manager{
		adapters: make(map[string]Adapter),
		inbound:  make(chan bus.IncomingMessage, inboundBuffer),
	}
}

// Register adds an adapter under its Name. Registration happens before
// Run; there is no live reload of adapters.
func (m *Manager) Register(a Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adapters[a.Name()] = a
}

// Names returns the registered adapter names.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.adapters))
	for name := range m.adapters {
		names = append(names, name)
	}
	return names
}

// Health reports each adapter's connection state.
func (m *Manager) Health() map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bool, len(m.adapters))
	for name, a := range m.adapters {
		out[name] = a.Healthy()
	}
	return out
}

// Run starts every adapter and the dispatch loop, then blocks until ctx
// ends or an adapter reports ErrClosed. In-flight turns are waited out
// before returning; adapters get a short grace window to disconnect.
func (m *Manager) Run(ctx context.Context, h TurnHandler) error {
	m.mu.RLock()
	adapters := make([]Adapter, 0, len(m.adapters))
	for _, a := range m.adapters {
		adapters = append(adapters, a)
	}
	m.mu.RUnlock()

	if len(adapters) == 0 {
		slog.Warn("no channels enabled")
	}
	slog.Info("channel manager running", "channels", m.Names())

	g, gctx := errgroup.WithContext(ctx)
	for _, a := range adapters {
		g.Go(func() error { return m.supervise(gctx, a) })
	}
	g.Go(func() error { return m.dispatch(gctx, h) })
	err := g.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, a := range adapters {
		if serr := a.Stop(stopCtx); serr != nil {
			slog.Debug("channel stop failed", "channel", a.Name(), "error", serr)
		}
	}
	m.turns.Wait()
	return err
}

// supervise restarts a dead adapter with doubling backoff. ErrClosed
// propagates and takes the whole manager down, which is how the operator
// REPL turns EOF into a clean exit.
func (m *Manager) supervise(ctx context.Context, a Adapter) error {
	backoff := restartBackoffMin
	for {
		started := time.Now()
		err := a.Start(ctx, m.inbound)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == ErrClosed {
			return err
		}
		if time.Since(started) >= backoffResetAfter {
			backoff = restartBackoffMin
		}
		slog.Warn("channel.restart", "channel", a.Name(), "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff *= 2; backoff > restartBackoffMax {
			backoff = restartBackoffMax
		}
	}
}

// dispatch fans inbound messages into turns. Each turn runs on its own
// goroutine; the engine serializes per chat, so cross-chat parallelism is
// safe and one slow chat cannot stall the rest.
func (m *Manager) dispatch(ctx context.Context, h TurnHandler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbound:
			m.turns.Add(1)
			go func(msg bus.IncomingMessage) {
				defer m.turns.Done()
				act, err := h.HandleIncoming(ctx, msg)
				if err != nil {
					slog.Warn("turn failed", "chat", msg.ChatID, "error", err)
					return
				}
				if err := m.Deliver(ctx, act); err != nil {
					slog.Warn("channel.send_failed", "chat", act.ChatID, "kind", act.Kind, "error", err)
				}
			}(msg)
		}
	}
}

// Deliver routes an action to the adapter named by its chat id. Silence
// never leaves the process.
func (m *Manager) Deliver(ctx context.Context, act bus.OutgoingAction) error {
	if act.Kind == bus.ActionSilence || act.Kind == "" {
		return nil
	}
	channel, _, _, err := bus.ParseChatID(act.ChatID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	a, ok := m.adapters[channel]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no adapter for channel %q", channel)
	}
	return a.Send(ctx, act)
}
