// Package operator is the in-process CLI channel behind `kith chat`.
// Lines read from the terminal become inbound messages on the fixed
// chat `cli:dm:operator`; replies print to the output writer. EOF is a
// clean shutdown, reported as channels.ErrClosed so the manager exits
// instead of restarting the REPL.
package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/channels"
)

const (
	// AuthorID is the operator's channel user id.
	AuthorID = "operator"
)

// ChatID is the single chat this channel serves.
var ChatID = bus.MakeChatID("cli", bus.PeerDM, AuthorID)

// Channel is the stdin/stdout REPL.
type Channel struct {
	in      io.Reader
	out     io.Writer
	prompt  io.Writer // where the "you: " prompt goes; stderr keeps stdout pipeable
	name    string
	healthy atomic.Bool
	now     func() time.Time
	seq     atomic.Int64
}

// Option adjusts construction, mostly for tests.
type Option func(*Channel)

// WithStreams substitutes the terminal streams.
func WithStreams(in io.Reader, out, prompt io.Writer) Option {
	return func(c *Channel) {
		c.in = in
		c.out = out
		c.prompt = prompt
	}
}

// WithClock substitutes the wall clock.
func WithClock(now func() time.Time) Option {
	return func(c *Channel) { c.now = now }
}

// New builds the REPL channel. displayName is shown on outbound lines.
func New(displayName string, opts ...Option) *Channel {
	c := &Channel{
		in:     os.Stdin,
		out:    os.Stdout,
		prompt: os.Stderr,
		name:   displayName,
		now:    time.Now,
	}
	if c.name == "" {
		c.name = "kith"
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Name() string  { return "cli" }
func (c *Channel) Healthy() bool { return c.healthy.Load() }

// Stop is a no-op; the read loop ends with its context or on EOF.
func (c *Channel) Stop(context.Context) error { return nil }

// Start reads lines until EOF or ctx end. Blank lines are skipped;
// "exit" and "quit" end the session like EOF does.
func (c *Channel) Start(ctx context.Context, inbound chan<- bus.IncomingMessage) error {
	c.healthy.Store(true)
	defer c.healthy.Store(false)

	scanner := bufio.NewScanner(c.in)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for {
		fmt.Fprint(c.prompt, "you: ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil && ctx.Err() == nil {
				return fmt.Errorf("operator: read: %w", err)
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return channels.ErrClosed
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			return channels.ErrClosed
		}
		select {
		case inbound <- c.Message(line):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Message wraps one operator line as an inbound message. Exported so
// the one-shot `kith chat --message` path can feed the engine without
// running the REPL loop.
func (c *Channel) Message(text string) bus.IncomingMessage {
	now := c.now()
	return bus.IncomingMessage{
		ID:         bus.MessageID(fmt.Sprintf("cli:%d:%d", now.UnixMilli(), c.seq.Add(1))),
		ChatID:     ChatID,
		Channel:    c.Name(),
		AuthorID:   bus.AuthorID(AuthorID),
		AuthorName: "Operator",
		Text:       text,
		Mentioned:  bus.TriYes,
		IsOperator: true,
		Timestamp:  now.UnixMilli(),
	}
}

// Send prints the action. Silence prints its reason to the prompt
// stream so the transcript on stdout stays clean.
func (c *Channel) Send(_ context.Context, act bus.OutgoingAction) error {
	switch act.Kind {
	case bus.ActionSend:
		fmt.Fprintf(c.out, "%s: %s\n", c.name, act.Text)
		for _, m := range act.Media {
			fmt.Fprintf(c.out, "%s: [media] %s\n", c.name, m)
		}
	case bus.ActionReact:
		fmt.Fprintf(c.out, "%s reacted %s\n", c.name, act.ReactEmoji)
	case bus.ActionSilence:
		fmt.Fprintf(c.prompt, "(silence: %s)\n", act.Reason)
	}
	return nil
}

var _ channels.Adapter = (*Channel)(nil)
