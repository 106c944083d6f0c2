// Package channels connects messaging platforms to the turn engine. Each
// adapter owns its platform's wire format and external IDs; the engine only
// ever sees bus.IncomingMessage and bus.OutgoingAction.
package channels

import (
	"context"
	"errors"
	"strings"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

// ErrClosed is returned by an adapter whose input source is gone for good,
// e.g. the operator REPL hitting EOF. The manager treats it as a shutdown
// signal instead of restarting the adapter.
var ErrClosed = errors.New("channel closed")

// Adapter is one platform connection. Start runs the receive loop: it
// blocks, delivering messages to inbound, until ctx ends or the connection
// dies, and returns the terminal error. The manager restarts a dead
// adapter with backoff. Send and Healthy may be called concurrently with
// Start.
type Adapter interface {
	Name() string
	Start(ctx context.Context, inbound chan<- bus.IncomingMessage) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, act bus.OutgoingAction) error
	Healthy() bool
}

// Allowed reports whether any of the given sender identities passes the
// allow list. An empty list admits everyone. Entries match exactly; a
// leading "@" on either side is ignored so usernames can be written
// naturally.
func Allowed(allow []string, ids ...string) bool {
	if len(allow) == 0 {
		return true
	}
	for _, entry := range allow {
		e := strings.TrimPrefix(entry, "@")
		if e == "" {
			continue
		}
		for _, id := range ids {
			if id == "" {
				continue
			}
			if id == e || strings.TrimPrefix(id, "@") == e {
				return true
			}
		}
	}
	return false
}

// Truncate shortens s for log previews.
func Truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
