// Package telemetry fans engine events out to pluggable sinks. The
// engine emits named events with flat attributes; sinks decide whether
// that becomes a log line, an OTLP span, or both.
package telemetry

import (
	"context"
	"log/slog"
	"sort"
)

// Sink receives one engine event. Implementations must be safe for
// concurrent use.
type Sink interface {
	Emit(ctx context.Context, event string, attrs map[string]any)
}

// SlogSink writes events to the process logger. The zero value uses
// slog.Default.
type SlogSink struct {
	Logger *slog.Logger
}

func (s SlogSink) Emit(ctx context.Context, event string, attrs map[string]any) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	args := make([]any, 0, len(attrs)*2)
	for _, k := range sortedKeys(attrs) {
		args = append(args, k, attrs[k])
	}
	logger.Log(ctx, slog.LevelDebug, event, args...)
}

func sortedKeys(attrs map[string]any) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// MultiSink delivers every event to each child in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event string, attrs map[string]any) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event, attrs)
		}
	}
}

// NopSink drops everything.
type NopSink struct{}

func (NopSink) Emit(context.Context, string, map[string]any) {}
