// Package tools implements the model-invokable capabilities of the agent:
// web search and fetch, memory recall, image generation. Tools run under
// the generation loop with a per-call timeout; anything a tool needs
// beyond its arguments travels in the context.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/kith/internal/providers"
)

// DefaultTimeout bounds a single tool execution.
const DefaultTimeout = 60 * time.Second

// Tool is one model-invokable capability.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) *Result
}

// slowTool lets a tool ask for more than DefaultTimeout.
type slowTool interface {
	Timeout() time.Duration
}

// Registry holds the tool set in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

func NewRegistry() *Registry {
	return &Registry{tools: map[string]Tool{}}
}

// Register adds a tool. Registering nil is a no-op; re-registering a name
// replaces the tool and keeps its position.
func (r *Registry) Register(t Tool) {
	if t == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Name()]; !ok {
		r.order = append(r.order, t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns tool names in registration order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Defs returns provider definitions for the model. A non-empty allow list
// filters by name; with no arguments every registered tool is exposed.
func (r *Registry) Defs(allow ...string) []providers.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var allowed map[string]bool
	if len(allow) > 0 {
		allowed = make(map[string]bool, len(allow))
		for _, name := range allow {
			allowed[name] = true
		}
	}

	var defs []providers.ToolDef
	for _, name := range r.order {
		if allowed != nil && !allowed[name] {
			continue
		}
		t := r.tools[name]
		defs = append(defs, providers.ToolDef{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Execute runs the named tool under its timeout. Unknown tools, failures
// and timeouts all come back as error results so the model sees what
// happened; the generation loop never aborts a turn over a tool.
func (r *Registry) Execute(ctx context.Context, call providers.ToolCall) *Result {
	tool, ok := r.Get(call.Name)
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", call.Name))
	}

	timeout := DefaultTimeout
	if st, ok := tool.(slowTool); ok && st.Timeout() > 0 {
		timeout = st.Timeout()
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Run in a goroutine so a tool that ignores its context cannot wedge
	// the turn. The abandoned goroutine finishes on its own.
	start := time.Now()
	done := make(chan *Result, 1)
	go func() {
		done <- tool.Execute(cctx, call.Arguments)
	}()

	select {
	case res := <-done:
		if res == nil {
			res = ErrorResult(fmt.Sprintf("tool %q returned nothing", call.Name))
		}
		slog.Debug("tool executed", "tool", call.Name,
			"duration_ms", time.Since(start).Milliseconds(), "error", res.IsError)
		return res
	case <-cctx.Done():
		if ctx.Err() != nil {
			return ErrorResult(fmt.Sprintf("tool %q canceled", call.Name)).WithError(ctx.Err())
		}
		slog.Warn("tools.timeout", "tool", call.Name, "timeout", timeout)
		return ErrorResult(fmt.Sprintf("tool %q timed out after %s", call.Name, timeout)).
			WithError(context.DeadlineExceeded)
	}
}

// WrapOutput frames tool output for the model. The closing tag is escaped
// inside the payload so fetched content cannot break out of the frame.
func WrapOutput(name, payload string) string {
	escaped := strings.ReplaceAll(payload, "</tool_output>", `<\/tool_output>`)
	return fmt.Sprintf("<tool_output name=%q>\n%s\n</tool_output>", name, escaped)
}
