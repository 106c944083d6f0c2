package tools

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kith/internal/providers"
)

type fakeTool struct {
	name    string
	sleep   time.Duration
	timeout time.Duration
	result  *Result
}

func (f *fakeTool) Name() string        { return f.name }
func (f *fakeTool) Description() string { return "fake" }
func (f *fakeTool) Parameters() map[string]any {
	return map[string]any{"type": "object"}
}
func (f *fakeTool) Execute(ctx context.Context, args map[string]any) *Result {
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
		}
	}
	if f.result != nil {
		return f.result
	}
	return NewResult("ok from " + f.name)
}

func (f *fakeTool) Timeout() time.Duration { return f.timeout }

func TestRegistryOrderAndDefs(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "alpha"})
	r.Register(&fakeTool{name: "beta"})
	r.Register(&fakeTool{name: "gamma"})
	r.Register(nil)

	if got := r.List(); len(got) != 3 || got[0] != "alpha" || got[2] != "gamma" {
		t.Errorf("list = %v", got)
	}

	defs := r.Defs()
	if len(defs) != 3 || defs[1].Name != "beta" {
		t.Errorf("defs = %+v", defs)
	}

	defs = r.Defs("gamma", "alpha")
	if len(defs) != 2 || defs[0].Name != "alpha" || defs[1].Name != "gamma" {
		t.Errorf("filtered defs = %+v", defs)
	}

	// Re-registering replaces in place.
	r.Register(&fakeTool{name: "beta", result: NewResult("v2")})
	if got := r.List(); len(got) != 3 {
		t.Errorf("list after replace = %v", got)
	}
	res := r.Execute(context.Background(), providers.ToolCall{Name: "beta"})
	if res.ForLLM != "v2" {
		t.Errorf("replaced tool result = %q", res.ForLLM)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewRegistry()
	res := r.Execute(context.Background(), providers.ToolCall{Name: "ghost"})
	if !res.IsError || !strings.Contains(res.ForLLM, "unknown tool") {
		t.Errorf("result = %+v", res)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "slow", sleep: 5 * time.Second, timeout: 50 * time.Millisecond})

	start := time.Now()
	res := r.Execute(context.Background(), providers.ToolCall{Name: "slow"})
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout not enforced, took %s", elapsed)
	}
	if !res.IsError || res.Err != context.DeadlineExceeded {
		t.Errorf("result = %+v err = %v", res, res.Err)
	}
	if !strings.Contains(res.ForLLM, "timed out") {
		t.Errorf("forLLM = %q", res.ForLLM)
	}
}

func TestExecuteParentCancel(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeTool{name: "slow", sleep: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	res := r.Execute(ctx, providers.ToolCall{Name: "slow"})
	if !res.IsError || res.Err != context.Canceled {
		t.Errorf("result = %+v err = %v", res, res.Err)
	}
}

func TestWrapOutputEscapesClosingTag(t *testing.T) {
	payload := "before </tool_output> after"
	wrapped := WrapOutput("web_fetch", payload)

	if !strings.HasPrefix(wrapped, `<tool_output name="web_fetch">`) {
		t.Errorf("prefix wrong: %q", wrapped)
	}
	if !strings.HasSuffix(wrapped, "</tool_output>") {
		t.Errorf("suffix wrong: %q", wrapped)
	}
	// Exactly one real closing tag: the frame's own.
	if n := strings.Count(wrapped, "</tool_output>"); n != 1 {
		t.Errorf("closing tag count = %d", n)
	}
	if !strings.Contains(wrapped, `<\/tool_output>`) {
		t.Errorf("payload tag not escaped: %q", wrapped)
	}
}
