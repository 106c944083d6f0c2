package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/tools"
)

// fakeModels is a scripted router. Complete pops script entries in call
// order; the last entry repeats once the script runs out.
type fakeModels struct {
	mu      sync.Mutex
	reqs    []providers.Request
	roles   []providers.Role
	script  []func(req providers.Request) (*providers.Response, error)
	objJSON func(schema map[string]any) string
	backend *fakeBackend
}

func (f *fakeModels) Complete(ctx context.Context, role providers.Role, req providers.Request) (*providers.Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	f.roles = append(f.roles, role)
	idx := len(f.reqs) - 1
	var fn func(providers.Request) (*providers.Response, error)
	switch {
	case idx < len(f.script):
		fn = f.script[idx]
	case len(f.script) > 0:
		fn = f.script[len(f.script)-1]
	}
	f.mu.Unlock()
	if fn == nil {
		return &providers.Response{}, nil
	}
	return fn(req)
}

func (f *fakeModels) CompleteObject(ctx context.Context, role providers.Role, req providers.Request, schema map[string]any, out any) (providers.Usage, error) {
	blob := "{}"
	if f.objJSON != nil {
		blob = f.objJSON(schema)
	}
	return providers.Usage{}, json.Unmarshal([]byte(blob), out)
}

func (f *fakeModels) RouteFor(role providers.Role) providers.Route {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.backend == nil {
		f.backend = &fakeBackend{}
	}
	return providers.Route{Backend: f.backend, Model: "scripted"}
}

func (f *fakeModels) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeModels) request(i int) providers.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[i]
}

func (f *fakeModels) role(i int) providers.Role {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.roles[i]
}

type fakeBackend struct {
	mu       sync.Mutex
	calls    int
	gotModel string
	resp     *providers.Response
	err      error
}

func (b *fakeBackend) Complete(ctx context.Context, req providers.Request) (*providers.Response, error) {
	b.mu.Lock()
	b.calls++
	b.gotModel = req.Model
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	if b.resp != nil {
		return b.resp, nil
	}
	return &providers.Response{Text: "fallback text"}, nil
}

func (b *fakeBackend) DefaultModel() string { return "scripted-default" }
func (b *fakeBackend) Name() string         { return "scripted" }

func textResp(text string) func(providers.Request) (*providers.Response, error) {
	return func(providers.Request) (*providers.Response, error) {
		return &providers.Response{Text: text, Usage: providers.Usage{TotalTokens: 7}}, nil
	}
}

type stubTool struct {
	name string
	fn   func(args map[string]any) *tools.Result
}

func (s *stubTool) Name() string               { return s.name }
func (s *stubTool) Description() string        { return "stub" }
func (s *stubTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (s *stubTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	return s.fn(args)
}

func userMsg(text string) []providers.Message {
	return []providers.Message{{Role: "user", Content: text}}
}

func TestGenerateToolRoundTrip(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "weather", fn: func(args map[string]any) *tools.Result {
		return tools.NewResult(`{"temp": 19}`)
	}})
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			return &providers.Response{
				ToolCalls: []providers.ToolCall{{ID: "t1", Name: "weather", Arguments: map[string]any{"city": "lisbon"}}},
				Usage:     providers.Usage{TotalTokens: 5},
			}, nil
		},
		textResp("19 and sunny over there, not bad"),
	}}
	g := NewGenerator(f, reg)

	res, err := g.Generate(context.Background(), GenInput{
		Messages:     userMsg("what's the weather in lisbon?"),
		ToolsAllowed: true,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "19 and sunny over there, not bad" {
		t.Errorf("Text = %q", res.Text)
	}
	if res.Rounds != 2 || f.calls() != 2 {
		t.Errorf("Rounds = %d, calls = %d, want 2/2", res.Rounds, f.calls())
	}
	if res.Usage.TotalTokens != 12 {
		t.Errorf("Usage.TotalTokens = %d, want summed 12", res.Usage.TotalTokens)
	}

	second := f.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, `<tool_output name="weather">`) {
		t.Errorf("tool output not framed as user message: %+v", last)
	}
	for _, m := range second.Messages {
		if len(m.ToolCalls) > 0 {
			t.Errorf("transcript carries structured tool calls: %+v", m)
		}
	}
}

func TestGenerateParallelToolsKeepCallOrder(t *testing.T) {
	reg := tools.NewRegistry()
	for _, name := range []string{"alpha", "beta", "gamma"} {
		n := name
		reg.Register(&stubTool{name: n, fn: func(map[string]any) *tools.Result {
			return tools.NewResult("out-" + n)
		}})
	}
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			return &providers.Response{ToolCalls: []providers.ToolCall{
				{ID: "1", Name: "alpha"}, {ID: "2", Name: "beta"}, {ID: "3", Name: "gamma"},
			}}, nil
		},
		textResp("done with all three"),
	}}
	g := NewGenerator(f, reg)

	if _, err := g.Generate(context.Background(), GenInput{Messages: userMsg("go"), ToolsAllowed: true}); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	framed := f.request(1).Messages[len(f.request(1).Messages)-1].Content
	ia := strings.Index(framed, "out-alpha")
	ib := strings.Index(framed, "out-beta")
	ig := strings.Index(framed, "out-gamma")
	if ia < 0 || ib < 0 || ig < 0 || !(ia < ib && ib < ig) {
		t.Errorf("results out of call order: %d %d %d\n%s", ia, ib, ig, framed)
	}
}

func TestGenerateModelSilence(t *testing.T) {
	for _, raw := range []string{"", "<thinking>nothing worth saying</thinking>", "   \n"} {
		f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){textResp(raw)}}
		g := NewGenerator(f, nil)
		res, err := g.Generate(context.Background(), GenInput{Messages: userMsg("hey")})
		if err != nil {
			t.Fatalf("Generate(%q): %v", raw, err)
		}
		if res.Reason != ReasonModelSilence || res.Text != "" {
			t.Errorf("raw %q: Reason = %q, Text = %q", raw, res.Reason, res.Text)
		}
	}
}

func TestGenerateSlopRegenRecovers(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("That's so cool! Can't wait to hear what happens next!"),
		textResp("the 6am shifts sound brutal"),
	}}
	g := NewGenerator(f, nil)

	res, err := g.Generate(context.Background(), GenInput{Messages: userMsg("started my new job")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "the 6am shifts sound brutal" {
		t.Errorf("Text = %q", res.Text)
	}
	if f.calls() != 2 {
		t.Fatalf("calls = %d, want 2", f.calls())
	}
	second := f.request(1)
	last := second.Messages[len(second.Messages)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "canned assistant filler") {
		t.Errorf("regen instruction missing: %+v", last)
	}
	prev := second.Messages[len(second.Messages)-2]
	if prev.Role != "assistant" || !strings.Contains(prev.Content, "That's so cool!") {
		t.Errorf("rejected draft not in transcript: %+v", prev)
	}
}

func TestGenerateSlopUnresolved(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("That's so cool! How exciting!"),
	}}
	g := NewGenerator(f, nil)

	res, err := g.Generate(context.Background(), GenInput{Messages: userMsg("news!")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Reason != ReasonSlopUnresolved || res.Text != "" {
		t.Errorf("Reason = %q, Text = %q", res.Reason, res.Text)
	}
	// One initial draft plus the full regen budget.
	if want := 1 + defaultMaxRegens; f.calls() != want {
		t.Errorf("calls = %d, want %d", f.calls(), want)
	}
}

func TestGenerateGroupFlattensAndClips(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("first line\nsecond line"),
	}}
	g := NewGenerator(f, nil)

	res, err := g.Generate(context.Background(), GenInput{
		Messages: userMsg("hey"),
		IsGroup:  true,
		MaxChars: 200,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "first line second line" {
		t.Errorf("Text = %q", res.Text)
	}
}

func TestGenerateBreakerRoutesFastWhenOpen(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){textResp("still here")}}
	g := NewGenerator(f, nil)
	for i := 0; i < breakerThreshold; i++ {
		g.Breaker().Failure()
	}
	if !g.Breaker().Open() {
		t.Fatal("breaker not open")
	}

	res, err := g.Generate(context.Background(), GenInput{Messages: userMsg("hey")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if f.role(0) != providers.RoleFast {
		t.Errorf("role = %q, want fast while open", f.role(0))
	}
	if res.Text != "still here" {
		t.Errorf("Text = %q", res.Text)
	}
	if g.Breaker().Open() {
		t.Error("success did not close the breaker")
	}
}

func TestGenerateModelUnavailableFallsBackOnce(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			return nil, &providers.RequestError{Provider: "openai", Status: 404, Body: "model not found"}
		},
	}}
	f.backend = &fakeBackend{resp: &providers.Response{Text: "made it on the default"}}
	g := NewGenerator(f, nil)

	res, err := g.Generate(context.Background(), GenInput{Messages: userMsg("hey")})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Text != "made it on the default" {
		t.Errorf("Text = %q", res.Text)
	}
	if f.backend.calls != 1 {
		t.Errorf("backend calls = %d, want 1", f.backend.calls)
	}
	if f.backend.gotModel != "" {
		t.Errorf("fallback sent model %q, want empty for backend default", f.backend.gotModel)
	}
	if g.Breaker().Failures() != 0 {
		t.Errorf("fallback success should reset the streak, got %d", g.Breaker().Failures())
	}
}

func TestGenerateContextOverflowReprompts(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			return nil, errors.New("openai: status 400: prompt is too long for this model")
		},
		textResp("short and fresh"),
	}}
	g := NewGenerator(f, nil)

	reprompted := false
	res, err := g.Generate(context.Background(), GenInput{
		Messages: userMsg("the original giant prompt"),
		Reprompt: func(ctx context.Context) ([]providers.Message, error) {
			reprompted = true
			return userMsg("the compacted prompt"), nil
		},
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if !reprompted {
		t.Fatal("Reprompt never ran")
	}
	if res.Text != "short and fresh" {
		t.Errorf("Text = %q", res.Text)
	}
	if got := f.request(1).Messages[0].Content; got != "the compacted prompt" {
		t.Errorf("retry used %q, want compacted prompt", got)
	}
}

func TestGenerateOverflowWithoutRepromptSurfaces(t *testing.T) {
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			return nil, errors.New("context window exceeded")
		},
	}}
	g := NewGenerator(f, nil)
	if _, err := g.Generate(context.Background(), GenInput{Messages: userMsg("hey")}); err == nil {
		t.Fatal("expected error without a reprompt hook")
	}
}

func TestGenerateToolRoundsExhausted(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(&stubTool{name: "loop", fn: func(map[string]any) *tools.Result {
		return tools.NewResult("again")
	}})
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			return &providers.Response{ToolCalls: []providers.ToolCall{{ID: "x", Name: "loop"}}}, nil
		},
	}}
	g := NewGenerator(f, reg, WithMaxToolRounds(2))

	res, err := g.Generate(context.Background(), GenInput{Messages: userMsg("go"), ToolsAllowed: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if res.Reason != ReasonModelSilence {
		t.Errorf("Reason = %q, want model_silence after exhausting rounds", res.Reason)
	}
	if f.calls() != 2 {
		t.Errorf("calls = %d, want 2", f.calls())
	}
}

func TestIsContextOverflow(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("maximum context length is 200000 tokens"), true},
		{errors.New("Prompt is too long"), true},
		{errors.New("input is too long for requested model"), true},
		{errors.New("rate limited"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsContextOverflow(tt.err); got != tt.want {
			t.Errorf("IsContextOverflow(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
