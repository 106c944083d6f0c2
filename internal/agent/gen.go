package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/quality"
	"github.com/nextlevelbuilder/kith/internal/tools"
)

// ModelCaller is the provider-router slice the engine drives. RouteFor
// exposes the raw backend for the single empty-model fallback attempt,
// which must bypass the router's model defaulting.
type ModelCaller interface {
	Complete(ctx context.Context, role providers.Role, req providers.Request) (*providers.Response, error)
	CompleteObject(ctx context.Context, role providers.Role, req providers.Request, schema map[string]any, out any) (providers.Usage, error)
	RouteFor(role providers.Role) providers.Route
}

// Generation outcome reasons. Empty Reason means a usable draft.
const (
	ReasonModelSilence   = "model_silence"
	ReasonSlopUnresolved = "slop_unresolved"
)

const (
	defaultMaxToolRounds = 6
	defaultMaxRegens     = 2
	defaultGenMaxTokens  = 1024
)

// Generator runs the tool-augmented completion loop with slop
// regeneration and failure routing.
type Generator struct {
	models  ModelCaller
	tools   *tools.Registry
	breaker *Breaker

	maxToolRounds int
	maxRegens     int
	maxTokens     int
	temperature   float64
}

// GenOption tunes a Generator.
type GenOption func(*Generator)

// WithMaxToolRounds overrides the tool round cap.
func WithMaxToolRounds(n int) GenOption {
	return func(g *Generator) {
		if n > 0 {
			g.maxToolRounds = n
		}
	}
}

// WithMaxRegens overrides the slop regeneration budget.
func WithMaxRegens(n int) GenOption {
	return func(g *Generator) {
		if n >= 0 {
			g.maxRegens = n
		}
	}
}

// NewGenerator creates a generator. reg may be nil for a tool-less agent;
// the breaker is created internally and shared across turns.
func NewGenerator(models ModelCaller, reg *tools.Registry, opts ...GenOption) *Generator {
	g := &Generator{
		models:        models,
		tools:         reg,
		breaker:       NewBreaker(),
		maxToolRounds: defaultMaxToolRounds,
		maxRegens:     defaultMaxRegens,
		maxTokens:     defaultGenMaxTokens,
		temperature:   0.7,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Breaker exposes the circuit breaker for status output.
func (g *Generator) Breaker() *Breaker { return g.breaker }

// GenInput is one generation request.
type GenInput struct {
	Messages     []providers.Message
	AntiPatterns []string
	MaxChars     int
	IsGroup      bool

	ToolsAllowed bool
	ToolAllow    []string // subset of registered tools; empty allows all

	Observer any

	// Reprompt rebuilds Messages after a backend-reported context
	// overflow forces a session compaction. nil disables the retry.
	Reprompt func(ctx context.Context) ([]providers.Message, error)
}

// GenResult is what the loop produced. Reason is set on the two
// silent-but-valid outcomes; Media carries files tools generated along
// the way.
type GenResult struct {
	Text   string
	Reason string
	Media  []string
	Usage  providers.Usage
	Rounds int
}

// Generate drives the loop to a draft or a silent outcome. Errors are
// fatal for the turn: transport retries, the model fallback and the
// overflow-compaction retry have all happened underneath by the time one
// surfaces.
func (g *Generator) Generate(ctx context.Context, in GenInput) (*GenResult, error) {
	res, err := g.generate(ctx, in, in.Messages)
	if err != nil && IsContextOverflow(err) && in.Reprompt != nil {
		slog.Info("gen.context_overflow", "error", err)
		fresh, rerr := in.Reprompt(ctx)
		if rerr != nil {
			return nil, fmt.Errorf("reprompt after overflow: %w", rerr)
		}
		return g.generate(ctx, in, fresh)
	}
	return res, err
}

func (g *Generator) generate(ctx context.Context, in GenInput, messages []providers.Message) (*GenResult, error) {
	res := &GenResult{}
	msgs := append([]providers.Message(nil), messages...)

	var toolDefs []providers.ToolDef
	if in.ToolsAllowed && g.tools != nil {
		toolDefs = g.tools.Defs(in.ToolAllow...)
	}

	text, err := g.toolLoop(ctx, &msgs, toolDefs, in, res)
	if err != nil {
		return nil, err
	}

	text = SanitizeModelText(text)
	if text == "" {
		res.Reason = ReasonModelSilence
		return res, nil
	}

	for regen := 0; ; regen++ {
		clipped := quality.EnforceMaxLength(text, in.MaxChars)
		if in.IsGroup {
			clipped = quality.FlattenForGroup(clipped)
		}
		slop := quality.CheckSlop(clipped, in.AntiPatterns)
		if !slop.IsSlop {
			res.Text = clipped
			return res, nil
		}
		if regen >= g.maxRegens {
			slog.Info("gen.slop_unresolved",
				"score", slop.Score, "violations", strings.Join(slop.Violations, ","))
			res.Reason = ReasonSlopUnresolved
			return res, nil
		}

		observePhase(in.Observer, "regen")
		msgs = append(msgs,
			providers.Message{Role: "assistant", Content: text},
			providers.Message{Role: "user", Content: regenInstruction(slop)},
		)
		resp, err := g.complete(ctx, in, providers.Request{
			Messages:  msgs,
			MaxTokens: g.maxTokens,
		})
		if err != nil {
			return nil, err
		}
		res.Usage.Add(resp.Usage)
		res.Rounds++
		observeText(in.Observer, resp.Text)

		text = SanitizeModelText(resp.Text)
		if text == "" {
			res.Reason = ReasonModelSilence
			return res, nil
		}
	}
}

// toolLoop completes until the model answers in text or the round budget
// runs out. Tool results come back as one framed user message per round.
func (g *Generator) toolLoop(ctx context.Context, msgs *[]providers.Message, toolDefs []providers.ToolDef, in GenInput, res *GenResult) (string, error) {
	for round := 1; round <= g.maxToolRounds; round++ {
		req := providers.Request{
			Messages:    *msgs,
			Tools:       toolDefs,
			MaxTokens:   g.maxTokens,
			Temperature: &g.temperature,
		}
		resp, err := g.complete(ctx, in, req)
		if err != nil {
			return "", err
		}
		res.Usage.Add(resp.Usage)
		res.Rounds++
		observeStep(in.Observer, StepInfo{
			Round: round, Text: resp.Text, ToolCalls: len(resp.ToolCalls), Usage: resp.Usage,
		})

		if len(resp.ToolCalls) == 0 {
			observeText(in.Observer, resp.Text)
			return resp.Text, nil
		}

		slog.Debug("gen.tool_round",
			"round", round, "calls", len(resp.ToolCalls))

		// Downgrade to plain text so every backend accepts the transcript:
		// the model's interim text stays as assistant content, the framed
		// outputs arrive as the next user message.
		if strings.TrimSpace(resp.Text) != "" {
			*msgs = append(*msgs, providers.Message{Role: "assistant", Content: resp.Text})
		}
		*msgs = append(*msgs, providers.Message{
			Role:    "user",
			Content: g.executeTools(ctx, resp.ToolCalls, in.Observer, res),
		})
	}

	slog.Warn("gen.tool_rounds_exhausted", "rounds", g.maxToolRounds)
	return "", nil
}

// executeTools runs the round's calls, in parallel when there are
// several, and frames the results in call order.
func (g *Generator) executeTools(ctx context.Context, calls []providers.ToolCall, obs any, res *GenResult) string {
	if len(calls) == 1 {
		tc := calls[0]
		observeToolCall(obs, tc.Name, tc.Arguments)
		r := g.tools.Execute(ctx, tc)
		g.collectToolResult(tc, r, res)
		return tools.WrapOutput(tc.Name, r.ForLLM)
	}

	type indexed struct {
		idx int
		tc  providers.ToolCall
		r   *tools.Result
	}
	ch := make(chan indexed, len(calls))
	var wg sync.WaitGroup
	for i, tc := range calls {
		observeToolCall(obs, tc.Name, tc.Arguments)
		wg.Add(1)
		go func(idx int, tc providers.ToolCall) {
			defer wg.Done()
			ch <- indexed{idx: idx, tc: tc, r: g.tools.Execute(ctx, tc)}
		}(i, tc)
	}
	go func() { wg.Wait(); close(ch) }()

	collected := make([]indexed, 0, len(calls))
	for r := range ch {
		collected = append(collected, r)
	}
	sort.Slice(collected, func(i, j int) bool { return collected[i].idx < collected[j].idx })

	var b strings.Builder
	for _, c := range collected {
		g.collectToolResult(c.tc, c.r, res)
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(tools.WrapOutput(c.tc.Name, c.r.ForLLM))
	}
	return b.String()
}

func (g *Generator) collectToolResult(tc providers.ToolCall, r *tools.Result, res *GenResult) {
	if r.IsError {
		msg := r.ForLLM
		if len(msg) > 200 {
			msg = msg[:200] + "..."
		}
		slog.Warn("tool error", "tool", tc.Name, "error", msg)
	}
	res.Media = append(res.Media, r.Media...)
	if r.Usage != nil {
		res.Usage.Add(*r.Usage)
	}
}

// complete routes one request through the breaker, counting failures and
// spending the single model-unavailable fallback when it applies.
// Transport-level retries live in the backends.
func (g *Generator) complete(ctx context.Context, in GenInput, req providers.Request) (*providers.Response, error) {
	role := providers.RoleDefault
	if g.breaker != nil && g.breaker.Open() {
		slog.Debug("gen.breaker_open", "route", "fast")
		role = providers.RoleFast
	}

	resp, err := g.models.Complete(ctx, role, req)
	if err == nil {
		if g.breaker != nil {
			g.breaker.Success()
		}
		return resp, nil
	}
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		observeAbort(in.Observer, "canceled")
		return nil, err
	}

	if providers.Classify(err) == providers.ClassModelUnavailable {
		slog.Warn("gen.model_unavailable", "error", err)
		fb := req
		fb.Model = ""
		resp, err2 := g.models.RouteFor(role).Backend.Complete(ctx, fb)
		if err2 == nil {
			if g.breaker != nil {
				g.breaker.Success()
			}
			return resp, nil
		}
		err = err2
	}

	if g.breaker != nil {
		g.breaker.Failure()
	}
	observeError(in.Observer, err)
	return nil, err
}

var contextOverflowMarkers = []string{
	"context_length",
	"context length",
	"maximum context",
	"context window",
	"too many tokens",
	"prompt is too long",
	"input is too long",
}

// IsContextOverflow reports whether err looks like the backend rejecting
// an oversized prompt. Providers phrase this every which way, so the
// check is a substring match.
func IsContextOverflow(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	for _, marker := range contextOverflowMarkers {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func regenInstruction(slop quality.SlopResult) string {
	return fmt.Sprintf(
		"That reply reads like canned assistant filler (%s). Say it again in your own voice: specific, plain, no stock enthusiasm. Keep it short.",
		strings.Join(slop.Violations, ", "))
}
