package quality

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/kith/internal/providers"
)

// Silence reasons surfaced by the gate.
const (
	ReasonDeterministicFail = "deterministic_fail"
	ReasonQualityGateFail   = "quality_gate_fail"
)

// deterministic failure kinds; slop and sentence_cap earn one rewrite,
// empty does not.
const (
	failEmpty       = "empty"
	failSentenceCap = "sentence_cap"
	failSlop        = "slop"
)

// ModelCaller is the slice of the provider router the gate needs.
type ModelCaller interface {
	Complete(ctx context.Context, role providers.Role, req providers.Request) (*providers.Response, error)
	CompleteObject(ctx context.Context, role providers.Role, req providers.Request, schema map[string]any, out any) (providers.Usage, error)
}

// Verdict is the judge's structured opinion of a draft. Scales run 1-5;
// pressure is inverted, 5 means pushy.
type Verdict struct {
	Pass         bool   `json:"pass"`
	Authenticity int    `json:"authenticity"`
	Naturalness  int    `json:"naturalness"`
	Pressure     int    `json:"pressure"`
	VoiceMatch   int    `json:"voiceMatch"`
	Notes        string `json:"notes"`
}

var verdictSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"pass":         map[string]any{"type": "boolean"},
		"authenticity": map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
		"naturalness":  map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
		"pressure":     map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
		"voiceMatch":   map[string]any{"type": "integer", "minimum": 1, "maximum": 5},
		"notes":        map[string]any{"type": "string"},
	},
	"required": []any{"pass", "authenticity", "naturalness", "pressure", "voiceMatch", "notes"},
}

// GateInput carries one draft through the gate.
type GateInput struct {
	Draft                string
	Kind                 string // "dm", "group", "proactive"; prompt wording only
	MaxChars             int
	MaxSentences         int // 0 disables the cap
	IsGroup              bool
	IdentityAntiPatterns []string
	Media                []string // tool-generated media riding with the draft
}

// GateResult is the gate's decision. An empty Text means silence; Reason
// says why. Media is dropped whenever a rewrite happened, since the new
// text may no longer refer to it.
type GateResult struct {
	Text             string
	Media            []string
	Verdict          *Verdict
	Reason           string
	AttemptedRewrite bool
}

// Silenced reports whether the gate refused to let anything out.
func (r GateResult) Silenced() bool { return r.Text == "" }

// Gate runs the outgoing text pipeline: discipline, deterministic checks,
// LLM judge, a bounded rewrite budget. Judge and rewrites use the fast role.
type Gate struct {
	models  ModelCaller
	persona string
}

// NewGate creates a gate. persona is a short voice sketch quoted in judge
// and rewrite prompts; empty is fine.
func NewGate(models ModelCaller, persona string) *Gate {
	return &Gate{models: models, persona: persona}
}

// GateOutgoingText decides whether the draft leaves the agent, possibly
// rewritten. At most one rewrite fixes a deterministic failure and at most
// one more addresses judge notes. Judge infrastructure failures never block
// a deterministically clean draft.
func (g *Gate) GateOutgoingText(ctx context.Context, in GateInput) GateResult {
	res := GateResult{Media: in.Media}

	text := discipline(in.Draft, in)
	kind, slop := deterministicCheck(text, in)
	if kind == failEmpty {
		res.Reason = ReasonDeterministicFail
		return res
	}
	if kind != "" {
		rewritten, err := g.rewrite(ctx, text, deterministicInstruction(kind, slop, in))
		res.AttemptedRewrite = true
		res.Media = nil
		if err != nil {
			slog.Warn("quality.rewrite_failed", "kind", kind, "error", err)
			res.Reason = ReasonDeterministicFail
			return res
		}
		text = discipline(rewritten, in)
		if kind, _ = deterministicCheck(text, in); kind != "" {
			slog.Info("quality.gate_silence", "stage", "deterministic", "kind", kind)
			res.Reason = ReasonDeterministicFail
			return res
		}
	}

	verdict, ok := g.judge(ctx, text, in)
	if !ok {
		// Judge infrastructure failed; the deterministic checks carry the day.
		res.Text = text
		return res
	}
	res.Verdict = verdict
	if verdict.Pass {
		res.Text = text
		return res
	}

	rewritten, err := g.rewrite(ctx, text, notesInstruction(verdict.Notes, in))
	res.AttemptedRewrite = true
	res.Media = nil
	if err != nil {
		slog.Warn("quality.rewrite_failed", "kind", "judge", "error", err)
		res.Reason = ReasonQualityGateFail
		return res
	}
	text = discipline(rewritten, in)
	if kind, _ := deterministicCheck(text, in); kind != "" {
		slog.Info("quality.gate_silence", "stage", "post_judge_deterministic", "kind", kind)
		res.Reason = ReasonQualityGateFail
		return res
	}
	if verdict2, ok := g.judge(ctx, text, in); ok {
		res.Verdict = verdict2
		if !verdict2.Pass {
			slog.Info("quality.gate_silence", "stage", "judge", "notes", verdict2.Notes)
			res.Reason = ReasonQualityGateFail
			return res
		}
	}
	res.Text = text
	return res
}

func discipline(text string, in GateInput) string {
	text = EnforceMaxLength(text, in.MaxChars)
	if in.IsGroup {
		text = FlattenForGroup(text)
	}
	return text
}

func deterministicCheck(text string, in GateInput) (string, SlopResult) {
	if strings.TrimSpace(text) == "" {
		return failEmpty, SlopResult{}
	}
	if in.MaxSentences > 0 && CountSentences(text) > in.MaxSentences {
		return failSentenceCap, SlopResult{}
	}
	if res := CheckSlop(text, in.IdentityAntiPatterns); res.IsSlop {
		return failSlop, res
	}
	return "", SlopResult{}
}

func (g *Gate) judge(ctx context.Context, text string, in GateInput) (*Verdict, bool) {
	var v Verdict
	req := providers.Request{
		Messages: []providers.Message{
			{Role: "system", Content: g.judgeSystem(in)},
			{Role: "user", Content: "Candidate message:\n" + text},
		},
		MaxTokens: 400,
	}
	if _, err := g.models.CompleteObject(ctx, providers.RoleFast, req, verdictSchema, &v); err != nil {
		slog.Warn("quality.judge_unavailable", "error", err)
		return nil, false
	}
	if !validScale(v.Authenticity) || !validScale(v.Naturalness) || !validScale(v.Pressure) || !validScale(v.VoiceMatch) {
		slog.Warn("quality.judge_malformed", "verdict", fmt.Sprintf("%+v", v))
		return nil, false
	}
	return &v, true
}

func validScale(n int) bool { return n >= 1 && n <= 5 }

func (g *Gate) judgeSystem(in GateInput) string {
	var b strings.Builder
	b.WriteString("You judge whether a chat message reads like a real person wrote it.\n")
	if g.persona != "" {
		b.WriteString("The sender's voice: " + g.persona + "\n")
	}
	b.WriteString("Setting: " + settingLine(in) + "\n")
	b.WriteString("Score 1-5: authenticity (feels human), naturalness (flows like speech), ")
	b.WriteString("pressure (5 = pushy or demanding a reply; lower is better), voiceMatch (fits the sender's voice).\n")
	b.WriteString("pass is false when the message would make the recipient feel they are talking to a bot. ")
	b.WriteString("notes must say concretely what to change.")
	return b.String()
}

func (g *Gate) rewrite(ctx context.Context, draft, instruction string) (string, error) {
	req := providers.Request{
		Messages: []providers.Message{
			{Role: "system", Content: g.rewriteSystem()},
			{Role: "user", Content: instruction + "\n\nDraft:\n" + draft},
		},
		MaxTokens: 300,
	}
	resp, err := g.models.Complete(ctx, providers.RoleFast, req)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(resp.Text)
	if out == "" {
		return "", errors.New("rewrite returned empty text")
	}
	return out, nil
}

func (g *Gate) rewriteSystem() string {
	s := "You rewrite one chat message. Output only the rewritten message, nothing else."
	if g.persona != "" {
		s += " Keep the sender's voice: " + g.persona
	}
	return s
}

func deterministicInstruction(kind string, slop SlopResult, in GateInput) string {
	var b strings.Builder
	switch kind {
	case failSlop:
		b.WriteString("The draft reads machine-written. Flagged: ")
		b.WriteString(strings.Join(slop.Violations, ", "))
		b.WriteString(". Rewrite it so none of those patterns appear.")
	case failSentenceCap:
		fmt.Fprintf(&b, "The draft runs long. Rewrite it in at most %d sentence(s).", in.MaxSentences)
	}
	fmt.Fprintf(&b, " Hard limit %d characters.", in.MaxChars)
	if in.IsGroup {
		b.WriteString(" This goes to a group chat; one casual line.")
	}
	return b.String()
}

func notesInstruction(notes string, in GateInput) string {
	var b strings.Builder
	b.WriteString("A reviewer flagged the draft: ")
	b.WriteString(notes)
	fmt.Fprintf(&b, "\nRewrite it with that fixed. Hard limit %d characters.", in.MaxChars)
	if in.IsGroup {
		b.WriteString(" This goes to a group chat; one casual line.")
	}
	return b.String()
}

func settingLine(in GateInput) string {
	switch {
	case in.Kind == "proactive":
		return "an unprompted check-in message"
	case in.IsGroup:
		return "a group chat"
	default:
		return "a one-on-one chat"
	}
}
