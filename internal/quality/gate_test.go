package quality

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/nextlevelbuilder/kith/internal/providers"
)

// fakeModels scripts rewrite and judge behavior. Verdicts are popped per
// judge call; rewrites come from the rewrites slice.
type fakeModels struct {
	rewrites     []string
	rewriteErr   error
	verdicts     []Verdict
	judgeErr     error
	rewriteCalls int
	judgeCalls   int
	lastRewrite  providers.Request
}

func (f *fakeModels) Complete(_ context.Context, _ providers.Role, req providers.Request) (*providers.Response, error) {
	f.rewriteCalls++
	f.lastRewrite = req
	if f.rewriteErr != nil {
		return nil, f.rewriteErr
	}
	if len(f.rewrites) == 0 {
		return &providers.Response{Text: "sure, sounds good"}, nil
	}
	text := f.rewrites[0]
	f.rewrites = f.rewrites[1:]
	return &providers.Response{Text: text}, nil
}

func (f *fakeModels) CompleteObject(_ context.Context, _ providers.Role, _ providers.Request, _ map[string]any, out any) (providers.Usage, error) {
	f.judgeCalls++
	if f.judgeErr != nil {
		return providers.Usage{}, f.judgeErr
	}
	v := Verdict{Pass: true, Authenticity: 4, Naturalness: 4, Pressure: 2, VoiceMatch: 4}
	if len(f.verdicts) > 0 {
		v = f.verdicts[0]
		f.verdicts = f.verdicts[1:]
	}
	*out.(*Verdict) = v
	return providers.Usage{}, nil
}

func plainInput(draft string) GateInput {
	return GateInput{Draft: draft, Kind: "dm", MaxChars: 300, MaxSentences: 0}
}

func TestGatePassesCleanDraft(t *testing.T) {
	f := &fakeModels{}
	g := NewGate(f, "dry, lowercase texter")
	in := plainInput("want to grab lunch tomorrow?")
	in.Media = []string{"/tmp/pic.jpg"}

	res := g.GateOutgoingText(context.Background(), in)
	if res.Silenced() {
		t.Fatalf("clean draft silenced: %+v", res)
	}
	if res.Text != in.Draft {
		t.Errorf("text = %q, want draft unchanged", res.Text)
	}
	if res.AttemptedRewrite || f.rewriteCalls != 0 {
		t.Error("clean draft should not be rewritten")
	}
	if len(res.Media) != 1 {
		t.Error("media dropped without a rewrite")
	}
	if res.Verdict == nil || !res.Verdict.Pass {
		t.Errorf("verdict = %+v, want recorded pass", res.Verdict)
	}
}

func TestGateEmptyDraftSilentNoModelCalls(t *testing.T) {
	f := &fakeModels{}
	g := NewGate(f, "")
	res := g.GateOutgoingText(context.Background(), plainInput("   \n"))
	if !res.Silenced() || res.Reason != ReasonDeterministicFail {
		t.Fatalf("empty draft: %+v", res)
	}
	if f.rewriteCalls != 0 || f.judgeCalls != 0 {
		t.Error("empty draft reached the model")
	}
}

func TestGateSlopRewrittenOnceThenPasses(t *testing.T) {
	f := &fakeModels{rewrites: []string{"oh nice, where'd you find that"}}
	g := NewGate(f, "")
	in := plainInput("That's so cool!")
	in.Media = []string{"/tmp/pic.jpg"}

	res := g.GateOutgoingText(context.Background(), in)
	if res.Silenced() {
		t.Fatalf("rewritten draft silenced: %+v", res)
	}
	if res.Text != "oh nice, where'd you find that" {
		t.Errorf("text = %q", res.Text)
	}
	if !res.AttemptedRewrite || f.rewriteCalls != 1 {
		t.Errorf("rewrite calls = %d, want exactly 1", f.rewriteCalls)
	}
	if res.Media != nil {
		t.Error("media survived a rewrite")
	}
	prompt := f.lastRewrite.Messages[len(f.lastRewrite.Messages)-1].Content
	if !strings.Contains(prompt, "vacuous_excitement") {
		t.Errorf("rewrite prompt does not name the violation: %q", prompt)
	}
}

func TestGateSlopUnresolvedSilence(t *testing.T) {
	f := &fakeModels{rewrites: []string{"That's so cool!!"}}
	g := NewGate(f, "")
	res := g.GateOutgoingText(context.Background(), plainInput("That's so cool!"))
	if !res.Silenced() || res.Reason != ReasonDeterministicFail {
		t.Fatalf("unresolved slop: %+v", res)
	}
	if f.rewriteCalls != 1 {
		t.Errorf("rewrite calls = %d, want exactly 1", f.rewriteCalls)
	}
	if f.judgeCalls != 0 {
		t.Error("judge consulted for a deterministically failing draft")
	}
}

func TestGateJudgeFailThenRewritePasses(t *testing.T) {
	f := &fakeModels{
		verdicts: []Verdict{
			{Pass: false, Authenticity: 2, Naturalness: 2, Pressure: 4, VoiceMatch: 2, Notes: "reads formal, loosen it"},
			{Pass: true, Authenticity: 4, Naturalness: 4, Pressure: 2, VoiceMatch: 4},
		},
		rewrites: []string{"yeah I'm around, come by whenever"},
	}
	g := NewGate(f, "")
	res := g.GateOutgoingText(context.Background(), plainInput("I would be delighted to receive you at my residence."))
	if res.Silenced() {
		t.Fatalf("judge-guided rewrite silenced: %+v", res)
	}
	if res.Text != "yeah I'm around, come by whenever" {
		t.Errorf("text = %q", res.Text)
	}
	if f.judgeCalls != 2 || f.rewriteCalls != 1 {
		t.Errorf("judge=%d rewrite=%d, want 2 and 1", f.judgeCalls, f.rewriteCalls)
	}
	prompt := f.lastRewrite.Messages[len(f.lastRewrite.Messages)-1].Content
	if !strings.Contains(prompt, "reads formal, loosen it") {
		t.Errorf("rewrite prompt missing judge notes: %q", prompt)
	}
}

func TestGateJudgeFailTwiceSilence(t *testing.T) {
	f := &fakeModels{
		verdicts: []Verdict{
			{Pass: false, Authenticity: 2, Naturalness: 2, Pressure: 4, VoiceMatch: 2, Notes: "too stiff"},
			{Pass: false, Authenticity: 2, Naturalness: 2, Pressure: 4, VoiceMatch: 2, Notes: "still stiff"},
		},
	}
	g := NewGate(f, "")
	res := g.GateOutgoingText(context.Background(), plainInput("Kindly acknowledge receipt of this message."))
	if !res.Silenced() || res.Reason != ReasonQualityGateFail {
		t.Fatalf("double judge fail: %+v", res)
	}
	if f.judgeCalls != 2 || f.rewriteCalls != 1 {
		t.Errorf("judge=%d rewrite=%d, want 2 and 1", f.judgeCalls, f.rewriteCalls)
	}
}

func TestGateJudgeErrorFallsBackDeterministic(t *testing.T) {
	f := &fakeModels{judgeErr: errors.New("judge down")}
	g := NewGate(f, "")
	res := g.GateOutgoingText(context.Background(), plainInput("running late, be there in 20"))
	if res.Silenced() {
		t.Fatalf("judge outage blocked a clean draft: %+v", res)
	}
	if res.Verdict != nil {
		t.Error("verdict recorded despite judge failure")
	}
}

func TestGateMalformedVerdictFallsBack(t *testing.T) {
	f := &fakeModels{verdicts: []Verdict{{Pass: false, Authenticity: 0, Naturalness: 9, Pressure: 1, VoiceMatch: 1}}}
	g := NewGate(f, "")
	res := g.GateOutgoingText(context.Background(), plainInput("running late, be there in 20"))
	if res.Silenced() {
		t.Fatalf("malformed verdict blocked a clean draft: %+v", res)
	}
	if f.rewriteCalls != 0 {
		t.Error("malformed verdict triggered a rewrite")
	}
}

func TestGateSentenceCapTriggersRewrite(t *testing.T) {
	f := &fakeModels{rewrites: []string{"short version."}}
	g := NewGate(f, "")
	in := plainInput("First thing. Second thing. Third thing.")
	in.MaxSentences = 1
	res := g.GateOutgoingText(context.Background(), in)
	if res.Silenced() {
		t.Fatalf("sentence-cap rewrite silenced: %+v", res)
	}
	if res.Text != "short version." {
		t.Errorf("text = %q", res.Text)
	}
	prompt := f.lastRewrite.Messages[len(f.lastRewrite.Messages)-1].Content
	if !strings.Contains(prompt, "at most 1 sentence") {
		t.Errorf("rewrite prompt missing sentence limit: %q", prompt)
	}
}

func TestGateGroupDraftFlattened(t *testing.T) {
	f := &fakeModels{}
	g := NewGate(f, "")
	in := GateInput{Draft: "line one\nline two", Kind: "group", MaxChars: 300, IsGroup: true}
	res := g.GateOutgoingText(context.Background(), in)
	if res.Text != "line one line two" {
		t.Errorf("text = %q, want flattened single line", res.Text)
	}
}
