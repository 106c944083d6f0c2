package feedback

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "feedback.db"), opts...)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.UnixMilli(1_700_000_000_000)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestGateVerdictRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	v := &GateVerdict{
		ChatID:        "signal:dm:+1555",
		CandidateHash: HashCandidate("sounds rough, want to talk about it?"),
		Pass:          true,
		Authenticity:  4,
		Naturalness:   5,
		Pressure:      1,
		VoiceMatch:    4,
		Notes:         "reads like her",
		FinalAction:   ActionSent,
	}
	if err := s.RecordGateVerdict(ctx, v); err != nil {
		t.Fatalf("record: %v", err)
	}
	if v.ID == "" || v.CreatedAtMs == 0 {
		t.Fatalf("id/createdAt not filled: %+v", v)
	}

	got, err := s.GateVerdictsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d", len(got))
	}
	if *got[0] != *v {
		t.Errorf("round trip mismatch:\n got %+v\nwant %+v", got[0], v)
	}
}

func TestGateVerdictValidation(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.RecordGateVerdict(ctx, &GateVerdict{FinalAction: ActionSent}); err == nil {
		t.Error("missing chatId accepted")
	}
	if err := s.RecordGateVerdict(ctx, &GateVerdict{ChatID: "c", FinalAction: "yeeted"}); err == nil {
		t.Error("bogus action accepted")
	}
}

func TestHashCandidateStable(t *testing.T) {
	a := HashCandidate("same text")
	b := HashCandidate("same text")
	c := HashCandidate("other text")
	if a != b {
		t.Errorf("hash not stable: %s vs %s", a, b)
	}
	if a == c {
		t.Error("distinct texts collide")
	}
	if len(a) != 16 {
		t.Errorf("hash length = %d", len(a))
	}
}

func TestSilenceWindowAndCounts(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now))

	start := clk.Now().UnixMilli()
	decisions := []struct {
		reason string
		rung   int
	}{
		{"sleep_mode", 1},
		{"not_mentioned", 2},
		{"not_mentioned", 2},
		{"stale_discard", 0},
	}
	for _, d := range decisions {
		if err := s.RecordSilence(ctx, "tg:group:42", d.reason, d.rung); err != nil {
			t.Fatalf("record %s: %v", d.reason, err)
		}
		clk.Advance(time.Hour)
	}
	if err := s.RecordSilence(ctx, "", "sleep_mode", 1); err == nil {
		t.Error("missing chatId accepted")
	}

	all, err := s.SilencesSince(ctx, start, 0)
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(all) != 4 || all[0].Reason != "stale_discard" {
		t.Errorf("all = %+v", all)
	}

	// Window clips to the last two decisions.
	recent, _ := s.SilencesSince(ctx, start+2*time.Hour.Milliseconds(), 0)
	if len(recent) != 2 {
		t.Errorf("windowed len = %d", len(recent))
	}

	counts, err := s.SilenceCounts(ctx, start)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts["not_mentioned"] != 2 || counts["sleep_mode"] != 1 || counts["stale_discard"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestGateCounts(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	for _, action := range []string{ActionSent, ActionSent, ActionSilenced, ActionRewritten} {
		err := s.RecordGateVerdict(ctx, &GateVerdict{
			ChatID: "c1", CandidateHash: "abc", FinalAction: action,
		})
		if err != nil {
			t.Fatalf("record %s: %v", action, err)
		}
	}
	counts, err := s.GateCounts(ctx, 0)
	if err != nil {
		t.Fatalf("counts: %v", err)
	}
	if counts[ActionSent] != 2 || counts[ActionSilenced] != 1 || counts[ActionRewritten] != 1 {
		t.Errorf("counts = %v", counts)
	}
}

func TestEvalRuns(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now))

	if err := s.RecordEvalRun(ctx, &EvalRun{Fixtures: 10, Passed: 8, MeanScore: 0.12, Notes: "baseline"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	clk.Advance(time.Minute)
	if err := s.RecordEvalRun(ctx, &EvalRun{Fixtures: 10, Passed: 9, MeanScore: 0.08}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := s.RecordEvalRun(ctx, &EvalRun{Fixtures: 5, Passed: 6}); err == nil {
		t.Error("passed > fixtures accepted")
	}

	runs, err := s.ListEvalRuns(ctx, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d", len(runs))
	}
	if runs[0].Passed != 9 || runs[1].Notes != "baseline" {
		t.Errorf("order wrong: %+v", runs)
	}
}

func TestHealth(t *testing.T) {
	s := openTestStore(t)
	if err := s.Health(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
}
