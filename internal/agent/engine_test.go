package agent

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kith/internal/behavior"
	"github.com/nextlevelbuilder/kith/internal/bus"
	"github.com/nextlevelbuilder/kith/internal/feedback"
	"github.com/nextlevelbuilder/kith/internal/memory"
	"github.com/nextlevelbuilder/kith/internal/providers"
	"github.com/nextlevelbuilder/kith/internal/ratelimit"
	"github.com/nextlevelbuilder/kith/internal/session"
	"github.com/nextlevelbuilder/kith/internal/tools"
)

const dmPeer = "+15550001111"

func dmChat() bus.ChatID { return bus.MakeChatID("signal", bus.PeerDM, dmPeer) }

func dmMsg(id, text string) bus.IncomingMessage {
	return bus.IncomingMessage{
		ID:         bus.MessageID(id),
		ChatID:     dmChat(),
		Channel:    "signal",
		AuthorID:   bus.AuthorID(dmPeer),
		AuthorName: "Marta",
		Text:       text,
		Timestamp:  time.Now().UnixMilli(),
	}
}

func groupMsg(id, author, text string, mentioned bus.Tri) bus.IncomingMessage {
	return bus.IncomingMessage{
		ID:         bus.MessageID(id),
		ChatID:     bus.MakeChatID("telegram", bus.PeerGroup, "g100"),
		Channel:    "telegram",
		AuthorID:   bus.AuthorID(author),
		AuthorName: author,
		Text:       text,
		Mentioned:  mentioned,
		IsGroup:    true,
		GroupSize:  5,
		Timestamp:  time.Now().UnixMilli(),
	}
}

// scriptedObjects answers the gate judge with a clean pass and the fact
// extractor with an empty list, leaving the Complete script to the
// draft itself.
func scriptedObjects(schema map[string]any) string {
	if props, ok := schema["properties"].(map[string]any); ok {
		if _, isFacts := props["facts"]; isFacts {
			return `{"facts":[]}`
		}
	}
	return `{"pass":true,"authenticity":4,"naturalness":4,"pressure":1,"voiceMatch":4,"notes":""}`
}

type testEnv struct {
	eng      *Engine
	models   *fakeModels
	sessions *session.Store
	mem      *memory.Store
	fb       *feedback.Store
}

func testCfg() Config {
	return Config{
		AgentName:  "Kith",
		Identity:   "You are Kith, a friend over text.",
		Persona:    "dry, warm, brief",
		DebounceMs: 10,
		Delay:      DelayConfig{MinMs: 1, MaxMs: 3, BaseMs: 1, MsPerChar: 0.001, JitterStdMs: 0.001},
	}
}

func newTestEnv(t *testing.T, cfg Config, f *fakeModels, opts ...Option) *testEnv {
	t.Helper()
	if f.objJSON == nil {
		f.objJSON = scriptedObjects
	}
	dir := t.TempDir()
	sess, err := session.Open(filepath.Join(dir, "session.db"))
	if err != nil {
		t.Fatalf("open session store: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	mem, err := memory.Open(filepath.Join(dir, "memory.db"))
	if err != nil {
		t.Fatalf("open memory store: %v", err)
	}
	t.Cleanup(func() { mem.Close() })
	fb, err := feedback.Open(filepath.Join(dir, "feedback.db"))
	if err != nil {
		t.Fatalf("open feedback store: %v", err)
	}
	t.Cleanup(func() { fb.Close() })
	eng := New(cfg, Deps{
		Models:   f,
		Tools:    tools.NewRegistry(),
		Sessions: sess,
		Memory:   mem,
		Feedback: fb,
	}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		eng.Shutdown(ctx)
	})
	return &testEnv{eng: eng, models: f, sessions: sess, mem: mem, fb: fb}
}

// shutdown drains the engine mid-test so background persistence is
// visible to asserts. The cleanup drain afterwards is a no-op.
func (env *testEnv) shutdown(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := env.eng.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestTurnSendsAndPersistsBothSides(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("good news travels fast, tell me everything"),
	}}
	env := newTestEnv(t, testCfg(), f)

	act, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "I got the job!"))
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if act.Kind != bus.ActionSend {
		t.Fatalf("kind = %q reason = %q, want send", act.Kind, act.Reason)
	}
	if act.Text != "good news travels fast, tell me everything" {
		t.Fatalf("text = %q", act.Text)
	}
	if got := f.calls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("history rows = %d, want 2", len(rows))
	}
	if rows[0].Role != session.RoleUser || rows[0].Content != "I got the job!" || rows[0].SourceMessageID != "m1" {
		t.Errorf("user row = %+v", rows[0])
	}
	if rows[1].Role != session.RoleAssistant || rows[1].Content != act.Text {
		t.Errorf("assistant row = %+v", rows[1])
	}

	ledger, err := env.sessions.RecentOutbound(ctx, string(dmChat()), 5)
	if err != nil {
		t.Fatalf("RecentOutbound: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Kind != session.KindSend {
		t.Fatalf("ledger = %+v", ledger)
	}

	verdicts, err := env.fb.GateVerdictsSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("GateVerdictsSince: %v", err)
	}
	if len(verdicts) != 1 || !verdicts[0].Pass || verdicts[0].FinalAction != feedback.ActionSent {
		t.Fatalf("verdicts = %+v", verdicts)
	}

	env.shutdown(t)
	person, err := env.mem.FindPerson(ctx, "signal", dmPeer)
	if err != nil {
		t.Fatalf("FindPerson: %v", err)
	}
	if person.DisplayName != "Marta" {
		t.Errorf("display name = %q", person.DisplayName)
	}
	if person.RelationshipScore <= 0 {
		t.Errorf("relationship score = %v, want bumped above zero", person.RelationshipScore)
	}
}

func TestDuplicateDeliveryKeepsOneRow(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("noted."),
	}}
	env := newTestEnv(t, testCfg(), f)

	first, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "remember the 14th."))
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	if first.Kind != bus.ActionSend {
		t.Fatalf("first = %+v, want send", first)
	}

	second, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "remember the 14th."))
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.Kind != bus.ActionSilence || second.Reason != reasonDuplicate {
		t.Fatalf("second = %+v, want duplicate silence", second)
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("history rows = %d, want user+assistant only", len(rows))
	}

	counts, err := env.fb.SilenceCounts(ctx, 0)
	if err != nil {
		t.Fatalf("SilenceCounts: %v", err)
	}
	if counts[reasonDuplicate] != 1 {
		t.Errorf("silence counts = %v", counts)
	}
}

func TestBurstCoalescesIntoOneReply(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg()
	cfg.DebounceMs = 60
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("sounds like a day. dinner works."),
	}}
	env := newTestEnv(t, cfg, f)

	texts := []string{"just landed.", "the flight was chaos.", "dinner later?"}
	acts := make([]bus.OutgoingAction, len(texts))
	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			acts[i], _ = env.eng.HandleIncoming(ctx, dmMsg(fmt.Sprintf("m%d", i), text))
		}(i, text)
		time.Sleep(15 * time.Millisecond)
	}
	wg.Wait()

	var sends, stale int
	for _, act := range acts {
		switch {
		case act.Kind == bus.ActionSend:
			sends++
		case act.Reason == reasonStale:
			stale++
		}
	}
	if sends != 1 || stale != 2 {
		t.Fatalf("sends = %d stale = %d, acts = %+v", sends, stale, acts)
	}
	if got := f.calls(); got != 1 {
		t.Fatalf("model calls = %d, want one generation for the burst", got)
	}

	msgs := f.request(0).Messages
	prompt := msgs[len(msgs)-1].Content
	for _, want := range texts {
		if !strings.Contains(prompt, want) {
			t.Errorf("final prompt missing %q", want)
		}
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var users, assistants int
	for _, r := range rows {
		switch r.Role {
		case session.RoleUser:
			users++
		case session.RoleAssistant:
			assistants++
		}
	}
	if users != 3 || assistants != 1 {
		t.Fatalf("rows user = %d assistant = %d, want 3/1", users, assistants)
	}
}

func TestLateArrivalDiscardsFinishedDraft(t *testing.T) {
	ctx := context.Background()
	cfg := testCfg()
	cfg.DebounceMs = 5
	release := make(chan struct{})
	var once sync.Once
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		func(providers.Request) (*providers.Response, error) {
			<-release
			return &providers.Response{Text: "reply written for the first message alone"}, nil
		},
		textResp("glad it sorted itself out."),
	}}
	env := newTestEnv(t, cfg, f)
	defer once.Do(func() { close(release) })

	firstDone := make(chan bus.OutgoingAction, 1)
	go func() {
		act, _ := env.eng.HandleIncoming(ctx, dmMsg("m1", "are you around?"))
		firstDone <- act
	}()
	waitFor(t, 2*time.Second, func() bool { return f.calls() == 1 })

	secondDone := make(chan bus.OutgoingAction, 1)
	go func() {
		act, _ := env.eng.HandleIncoming(ctx, dmMsg("m2", "never mind, solved it."))
		secondDone <- act
	}()
	waitFor(t, 2*time.Second, func() bool { return env.eng.locks.QueueLen(string(dmChat())) == 1 })
	once.Do(func() { close(release) })

	first := <-firstDone
	if first.Kind != bus.ActionSilence || first.Reason != reasonStale {
		t.Fatalf("first = %+v, want stale discard", first)
	}
	second := <-secondDone
	if second.Kind != bus.ActionSend || second.Text != "glad it sorted itself out." {
		t.Fatalf("second = %+v", second)
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 20)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	var assistants int
	for _, r := range rows {
		if r.Role != session.RoleAssistant {
			continue
		}
		assistants++
		if r.Content == "reply written for the first message alone" {
			t.Fatal("stale draft was committed")
		}
	}
	if assistants != 1 {
		t.Fatalf("assistant rows = %d, want 1", assistants)
	}
}

func TestArtifactsAndEmptyInputStayQuiet(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{}
	env := newTestEnv(t, testCfg(), f)

	act, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "[typing indicator]"))
	if err != nil {
		t.Fatalf("artifact: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != reasonArtifact {
		t.Fatalf("artifact act = %+v", act)
	}

	act, err = env.eng.HandleIncoming(ctx, dmMsg("m2", "   "))
	if err != nil {
		t.Fatalf("empty: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != reasonEmptyInput {
		t.Fatalf("empty act = %+v", act)
	}

	if got := f.calls(); got != 0 {
		t.Errorf("model calls = %d, want none", got)
	}
	rows, err := env.sessions.History(ctx, string(dmChat()), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("history rows = %d, artifacts should not be archived", len(rows))
	}
	counts, err := env.fb.SilenceCounts(ctx, 0)
	if err != nil {
		t.Fatalf("SilenceCounts: %v", err)
	}
	if counts[reasonArtifact] != 1 || counts[reasonEmptyInput] != 1 {
		t.Errorf("silence counts = %v", counts)
	}
}

func TestGroupSpeaksOnlyWhenMentioned(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("count me in."),
	}}
	env := newTestEnv(t, testCfg(), f)

	act, err := env.eng.HandleIncoming(ctx, groupMsg("g1", "ana", "anyone up for padel tonight?", bus.TriNo))
	if err != nil {
		t.Fatalf("unmentioned: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != "not_mentioned" {
		t.Fatalf("unmentioned act = %+v", act)
	}

	act, err = env.eng.HandleIncoming(ctx, groupMsg("g2", "ana", "kith, are you in?", bus.TriYes))
	if err != nil {
		t.Fatalf("mentioned: %v", err)
	}
	if act.Kind != bus.ActionSend || act.Text != "count me in." {
		t.Fatalf("mentioned act = %+v", act)
	}
	if got := f.calls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}

	rows, err := env.sessions.History(ctx, string(bus.MakeChatID("telegram", bus.PeerGroup, "g100")), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("history rows = %d, the silenced message should still be archived", len(rows))
	}

	silences, err := env.fb.SilencesSince(ctx, 0, 10)
	if err != nil {
		t.Fatalf("SilencesSince: %v", err)
	}
	if len(silences) != 1 || silences[0].Reason != "not_mentioned" || silences[0].Rung != 2 {
		t.Fatalf("silences = %+v", silences)
	}
}

func TestSleepWindowSilencesInboundAtNight(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC)
	clock := func() time.Time { return frozen }
	cfg := testCfg()
	cfg.Behavior.Sleep = behavior.SleepConfig{Enabled: true, StartLocal: "01:00", EndLocal: "06:00", Timezone: "UTC"}
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("on it."),
	}}
	env := newTestEnv(t, cfg, f, WithClock(clock), WithBehaviorOptions(behavior.WithClock(clock)))

	act, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "you awake?"))
	if err != nil {
		t.Fatalf("night dm: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != "sleep_mode" {
		t.Fatalf("night act = %+v", act)
	}

	op := dmMsg("m2", "wake up, prod is down.")
	op.IsOperator = true
	act, err = env.eng.HandleIncoming(ctx, op)
	if err != nil {
		t.Fatalf("operator dm: %v", err)
	}
	if act.Kind != bus.ActionSend {
		t.Fatalf("operator act = %+v, sleep must not apply to the operator", act)
	}
	if got := f.calls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}

func TestProactiveSleepOutranksBirthday(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC)
	clock := func() time.Time { return frozen }
	cfg := testCfg()
	cfg.Behavior.Sleep = behavior.SleepConfig{Enabled: true, StartLocal: "01:00", EndLocal: "06:00", Timezone: "UTC"}
	f := &fakeModels{}
	env := newTestEnv(t, cfg, f, WithClock(clock))

	if _, err := env.mem.TrackPerson(ctx, "signal", dmPeer, "Marta"); err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	act, err := env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveBirthday, ChatID: dmChat()})
	if err != nil {
		t.Fatalf("HandleProactive: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != reasonSleepMode {
		t.Fatalf("act = %+v, want sleep before any tier check", act)
	}
	if got := f.calls(); got != 0 {
		t.Errorf("model calls = %d, want none", got)
	}
}

func TestProactiveSafeModeForNewContacts(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("dentist is tomorrow at nine, still good?"),
	}}
	env := newTestEnv(t, testCfg(), f)

	person, err := env.mem.TrackPerson(ctx, "signal", dmPeer, "Marta")
	if err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}

	act, err := env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveCheckin, ChatID: dmChat()})
	if err != nil {
		t.Fatalf("checkin: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != reasonSafeMode {
		t.Fatalf("checkin act = %+v, new contacts get no unsolicited check-ins", act)
	}

	act, err = env.eng.HandleProactive(ctx, ProactiveEvent{
		Kind:   ProactiveReminder,
		ChatID: dmChat(),
		Note:   "dentist tomorrow 9am",
	})
	if err != nil {
		t.Fatalf("reminder: %v", err)
	}
	if act.Kind != bus.ActionSend {
		t.Fatalf("reminder act = %+v, reminders pass safe mode", act)
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 || rows[0].Role != session.RoleAssistant {
		t.Fatalf("rows = %+v, want the sent message only", rows)
	}
	ledger, err := env.sessions.RecentOutbound(ctx, string(dmChat()), 5)
	if err != nil {
		t.Fatalf("RecentOutbound: %v", err)
	}
	if len(ledger) != 1 || ledger[0].Kind != session.KindProactive {
		t.Fatalf("ledger = %+v", ledger)
	}
	n, err := env.mem.CountProactiveSince(ctx, person.ID, 0)
	if err != nil {
		t.Fatalf("CountProactiveSince: %v", err)
	}
	if n != 1 {
		t.Errorf("proactive count = %d, want 1", n)
	}
}

func TestProactiveDailyBudget(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("saw a bouldering gym opened near you, thought of you."),
	}}
	env := newTestEnv(t, testCfg(), f)

	warming, err := env.mem.TrackPerson(ctx, "signal", dmPeer, "Marta")
	if err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if err := env.mem.BumpRelationshipScore(ctx, warming.ID, 0.5); err != nil {
		t.Fatalf("bump: %v", err)
	}
	if err := env.mem.RecordProactive(ctx, warming.ID, string(dmChat()), ProactiveCheckin); err != nil {
		t.Fatalf("seed record: %v", err)
	}
	act, err := env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveCheckin, ChatID: dmChat()})
	if err != nil {
		t.Fatalf("warming checkin: %v", err)
	}
	if act.Reason != reasonWarmingThrottle {
		t.Fatalf("warming act = %+v, one per day is the limit at this tier", act)
	}

	friendPeer := "+15550002222"
	friendChat := bus.MakeChatID("signal", bus.PeerDM, friendPeer)
	friend, err := env.mem.TrackPerson(ctx, "signal", friendPeer, "Iris")
	if err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if err := env.mem.BumpRelationshipScore(ctx, friend.ID, 0.9); err != nil {
		t.Fatalf("bump: %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := env.mem.RecordProactive(ctx, friend.ID, string(friendChat), ProactiveCheckin); err != nil {
			t.Fatalf("seed record: %v", err)
		}
	}
	act, err = env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveCheckin, ChatID: friendChat})
	if err != nil {
		t.Fatalf("friend checkin: %v", err)
	}
	if act.Kind != bus.ActionSend {
		t.Fatalf("friend act = %+v, close friends get three per day", act)
	}

	act, err = env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveCheckin, ChatID: friendChat})
	if err != nil {
		t.Fatalf("friend fourth: %v", err)
	}
	if act.Reason != reasonWarmingThrottle {
		t.Fatalf("fourth act = %+v, want throttle at three", act)
	}
}

func TestProactiveHeartbeatLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("HEARTBEAT_OK"),
	}}
	env := newTestEnv(t, testCfg(), f)

	friend, err := env.mem.TrackPerson(ctx, "signal", dmPeer, "Marta")
	if err != nil {
		t.Fatalf("TrackPerson: %v", err)
	}
	if err := env.mem.BumpRelationshipScore(ctx, friend.ID, 0.9); err != nil {
		t.Fatalf("bump: %v", err)
	}

	act, err := env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveCheckin, ChatID: dmChat()})
	if err != nil {
		t.Fatalf("HandleProactive: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != reasonHeartbeat {
		t.Fatalf("act = %+v, want heartbeat silence", act)
	}
	if got := f.calls(); got != 1 {
		t.Errorf("model calls = %d, want the one declined draft", got)
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("history rows = %d, a declined check-in must leave nothing", len(rows))
	}
	ledger, err := env.sessions.RecentOutbound(ctx, string(dmChat()), 5)
	if err != nil {
		t.Fatalf("RecentOutbound: %v", err)
	}
	if len(ledger) != 0 {
		t.Errorf("ledger = %+v, want empty", ledger)
	}
	n, err := env.mem.CountProactiveSince(ctx, friend.ID, 0)
	if err != nil {
		t.Fatalf("CountProactiveSince: %v", err)
	}
	if n != 0 {
		t.Errorf("proactive count = %d, heartbeats must not burn budget", n)
	}
}

func TestProactiveRequiresRoutableDM(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{}
	env := newTestEnv(t, testCfg(), f)

	act, err := env.eng.HandleProactive(ctx, ProactiveEvent{
		Kind:   ProactiveCheckin,
		ChatID: bus.MakeChatID("telegram", bus.PeerGroup, "g100"),
	})
	if err != nil {
		t.Fatalf("group event: %v", err)
	}
	if act.Reason != reasonUnroutable {
		t.Fatalf("group act = %+v", act)
	}

	act, err = env.eng.HandleProactive(ctx, ProactiveEvent{Kind: ProactiveCheckin, ChatID: dmChat()})
	if err != nil {
		t.Fatalf("unknown person: %v", err)
	}
	if act.Reason != reasonUnroutable {
		t.Fatalf("unknown act = %+v", act)
	}
	if got := f.calls(); got != 0 {
		t.Errorf("model calls = %d, want none", got)
	}
}

func TestShutdownTurnsAwayNewWork(t *testing.T) {
	ctx := context.Background()
	f := &fakeModels{}
	env := newTestEnv(t, testCfg(), f)
	env.shutdown(t)

	act, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "hello?"))
	if err != nil {
		t.Fatalf("HandleIncoming: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != reasonShuttingDown {
		t.Fatalf("act = %+v, want shutting_down silence", act)
	}

	rows, err := env.sessions.History(ctx, string(dmChat()), 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("history rows = %d, the inbound row still lands before refusal", len(rows))
	}
	counts, err := env.fb.SilenceCounts(ctx, 0)
	if err != nil {
		t.Fatalf("SilenceCounts: %v", err)
	}
	if len(counts) != 0 {
		t.Errorf("silence counts = %v, shutdown refusals are not feedback", counts)
	}
}

func TestReconfigureSwapsSleepWindowLive(t *testing.T) {
	ctx := context.Background()
	frozen := time.Date(2024, 3, 10, 3, 30, 0, 0, time.UTC)
	clock := func() time.Time { return frozen }
	cfg := testCfg()
	f := &fakeModels{script: []func(providers.Request) (*providers.Response, error){
		textResp("still up, barely."),
	}}
	env := newTestEnv(t, cfg, f, WithClock(clock), WithBehaviorOptions(behavior.WithClock(clock)))

	act, err := env.eng.HandleIncoming(ctx, dmMsg("m1", "you up?"))
	if err != nil {
		t.Fatalf("before reconfigure: %v", err)
	}
	if act.Kind != bus.ActionSend {
		t.Fatalf("before reconfigure act = %+v, want send", act)
	}

	bcfg := cfg.Behavior
	bcfg.Sleep = behavior.SleepConfig{Enabled: true, StartLocal: "01:00", EndLocal: "06:00", Timezone: "UTC"}
	env.eng.Reconfigure(bcfg, ratelimit.Config{})

	act, err = env.eng.HandleIncoming(ctx, dmMsg("m2", "still there?"))
	if err != nil {
		t.Fatalf("after reconfigure: %v", err)
	}
	if act.Kind != bus.ActionSilence || act.Reason != "sleep_mode" {
		t.Fatalf("after reconfigure act = %+v, want sleep_mode silence", act)
	}
	if got := f.calls(); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}
