package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestAccumulatorCoalescesPerChat(t *testing.T) {
	acc := NewAccumulator(300 * time.Millisecond)
	now := time.Unix(1_700_000_000, 0)

	a := ChatID("signal:group:g1")
	b := ChatID("signal:dm:+15550001")
	acc.PushAndGetDebounce(IncomingMessage{ID: "1", ChatID: a, Text: "hey!"}, now)
	acc.PushAndGetDebounce(IncomingMessage{ID: "2", ChatID: a, Text: "you around?"}, now.Add(100*time.Millisecond))
	acc.PushAndGetDebounce(IncomingMessage{ID: "3", ChatID: b, Text: "yo."}, now)

	batch := acc.Drain(a)
	if len(batch) != 2 || batch[0].ID != "1" || batch[1].ID != "2" {
		t.Fatalf("chat a batch = %v, want ids 1,2 in order", batch)
	}
	if acc.Pending(a) != 0 {
		t.Error("drain did not clear the buffer")
	}
	if got := acc.Drain(b); len(got) != 1 || got[0].ID != "3" {
		t.Errorf("chat b batch = %v", got)
	}
	if acc.Drain(a) != nil {
		t.Error("second drain should return nil")
	}
}

func TestAccumulatorDebounceExtension(t *testing.T) {
	acc := NewAccumulator(300 * time.Millisecond)
	now := time.Unix(1_700_000_000, 0)
	chat := ChatID("telegram:dm:42")

	tests := []struct {
		text string
		want time.Duration
	}{
		{"done.", 300 * time.Millisecond},
		{"you coming?", 300 * time.Millisecond},
		{"nice!", 300 * time.Millisecond},
		{"so I was thinking", 900 * time.Millisecond},
		{"well,", 900 * time.Millisecond},
		{"hold on...", 900 * time.Millisecond},
	}
	for _, tt := range tests {
		got := acc.PushAndGetDebounce(IncomingMessage{ChatID: chat, Text: tt.text}, now)
		if got != tt.want {
			t.Errorf("debounce(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}
}

func TestAccumulatorClear(t *testing.T) {
	acc := NewAccumulator(0)
	chat := ChatID("signal:group:g2")
	now := time.Now()
	acc.PushAndGetDebounce(IncomingMessage{ID: "1", ChatID: chat, Text: "a"}, now)
	acc.PushAndGetDebounce(IncomingMessage{ID: "2", ChatID: chat, Text: "b"}, now)
	acc.Clear(chat)
	if acc.Pending(chat) != 0 || acc.Drain(chat) != nil {
		t.Error("clear left messages behind")
	}
}

func TestAccumulatorEvictsOldestChatAtCap(t *testing.T) {
	acc := NewAccumulator(0)
	base := time.Unix(1_700_000_000, 0)
	for i := 0; i < maxAccumulatorChats; i++ {
		chat := ChatID(fmt.Sprintf("signal:group:g%d", i))
		acc.PushAndGetDebounce(IncomingMessage{ChatID: chat, Text: "x."}, base.Add(time.Duration(i)*time.Second))
	}
	// g0 has the oldest touch and must be evicted to admit the newcomer.
	acc.PushAndGetDebounce(IncomingMessage{ChatID: "signal:group:fresh", Text: "x."}, base.Add(time.Hour))
	if got := acc.Drain("signal:group:g0"); got != nil {
		t.Errorf("oldest chat survived eviction: %v", got)
	}
	if got := acc.Drain("signal:group:fresh"); len(got) != 1 {
		t.Errorf("newcomer not admitted: %v", got)
	}
}

func TestLooksUnfinished(t *testing.T) {
	tests := []struct {
		name string
		text string
		want bool
	}{
		{"complete sentence", "see you tomorrow!", false},
		{"period", "done.", false},
		{"question", "you coming?", false},
		{"quoted terminal", `he said "sure."`, false},
		{"trailing comma", "well,", true},
		{"ellipsis", "so I was thinking...", true},
		{"unicode ellipsis", "hmm…", true},
		{"no terminal", "I went there and", true},
		{"bare word", "ok cool", true},
		{"empty", "   ", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := looksUnfinished(tt.text); got != tt.want {
				t.Errorf("looksUnfinished(%q) = %v, want %v", tt.text, got, tt.want)
			}
		})
	}
}
