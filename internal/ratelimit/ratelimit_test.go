package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/nextlevelbuilder/kith/internal/bus"
)

func fixedClock(start time.Time) (*time.Time, func() time.Time) {
	now := start
	return &now, func() time.Time { return now }
}

// 360000/hour is 100 tokens a second, so a blocked Take resolves in
// about 10ms and the test stays fast.
const fastHourly = 360000

func TestTakeBurstThenBlocks(t *testing.T) {
	l := NewSendLimiter(Config{
		GlobalPerHour: fastHourly, GlobalBurst: 100,
		PerChatPerHour: fastHourly, PerChatBurst: 2,
	})
	chat := bus.ChatID("signal:group:g1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := l.Take(ctx, chat); err != nil {
			t.Fatalf("take %d inside burst: %v", i+1, err)
		}
	}
	start := time.Now()
	if err := l.Take(ctx, chat); err != nil {
		t.Fatalf("take past burst: %v", err)
	}
	if waited := time.Since(start); waited < 5*time.Millisecond {
		t.Errorf("take past burst returned after %v, expected a wait", waited)
	}
}

func TestTakeCanceledContext(t *testing.T) {
	l := NewSendLimiter(Config{PerChatPerHour: 1, PerChatBurst: 1})
	chat := bus.ChatID("signal:dm:+15550001")
	if err := l.Take(context.Background(), chat); err != nil {
		t.Fatalf("first take: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := l.Take(ctx, chat); !errors.Is(err, context.Canceled) {
		t.Errorf("take on canceled context = %v, want context.Canceled", err)
	}
}

func TestTakeDeadlineTooShortFailsFast(t *testing.T) {
	l := NewSendLimiter(Config{GlobalBurst: 100, PerChatPerHour: 1, PerChatBurst: 1})
	chat := bus.ChatID("signal:dm:+15550002")
	if err := l.Take(context.Background(), chat); err != nil {
		t.Fatalf("first take: %v", err)
	}

	// Refill needs an hour; a 30ms deadline cannot cover it, so Wait
	// must bail out without sleeping the full delay.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	err := l.Take(ctx, chat)
	if err == nil {
		t.Fatal("take succeeded with an empty bucket and a 30ms deadline")
	}
	if waited := time.Since(start); waited > time.Second {
		t.Errorf("deadline-bound take blocked %v", waited)
	}
}

func TestChatBucketsIndependent(t *testing.T) {
	l := NewSendLimiter(Config{GlobalBurst: 100, PerChatPerHour: 1, PerChatBurst: 1})
	ctx := context.Background()

	if err := l.Take(ctx, bus.ChatID("signal:group:a")); err != nil {
		t.Fatalf("chat a: %v", err)
	}
	start := time.Now()
	if err := l.Take(ctx, bus.ChatID("signal:group:b")); err != nil {
		t.Fatalf("chat b: %v", err)
	}
	if waited := time.Since(start); waited > 500*time.Millisecond {
		t.Errorf("fresh chat waited %v behind another chat's empty bucket", waited)
	}
}

func TestRemainingUntrackedChat(t *testing.T) {
	l := NewSendLimiter(Config{})
	g, c := l.Remaining(bus.ChatID("telegram:dm:42"))
	if g < 4.9 || c != 3 {
		t.Errorf("Remaining = (%v, %v), want full buckets (5, 3)", g, c)
	}
}

func TestPrunesIdleChats(t *testing.T) {
	l := NewSendLimiter(Config{GlobalPerHour: fastHourly, GlobalBurst: maxTrackedChats + 10})
	nowPtr, clock := fixedClock(time.Unix(1_700_000_000, 0))
	l.nowFunc = clock
	ctx := context.Background()

	for i := 0; i < maxTrackedChats; i++ {
		if err := l.Take(ctx, bus.ChatID(fmt.Sprintf("signal:group:g%d", i))); err != nil {
			t.Fatalf("take %d: %v", i, err)
		}
	}
	if got := l.TrackedChats(); got != maxTrackedChats {
		t.Fatalf("tracked %d chats, want %d", got, maxTrackedChats)
	}
	*nowPtr = nowPtr.Add(25 * time.Hour)
	if err := l.Take(ctx, bus.ChatID("signal:group:fresh")); err != nil {
		t.Fatalf("take after idle window: %v", err)
	}
	if got := l.TrackedChats(); got != 1 {
		t.Errorf("idle prune left %d entries, want 1", got)
	}
}

func TestReconfigureRetunesLiveBuckets(t *testing.T) {
	l := NewSendLimiter(Config{PerChatPerHour: 1, PerChatBurst: 1})
	chat := bus.ChatID("signal:dm:+15550009")
	ctx := context.Background()

	if err := l.Take(ctx, chat); err != nil {
		t.Fatalf("first take: %v", err)
	}
	// Bucket is now empty at one-per-hour; the next take would block for
	// ages without the rate bump.
	l.Reconfigure(Config{
		GlobalPerHour: fastHourly, GlobalBurst: 100,
		PerChatPerHour: fastHourly, PerChatBurst: 50,
	})

	done := make(chan error, 1)
	go func() { done <- l.Take(ctx, chat) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("take after reconfigure: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("take still blocked after rate bump")
	}

	if _, c := l.Remaining(bus.ChatID("telegram:dm:fresh")); c != 50 {
		t.Errorf("fresh chat burst = %v, want the reconfigured 50", c)
	}
}
