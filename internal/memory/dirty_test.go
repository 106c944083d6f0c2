package memory

import (
	"context"
	"testing"
	"time"
)

func TestDirtyClaimLeasesOnce(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now), WithLease(time.Minute))

	if err := s.MarkDirty(ctx, QueueGroupCapsule, "g1"); err != nil {
		t.Fatalf("mark: %v", err)
	}

	claims, err := s.ClaimDirty(ctx, QueueGroupCapsule, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 || claims[0].Key != "g1" {
		t.Fatalf("claims = %+v", claims)
	}

	// Under a live lease the key is invisible to other claimers.
	again, err := s.ClaimDirty(ctx, QueueGroupCapsule, 10)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("leased key re-claimed: %+v", again)
	}

	// Past the lease window the claim is stale and the key comes back.
	clk.Advance(61 * time.Second)
	expired, err := s.ClaimDirty(ctx, QueueGroupCapsule, 10)
	if err != nil {
		t.Fatalf("claim after lease: %v", err)
	}
	if len(expired) != 1 || expired[0].Key != "g1" {
		t.Errorf("expired lease not re-claimable: %+v", expired)
	}
}

func TestDirtyCompleteDeletesWhenClean(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now))

	s.MarkDirty(ctx, QueueGroupCapsule, "g1")
	clk.Advance(time.Second)
	if _, err := s.ClaimDirty(ctx, QueueGroupCapsule, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.CompleteDirty(ctx, QueueGroupCapsule, "g1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n, _ := s.DirtyCount(ctx, QueueGroupCapsule); n != 0 {
		t.Errorf("completed key still queued: %d", n)
	}
}

func TestDirtyCompleteReleasesWhenRedirtied(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now))

	s.MarkDirty(ctx, QueueGroupCapsule, "g1")
	clk.Advance(time.Second)
	if _, err := s.ClaimDirty(ctx, QueueGroupCapsule, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// New dirt lands while the worker is busy.
	clk.Advance(time.Second)
	s.MarkDirty(ctx, QueueGroupCapsule, "g1")

	if err := s.CompleteDirty(ctx, QueueGroupCapsule, "g1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	// The key must survive and be claimable immediately.
	if n, _ := s.DirtyCount(ctx, QueueGroupCapsule); n != 1 {
		t.Fatalf("redirtied key deleted: count = %d", n)
	}
	claims, err := s.ClaimDirty(ctx, QueueGroupCapsule, 10)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if len(claims) != 1 || claims[0].Key != "g1" {
		t.Errorf("released key not claimable: %+v", claims)
	}
}

func TestDirtyMarkCoalesces(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now), WithLease(time.Minute))

	s.MarkDirty(ctx, QueueGroupCapsule, "old")
	clk.Advance(10 * time.Second)
	s.MarkDirty(ctx, QueueGroupCapsule, "new")
	clk.Advance(10 * time.Second)
	// Re-marking "old" must not move it behind "new" in the queue.
	s.MarkDirty(ctx, QueueGroupCapsule, "old")

	if n, _ := s.DirtyCount(ctx, QueueGroupCapsule); n != 2 {
		t.Fatalf("marks did not coalesce: count = %d", n)
	}
	claims, err := s.ClaimDirty(ctx, QueueGroupCapsule, 1)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 1 || claims[0].Key != "old" {
		t.Errorf("oldest dirt not claimed first: %+v", claims)
	}
}

func TestDirtyReleaseMakesClaimable(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	s.MarkDirty(ctx, QueuePublicStyle, "p1")
	if _, err := s.ClaimDirty(ctx, QueuePublicStyle, 10); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := s.ReleaseDirty(ctx, QueuePublicStyle, "p1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	claims, err := s.ClaimDirty(ctx, QueuePublicStyle, 10)
	if err != nil {
		t.Fatalf("re-claim: %v", err)
	}
	if len(claims) != 1 {
		t.Errorf("released key not claimable: %+v", claims)
	}
}

func TestDirtyClaimRespectsLimit(t *testing.T) {
	ctx := context.Background()
	clk := newTestClock()
	s := openTestStore(t, WithClock(clk.Now))

	for _, key := range []string{"a", "b", "c"} {
		s.MarkDirty(ctx, QueueGroupCapsule, key)
		clk.Advance(time.Second)
	}
	claims, err := s.ClaimDirty(ctx, QueueGroupCapsule, 2)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claims) != 2 {
		t.Fatalf("claims = %d, want 2", len(claims))
	}
	if claims[0].Key != "a" || claims[1].Key != "b" {
		t.Errorf("claim order: %+v", claims)
	}
}

func TestDirtyUnknownQueueRejected(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	if err := s.MarkDirty(ctx, "people; DROP TABLE people", "k"); err == nil {
		t.Error("bogus queue name accepted")
	}
	if _, err := s.ClaimDirty(ctx, "nope", 1); err == nil {
		t.Error("bogus queue claim accepted")
	}
}
