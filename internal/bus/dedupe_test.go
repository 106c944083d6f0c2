package bus

import (
	"fmt"
	"testing"
	"time"
)

func TestDedupeCacheMarksAndDetects(t *testing.T) {
	c := NewDedupeCache(10*time.Minute, 100)
	if c.IsDuplicate("m1") {
		t.Fatal("fresh key reported duplicate")
	}
	if !c.IsDuplicate("m1") {
		t.Fatal("repeat key not reported duplicate")
	}
	if c.IsDuplicate("m2") {
		t.Fatal("distinct key reported duplicate")
	}
}

func TestDedupeCacheTTLExpiry(t *testing.T) {
	c := NewDedupeCache(10*time.Minute, 100)
	now := time.Unix(1_700_000_000, 0)
	c.nowFunc = func() time.Time { return now }

	c.IsDuplicate("m1")
	now = now.Add(9 * time.Minute)
	if !c.IsDuplicate("m1") {
		t.Fatal("key expired too early")
	}
	now = now.Add(11 * time.Minute)
	if c.IsDuplicate("m1") {
		t.Fatal("key did not expire after TTL")
	}
}

func TestDedupeCacheEvictsOldestAtCap(t *testing.T) {
	c := NewDedupeCache(time.Hour, 3)
	for i := 0; i < 4; i++ {
		c.IsDuplicate(fmt.Sprintf("m%d", i))
	}
	// m0 is the oldest insertion and must have been evicted.
	if c.IsDuplicate("m0") {
		t.Error("oldest entry survived past the cap")
	}
	if !c.IsDuplicate("m3") {
		t.Error("newest entry was evicted")
	}
	if got := c.Len(); got > 3 {
		t.Errorf("cache over cap: %d", got)
	}
}
