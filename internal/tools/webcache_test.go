package tools

import (
	"fmt"
	"testing"
	"time"
)

func TestWebCacheExpiry(t *testing.T) {
	base := time.Now()
	clock := base
	c := newWebCache(10, time.Minute)
	c.now = func() time.Time { return clock }

	c.set("k", "v")
	if got, ok := c.get("k"); !ok || got != "v" {
		t.Fatalf("get = %q, %v", got, ok)
	}

	clock = base.Add(59 * time.Second)
	if _, ok := c.get("k"); !ok {
		t.Errorf("expired too early")
	}

	clock = base.Add(61 * time.Second)
	if _, ok := c.get("k"); ok {
		t.Errorf("entry outlived its TTL")
	}
}

func TestWebCacheEviction(t *testing.T) {
	c := newWebCache(3, time.Hour)
	for i := 0; i < 5; i++ {
		c.set(fmt.Sprintf("k%d", i), "v")
	}
	if _, ok := c.get("k0"); ok {
		t.Errorf("oldest entry survived eviction")
	}
	if _, ok := c.get("k1"); ok {
		t.Errorf("second-oldest entry survived eviction")
	}
	for i := 2; i < 5; i++ {
		if _, ok := c.get(fmt.Sprintf("k%d", i)); !ok {
			t.Errorf("k%d evicted, want kept", i)
		}
	}
}
