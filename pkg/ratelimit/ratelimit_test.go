package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func TestAllowWithinLimit(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: 3, Window: time.Minute}, clock)

	for i := 0; i < 3; i++ {
		if !l.Allow("dr-1") {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if l.Allow("dr-1") {
		t.Fatal("fourth request should be denied")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: 1, Window: time.Minute}, clock)

	if !l.Allow("dr-1") {
		t.Fatal("first key should be allowed")
	}
	if !l.Allow("dr-2") {
		t.Fatal("second key should be allowed")
	}
	if l.Allow("dr-1") {
		t.Fatal("first key should now be over limit")
	}
}

func TestWindowResets(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: 1, Window: time.Minute}, clock)

	if !l.Allow("dr-1") {
		t.Fatal("should be allowed")
	}
	if l.Allow("dr-1") {
		t.Fatal("should be denied within window")
	}

	clock.advance(time.Minute)
	if !l.Allow("dr-1") {
		t.Fatal("should be allowed after window elapses")
	}
}

func TestEvictDropsExpiredWindows(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: 5, Window: time.Minute}, clock)

	l.Allow("dr-1")
	l.Allow("dr-2")
	clock.advance(30 * time.Second)
	l.Allow("dr-3")

	clock.advance(45 * time.Second)
	evicted := l.Evict()
	if evicted != 2 {
		t.Fatalf("expected 2 evicted, got %d", evicted)
	}
	if l.Len() != 1 {
		t.Fatalf("expected 1 tracked key, got %d", l.Len())
	}
}

func TestEvictionLoopDropsOneShotKeys(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: 5, Window: time.Minute, EvictionInterval: 5 * time.Millisecond}, clock)

	// One-shot keys: each actor calls once and never returns, so lazy
	// eviction in Allow can never reclaim them.
	for _, key := range []string{"dr-1", "dr-2", "dr-3", "10.0.0.7:52114"} {
		l.Allow(key)
	}
	clock.advance(2 * time.Minute)

	l.StartEviction()
	defer l.Stop()

	deadline := time.After(time.Second)
	for l.Len() != 0 {
		select {
		case <-deadline:
			t.Fatalf("eviction loop left %d expired windows behind", l.Len())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestZeroLimitDeniesEverything(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	l := New(Config{Limit: 0, Window: time.Minute}, clock)

	if l.Allow("dr-1") {
		t.Fatal("zero limit should deny")
	}
}
