package internal

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterSpacesSameBearer(t *testing.T) {
	l := NewRateLimiter(0)
	ctx := context.Background()
	delay := 50 * time.Millisecond

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := l.Wait(ctx, "bearer_a", delay); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	elapsed := time.Since(start)

	// First call is free; the two that follow each pay the delay.
	if elapsed < 80*time.Millisecond {
		t.Errorf("three waits took %v, want at least ~100ms of pacing", elapsed)
	}
}

func TestRateLimiterIndependentBearers(t *testing.T) {
	l := NewRateLimiter(0)
	ctx := context.Background()
	delay := 200 * time.Millisecond

	start := time.Now()
	if err := l.Wait(ctx, "bearer_a", delay); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if err := l.Wait(ctx, "bearer_b", delay); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("first waits on distinct bearers took %v, want no pacing", elapsed)
	}
}

func TestRateLimiterZeroDelay(t *testing.T) {
	l := NewRateLimiter(0)
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 20; i++ {
		if err := l.Wait(ctx, "bearer_a", 0); err != nil {
			t.Fatalf("Wait: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("20 unpaced waits took %v", elapsed)
	}
}

func TestRateLimiterDefer(t *testing.T) {
	l := NewRateLimiter(0)
	ctx := context.Background()

	l.Defer("bearer_a", time.Now().Add(60*time.Millisecond))

	start := time.Now()
	if err := l.Wait(ctx, "bearer_a", 0); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("Wait returned after %v, deferral not honored", elapsed)
	}
}

func TestRateLimiterDeferCancellation(t *testing.T) {
	l := NewRateLimiter(0)
	l.Defer("bearer_a", time.Now().Add(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "bearer_a", 0); err == nil {
		t.Error("Wait ignored context cancellation during a deferral")
	}
}

func TestRateLimiterSweep(t *testing.T) {
	l := NewRateLimiter(20 * time.Millisecond)
	ctx := context.Background()

	if err := l.Wait(ctx, "bearer_old", 0); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	time.Sleep(40 * time.Millisecond)
	// This wait triggers the sweep that drops the idle entry.
	if err := l.Wait(ctx, "bearer_new", 0); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	l.mu.Lock()
	_, oldAlive := l.entries["bearer_old"]
	_, newAlive := l.entries["bearer_new"]
	l.mu.Unlock()

	if oldAlive {
		t.Error("idle entry survived the sweep")
	}
	if !newAlive {
		t.Error("active entry was swept")
	}
}
