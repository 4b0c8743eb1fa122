package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/aucontraire/chronovista-core/internal/clock"
)

func testConfig() Config {
	return Config{
		Delay:       100 * time.Millisecond,
		BackoffBase: time.Second,
		BackoffCap:  32 * time.Second,
	}
}

func TestGovernor_Acquire_NoWaitOnFirstCall(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")

	if err := g.Acquire(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(fake.SleptDurations()) != 1 {
		t.Fatalf("expected one sleep, got %d", len(fake.SleptDurations()))
	}
	if d := fake.SleptDurations()[0]; d != 0 {
		t.Errorf("first acquire: got sleep %v, expected 0", d)
	}
}

func TestGovernor_RecordSuccess_PacesNextAcquire(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")

	ctx := context.Background()
	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	g.RecordSuccess()

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slept := fake.SleptDurations()
	if len(slept) != 2 {
		t.Fatalf("expected two sleeps, got %d", len(slept))
	}
	if slept[1] != 100*time.Millisecond {
		t.Errorf("second acquire: got sleep %v, expected %v", slept[1], 100*time.Millisecond)
	}
}

func TestGovernor_RecordThrottled_ExpandsExponentially(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")

	first := g.RecordThrottled()
	if first != time.Second {
		t.Errorf("first backoff: got %v, expected %v (BackoffBase)", first, time.Second)
	}

	second := g.RecordThrottled()
	if second != 2*time.Second {
		t.Errorf("second backoff: got %v, expected %v", second, 2*time.Second)
	}

	third := g.RecordThrottled()
	if third != 4*time.Second {
		t.Errorf("third backoff: got %v, expected %v", third, 4*time.Second)
	}
}

func TestGovernor_RecordThrottled_CapsAtBackoffCap(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")

	var last time.Duration
	for i := 0; i < 10; i++ {
		last = g.RecordThrottled()
	}
	if last != 32*time.Second {
		t.Errorf("capped backoff: got %v, expected %v (BackoffCap)", last, 32*time.Second)
	}
}

func TestGovernor_RecordThrottled_EmitsBackoffSentinel(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	var gotEntityID, gotStatus string
	cb := func(entityID, status string) {
		gotEntityID = entityID
		gotStatus = status
	}
	g := New(testConfig(), fake, cb, "test")

	g.RecordThrottled()

	if gotEntityID != "__backoff__" {
		t.Errorf("progress callback entity_id: got %q, expected %q", gotEntityID, "__backoff__")
	}
	if gotStatus == "" {
		t.Error("progress callback status should not be empty")
	}
}

func TestGovernor_RecordSuccess_ResetsBackoff(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")

	g.RecordThrottled()
	g.RecordThrottled()
	if g.CurrentBackoff() == 0 {
		t.Fatal("precondition failed: backoff should be nonzero after throttling")
	}

	g.RecordSuccess()

	if g.CurrentBackoff() != 0 {
		t.Errorf("backoff after success: got %v, expected 0", g.CurrentBackoff())
	}
	if !g.BackoffDeadline().IsZero() {
		t.Error("backoff deadline should be reset after success")
	}
}

func TestGovernor_Acquire_WaitsForBackoffDeadline(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")
	ctx := context.Background()

	g.RecordThrottled() // sets a 1s backoff deadline from "now"

	if err := g.Acquire(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	slept := fake.SleptDurations()
	last := slept[len(slept)-1]
	if last != time.Second {
		t.Errorf("acquire after throttle: got sleep %v, expected %v", last, time.Second)
	}
}

func TestGovernor_Acquire_RespectsContextCancellation(t *testing.T) {
	fake := clock.NewFake(time.Unix(0, 0))
	g := New(testConfig(), fake, nil, "test")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := g.Acquire(ctx)
	if err == nil {
		t.Fatal("expected context cancellation error, got nil")
	}
}
