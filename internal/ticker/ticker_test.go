package ticker

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestIntervalFiresRepeatedly(t *testing.T) {
	t.Parallel()

	interval, err := NewInterval(20 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	var ticks atomic.Int32
	interval.Start(context.Background(), func() { ticks.Add(1) })
	defer interval.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("ticks = %d, want >= 2", ticks.Load())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStopHaltsTicksAndIsIdempotent(t *testing.T) {
	t.Parallel()

	interval, err := NewInterval(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	var ticks atomic.Int32
	interval.Start(context.Background(), func() { ticks.Add(1) })
	time.Sleep(50 * time.Millisecond)

	interval.Stop()
	interval.Stop()

	seen := ticks.Load()
	time.Sleep(50 * time.Millisecond)
	if got := ticks.Load(); got != seen {
		t.Fatalf("ticks advanced after stop: %d -> %d", seen, got)
	}
}

func TestContextCancelStopsTicks(t *testing.T) {
	t.Parallel()

	interval, err := NewInterval(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("NewInterval: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	interval.Start(ctx, func() { ticks.Add(1) })
	time.Sleep(40 * time.Millisecond)
	cancel()

	time.Sleep(20 * time.Millisecond)
	seen := ticks.Load()
	time.Sleep(40 * time.Millisecond)
	if got := ticks.Load(); got != seen {
		t.Fatalf("ticks advanced after cancel: %d -> %d", seen, got)
	}
}

func TestNewIntervalRejectsNonPositive(t *testing.T) {
	t.Parallel()

	if _, err := NewInterval(0); err == nil {
		t.Fatal("expected error for zero interval")
	}
	if _, err := NewInterval(-time.Second); err == nil {
		t.Fatal("expected error for negative interval")
	}
}
