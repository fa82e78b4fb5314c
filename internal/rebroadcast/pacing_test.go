package rebroadcast

import (
	"context"
	"testing"
	"time"
)

func TestTargetInstant_offsets(t *testing.T) {
	start := time.Now()

	if got := TargetInstant(start, 0, 100); !got.Equal(start) {
		t.Errorf("index 0 should be the start instant, got %v", got.Sub(start))
	}
	if got := TargetInstant(start, 100, 100); got.Sub(start) != time.Second {
		t.Errorf("100 samples at 100 Hz should be 1s, got %v", got.Sub(start))
	}
	if got := TargetInstant(start, 3, 200); got.Sub(start) != 15*time.Millisecond {
		t.Errorf("sample 3 at 200 Hz should be 15ms, got %v", got.Sub(start))
	}
}

func TestWaitFor_sign(t *testing.T) {
	now := time.Now()

	if d := WaitFor(now.Add(50*time.Millisecond), now); d != 50*time.Millisecond {
		t.Errorf("future target: want 50ms wait, got %v", d)
	}
	if d := WaitFor(now.Add(-time.Millisecond), now); d >= 0 {
		t.Errorf("past target: want negative wait, got %v", d)
	}
}

func TestWaitUntil_cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if waitUntil(ctx, time.Second) {
		t.Error("waitUntil should report false on cancelled context")
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("cancelled wait should return promptly, took %v", elapsed)
	}
}

func TestWaitUntil_elapses(t *testing.T) {
	if !waitUntil(context.Background(), time.Millisecond) {
		t.Error("waitUntil should report true after the full wait")
	}
}
