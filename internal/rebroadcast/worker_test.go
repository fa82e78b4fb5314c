package rebroadcast

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// recordingSink captures pushed samples and their arrival instants.
type recordingSink struct {
	mu      sync.Mutex
	pushes  [][]float64
	times   []time.Time
	failAt  int   // fail the push with this index (0-based); -1 disables
	failErr error
	delay   time.Duration
	closed  bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{failAt: -1, failErr: errors.New("sink rejected sample")}
}

func (s *recordingSink) Push(sample []float64) error {
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAt >= 0 && len(s.pushes) == s.failAt {
		return s.failErr
	}
	s.pushes = append(s.pushes, sample)
	s.times = append(s.times, time.Now())
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushes)
}

func matrixOf(samples, channels int) SampleMatrix {
	m := make(SampleMatrix, samples)
	for t := range m {
		row := make([]float64, channels)
		for c := range row {
			row[c] = float64(t*channels + c)
		}
		m[t] = row
	}
	return m
}

func TestWorker_Run_pushes_all_rows_in_order(t *testing.T) {
	desc := validDescriptor()
	desc.SamplingRate = 500
	matrix := matrixOf(25, desc.ChannelCount)
	sink := newRecordingSink()

	var done []Outcome
	w := &Worker{OnDone: func(out Outcome) { done = append(done, out) }}

	before := time.Now()
	out := w.Run(context.Background(), 0, desc, matrix, sink)

	if out.Status != StatusCompleted {
		t.Fatalf("want completed, got %v (err %v)", out.Status, out.Err)
	}
	if out.SamplesPushed != 25 || sink.count() != 25 {
		t.Fatalf("want 25 pushes, outcome says %d, sink saw %d", out.SamplesPushed, sink.count())
	}
	if len(done) != 1 {
		t.Fatalf("OnDone should fire exactly once, fired %d times", len(done))
	}

	// Strict row order and no push before its target instant (small slop
	// for clock granularity). The worker's start is at or after `before`,
	// so targets computed from `before` are lower bounds.
	const slop = 2 * time.Millisecond
	for i, sample := range sink.pushes {
		if sample[0] != float64(i*desc.ChannelCount) {
			t.Errorf("push %d out of order: first value %v", i, sample[0])
		}
		target := TargetInstant(before, i, desc.SamplingRate)
		if sink.times[i].Add(slop).Before(target) {
			t.Errorf("push %d arrived %v before its target", i, target.Sub(sink.times[i]))
		}
	}
}

func TestWorker_Run_cancelled_stops_early(t *testing.T) {
	desc := validDescriptor()
	desc.SamplingRate = 50 // 20ms per sample
	matrix := matrixOf(1000, desc.ChannelCount)
	sink := newRecordingSink()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	w := &Worker{}
	out := w.Run(ctx, 0, desc, matrix, sink)

	if out.Status != StatusCancelled {
		t.Fatalf("want cancelled, got %v", out.Status)
	}
	if out.SamplesPushed >= 1000 || sink.count() >= 1000 {
		t.Error("cancelled run should not push all rows")
	}
	if out.SamplesPushed != sink.count() {
		t.Errorf("outcome count %d disagrees with sink %d", out.SamplesPushed, sink.count())
	}
}

func TestWorker_Run_push_failure(t *testing.T) {
	desc := validDescriptor()
	desc.SamplingRate = 10000
	matrix := matrixOf(10, desc.ChannelCount)
	sink := newRecordingSink()
	sink.failAt = 4

	var done []Outcome
	w := &Worker{OnDone: func(out Outcome) { done = append(done, out) }}
	out := w.Run(context.Background(), 7, desc, matrix, sink)

	if out.Status != StatusFailed {
		t.Fatalf("want failed, got %v", out.Status)
	}
	if !errors.Is(out.Err, ErrPushFailure) {
		t.Errorf("failure should wrap ErrPushFailure, got %v", out.Err)
	}
	if out.SamplesPushed != 4 {
		t.Errorf("want 4 samples pushed before failure, got %d", out.SamplesPushed)
	}
	if len(done) != 1 {
		t.Errorf("OnDone should fire exactly once on failure, fired %d times", len(done))
	}
}

// panickySink simulates an unexpected sink fault; the worker must convert
// it into a failed outcome instead of crashing the process.
type panickySink struct{}

func (panickySink) Push([]float64) error { panic("sink exploded") }
func (panickySink) Close() error         { return nil }

func TestWorker_Run_panic_becomes_failed_outcome(t *testing.T) {
	desc := validDescriptor()
	desc.SamplingRate = 10000
	matrix := matrixOf(3, desc.ChannelCount)

	var done []Outcome
	w := &Worker{OnDone: func(out Outcome) { done = append(done, out) }}
	out := w.Run(context.Background(), 0, desc, matrix, panickySink{})

	if out.Status != StatusFailed || out.Err == nil {
		t.Fatalf("panic should yield a failed outcome with error, got %v (err %v)", out.Status, out.Err)
	}
	if len(done) != 1 {
		t.Errorf("OnDone should still fire exactly once, fired %d times", len(done))
	}
}

func TestWorker_RunSynthetic_until_cancelled(t *testing.T) {
	sink := newRecordingSink()
	ctx, cancel := context.WithCancel(context.Background())

	w := &Worker{}
	outCh := make(chan Outcome, 1)
	go func() { outCh <- w.RunSynthetic(ctx, 1000, 4, sink) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	var out Outcome
	select {
	case out = <-outCh:
	case <-time.After(time.Second):
		t.Fatal("synthetic worker did not observe cancellation")
	}

	if out.Status != StatusCancelled {
		t.Fatalf("want cancelled, got %v", out.Status)
	}
	if sink.count() == 0 {
		t.Fatal("synthetic worker pushed nothing")
	}
	for _, sample := range sink.pushes {
		if len(sample) != 4 {
			t.Fatalf("want 4 channels per sample, got %d", len(sample))
		}
		for _, v := range sample {
			if v < -1.5 || v >= 1.5 {
				t.Fatalf("synthetic value %v outside [-1.5, 1.5)", v)
			}
		}
	}
}

func TestWorker_RunSynthetic_push_failure(t *testing.T) {
	sink := newRecordingSink()
	sink.failAt = 2

	w := &Worker{}
	out := w.RunSynthetic(context.Background(), 10000, 2, sink)

	if out.Status != StatusFailed || !errors.Is(out.Err, ErrPushFailure) {
		t.Fatalf("want failed with ErrPushFailure, got %v (err %v)", out.Status, out.Err)
	}
	if out.SamplesPushed != 2 {
		t.Errorf("want 2 samples before failure, got %d", out.SamplesPushed)
	}
}
