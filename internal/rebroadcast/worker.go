package rebroadcast

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"xdf-rebroadcaster/internal/platform/metrics"
)

// Status classifies how a replay worker ended.
type Status int

const (
	// StatusCompleted means every sample row was pushed.
	StatusCompleted Status = iota
	// StatusCancelled means the shared cancellation token was observed
	// before the rows were exhausted.
	StatusCancelled
	// StatusFailed means the sink rejected a push or the worker hit an
	// unexpected error.
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusCancelled:
		return "cancelled"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Outcome is the terminal report of one worker run.
type Outcome struct {
	Status Status
	// SamplesPushed counts the rows successfully pushed before the run
	// ended, whatever the status.
	SamplesPushed int
	// Err carries the failure for StatusFailed outcomes.
	Err error
}

// Worker owns the emission loop for a single stream: it paces sample rows
// against the stream's nominal rate and pushes them through one sink.
// Log and Metrics may be nil. OnDone, when set, is invoked exactly once as
// the final action of a run, regardless of outcome.
type Worker struct {
	Log     *slog.Logger
	Metrics *metrics.Metrics
	OnDone  func(Outcome)
}

// Run replays matrix through sink at desc.SamplingRate. The caller must
// have validated desc via ValidateForReplay; matrix is assumed to already
// be in samples x channels orientation. Cancellation is cooperative: the
// context is checked once per iteration and aborts any in-progress pacing
// wait.
func (w *Worker) Run(ctx context.Context, streamID int, desc StreamDescriptor, matrix SampleMatrix, sink Sink) (out Outcome) {
	defer w.finish(&out)

	total := matrix.SampleCount()
	if w.Log != nil {
		w.Log.Info("stream replay started",
			slog.String("name", desc.Name),
			slog.Float64("rate_hz", desc.SamplingRate),
			slog.Int("channels", desc.ChannelCount),
			slog.Int("samples", total))
	}

	start := time.Now()
	for t := 0; t < total; t++ {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, SamplesPushed: t}
		}

		wait := WaitFor(TargetInstant(start, t, desc.SamplingRate), time.Now())
		if wait > 0 {
			if !waitUntil(ctx, wait) {
				return Outcome{Status: StatusCancelled, SamplesPushed: t}
			}
		} else if wait < 0 && w.Metrics != nil {
			w.Metrics.IncLateSamples()
		}

		if err := sink.Push(matrix.Row(t, desc.ChannelCount)); err != nil {
			if w.Metrics != nil {
				w.Metrics.IncPushErrors()
			}
			return Outcome{
				Status:        StatusFailed,
				SamplesPushed: t,
				Err:           fmt.Errorf("%w: stream %d sample %d: %v", ErrPushFailure, streamID, t, err),
			}
		}
		if w.Metrics != nil {
			w.Metrics.IncSamplesPushed()
		}
	}

	return Outcome{Status: StatusCompleted, SamplesPushed: total}
}

// RunSynthetic pushes uniformly distributed samples in [-1.5, 1.5) through
// sink at the given rate and channel count until cancellation. It is used
// when no recording is loaded and has no natural completion: the outcome is
// always cancelled or failed.
func (w *Worker) RunSynthetic(ctx context.Context, hz float64, channelCount int, sink Sink) (out Outcome) {
	defer w.finish(&out)

	desc := StreamDescriptor{SamplingRate: hz}
	if channelCount <= 0 {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: synthetic stream with %d channels", ErrInvalidSelection, channelCount)}
	}
	if desc.Irregular() {
		return Outcome{Status: StatusFailed, Err: fmt.Errorf("%w: synthetic stream at %v Hz", ErrIrregularRate, hz)}
	}

	if w.Log != nil {
		w.Log.Info("synthetic replay started",
			slog.Float64("rate_hz", hz),
			slog.Int("channels", channelCount))
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	start := time.Now()
	for t := 0; ; t++ {
		if ctx.Err() != nil {
			return Outcome{Status: StatusCancelled, SamplesPushed: t}
		}

		wait := WaitFor(TargetInstant(start, t, hz), time.Now())
		if wait > 0 {
			if !waitUntil(ctx, wait) {
				return Outcome{Status: StatusCancelled, SamplesPushed: t}
			}
		} else if wait < 0 && w.Metrics != nil {
			w.Metrics.IncLateSamples()
		}

		sample := make([]float64, channelCount)
		for i := range sample {
			sample[i] = rng.Float64()*3.0 - 1.5
		}
		if err := sink.Push(sample); err != nil {
			if w.Metrics != nil {
				w.Metrics.IncPushErrors()
			}
			return Outcome{
				Status:        StatusFailed,
				SamplesPushed: t,
				Err:           fmt.Errorf("%w: synthetic sample %d: %v", ErrPushFailure, t, err),
			}
		}
		if w.Metrics != nil {
			w.Metrics.IncSamplesPushed()
		}
	}
}

// finish converts panics into failed outcomes and fires OnDone exactly
// once. Worker failures must never propagate past the goroutine boundary:
// sibling streams and the coordinator keep running.
func (w *Worker) finish(out *Outcome) {
	if r := recover(); r != nil {
		*out = Outcome{Status: StatusFailed, Err: fmt.Errorf("worker panic: %v", r)}
	}
	if w.Log != nil {
		attrs := []any{
			slog.String("status", out.Status.String()),
			slog.Int("samples_pushed", out.SamplesPushed),
		}
		if out.Err != nil {
			attrs = append(attrs, slog.String("error", out.Err.Error()))
		}
		w.Log.Info("stream replay finished", attrs...)
	}
	if w.Metrics != nil {
		w.Metrics.IncStreamsFinished(out.Status.String())
	}
	if w.OnDone != nil {
		w.OnDone(*out)
	}
}
