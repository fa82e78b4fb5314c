package rebroadcast

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"xdf-rebroadcaster/internal/platform/metrics"
)

// DefaultStopTimeout bounds the cooperative-cancellation wait used by
// Close and by Load when it tears down an active replay.
const DefaultStopTimeout = 2 * time.Second

// StreamDoneFunc is called once per stream as its worker finishes, with
// the stream id and the worker's terminal outcome.
type StreamDoneFunc func(streamID int, out Outcome)

// AllDoneFunc is called exactly once after every worker of a replay group
// has finished.
type AllDoneFunc func()

// Coordinator orchestrates the replay of one recording: it loads a
// recording through a Loader, spawns one Worker per selected stream bound
// to one Sink each, and tracks the group's lifecycle as a single unit.
// At most one replay group is active per Coordinator.
type Coordinator struct {
	loader  Loader
	factory SinkFactory
	log     *slog.Logger
	metrics *metrics.Metrics

	mu    sync.Mutex
	rec   *Recording
	group *replayGroup
}

// replayGroup is the transient state of one start..stop session.
type replayGroup struct {
	id     string
	cancel context.CancelFunc
	wg     sync.WaitGroup
	sinks  []Sink
}

// NewCoordinator returns a Coordinator that loads recordings with loader
// and broadcasts through sinks built by factory. Log and metrics may be
// nil.
func NewCoordinator(loader Loader, factory SinkFactory, log *slog.Logger, m *metrics.Metrics) *Coordinator {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{loader: loader, factory: factory, log: log, metrics: m}
}

// Load parses the recording at path and makes it the coordinator's current
// recording, replacing any previously held one. An active replay is stopped
// first so the coordinator always lands in the loaded state. Errors from
// the loader pass through typed: ErrNotFound, ErrParseFailure.
func (c *Coordinator) Load(path string) (*Recording, error) {
	c.Stop(DefaultStopTimeout)

	rec, err := c.loader.Load(path)
	if err != nil {
		return nil, err
	}
	if rec.StreamCount() == 0 {
		return nil, fmt.Errorf("%w: %s contains no streams", ErrParseFailure, path)
	}

	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()

	c.log.Info("recording loaded",
		slog.String("path", path),
		slog.Int("streams", rec.StreamCount()))
	return rec, nil
}

// StreamCount returns the number of streams in the current recording, or 0
// when none is loaded.
func (c *Coordinator) StreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.StreamCount()
}

// Describe returns the descriptor of one stream of the current recording.
func (c *Coordinator) Describe(streamID int) (StreamDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.rec.StreamCount() == 0 {
		return StreamDescriptor{}, fmt.Errorf("%w: no recording loaded", ErrInvalidSelection)
	}
	if streamID < 0 || streamID >= len(c.rec.Streams) {
		return StreamDescriptor{}, fmt.Errorf("%w: stream %d of %d", ErrInvalidSelection, streamID, len(c.rec.Streams))
	}
	return c.rec.Streams[streamID], nil
}

// Running reports whether a replay group is currently active.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.group != nil
}

// ActiveStreamCount returns the number of streams in the active replay
// group, or 0 when idle. Used for metrics gauges.
func (c *Coordinator) ActiveStreamCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.group == nil {
		return 0
	}
	return len(c.group.sinks)
}

// Start spawns one replay worker per selected stream, each bound to a
// freshly created sink, and returns the sink handles in selection order.
// A nil streamIDs selects every stream. The selection is validated in full
// before any sink or worker is created. onStreamDone fires once per stream
// as its worker finishes; once all workers have reported, onAllDone fires
// exactly once and the coordinator returns to the loaded state.
func (c *Coordinator) Start(streamIDs []int, onStreamDone StreamDoneFunc, onAllDone AllDoneFunc) ([]Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.rec.StreamCount() == 0 {
		return nil, ErrNotLoaded
	}
	if c.group != nil {
		return nil, ErrAlreadyRunning
	}

	ids, err := c.selectionLocked(streamIDs)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: empty selection", ErrInvalidSelection)
	}
	for _, id := range ids {
		if err := c.rec.Streams[id].ValidateForReplay(); err != nil {
			return nil, fmt.Errorf("stream %d: %w", id, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	group := &replayGroup{id: uuid.NewString(), cancel: cancel}

	var finished atomic.Int64
	total := int64(len(ids))

	for _, id := range ids {
		desc := c.rec.Streams[id]
		matrix := c.rec.Series[id].Normalized(desc.ChannelCount)

		sink, err := c.factory.CreateSink(desc, DefaultSourceID(desc.Name))
		if err != nil {
			cancel()
			closeSinks(group.sinks)
			return nil, fmt.Errorf("stream %d: %w", id, err)
		}
		group.sinks = append(group.sinks, sink)

		streamID := id
		worker := &Worker{
			Log:     c.log.With(slog.String("session", group.id), slog.Int("stream_id", streamID)),
			Metrics: c.metrics,
			OnDone: func(out Outcome) {
				if onStreamDone != nil {
					onStreamDone(streamID, out)
				}
				if finished.Add(1) == total {
					if onAllDone != nil {
						onAllDone()
					}
					c.release(group)
				}
			},
		}

		group.wg.Add(1)
		go func() {
			defer group.wg.Done()
			worker.Run(ctx, streamID, desc, matrix, sink)
		}()
	}

	c.group = group
	if c.metrics != nil {
		c.metrics.IncReplaysStarted()
	}
	c.log.Info("replay started",
		slog.String("session", group.id),
		slog.Int("streams", len(ids)))

	return append([]Sink(nil), group.sinks...), nil
}

// Stop raises the shared cancellation flag and waits up to timeout for
// every worker to observe it and return. Workers that do not finish in
// time are abandoned; cancellation stays cooperative. The replay group is
// cleared unconditionally afterwards, so a new Start is always possible.
// Stop is a no-op when no group is active.
func (c *Coordinator) Stop(timeout time.Duration) {
	c.mu.Lock()
	group := c.group
	c.mu.Unlock()
	if group == nil {
		return
	}

	group.cancel()

	done := make(chan struct{})
	go func() {
		group.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		c.log.Warn("stop timeout expired, abandoning workers",
			slog.String("session", group.id),
			slog.Duration("timeout", timeout))
	}

	c.release(group)
	c.log.Info("replay stopped", slog.String("session", group.id))
}

// Close stops any active replay with the default timeout. It is the
// scoped-session teardown: defer it right after constructing the
// coordinator and no worker survives the enclosing scope.
func (c *Coordinator) Close() error {
	c.Stop(DefaultStopTimeout)
	return nil
}

// release clears the given group if it is still the active one and closes
// its sinks. Both the all-done path and Stop funnel through here, so a
// self-completed group and an explicit stop cannot double-close.
func (c *Coordinator) release(group *replayGroup) {
	c.mu.Lock()
	if c.group != group {
		c.mu.Unlock()
		return
	}
	c.group = nil
	c.mu.Unlock()

	group.cancel()
	closeSinks(group.sinks)
}

// selectionLocked resolves and validates the requested stream ids against
// the loaded recording: nil means all streams; duplicates are dropped; the
// result is in ascending id order. Caller must hold c.mu.
func (c *Coordinator) selectionLocked(streamIDs []int) ([]int, error) {
	if streamIDs == nil {
		ids := make([]int, len(c.rec.Streams))
		for i := range ids {
			ids[i] = i
		}
		return ids, nil
	}

	seen := make(map[int]struct{}, len(streamIDs))
	ids := make([]int, 0, len(streamIDs))
	for _, id := range streamIDs {
		if id < 0 || id >= len(c.rec.Streams) {
			return nil, fmt.Errorf("%w: stream %d of %d", ErrInvalidSelection, id, len(c.rec.Streams))
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

func closeSinks(sinks []Sink) {
	for _, s := range sinks {
		_ = s.Close()
	}
}
