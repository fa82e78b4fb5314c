package rebroadcast

import "strings"

// Sink is one outbound broadcast channel for a single stream. Push accepts
// one sample row whose length equals the stream's channel count. Push must
// not block indefinitely; a failed push terminates only the owning stream.
type Sink interface {
	Push(sample []float64) error
	Close() error
}

// SinkFactory constructs a configured Sink from a stream descriptor. The
// factory must reject encodings its transport cannot represent with an
// error wrapping ErrUnsupportedEncoding.
type SinkFactory interface {
	CreateSink(desc StreamDescriptor, sourceID string) (Sink, error)
}

// Loader parses one recording container file into a Recording. Missing
// paths are reported via ErrNotFound, unreadable or empty containers via
// ErrParseFailure.
type Loader interface {
	Load(path string) (*Recording, error)
}

// DefaultSourceID derives the deterministic broadcast source id used when
// the caller supplies none. Rebroadcasts of the same stream name reuse the
// same id, so consumers can resolve the stream across replay sessions.
func DefaultSourceID(name string) string {
	return "xdf-rebroadcast_" + strings.TrimSpace(name)
}
