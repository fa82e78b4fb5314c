package rebroadcast

import "errors"

var (
	// ErrNotFound is returned when the recording path does not exist.
	ErrNotFound = errors.New("recording not found")

	// ErrParseFailure is returned when a recording container cannot be
	// parsed or contains zero streams.
	ErrParseFailure = errors.New("recording parse failure")

	// ErrNotLoaded is returned by operations that require a loaded
	// recording when none is present.
	ErrNotLoaded = errors.New("no recording loaded")

	// ErrAlreadyRunning is returned by Start while a replay group is
	// still active.
	ErrAlreadyRunning = errors.New("replay already running")

	// ErrInvalidSelection is returned for out-of-range stream ids and for
	// descriptors that cannot be replayed.
	ErrInvalidSelection = errors.New("invalid stream selection")

	// ErrIrregularRate marks streams whose nominal rate is zero or
	// non-finite; such streams are rejected before a worker is spawned.
	ErrIrregularRate = errors.New("irregular sampling rate")

	// ErrPushFailure wraps a sink error that terminated one stream's
	// replay loop. It is stream-local and never stops sibling streams.
	ErrPushFailure = errors.New("sink push failed")

	// ErrUnsupportedEncoding is returned by sink factories (and replay
	// validation) for encodings the transport cannot represent.
	ErrUnsupportedEncoding = errors.New("unsupported sample encoding")
)
