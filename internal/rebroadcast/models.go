package rebroadcast

import (
	"fmt"
	"math"
)

// Encoding identifies the per-sample value encoding declared by a stream.
// The values mirror the channel_format strings used by the XDF container.
type Encoding string

const (
	EncodingFloat32  Encoding = "float32"
	EncodingDouble64 Encoding = "double64"
	EncodingInt8     Encoding = "int8"
	EncodingInt16    Encoding = "int16"
	EncodingInt32    Encoding = "int32"
	EncodingInt64    Encoding = "int64"
	EncodingString   Encoding = "string"
)

// Numeric reports whether the encoding carries numeric sample values.
func (e Encoding) Numeric() bool {
	switch e {
	case EncodingFloat32, EncodingDouble64, EncodingInt8, EncodingInt16, EncodingInt32, EncodingInt64:
		return true
	}
	return false
}

// Valid reports whether the encoding is a member of the fixed enumeration.
func (e Encoding) Valid() bool {
	return e.Numeric() || e == EncodingString
}

// ChannelMetadata holds the free-form key/value metadata of one channel
// (label, unit, type, ...).
type ChannelMetadata map[string]string

// StreamDescriptor is the immutable metadata of one stream in a recording.
type StreamDescriptor struct {
	// Name is the display name. Loaders substitute a generated placeholder
	// when the source recording has a blank name.
	Name string

	// Type is a free-form semantic tag (e.g. "EEG", "Markers").
	Type string

	// ChannelCount is the number of values per sample. Must be positive
	// for replay.
	ChannelCount int

	// SamplingRate is the nominal rate in Hz. Zero or non-finite means
	// the stream is irregularly sampled and cannot be replayed.
	SamplingRate float64

	// Encoding is the declared per-value encoding.
	Encoding Encoding

	// Channels holds per-channel metadata. When non-empty its length
	// equals ChannelCount.
	Channels []ChannelMetadata
}

// Irregular reports whether the descriptor declares an irregular sampling
// rate: zero, negative, or non-finite.
func (d StreamDescriptor) Irregular() bool {
	return d.SamplingRate <= 0 || math.IsNaN(d.SamplingRate) || math.IsInf(d.SamplingRate, 0)
}

// ValidateForReplay checks the preconditions a stream must meet before a
// replay worker may be spawned for it.
func (d StreamDescriptor) ValidateForReplay() error {
	if d.ChannelCount <= 0 {
		return fmt.Errorf("%w: %q has channel count %d", ErrInvalidSelection, d.Name, d.ChannelCount)
	}
	if d.Irregular() {
		return fmt.Errorf("%w: %q declares nominal rate %v", ErrIrregularRate, d.Name, d.SamplingRate)
	}
	if !d.Encoding.Numeric() {
		return fmt.Errorf("%w: %q uses encoding %q", ErrUnsupportedEncoding, d.Name, d.Encoding)
	}
	if len(d.Channels) != 0 && len(d.Channels) != d.ChannelCount {
		return fmt.Errorf("%w: %q has %d channel metadata entries for %d channels",
			ErrInvalidSelection, d.Name, len(d.Channels), d.ChannelCount)
	}
	return nil
}

// PlaceholderName returns the generated display name used when a source
// recording carries no usable stream name.
func PlaceholderName(streamID int) string {
	return fmt.Sprintf("Stream-%d", streamID)
}

// PlaceholderChannels synthesizes sequential channel metadata entries for
// recordings that declare channels but carry no per-channel description.
func PlaceholderChannels(count int) []ChannelMetadata {
	chans := make([]ChannelMetadata, count)
	for i := range chans {
		chans[i] = ChannelMetadata{"label": fmt.Sprintf("Ch%d", i+1), "type": "Unknown"}
	}
	return chans
}

// SampleMatrix is a two-dimensional sample buffer, logically shaped
// samples x channels.
type SampleMatrix [][]float64

// SampleCount returns the number of sample rows.
func (m SampleMatrix) SampleCount() int {
	return len(m)
}

// Normalized returns the matrix in samples x channels orientation. A matrix
// stored channel-major (first dimension smaller than the second and equal to
// the declared channel count) is transposed; anything else is returned as is.
func (m SampleMatrix) Normalized(channelCount int) SampleMatrix {
	if len(m) == 0 || channelCount <= 0 {
		return m
	}
	if len(m) >= len(m[0]) || len(m) != channelCount {
		return m
	}
	out := make(SampleMatrix, len(m[0]))
	for t := range out {
		row := make([]float64, channelCount)
		for c := 0; c < channelCount; c++ {
			if t < len(m[c]) {
				row[c] = m[c][t]
			}
		}
		out[t] = row
	}
	return out
}

// Row returns sample row t shaped to exactly channelCount values: wider rows
// are truncated, narrower rows are zero-padded. The returned slice is a copy.
func (m SampleMatrix) Row(t, channelCount int) []float64 {
	row := make([]float64, channelCount)
	if t < 0 || t >= len(m) {
		return row
	}
	copy(row, m[t])
	return row
}

// Recording is the parsed result of loading one container file. It is
// constructed once by a Loader and never mutated afterwards, so it is safe
// to share across replay workers without synchronization.
type Recording struct {
	// Path is the source file the recording was loaded from.
	Path string

	// Streams lists the stream descriptors; the index is the stream id.
	Streams []StreamDescriptor

	// Series maps a stream id to its sample matrix.
	Series map[int]SampleMatrix

	// Loaded marks a recording as fully parsed and usable for replay.
	Loaded bool
}

// StreamCount returns the number of streams, or 0 for a nil or unloaded
// recording.
func (r *Recording) StreamCount() int {
	if r == nil || !r.Loaded {
		return 0
	}
	return len(r.Streams)
}
