// Package xdf loads XDF container files (https://github.com/sccn/xdf) into
// the rebroadcast data model. Parsing is best-effort: malformed metadata is
// coerced or defaulted rather than rejected, so a recording with usable
// sample data always loads.
package xdf

import (
	"bufio"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"xdf-rebroadcaster/internal/rebroadcast"
)

const magic = "XDF:"

// Chunk tags defined by the XDF specification.
const (
	tagFileHeader   = 1
	tagStreamHeader = 2
	tagSamples      = 3
	tagClockOffset  = 4
	tagBoundary     = 5
	tagStreamFooter = 6
)

// Loader parses XDF files. The zero value is ready to use.
type Loader struct{}

// New returns a Loader.
func New() *Loader {
	return &Loader{}
}

// Load implements rebroadcast.Loader. Stream ids are assigned in the order
// stream headers appear in the file, independent of the file's internal
// stream numbering.
func (l *Loader) Load(path string) (*rebroadcast.Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", rebroadcast.ErrNotFound, path)
		}
		return nil, fmt.Errorf("%w: %s: %v", rebroadcast.ErrParseFailure, path, err)
	}
	defer f.Close()

	rec, err := Parse(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", rebroadcast.ErrParseFailure, path, err)
	}
	if len(rec.Streams) == 0 {
		return nil, fmt.Errorf("%w: %s: no streams in file", rebroadcast.ErrParseFailure, path)
	}
	rec.Path = path
	return rec, nil
}

// parseState accumulates one stream while chunks are read.
type parseState struct {
	desc   rebroadcast.StreamDescriptor
	matrix rebroadcast.SampleMatrix
}

// Parse reads a complete XDF byte stream. Exported separately from Load so
// callers can parse from any reader (network, archive, test buffer).
func Parse(r io.Reader) (*rebroadcast.Recording, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, fmt.Errorf("reading magic: %v", err)
	}
	if string(head[:]) != magic {
		return nil, fmt.Errorf("bad magic %q", head[:])
	}

	order := make([]uint32, 0, 4)          // file stream numbers, in header order
	states := make(map[uint32]*parseState) // file stream number -> state

	for {
		content, tag, err := readChunk(r)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch tag {
		case tagStreamHeader:
			if len(content) < 4 {
				return nil, fmt.Errorf("stream header chunk too short (%d bytes)", len(content))
			}
			num := binary.LittleEndian.Uint32(content[:4])
			desc := parseHeaderXML(content[4:], len(order))
			order = append(order, num)
			states[num] = &parseState{desc: desc}

		case tagSamples:
			if len(content) < 4 {
				return nil, fmt.Errorf("samples chunk too short (%d bytes)", len(content))
			}
			num := binary.LittleEndian.Uint32(content[:4])
			st, ok := states[num]
			if !ok {
				// Samples for an unannounced stream; the file is out of
				// spec but the rest may still be usable.
				continue
			}
			rows, err := parseSamples(content[4:], st.desc)
			if err != nil {
				return nil, fmt.Errorf("stream %d samples: %v", num, err)
			}
			st.matrix = append(st.matrix, rows...)

		case tagFileHeader, tagStreamFooter, tagClockOffset, tagBoundary:
			// Metadata not needed for paced replay.

		default:
			// Unknown chunk tags are skipped per the XDF spec.
		}
	}

	rec := &rebroadcast.Recording{
		Streams: make([]rebroadcast.StreamDescriptor, 0, len(order)),
		Series:  make(map[int]rebroadcast.SampleMatrix, len(order)),
	}
	for id, num := range order {
		st := states[num]
		rec.Streams = append(rec.Streams, st.desc)
		rec.Series[id] = st.matrix.Normalized(st.desc.ChannelCount)
	}
	rec.Loaded = true
	return rec, nil
}

// readChunk reads one chunk: a 1-byte length-of-length, the little-endian
// length (which counts the 2-byte tag plus content), the tag, and the
// content. io.EOF is returned only at a clean chunk boundary.
func readChunk(r io.Reader) (content []byte, tag uint16, err error) {
	n, err := readVarLenInt(r)
	if err == io.EOF {
		return nil, 0, io.EOF
	}
	if err != nil {
		return nil, 0, fmt.Errorf("chunk length: %v", err)
	}
	if n < 2 {
		return nil, 0, fmt.Errorf("chunk length %d smaller than tag", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, 0, fmt.Errorf("chunk body: %v", err)
	}
	return buf[2:], binary.LittleEndian.Uint16(buf[:2]), nil
}

// readVarLenInt reads XDF's variable-length unsigned integer: one byte
// holding 1, 4, or 8, followed by that many little-endian value bytes.
func readVarLenInt(r io.Reader) (uint64, error) {
	var sz [1]byte
	if _, err := io.ReadFull(r, sz[:]); err != nil {
		return 0, err
	}
	switch sz[0] {
	case 1:
		var b [1]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, eofToUnexpected(err)
		}
		return uint64(b[0]), nil
	case 4:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, eofToUnexpected(err)
		}
		return uint64(binary.LittleEndian.Uint32(b[:])), nil
	case 8:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, eofToUnexpected(err)
		}
		return binary.LittleEndian.Uint64(b[:]), nil
	}
	return 0, fmt.Errorf("invalid length size %d", sz[0])
}

func eofToUnexpected(err error) error {
	if err == io.EOF {
		return io.ErrUnexpectedEOF
	}
	return err
}

// headerXML mirrors the <info> element of an XDF stream header. All fields
// are strings in the container and coerced afterwards.
type headerXML struct {
	Name          string `xml:"name"`
	Type          string `xml:"type"`
	ChannelCount  string `xml:"channel_count"`
	NominalSRate  string `xml:"nominal_srate"`
	ChannelFormat string `xml:"channel_format"`
	Desc          struct {
		Channels struct {
			Channel []channelXML `xml:"channel"`
		} `xml:"channels"`
	} `xml:"desc"`
}

// channelXML collects the arbitrary key/value children of one <channel>
// element.
type channelXML struct {
	Fields rebroadcast.ChannelMetadata
}

func (c *channelXML) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	c.Fields = rebroadcast.ChannelMetadata{}
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			var text string
			if err := d.DecodeElement(&text, &t); err != nil {
				return err
			}
			c.Fields[t.Name.Local] = strings.TrimSpace(text)
		case xml.EndElement:
			if t.Name == start.Name {
				return nil
			}
		}
	}
}

// parseHeaderXML turns a stream header's XML into a descriptor, applying
// the best-effort defaults: blank name gets a placeholder, a missing or
// non-numeric channel count defaults to 1, a non-numeric rate to 0
// (irregular), an unknown encoding to float32, and absent channel metadata
// is synthesized with sequential labels.
func parseHeaderXML(raw []byte, streamID int) rebroadcast.StreamDescriptor {
	var h headerXML
	_ = xml.Unmarshal(raw, &h) // partial data is kept on error

	desc := rebroadcast.StreamDescriptor{
		Name:         strings.TrimSpace(h.Name),
		Type:         strings.TrimSpace(h.Type),
		ChannelCount: coerceInt(h.ChannelCount, 1),
		SamplingRate: coerceFloat(h.NominalSRate, 0),
		Encoding:     coerceEncoding(h.ChannelFormat),
	}
	if desc.Name == "" {
		desc.Name = rebroadcast.PlaceholderName(streamID)
	}
	if desc.Type == "" {
		desc.Type = "Unknown"
	}
	if desc.ChannelCount < 1 {
		desc.ChannelCount = 1
	}
	if math.IsNaN(desc.SamplingRate) || math.IsInf(desc.SamplingRate, 0) {
		desc.SamplingRate = 0
	}

	for _, ch := range h.Desc.Channels.Channel {
		if len(ch.Fields) > 0 {
			desc.Channels = append(desc.Channels, ch.Fields)
		}
	}
	switch {
	case len(desc.Channels) == 0:
		desc.Channels = rebroadcast.PlaceholderChannels(desc.ChannelCount)
	case len(desc.Channels) > desc.ChannelCount:
		desc.Channels = desc.Channels[:desc.ChannelCount]
	case len(desc.Channels) < desc.ChannelCount:
		missing := rebroadcast.PlaceholderChannels(desc.ChannelCount)
		desc.Channels = append(desc.Channels, missing[len(desc.Channels):]...)
	}
	return desc
}

func coerceInt(s string, fallback int) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return fallback
}

func coerceFloat(s string, fallback float64) float64 {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return fallback
}

func coerceEncoding(s string) rebroadcast.Encoding {
	e := rebroadcast.Encoding(strings.TrimPrefix(strings.TrimSpace(s), "cf_"))
	if !e.Valid() {
		return rebroadcast.EncodingFloat32
	}
	return e
}

// parseSamples decodes the body of one Samples chunk (after the stream
// number): a variable-length sample count followed by the samples, each an
// optional 8-byte timestamp and channel-count values in the stream's
// encoding. Timestamps are discarded; replay pacing is derived from the
// nominal rate alone. String values decode to 0 so the matrix keeps its
// shape even for marker streams.
func parseSamples(body []byte, desc rebroadcast.StreamDescriptor) (rebroadcast.SampleMatrix, error) {
	r := &sliceReader{buf: body}

	count, err := r.varLenInt()
	if err != nil {
		return nil, fmt.Errorf("sample count: %v", err)
	}

	rows := make(rebroadcast.SampleMatrix, 0, count)
	for i := uint64(0); i < count; i++ {
		tsBytes, err := r.byte()
		if err != nil {
			return nil, fmt.Errorf("sample %d timestamp marker: %v", i, err)
		}
		switch tsBytes {
		case 0:
		case 8:
			if _, err := r.take(8); err != nil {
				return nil, fmt.Errorf("sample %d timestamp: %v", i, err)
			}
		default:
			return nil, fmt.Errorf("sample %d: invalid timestamp size %d", i, tsBytes)
		}

		row := make([]float64, desc.ChannelCount)
		for c := 0; c < desc.ChannelCount; c++ {
			v, err := r.value(desc.Encoding)
			if err != nil {
				return nil, fmt.Errorf("sample %d channel %d: %v", i, c, err)
			}
			row[c] = v
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// sliceReader is a tiny cursor over a chunk body.
type sliceReader struct {
	buf []byte
	off int
}

func (r *sliceReader) take(n int) ([]byte, error) {
	if r.off+n > len(r.buf) {
		return nil, io.ErrUnexpectedEOF
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *sliceReader) byte() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *sliceReader) varLenInt() (uint64, error) {
	sz, err := r.byte()
	if err != nil {
		return 0, err
	}
	switch sz {
	case 1:
		b, err := r.take(1)
		if err != nil {
			return 0, err
		}
		return uint64(b[0]), nil
	case 4:
		b, err := r.take(4)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint32(b)), nil
	case 8:
		b, err := r.take(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	}
	return 0, fmt.Errorf("invalid length size %d", sz)
}

func (r *sliceReader) value(enc rebroadcast.Encoding) (float64, error) {
	switch enc {
	case rebroadcast.EncodingFloat32:
		b, err := r.take(4)
		if err != nil {
			return 0, err
		}
		return float64(math.Float32frombits(binary.LittleEndian.Uint32(b))), nil
	case rebroadcast.EncodingDouble64:
		b, err := r.take(8)
		if err != nil {
			return 0, err
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
	case rebroadcast.EncodingInt8:
		b, err := r.take(1)
		if err != nil {
			return 0, err
		}
		return float64(int8(b[0])), nil
	case rebroadcast.EncodingInt16:
		b, err := r.take(2)
		if err != nil {
			return 0, err
		}
		return float64(int16(binary.LittleEndian.Uint16(b))), nil
	case rebroadcast.EncodingInt32:
		b, err := r.take(4)
		if err != nil {
			return 0, err
		}
		return float64(int32(binary.LittleEndian.Uint32(b))), nil
	case rebroadcast.EncodingInt64:
		b, err := r.take(8)
		if err != nil {
			return 0, err
		}
		return float64(int64(binary.LittleEndian.Uint64(b))), nil
	case rebroadcast.EncodingString:
		n, err := r.varLenInt()
		if err != nil {
			return 0, err
		}
		if _, err := r.take(int(n)); err != nil {
			return 0, err
		}
		return 0, nil
	}
	return 0, fmt.Errorf("unknown encoding %q", enc)
}
