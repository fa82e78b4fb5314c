package rebroadcast

import (
	"errors"
	"math"
	"testing"
)

func validDescriptor() StreamDescriptor {
	return StreamDescriptor{
		Name:         "EEG-1",
		Type:         "EEG",
		ChannelCount: 4,
		SamplingRate: 250,
		Encoding:     EncodingFloat32,
		Channels:     PlaceholderChannels(4),
	}
}

func TestStreamDescriptor_ValidateForReplay(t *testing.T) {
	if err := validDescriptor().ValidateForReplay(); err != nil {
		t.Fatalf("valid descriptor rejected: %v", err)
	}

	d := validDescriptor()
	d.SamplingRate = 0
	if err := d.ValidateForReplay(); !errors.Is(err, ErrIrregularRate) {
		t.Errorf("zero rate: want ErrIrregularRate, got %v", err)
	}

	d = validDescriptor()
	d.SamplingRate = math.NaN()
	if err := d.ValidateForReplay(); !errors.Is(err, ErrIrregularRate) {
		t.Errorf("NaN rate: want ErrIrregularRate, got %v", err)
	}

	d = validDescriptor()
	d.SamplingRate = math.Inf(1)
	if err := d.ValidateForReplay(); !errors.Is(err, ErrIrregularRate) {
		t.Errorf("Inf rate: want ErrIrregularRate, got %v", err)
	}

	d = validDescriptor()
	d.ChannelCount = 0
	d.Channels = nil
	if err := d.ValidateForReplay(); !errors.Is(err, ErrInvalidSelection) {
		t.Errorf("zero channels: want ErrInvalidSelection, got %v", err)
	}

	d = validDescriptor()
	d.Encoding = EncodingString
	if err := d.ValidateForReplay(); !errors.Is(err, ErrUnsupportedEncoding) {
		t.Errorf("string encoding: want ErrUnsupportedEncoding, got %v", err)
	}

	d = validDescriptor()
	d.Channels = PlaceholderChannels(2)
	if err := d.ValidateForReplay(); !errors.Is(err, ErrInvalidSelection) {
		t.Errorf("channel metadata mismatch: want ErrInvalidSelection, got %v", err)
	}
}

func TestStreamDescriptor_Irregular(t *testing.T) {
	cases := []struct {
		rate float64
		want bool
	}{
		{250, false},
		{0.5, false},
		{0, true},
		{-1, true},
		{math.NaN(), true},
		{math.Inf(1), true},
	}
	for _, c := range cases {
		d := StreamDescriptor{SamplingRate: c.rate}
		if got := d.Irregular(); got != c.want {
			t.Errorf("Irregular(%v) = %v, want %v", c.rate, got, c.want)
		}
	}
}

func TestSampleMatrix_Normalized_transposes_channel_major(t *testing.T) {
	// 3 channels x 5 samples, channel-major.
	channelMajor := SampleMatrix{
		{1, 2, 3, 4, 5},
		{10, 20, 30, 40, 50},
		{100, 200, 300, 400, 500},
	}
	got := channelMajor.Normalized(3)

	if got.SampleCount() != 5 {
		t.Fatalf("want 5 sample rows, got %d", got.SampleCount())
	}
	for tIdx := 0; tIdx < 5; tIdx++ {
		row := got.Row(tIdx, 3)
		want := []float64{float64(tIdx + 1), float64((tIdx + 1) * 10), float64((tIdx + 1) * 100)}
		for c := range want {
			if row[c] != want[c] {
				t.Errorf("row %d channel %d: got %v want %v", tIdx, c, row[c], want[c])
			}
		}
	}
}

func TestSampleMatrix_Normalized_keeps_samples_major(t *testing.T) {
	samplesMajor := SampleMatrix{
		{1, 10, 100},
		{2, 20, 200},
		{3, 30, 300},
		{4, 40, 400},
		{5, 50, 500},
	}
	got := samplesMajor.Normalized(3)
	if got.SampleCount() != 5 {
		t.Fatalf("samples-major input must be unchanged, got %d rows", got.SampleCount())
	}
	if got.Row(2, 3)[1] != 30 {
		t.Errorf("row 2 channel 1: got %v want 30", got.Row(2, 3)[1])
	}
}

func TestSampleMatrix_Normalized_equivalent_orientations(t *testing.T) {
	samplesMajor := SampleMatrix{{1, 10}, {2, 20}, {3, 30}}
	channelMajor := SampleMatrix{{1, 2, 3}, {10, 20, 30}}

	a := samplesMajor.Normalized(2)
	b := channelMajor.Normalized(2)
	if a.SampleCount() != b.SampleCount() {
		t.Fatalf("orientations disagree: %d vs %d rows", a.SampleCount(), b.SampleCount())
	}
	for tIdx := 0; tIdx < a.SampleCount(); tIdx++ {
		ra, rb := a.Row(tIdx, 2), b.Row(tIdx, 2)
		for c := range ra {
			if ra[c] != rb[c] {
				t.Errorf("row %d channel %d: %v vs %v", tIdx, c, ra[c], rb[c])
			}
		}
	}
}

func TestSampleMatrix_Row_pads_and_truncates(t *testing.T) {
	m := SampleMatrix{{1, 2}, {3, 4, 5, 6}}

	row := m.Row(0, 3)
	if len(row) != 3 || row[0] != 1 || row[1] != 2 || row[2] != 0 {
		t.Errorf("narrow row should be zero-padded, got %v", row)
	}

	row = m.Row(1, 3)
	if len(row) != 3 || row[2] != 5 {
		t.Errorf("wide row should be truncated, got %v", row)
	}

	row = m.Row(99, 2)
	if len(row) != 2 || row[0] != 0 || row[1] != 0 {
		t.Errorf("out-of-range row should be zeros, got %v", row)
	}
}

func TestRecording_StreamCount(t *testing.T) {
	var nilRec *Recording
	if nilRec.StreamCount() != 0 {
		t.Error("nil recording should report 0 streams")
	}

	rec := &Recording{Streams: []StreamDescriptor{validDescriptor()}}
	if rec.StreamCount() != 0 {
		t.Error("unloaded recording should report 0 streams")
	}

	rec.Loaded = true
	if rec.StreamCount() != 1 {
		t.Errorf("loaded recording should report 1 stream, got %d", rec.StreamCount())
	}
}

func TestPlaceholderChannels(t *testing.T) {
	chans := PlaceholderChannels(3)
	if len(chans) != 3 {
		t.Fatalf("want 3 entries, got %d", len(chans))
	}
	if chans[0]["label"] != "Ch1" || chans[2]["label"] != "Ch3" {
		t.Errorf("labels should be sequential, got %v", chans)
	}
}
