package audio_test

import (
	"bytes"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aptrium/pkg/audio"
)

func TestFloatToInt16(t *testing.T) {
	tests := []struct {
		name string
		in   float32
		want int16
	}{
		{"zero", 0, 0},
		{"half", 0.5, 16384},
		{"negative half", -0.5, -16384},
		{"negative full scale", -1, -32768},
		{"truncates toward zero", 1.0 / 65536, 0},
		{"truncates negative toward zero", -1.0 / 65536, 0},
		// No clamping: out-of-range values wrap modulo 2^16.
		{"full scale wraps", 1, -32768},
		{"above range wraps", 1.5, -16384},
		{"below range wraps", -1.5, 16384},
		{"NaN", float32(math.NaN()), 0},
		{"positive infinity", float32(math.Inf(1)), 0},
		{"negative infinity", float32(math.Inf(-1)), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := audio.FloatToInt16([]float32{tt.in})
			if got[0] != tt.want {
				t.Errorf("FloatToInt16(%v) = %d, want %d", tt.in, got[0], tt.want)
			}
		})
	}
}

func TestCodecRoundTrip(t *testing.T) {
	const eps = 1.0 / 32768
	in := make([]float32, 0, 2001)
	for i := -1000; i <= 1000; i++ {
		// Covers [-1, 1) in uneven steps.
		in = append(in, float32(i)/1000*0.99997)
	}
	in = append(in, -1)

	out := audio.Int16ToFloat(audio.FloatToInt16(in))
	for i := range in {
		if d := math.Abs(float64(out[i] - in[i])); d > eps {
			t.Errorf("sample %d: round trip of %v gave %v (diff %v > %v)", i, in[i], out[i], d, eps)
		}
	}
}

func TestPCM16Bytes_LittleEndian(t *testing.T) {
	got := audio.PCM16Bytes([]int16{1, -2, 0x1234})
	want := []byte{0x01, 0x00, 0xFE, 0xFF, 0x34, 0x12}
	if !bytes.Equal(got, want) {
		t.Errorf("PCM16Bytes = %x, want %x", got, want)
	}
}

func TestParsePCM16(t *testing.T) {
	samples := []int16{0, 32767, -32768, 42}
	got, err := audio.ParsePCM16(audio.PCM16Bytes(samples))
	if err != nil {
		t.Fatalf("ParsePCM16: %v", err)
	}
	for i := range samples {
		if got[i] != samples[i] {
			t.Errorf("sample %d: got %d, want %d", i, got[i], samples[i])
		}
	}
}

func TestParsePCM16_OddLength(t *testing.T) {
	_, err := audio.ParsePCM16([]byte{1, 2, 3})
	if !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("expected ErrOddLength, got %v", err)
	}
}

func TestTransportRoundTrip(t *testing.T) {
	inputs := [][]byte{
		{},
		{0},
		{0xFF, 0x00, 0x7F},
		bytes.Repeat([]byte{0xAB, 0xCD}, 4096),
	}
	for _, in := range inputs {
		payload := audio.EncodeTransport(in)
		out, err := audio.DecodeTransport(payload)
		if err != nil {
			t.Fatalf("DecodeTransport(%q): %v", payload, err)
		}
		if !bytes.Equal(out, in) {
			t.Errorf("round trip of %d bytes mismatched", len(in))
		}
	}
}

func TestEncodeTransport_ZeroFrame(t *testing.T) {
	frame := audio.Frame{Samples: make([]int16, audio.DefaultFrameSize), SampleRate: audio.CaptureSampleRate, Channels: 1}
	payload := audio.EncodeTransport(frame.Bytes())
	// 8192 zero bytes encode to 10924 base64 characters, all "A" except padding.
	if len(payload) != 10924 {
		t.Fatalf("payload length = %d, want 10924", len(payload))
	}
	if strings.Trim(payload, "A=") != "" {
		t.Errorf("unexpected characters in zero payload")
	}
}

func TestDecodeTransport_Invalid(t *testing.T) {
	if _, err := audio.DecodeTransport("not base64!"); err == nil {
		t.Error("expected error for invalid payload")
	}
}

func TestDecodeSegment(t *testing.T) {
	data := audio.PCM16Bytes([]int16{16384, -16384, 0})
	buf, err := audio.DecodeSegment(data, audio.PlaybackSampleRate)
	if err != nil {
		t.Fatalf("DecodeSegment: %v", err)
	}
	if buf.Channels != 1 || buf.SampleRate != audio.PlaybackSampleRate {
		t.Errorf("unexpected format: %dHz %dch", buf.SampleRate, buf.Channels)
	}
	equalFloats(t, buf.Samples, []float32{0.5, -0.5, 0})
}

func TestDecodeSegment_Errors(t *testing.T) {
	if _, err := audio.DecodeSegment([]byte{1}, audio.PlaybackSampleRate); !errors.Is(err, audio.ErrOddLength) {
		t.Errorf("expected ErrOddLength, got %v", err)
	}
	if _, err := audio.DecodeSegment([]byte{1, 2}, 0); err == nil {
		t.Error("expected error for zero sample rate")
	}
}

func TestBufferDuration(t *testing.T) {
	buf := audio.Buffer{Samples: make([]float32, 24000), SampleRate: 24000, Channels: 1}
	if got := buf.Duration(); got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
	frame := audio.Frame{Samples: make([]int16, 4096), SampleRate: 16000, Channels: 1}
	if got := frame.Duration(); got != 256*time.Millisecond {
		t.Errorf("frame Duration = %v, want 256ms", got)
	}
}

func TestFramesAt_RoundTripsDurationOf(t *testing.T) {
	// Durations of odd frame counts are rounded; converting back must land on
	// the exact frame so consecutive segments never share a frame.
	var cursor time.Duration
	var frames int64
	for _, n := range []int{1, 7, 13, 4801, 3} {
		cursor += audio.DurationOf(n, audio.PlaybackSampleRate)
		frames += int64(n)
		if got := audio.FramesAt(cursor, audio.PlaybackSampleRate); got != frames {
			t.Errorf("FramesAt(%v) = %d, want %d", cursor, got, frames)
		}
	}
}
