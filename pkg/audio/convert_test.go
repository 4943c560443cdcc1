package audio_test

import (
	"testing"

	"github.com/MrWong99/aptrium/pkg/audio"
)

func equalFloats(t *testing.T, got, want []float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d: got %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDownmix(t *testing.T) {
	// Two stereo frames: L=0.25,R=0.75 and L=-0.5,R=-1
	got := audio.Downmix([]float32{0.25, 0.75, -0.5, -1}, 2)
	equalFloats(t, got, []float32{0.5, -0.75})
}

func TestDownmix_Mono(t *testing.T) {
	in := []float32{0.1, 0.2}
	got := audio.Downmix(in, 1)
	if &got[0] != &in[0] {
		t.Error("expected same slice for mono input")
	}
}

func TestUpmix(t *testing.T) {
	got := audio.Upmix([]float32{0.5, -0.25}, 2)
	equalFloats(t, got, []float32{0.5, 0.5, -0.25, -0.25})
}

func TestResampleMono_SameRate(t *testing.T) {
	in := []float32{0.1, 0.2, 0.3}
	out := audio.ResampleMono(in, 16000, 16000)
	if len(out) != len(in) {
		t.Fatalf("length mismatch: got %d, want %d", len(out), len(in))
	}
}

func TestResampleMono_Downsample(t *testing.T) {
	// 48 kHz → 16 kHz keeps every third sample.
	in := []float32{0, 0.25, 0.5, 0.75, 1, 0.5}
	out := audio.ResampleMono(in, 48000, 16000)
	equalFloats(t, out, []float32{0, 0.75})
}

func TestResampleMono_Upsample(t *testing.T) {
	out := audio.ResampleMono([]float32{0.25, 0.5}, 16000, 48000)
	if len(out) != 6 {
		t.Fatalf("expected 6 samples, got %d", len(out))
	}
	if out[0] != 0.25 {
		t.Errorf("first sample: got %v, want 0.25", out[0])
	}
	if last := out[len(out)-1]; last < 0.45 || last > 0.55 {
		t.Errorf("last sample: got %v, want close to 0.5", last)
	}
}

func TestResampleMono_ZeroRate(t *testing.T) {
	in := []float32{0.1, 0.2}
	if out := audio.ResampleMono(in, 0, 16000); len(out) != len(in) {
		t.Errorf("expected unchanged output for zero srcRate, got len %d", len(out))
	}
	if out := audio.ResampleMono(in, 16000, -1); len(out) != len(in) {
		t.Errorf("expected unchanged output for negative dstRate, got len %d", len(out))
	}
}

func TestFormatConverter_NoOp(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.CaptureFormat}
	in := []float32{0.1, 0.2}
	out := conv.Convert(in, audio.CaptureFormat)
	if &out[0] != &in[0] {
		t.Error("expected same slice (zero allocation) for matching format")
	}
}

func TestFormatConverter_StereoToCapture(t *testing.T) {
	// 48 kHz stereo → 16 kHz mono.
	conv := audio.FormatConverter{Target: audio.CaptureFormat}
	in := make([]float32, 48*2)
	for i := range in {
		in[i] = 0.5
	}
	out := conv.Convert(in, audio.Format{SampleRate: 48000, Channels: 2})
	if len(out) != 16 {
		t.Fatalf("expected 16 samples, got %d", len(out))
	}
	for i, s := range out {
		if s != 0.5 {
			t.Errorf("sample %d: got %v, want 0.5", i, s)
		}
	}
}

func TestFormatConverter_InvalidSource(t *testing.T) {
	conv := audio.FormatConverter{Target: audio.CaptureFormat}
	if out := conv.Convert([]float32{0.1}, audio.Format{}); out != nil {
		t.Errorf("expected nil for invalid source format, got %v", out)
	}
}

func TestFormatString(t *testing.T) {
	tests := []struct {
		format audio.Format
		want   string
	}{
		{audio.CaptureFormat, "16000Hz mono"},
		{audio.Format{SampleRate: 48000, Channels: 2}, "48000Hz stereo"},
		{audio.Format{SampleRate: 44100, Channels: 6}, "44100Hz 6ch"},
	}
	for _, tt := range tests {
		if got := tt.format.String(); got != tt.want {
			t.Errorf("Format%+v.String() = %q, want %q", tt.format, got, tt.want)
		}
	}
}
