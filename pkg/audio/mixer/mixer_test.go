package mixer_test

import (
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/audio/mixer"
)

const rate = 1000 // 1 frame per millisecond keeps arithmetic readable

func constant(v float32, frames int) audio.Buffer {
	s := make([]float32, frames)
	for i := range s {
		s[i] = v
	}
	return audio.Buffer{Samples: s, SampleRate: rate, Channels: 1}
}

// readFrames pulls n mono frames from tl and returns them as int16 samples.
func readFrames(t *testing.T, tl *mixer.Timeline, n int) []int16 {
	t.Helper()
	p := make([]byte, n*2)
	got, err := tl.Read(p)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != len(p) {
		t.Fatalf("Read returned %d bytes, want %d", got, len(p))
	}
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(p[i*2:]))
	}
	return out
}

// recorder collects onEnded callbacks in call order.
type recorder struct {
	mu    sync.Mutex
	names []string
}

func (r *recorder) cb(name string) func() {
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.names = append(r.names, name)
	}
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.names...)
}

func TestTimeline_ClockAdvancesWithReads(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	if got := tl.CurrentTime(); got != 0 {
		t.Fatalf("initial CurrentTime = %v, want 0", got)
	}
	readFrames(t, tl, 250)
	if got := tl.CurrentTime(); got != 250*time.Millisecond {
		t.Errorf("CurrentTime = %v, want 250ms", got)
	}
}

func TestTimeline_BackToBackSegments(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	var rec recorder

	if _, err := tl.Schedule(constant(0.5, 3), 0, rec.cb("a")); err != nil {
		t.Fatalf("Schedule a: %v", err)
	}
	if _, err := tl.Schedule(constant(-0.5, 2), 3*time.Millisecond, rec.cb("b")); err != nil {
		t.Fatalf("Schedule b: %v", err)
	}
	if n := len(rec.get()); n != 0 {
		t.Fatalf("onEnded ran during Schedule (%d calls)", n)
	}

	got := readFrames(t, tl, 6)
	want := []int16{16383, 16383, 16383, -16383, -16383, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: got %d, want %d", i, got[i], want[i])
		}
	}
	if names := rec.get(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Errorf("onEnded order = %v, want [a b]", names)
	}
	if tl.Pending() != 0 {
		t.Errorf("Pending = %d, want 0", tl.Pending())
	}
}

func TestTimeline_LateStartPlaysImmediately(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	readFrames(t, tl, 10)

	h, err := tl.Schedule(constant(0.5, 2), 2*time.Millisecond, nil)
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if got := h.Start(); got != 10*time.Millisecond {
		t.Errorf("Start = %v, want the clock at scheduling (10ms)", got)
	}
	got := readFrames(t, tl, 3)
	want := []int16{16383, 16383, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("frame %d: got %d, want %d", i, got[i], want[i])
		}
	}
}

func TestTimeline_OverlapIsClamped(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	tl.Schedule(constant(0.75, 1), 0, nil)
	tl.Schedule(constant(0.75, 1), 0, nil)
	if got := readFrames(t, tl, 1); got[0] != 32767 {
		t.Errorf("mixed sample = %d, want 32767", got[0])
	}
}

func TestTimeline_StopSilencesWithoutCallback(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	var rec recorder
	h, err := tl.Schedule(constant(0.5, 4), 0, rec.cb("a"))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	readFrames(t, tl, 2)
	h.Stop()
	h.Stop() // idempotent

	got := readFrames(t, tl, 2)
	if got[0] != 0 || got[1] != 0 {
		t.Errorf("expected silence after Stop, got %v", got)
	}
	if names := rec.get(); len(names) != 0 {
		t.Errorf("onEnded ran after Stop: %v", names)
	}
}

func TestTimeline_StereoUpmix(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 2})
	if _, err := tl.Schedule(constant(0.5, 1), 0, nil); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	got := readFrames(t, tl, 2) // one stereo frame
	if got[0] != 16383 || got[1] != 16383 {
		t.Errorf("stereo frame = %v, want both channels 16383", got)
	}
}

func TestTimeline_RateMismatch(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	buf := constant(0.5, 1)
	buf.SampleRate = 24000
	if _, err := tl.Schedule(buf, 0, nil); err == nil {
		t.Error("expected error for mismatched sample rate")
	}
}

func TestTimeline_Close(t *testing.T) {
	tl := mixer.NewTimeline(audio.Format{SampleRate: rate, Channels: 1})
	var rec recorder
	tl.Schedule(constant(0.5, 1), 0, rec.cb("a"))

	if err := tl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := tl.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := tl.Read(make([]byte, 2)); !errors.Is(err, io.EOF) {
		t.Errorf("Read after Close: got %v, want io.EOF", err)
	}
	if _, err := tl.Schedule(constant(0.5, 1), 0, nil); !errors.Is(err, mixer.ErrClosed) {
		t.Errorf("Schedule after Close: got %v, want ErrClosed", err)
	}
	if names := rec.get(); len(names) != 0 {
		t.Errorf("onEnded ran after Close: %v", names)
	}
}
