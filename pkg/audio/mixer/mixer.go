// Package mixer provides [Timeline], a software [audio.OutputDevice] that
// places buffers sample-accurately on a clock and mixes them into a PCM16
// stream pulled by a sound card driver.
//
// The clock advances only as audio is read, so the timeline's CurrentTime is
// exactly the amount of audio handed to the driver.
package mixer

import (
	"cmp"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/aptrium/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.OutputDevice   = (*Timeline)(nil)
	_ audio.PlaybackHandle = (*handle)(nil)
	_ io.Reader            = (*Timeline)(nil)
)

// ErrClosed is returned by [Timeline.Schedule] after Close.
var ErrClosed = errors.New("mixer: timeline closed")

// voice is one scheduled buffer on the timeline.
type voice struct {
	id      uint64
	start   int64     // first frame index on the timeline
	samples []float32 // interleaved, timeline channel count
	onEnded func()
}

func (v *voice) end(channels int) int64 {
	return v.start + int64(len(v.samples)/channels)
}

// Timeline is a sample-counted output clock with any number of overlapping
// voices. Read renders the next block of mixed audio as little-endian PCM16;
// overlapping voices are summed and the result is clamped to full scale.
//
// All exported methods are safe for concurrent use.
type Timeline struct {
	format audio.Format

	mu     sync.Mutex
	pos    int64 // frames rendered so far
	seq    uint64
	voices map[uint64]*voice
	mix    []float32 // scratch buffer reused across reads
	closed bool
}

// NewTimeline creates an empty timeline at format. The clock starts at zero.
func NewTimeline(format audio.Format) *Timeline {
	if format.Channels <= 0 {
		format.Channels = 1
	}
	return &Timeline{
		format: format,
		voices: make(map[uint64]*voice),
	}
}

// Format implements [audio.OutputDevice].
func (t *Timeline) Format() audio.Format { return t.format }

// CurrentTime implements [audio.OutputDevice]. It returns the duration of
// audio rendered by Read so far.
func (t *Timeline) CurrentTime() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.DurationOf(int(t.pos), t.format.SampleRate)
}

// Schedule implements [audio.OutputDevice]. buf must share the timeline's
// sample rate; mono buffers are duplicated across channels.
func (t *Timeline) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.PlaybackHandle, error) {
	if buf.SampleRate != t.format.SampleRate {
		return nil, fmt.Errorf("mixer: schedule: buffer rate %d does not match timeline rate %d", buf.SampleRate, t.format.SampleRate)
	}
	samples := buf.Samples
	switch {
	case buf.Channels == t.format.Channels:
	case buf.Channels == 1:
		samples = audio.Upmix(samples, t.format.Channels)
	default:
		return nil, fmt.Errorf("mixer: schedule: cannot map %d channels onto %d", buf.Channels, t.format.Channels)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrClosed
	}

	start := max(audio.FramesAt(at, t.format.SampleRate), t.pos)
	t.seq++
	v := &voice{
		id:      t.seq,
		start:   start,
		samples: samples,
		onEnded: onEnded,
	}
	t.voices[v.id] = v
	return &handle{t: t, id: v.id, start: audio.DurationOf(int(start), t.format.SampleRate)}, nil
}

// Pending returns the number of voices that have not finished playing.
func (t *Timeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Read renders the next len(p)/(2*channels) frames. Voices that finish within
// the rendered block are removed and their onEnded callbacks run after the
// lock is released, in order of their end position. After Close, Read
// returns io.EOF.
func (t *Timeline) Read(p []byte) (int, error) {
	frameBytes := 2 * t.format.Channels
	frames := len(p) / frameBytes

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return 0, io.EOF
	}
	if frames == 0 {
		t.mu.Unlock()
		return 0, nil
	}

	n := frames * t.format.Channels
	if cap(t.mix) < n {
		t.mix = make([]float32, n)
	}
	mix := t.mix[:n]
	clear(mix)

	from, to := t.pos, t.pos+int64(frames)
	var finished []*voice
	for _, v := range t.voices {
		end := v.end(t.format.Channels)
		lo, hi := max(v.start, from), min(end, to)
		for f := lo; f < hi; f++ {
			src := (f - v.start) * int64(t.format.Channels)
			dst := (f - from) * int64(t.format.Channels)
			for ch := range int64(t.format.Channels) {
				mix[dst+ch] += v.samples[src+ch]
			}
		}
		if end <= to {
			finished = append(finished, v)
			delete(t.voices, v.id)
		}
	}
	t.pos = to

	for i, s := range mix {
		s = min(max(s, -1), 1)
		binary.LittleEndian.PutUint16(p[i*2:], uint16(int16(s*32767)))
	}
	t.mu.Unlock()

	slices.SortFunc(finished, func(a, b *voice) int {
		if c := cmp.Compare(a.end(t.format.Channels), b.end(t.format.Channels)); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	for _, v := range finished {
		if v.onEnded != nil {
			v.onEnded()
		}
	}
	return n * 2, nil
}

// Close drops every scheduled voice without running its callback. Subsequent
// reads return io.EOF. Close is idempotent.
func (t *Timeline) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	clear(t.voices)
	return nil
}

// stop removes a voice without running its callback.
func (t *Timeline) stop(id uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.voices, id)
}

// handle is the [audio.PlaybackHandle] for one voice.
type handle struct {
	t     *Timeline
	id    uint64
	start time.Duration
}

// Start implements [audio.PlaybackHandle].
func (h *handle) Start() time.Duration { return h.start }

// Stop implements [audio.PlaybackHandle].
func (h *handle) Stop() { h.t.stop(h.id) }
