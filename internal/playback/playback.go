// Package playback places agent audio segments back to back on the output
// device's clock.
//
// The [Scheduler] keeps a cursor: the time at which the previously scheduled
// segment ends. Each new segment starts at the later of the cursor and the
// device's current time, so segments never overlap and a segment that arrives
// after the previous one finished plays immediately ("late").
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/aptrium/internal/observe"
	"github.com/MrWong99/aptrium/pkg/audio"
)

// ErrEmptySegment is returned by Schedule for a payload without samples.
var ErrEmptySegment = errors.New("playback: empty segment")

// Placement describes where a segment landed on the device timeline.
type Placement struct {
	Start    time.Duration
	Duration time.Duration

	// Late reports that the device clock had passed the cursor, so the
	// segment started immediately instead of at the cursor.
	Late bool
}

// End returns the time at which the segment finishes playing.
func (p Placement) End() time.Duration { return p.Start + p.Duration }

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSampleRate sets the sample rate of incoming segments. Defaults to
// [audio.PlaybackSampleRate].
func WithSampleRate(rate int) Option {
	return func(s *Scheduler) {
		if rate > 0 {
			s.sampleRate = rate
		}
	}
}

// Scheduler schedules decoded segments on an [audio.OutputDevice].
//
// All methods are safe for concurrent use.
type Scheduler struct {
	out        audio.OutputDevice
	sampleRate int
	metrics    *observe.Metrics

	conv *audio.FormatConverter

	mu     sync.Mutex
	cursor time.Duration
	nextID uint64
	active map[uint64]audio.PlaybackHandle
}

// New creates a [Scheduler] for out.
func New(out audio.OutputDevice, opts ...Option) *Scheduler {
	s := &Scheduler{
		out:        out,
		sampleRate: audio.PlaybackSampleRate,
		active:     make(map[uint64]audio.PlaybackHandle),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if f := out.Format(); f.Valid() && f != (audio.Format{SampleRate: s.sampleRate, Channels: 1}) {
		s.conv = &audio.FormatConverter{Target: f}
	}
	return s
}

// Schedule decodes a transport-encoded PCM16 segment and places it at the
// playback cursor. An error affects only this segment; the cursor is left
// untouched.
func (s *Scheduler) Schedule(encoded string) (Placement, error) {
	ctx := context.Background()

	buf, err := decode(encoded, s.sampleRate)
	if err != nil {
		s.metrics.SegmentsFailed.Add(ctx, 1)
		return Placement{}, err
	}
	if s.conv != nil {
		src := audio.Format{SampleRate: buf.SampleRate, Channels: buf.Channels}
		buf = audio.Buffer{
			Samples:    s.conv.Convert(buf.Samples, src),
			SampleRate: s.conv.Target.SampleRate,
			Channels:   s.conv.Target.Channels,
		}
	}
	dur := buf.Duration()

	// The lock is held across out.Schedule so that a completion can never
	// observe the set before its own handle is in it. Schedule does not block
	// and never runs onEnded synchronously.
	s.mu.Lock()
	now := s.out.CurrentTime()
	prev := s.cursor
	id := s.nextID
	s.nextID++
	h, err := s.out.Schedule(buf, max(prev, now), func() { s.ended(id) })
	if err != nil {
		s.mu.Unlock()
		s.metrics.SegmentsFailed.Add(ctx, 1)
		return Placement{}, fmt.Errorf("playback: schedule: %w", err)
	}
	// The driver may have rendered more audio since now was read, in which
	// case the device moved the start forward. The cursor follows the device.
	p := Placement{Start: h.Start(), Duration: dur}
	p.Late = p.Start > prev
	s.cursor = p.End()
	s.active[id] = h
	s.mu.Unlock()

	s.metrics.SegmentsScheduled.Add(ctx, 1)
	s.metrics.PlaybackLead.Record(ctx, max(p.Start-now, 0).Seconds())
	if p.Late {
		s.metrics.SegmentsLate.Add(ctx, 1)
		slog.Debug("playback: segment late, playing immediately", "behind", p.Start-prev, "duration", dur)
	}
	return p, nil
}

func decode(encoded string, rate int) (audio.Buffer, error) {
	data, err := audio.DecodeTransport(encoded)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("playback: %w", err)
	}
	buf, err := audio.DecodeSegment(data, rate)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("playback: %w", err)
	}
	if buf.Frames() == 0 {
		return audio.Buffer{}, ErrEmptySegment
	}
	return buf, nil
}

// ended runs on the device goroutine when a segment finishes naturally.
func (s *Scheduler) ended(id uint64) {
	s.mu.Lock()
	delete(s.active, id)
	s.mu.Unlock()
}

// StopAll silences every tracked segment, clears the set, and resets the
// cursor to zero. Handles are stopped outside the lock.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	handles := make([]audio.PlaybackHandle, 0, len(s.active))
	for _, h := range s.active {
		handles = append(handles, h)
	}
	clear(s.active)
	s.cursor = 0
	s.mu.Unlock()

	for _, h := range handles {
		h.Stop()
	}
	if len(handles) > 0 {
		slog.Debug("playback: stopped segments", "count", len(handles))
	}
}

// Cursor returns the time at which the last scheduled segment ends.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Active returns the number of segments scheduled or playing.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
