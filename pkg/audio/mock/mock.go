// Package mock provides in-memory mock implementations of the [audio.InputBackend],
// [audio.InputDevice], [audio.OutputBackend], and [audio.OutputDevice]
// interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.InputDevice{}
//	in := &mock.InputBackend{Device: mic}
//	spk := &mock.OutputDevice{}
//	out := &mock.OutputBackend{Device: spk}
//	// ... start a session, then drive it:
//	mic.Emit(make([]float32, 4096))
//	spk.SetTime(500 * time.Millisecond)
//	spk.Finish(0)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/aptrium/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputBackend   = (*InputBackend)(nil)
	_ audio.InputDevice    = (*InputDevice)(nil)
	_ audio.OutputBackend  = (*OutputBackend)(nil)
	_ audio.OutputDevice   = (*OutputDevice)(nil)
	_ audio.PlaybackHandle = (*Scheduled)(nil)
)

// ─── InputBackend ─────────────────────────────────────────────────────────────

// InputBackend is a mock implementation of [audio.InputBackend].
type InputBackend struct {
	mu sync.Mutex

	// Device is returned by OpenInput. A fresh [InputDevice] is created when nil.
	Device *InputDevice

	// OpenInputErr is returned by OpenInput when non-nil.
	OpenInputErr error

	// CallCountOpenInput records how many times OpenInput was called.
	CallCountOpenInput int

	// LastFormat holds the format requested by the most recent OpenInput call.
	LastFormat audio.Format
}

// OpenInput implements [audio.InputBackend].
func (b *InputBackend) OpenInput(_ context.Context, want audio.Format) (audio.InputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpenInput++
	b.LastFormat = want
	if b.OpenInputErr != nil {
		return nil, b.OpenInputErr
	}
	if b.Device == nil {
		b.Device = &InputDevice{}
	}
	b.Device.mu.Lock()
	if !b.Device.FormatResult.Valid() {
		b.Device.FormatResult = want
	}
	b.Device.mu.Unlock()
	return b.Device, nil
}

// ─── InputDevice ──────────────────────────────────────────────────────────────

// InputDevice is a mock implementation of [audio.InputDevice]. Tests push
// audio through [InputDevice.Emit].
type InputDevice struct {
	mu sync.Mutex

	// FormatResult is returned by Format. OpenInput fills it with the requested
	// format when left zero.
	FormatResult audio.Format

	// StartErr, StopErr and CloseErr are returned by the matching methods.
	StartErr error
	StopErr  error
	CloseErr error

	CallCountStart int
	CallCountStop  int
	CallCountClose int

	onSamples func([]float32)
}

// Format implements [audio.InputDevice].
func (d *InputDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.FormatResult
}

// Start implements [audio.InputDevice].
func (d *InputDevice) Start(onSamples func([]float32)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStart++
	if d.StartErr != nil {
		return d.StartErr
	}
	d.onSamples = onSamples
	return nil
}

// Stop implements [audio.InputDevice].
func (d *InputDevice) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStop++
	d.onSamples = nil
	return d.StopErr
}

// Close implements [audio.InputDevice].
func (d *InputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	d.onSamples = nil
	return d.CloseErr
}

// Running reports whether the device is delivering samples.
func (d *InputDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.onSamples != nil
}

// Emit delivers samples to the registered callback, as the device goroutine
// would. It reports false when the device is not running.
func (d *InputDevice) Emit(samples []float32) bool {
	d.mu.Lock()
	fn := d.onSamples
	d.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(samples)
	return true
}

// ─── OutputBackend ────────────────────────────────────────────────────────────

// OutputBackend is a mock implementation of [audio.OutputBackend].
type OutputBackend struct {
	mu sync.Mutex

	// Device is returned by OpenOutput. A fresh [OutputDevice] is created when nil.
	Device *OutputDevice

	// OpenOutputErr is returned by OpenOutput when non-nil.
	OpenOutputErr error

	// CallCountOpenOutput records how many times OpenOutput was called.
	CallCountOpenOutput int

	// LastFormat holds the format requested by the most recent OpenOutput call.
	LastFormat audio.Format
}

// OpenOutput implements [audio.OutputBackend].
func (b *OutputBackend) OpenOutput(_ context.Context, want audio.Format) (audio.OutputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountOpenOutput++
	b.LastFormat = want
	if b.OpenOutputErr != nil {
		return nil, b.OpenOutputErr
	}
	if b.Device == nil {
		b.Device = &OutputDevice{}
	}
	b.Device.mu.Lock()
	if !b.Device.FormatResult.Valid() {
		b.Device.FormatResult = want
	}
	b.Device.mu.Unlock()
	return b.Device, nil
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// Scheduled records one [OutputDevice.Schedule] call. It doubles as the
// returned [audio.PlaybackHandle].
type Scheduled struct {
	Buffer audio.Buffer
	At     time.Duration

	// Began is the effective start: At, or the device clock when Schedule
	// was called if that was later.
	Began time.Duration

	d         *OutputDevice
	onEnded   func()
	stopCalls int
	ended     bool
}

// Start implements [audio.PlaybackHandle].
func (s *Scheduled) Start() time.Duration { return s.Began }

// Stop implements [audio.PlaybackHandle].
func (s *Scheduled) Stop() {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.stopCalls++
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a
// manually driven clock.
type OutputDevice struct {
	mu sync.Mutex

	// FormatResult is returned by Format. OpenOutput fills it with the
	// requested format when left zero.
	FormatResult audio.Format

	// ScheduleErr is returned by Schedule when non-nil.
	ScheduleErr error

	// CloseErr is returned by Close.
	CloseErr error

	CallCountSchedule int
	CallCountClose    int

	now       time.Duration
	scheduled []*Scheduled
}

// Format implements [audio.OutputDevice].
func (d *OutputDevice) Format() audio.Format {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.FormatResult
}

// CurrentTime implements [audio.OutputDevice]. It returns the time set by
// [OutputDevice.SetTime].
func (d *OutputDevice) CurrentTime() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// SetTime moves the device clock.
func (d *OutputDevice) SetTime(now time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Schedule implements [audio.OutputDevice].
func (d *OutputDevice) Schedule(buf audio.Buffer, at time.Duration, onEnded func()) (audio.PlaybackHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountSchedule++
	if d.ScheduleErr != nil {
		return nil, d.ScheduleErr
	}
	s := &Scheduled{Buffer: buf, At: at, Began: max(at, d.now), d: d, onEnded: onEnded}
	d.scheduled = append(d.scheduled, s)
	return s, nil
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountClose++
	return d.CloseErr
}

// ScheduledBuffers returns a snapshot of every Schedule call in order.
func (d *OutputDevice) ScheduledBuffers() []Scheduled {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Scheduled, len(d.scheduled))
	for i, s := range d.scheduled {
		out[i] = Scheduled{Buffer: s.Buffer, At: s.At, Began: s.Began, stopCalls: s.stopCalls, ended: s.ended}
	}
	return out
}

// StopCalls returns how many times Stop was called on the i-th scheduled buffer.
func (d *OutputDevice) StopCalls(i int) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.scheduled[i].stopCalls
}

// Finish simulates natural completion of the i-th scheduled buffer: its
// onEnded callback runs unless the buffer was stopped or already finished.
func (d *OutputDevice) Finish(i int) {
	d.mu.Lock()
	s := d.scheduled[i]
	if s.ended || s.stopCalls > 0 {
		d.mu.Unlock()
		return
	}
	s.ended = true
	fn := s.onEnded
	d.mu.Unlock()
	if fn != nil {
		fn()
	}
}
