// Package audio defines the audio types, the PCM frame codec, and the device
// interfaces used by a live voice conversation.
//
// The two device abstractions are:
//
//   - [InputBackend] opens the microphone and returns an [InputDevice] that
//     delivers float sample blocks on the device's own goroutine.
//   - [OutputBackend] opens the speaker and returns an [OutputDevice] with a
//     monotonic clock on which buffers can be scheduled sample-accurately.
//
// Implementations live in adapter packages (audio/malgo, audio/oto, audio/mock).
// This package lives under pkg/ because external code is expected to provide
// further backends.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned when an audio device cannot be acquired,
// for example because permission was denied or the device is busy.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// InputBackend opens capture devices.
type InputBackend interface {
	// OpenInput acquires exclusive access to a capture device producing audio
	// in (or as close as possible to) the requested format. Failures wrap
	// [ErrDeviceUnavailable].
	OpenInput(ctx context.Context, want Format) (InputDevice, error)
}

// InputDevice is an acquired capture stream.
//
// Implementations must be safe for concurrent use.
type InputDevice interface {
	// Format reports the format of the sample blocks the device delivers.
	Format() Format

	// Start begins delivery. onSamples is invoked on the device goroutine with
	// interleaved float samples in [-1, 1]; the slice is only valid for the
	// duration of the call. onSamples must not block.
	Start(onSamples func(samples []float32)) error

	// Stop halts delivery. After Stop returns, onSamples is not invoked again.
	// Stop is idempotent.
	Stop() error

	// Close stops the stream and releases the device. Close is idempotent.
	Close() error
}

// OutputBackend opens playback devices.
type OutputBackend interface {
	// OpenOutput creates a playback context at the requested format. Failures
	// wrap [ErrDeviceUnavailable].
	OpenOutput(ctx context.Context, want Format) (OutputDevice, error)
}

// OutputDevice is a playback context with its own monotonic clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Format reports the device format.
	Format() Format

	// CurrentTime returns the device clock: the amount of audio already
	// rendered since the device was opened.
	CurrentTime() time.Duration

	// Schedule places buf on the device timeline starting at at. Start times
	// earlier than CurrentTime play immediately; the start actually used is
	// reported by [PlaybackHandle.Start]. onEnded, if non-nil, is
	// invoked once from a device goroutine when the buffer finishes playing
	// naturally; it is never invoked synchronously from Schedule and never
	// after the handle was stopped.
	Schedule(buf Buffer, at time.Duration, onEnded func()) (PlaybackHandle, error)

	// Close stops all scheduled buffers and releases the device. Close is
	// idempotent.
	Close() error
}

// PlaybackHandle controls one scheduled buffer.
type PlaybackHandle interface {
	// Start returns the device time at which the buffer begins. It is the
	// requested start, or the device clock at scheduling time when the clock
	// had already passed it.
	Start() time.Duration

	// Stop removes the buffer from the timeline, silencing it immediately if
	// it is playing. Stop is idempotent.
	Stop()
}
