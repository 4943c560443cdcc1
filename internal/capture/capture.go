// Package capture turns the live microphone stream into fixed-size PCM16
// frames for the session channel.
//
// A [Pipeline] owns one acquired input device. Device sample blocks arrive on
// the device goroutine, are converted to 16 kHz mono when the hardware
// delivers anything else, accumulated, and emitted in fixed-size frames
// ([audio.DefaultFrameSize] samples unless configured) through
// [audio.FloatToInt16]. A partial
// frame left over when capture stops is discarded.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/aptrium/pkg/audio"
)

// ErrNotAcquired is returned by Start when Acquire has not succeeded.
var ErrNotAcquired = errors.New("capture: device not acquired")

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithFrameSize sets the number of samples per emitted frame.
func WithFrameSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.frameSize = n
		}
	}
}

// WithFormat sets the format of emitted frames. Defaults to [audio.CaptureFormat].
func WithFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.format = f
		}
	}
}

// WithDeviceFormat sets the format requested from the microphone. Frames are
// still emitted in the pipeline format; blocks are converted on the way.
// Defaults to the frame format.
func WithDeviceFormat(f audio.Format) Option {
	return func(p *Pipeline) {
		if f.Valid() {
			p.deviceFormat = f
		}
	}
}

// Pipeline acquires a capture device and frames its output.
//
// All methods are safe for concurrent use. A Pipeline is single-use: once
// stopped it cannot be restarted.
type Pipeline struct {
	backend      audio.InputBackend
	format       audio.Format
	deviceFormat audio.Format
	frameSize    int

	mu      sync.Mutex
	dev     audio.InputDevice
	conv    *audio.FormatConverter
	onFrame func(audio.Frame)
	pending []float32
	emitted int64 // samples per channel emitted so far
	stopped bool
}

// New creates a [Pipeline] reading from backend.
func New(backend audio.InputBackend, opts ...Option) *Pipeline {
	p := &Pipeline{
		backend:   backend,
		format:    audio.CaptureFormat,
		frameSize: audio.DefaultFrameSize,
	}
	for _, o := range opts {
		o(p)
	}
	if !p.deviceFormat.Valid() {
		p.deviceFormat = p.format
	}
	p.conv = &audio.FormatConverter{Target: p.format}
	return p
}

// Format returns the format of emitted frames.
func (p *Pipeline) Format() audio.Format { return p.format }

// FrameSize returns the number of samples per emitted frame.
func (p *Pipeline) FrameSize() int { return p.frameSize }

// Acquire opens the microphone. The returned error wraps
// [audio.ErrDeviceUnavailable] on failure.
func (p *Pipeline) Acquire(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("capture: acquire: pipeline stopped")
	}
	if p.dev != nil {
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()

	dev, err := p.backend.OpenInput(ctx, p.deviceFormat)
	if err != nil {
		if errors.Is(err, audio.ErrDeviceUnavailable) {
			return fmt.Errorf("capture: acquire: %w", err)
		}
		return fmt.Errorf("capture: acquire: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		// Stopped while the device was opening.
		if cerr := dev.Close(); cerr != nil {
			slog.Warn("capture: close device after concurrent stop", "err", cerr)
		}
		return fmt.Errorf("capture: acquire: pipeline stopped")
	}
	p.dev = dev
	if df := dev.Format(); df != p.format {
		slog.Info("capture: device format differs, converting", "device", df.String(), "frames", p.format.String())
	}
	return nil
}

// Start begins delivering frames to onFrame. onFrame runs on the device
// goroutine, receives frames in production order, and must not block.
func (p *Pipeline) Start(onFrame func(audio.Frame)) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fmt.Errorf("capture: start: pipeline stopped")
	}
	if p.dev == nil {
		p.mu.Unlock()
		return ErrNotAcquired
	}
	p.onFrame = onFrame
	dev := p.dev
	p.mu.Unlock()

	if err := dev.Start(p.process); err != nil {
		p.mu.Lock()
		p.onFrame = nil
		p.mu.Unlock()
		return fmt.Errorf("capture: start: %w", err)
	}
	return nil
}

// process is the device callback.
func (p *Pipeline) process(samples []float32) {
	p.mu.Lock()
	if p.onFrame == nil || p.dev == nil {
		p.mu.Unlock()
		return
	}
	onFrame := p.onFrame
	converted := p.conv.Convert(samples, p.dev.Format())
	p.pending = append(p.pending, converted...)

	chunk := p.frameSize * p.format.Channels
	var frames []audio.Frame
	for len(p.pending) >= chunk {
		frames = append(frames, audio.Frame{
			Samples:    audio.FloatToInt16(p.pending[:chunk]),
			SampleRate: p.format.SampleRate,
			Channels:   p.format.Channels,
			Timestamp:  audio.DurationOf(int(p.emitted), p.format.SampleRate),
		})
		p.emitted += int64(p.frameSize)
		p.pending = p.pending[chunk:]
	}
	p.mu.Unlock()

	for _, f := range frames {
		onFrame(f)
	}
}

// Stop detaches the frame callback, stops the stream, and closes the device,
// in that order. Every step runs even if an earlier one failed; failures are
// joined into the returned error. Stop is idempotent.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.onFrame = nil
	p.pending = nil
	dev := p.dev
	p.mu.Unlock()

	if dev == nil {
		return nil
	}

	var errs []error
	if err := dev.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("capture: stop stream: %w", err))
	}
	if err := dev.Close(); err != nil {
		errs = append(errs, fmt.Errorf("capture: close device: %w", err))
	}
	return errors.Join(errs...)
}
