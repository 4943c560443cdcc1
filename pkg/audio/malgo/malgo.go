// Package malgo provides an [audio.InputBackend] that captures microphone
// audio through miniaudio (github.com/gen2brain/malgo).
//
// Each OpenInput call creates its own miniaudio context and capture device;
// closing the returned device releases both.
package malgo

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"

	miniaudio "github.com/gen2brain/malgo"

	"github.com/MrWong99/aptrium/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.InputBackend = (*Backend)(nil)
	_ audio.InputDevice  = (*device)(nil)
)

// defaultPeriod is the device callback period in milliseconds.
const defaultPeriod = 20

// Option configures a [Backend].
type Option func(*Backend)

// WithDevice selects the first capture device whose name contains name
// (case-insensitive). An empty name selects the system default.
func WithDevice(name string) Option {
	return func(b *Backend) {
		b.deviceName = name
	}
}

// WithPeriod sets the device callback period in milliseconds.
func WithPeriod(ms uint32) Option {
	return func(b *Backend) {
		if ms > 0 {
			b.periodMs = ms
		}
	}
}

// Backend opens miniaudio capture devices.
type Backend struct {
	deviceName string
	periodMs   uint32
}

// New creates a [Backend].
func New(opts ...Option) *Backend {
	b := &Backend{periodMs: defaultPeriod}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenInput implements [audio.InputBackend]. miniaudio converts the hardware
// stream to 32-bit float samples at the requested format.
func (b *Backend) OpenInput(_ context.Context, want audio.Format) (audio.InputDevice, error) {
	mctx, err := miniaudio.InitContext(nil, miniaudio.ContextConfig{}, func(msg string) {
		slog.Debug("miniaudio", "msg", strings.TrimSpace(msg))
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	cfg := miniaudio.DefaultDeviceConfig(miniaudio.Capture)
	cfg.Capture.Format = miniaudio.FormatF32
	cfg.Capture.Channels = uint32(want.Channels)
	cfg.SampleRate = uint32(want.SampleRate)
	cfg.PeriodSizeInMilliseconds = b.periodMs

	if b.deviceName != "" {
		infos, err := mctx.Devices(miniaudio.Capture)
		if err != nil {
			releaseContext(mctx)
			return nil, fmt.Errorf("malgo: list capture devices: %w: %w", audio.ErrDeviceUnavailable, err)
		}
		found := false
		for _, info := range infos {
			if strings.Contains(strings.ToLower(info.Name()), strings.ToLower(b.deviceName)) {
				cfg.Capture.DeviceID = info.ID.Pointer()
				found = true
				break
			}
		}
		if !found {
			releaseContext(mctx)
			return nil, fmt.Errorf("malgo: capture device %q not found: %w", b.deviceName, audio.ErrDeviceUnavailable)
		}
	}

	d := &device{format: want, mctx: mctx}
	dev, err := miniaudio.InitDevice(mctx.Context, cfg, miniaudio.DeviceCallbacks{
		Data: d.onData,
	})
	if err != nil {
		releaseContext(mctx)
		return nil, fmt.Errorf("malgo: init capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	d.dev = dev
	return d, nil
}

func releaseContext(mctx *miniaudio.AllocatedContext) {
	if err := mctx.Uninit(); err != nil {
		slog.Warn("malgo: uninit context", "err", err)
	}
	mctx.Free()
}

// device is one acquired miniaudio capture stream.
type device struct {
	format audio.Format
	mctx   *miniaudio.AllocatedContext
	dev    *miniaudio.Device

	mu        sync.Mutex
	onSamples func([]float32)
	buf       []float32
	running   bool
	closed    bool
}

func (d *device) Format() audio.Format { return d.format }

func (d *device) Start(onSamples func([]float32)) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("malgo: start: device closed")
	}
	d.onSamples = onSamples
	d.running = true
	d.mu.Unlock()

	if err := d.dev.Start(); err != nil {
		d.mu.Lock()
		d.onSamples = nil
		d.running = false
		d.mu.Unlock()
		return fmt.Errorf("malgo: start capture: %w", err)
	}
	return nil
}

// onData runs on the miniaudio device thread.
func (d *device) onData(_, input []byte, _ uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.onSamples == nil {
		return
	}
	n := len(input) / 4
	if cap(d.buf) < n {
		d.buf = make([]float32, n)
	}
	buf := d.buf[:n]
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(input[i*4:]))
	}
	d.onSamples(buf)
}

func (d *device) Stop() error {
	d.mu.Lock()
	d.onSamples = nil
	wasRunning := d.running
	d.running = false
	d.mu.Unlock()

	if !wasRunning {
		return nil
	}
	if err := d.dev.Stop(); err != nil {
		return fmt.Errorf("malgo: stop capture: %w", err)
	}
	return nil
}

func (d *device) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	err := d.Stop()
	d.dev.Uninit()
	releaseContext(d.mctx)
	return err
}
