// Package oto provides an [audio.OutputBackend] that plays a
// [mixer.Timeline] through the system speaker using
// github.com/ebitengine/oto/v3.
//
// oto permits a single context per process, so the context is created lazily
// on the first OpenOutput and shared by every device opened afterwards. Each
// device gets its own player and timeline; closing the device closes both.
package oto

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.OutputBackend = (*Backend)(nil)
	_ audio.OutputDevice  = (*device)(nil)
)

// DefaultBufferSize is the driver buffer length. Smaller values lower latency
// at the risk of underruns.
const DefaultBufferSize = 100 * time.Millisecond

// newContext is swapped out in tests.
var newContext = otov3.NewContext

// The process-wide context, the format it was opened at and the channel
// closed once its device is ready.
var (
	sharedMu     sync.Mutex
	sharedCtx    *otov3.Context
	sharedReady  chan struct{}
	sharedFormat audio.Format
)

// Option configures a [Backend].
type Option func(*Backend)

// WithBufferSize sets the driver buffer length.
func WithBufferSize(d time.Duration) Option {
	return func(b *Backend) {
		if d > 0 {
			b.bufferSize = d
		}
	}
}

// Backend opens speaker output devices.
type Backend struct {
	bufferSize time.Duration
}

// New creates a [Backend].
func New(opts ...Option) *Backend {
	b := &Backend{bufferSize: DefaultBufferSize}
	for _, o := range opts {
		o(b)
	}
	return b
}

// OpenOutput implements [audio.OutputBackend]. All devices in a process must
// share one format because oto cannot reopen its context.
func (b *Backend) OpenOutput(ctx context.Context, want audio.Format) (audio.OutputDevice, error) {
	octx, err := b.context(ctx, want)
	if err != nil {
		return nil, err
	}

	tl := mixer.NewTimeline(want)
	player := octx.NewPlayer(tl)
	player.Play()

	slog.Debug("oto: output opened", "format", want.String(), "buffer", b.bufferSize)
	return &device{Timeline: tl, player: player}, nil
}

// context returns the process-wide oto context, creating it on first use.
// Every caller waits for the device to become ready, including callers that
// arrive after an earlier wait was cancelled.
func (b *Backend) context(ctx context.Context, want audio.Format) (*otov3.Context, error) {
	octx, ready, err := b.shared(want)
	if err != nil {
		return nil, err
	}
	select {
	case <-ready:
		return octx, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("oto: waiting for device: %w", ctx.Err())
	}
}

func (b *Backend) shared(want audio.Format) (*otov3.Context, <-chan struct{}, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()

	if sharedCtx != nil {
		if sharedFormat != want {
			return nil, nil, fmt.Errorf("oto: output already open at %s, cannot open at %s: %w",
				sharedFormat, want, audio.ErrDeviceUnavailable)
		}
		return sharedCtx, sharedReady, nil
	}

	octx, ready, err := newContext(&otov3.NewContextOptions{
		SampleRate:   want.SampleRate,
		ChannelCount: want.Channels,
		Format:       otov3.FormatSignedInt16LE,
		BufferSize:   b.bufferSize,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("oto: new context: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	// oto cannot create a second context, so it is kept with its ready
	// channel whatever happens to this caller's wait.
	sharedCtx, sharedReady, sharedFormat = octx, ready, want
	return octx, ready, nil
}

// device couples a timeline with the oto player pulling from it.
type device struct {
	*mixer.Timeline

	player    *otov3.Player
	closeOnce sync.Once
	closeErr  error
}

// Close stops the player and drops every scheduled voice. Close is idempotent.
func (d *device) Close() error {
	d.closeOnce.Do(func() {
		d.player.Pause()
		_ = d.Timeline.Close()
		d.closeErr = d.player.Close()
	})
	return d.closeErr
}
