package oto

import (
	"context"
	"errors"
	"testing"
	"time"

	otov3 "github.com/ebitengine/oto/v3"

	"github.com/MrWong99/aptrium/pkg/audio"
)

// fakeDriver replaces the oto context constructor for one test and resets
// the shared context afterwards.
type fakeDriver struct {
	ctx   *otov3.Context
	ready chan struct{}
	calls int
}

func installFakeDriver(t *testing.T) *fakeDriver {
	t.Helper()
	d := &fakeDriver{ctx: &otov3.Context{}, ready: make(chan struct{})}
	prev := newContext
	newContext = func(*otov3.NewContextOptions) (*otov3.Context, chan struct{}, error) {
		d.calls++
		return d.ctx, d.ready, nil
	}
	t.Cleanup(func() {
		newContext = prev
		sharedMu.Lock()
		sharedCtx, sharedReady, sharedFormat = nil, nil, audio.Format{}
		sharedMu.Unlock()
	})
	return d
}

func TestContext_WaitsForReadyOnEveryCall(t *testing.T) {
	d := installFakeDriver(t)
	b := New()

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.context(cancelled, audio.PlaybackFormat); !errors.Is(err, context.Canceled) {
		t.Fatalf("first open = %v, want context.Canceled", err)
	}

	// The device is still not ready, so a later caller must not get the
	// context handed back without waiting.
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := b.context(short, audio.PlaybackFormat); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("open before ready = %v, want context.DeadlineExceeded", err)
	}

	close(d.ready)
	got, err := b.context(context.Background(), audio.PlaybackFormat)
	if err != nil {
		t.Fatalf("open after ready: %v", err)
	}
	if got != d.ctx {
		t.Error("open after ready returned a different context")
	}
	if d.calls != 1 {
		t.Errorf("driver context created %d times, want 1", d.calls)
	}
}

func TestContext_RejectsSecondFormat(t *testing.T) {
	d := installFakeDriver(t)
	close(d.ready)
	b := New()

	if _, err := b.context(context.Background(), audio.PlaybackFormat); err != nil {
		t.Fatalf("first open: %v", err)
	}
	other := audio.Format{SampleRate: 16000, Channels: 1}
	if _, err := b.context(context.Background(), other); !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Errorf("open at %s = %v, want ErrDeviceUnavailable", other, err)
	}
	if d.calls != 1 {
		t.Errorf("driver context created %d times, want 1", d.calls)
	}
}
