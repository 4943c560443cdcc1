package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/MrWong99/aptrium/internal/config"
)

const pollEvery = 20 * time.Millisecond

type reload struct{ old, new *config.Config }

// watchedFile is a temp config file plus a watcher on it whose reloads are
// delivered on a channel.
type watchedFile struct {
	path    string
	w       *config.Watcher
	reloads chan reload
	edits   int
}

func newWatchedFile(t *testing.T, initial string) *watchedFile {
	t.Helper()
	f := &watchedFile{
		path:    filepath.Join(t.TempDir(), "aptrium.yaml"),
		reloads: make(chan reload, 8),
	}
	f.write(t, initial)

	w, err := config.NewWatcher(f.path, func(old, new *config.Config) {
		f.reloads <- reload{old, new}
	}, config.WithInterval(pollEvery))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	f.w = w
	return f
}

func (f *watchedFile) write(t *testing.T, content string) {
	t.Helper()
	if err := os.WriteFile(f.path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", f.path, err)
	}
	// Step mtime per edit so coarse filesystem clocks still see a change.
	f.edits++
	future := time.Now().Add(time.Duration(f.edits) * time.Second)
	if err := os.Chtimes(f.path, future, future); err != nil {
		t.Fatalf("chtimes %s: %v", f.path, err)
	}
}

// run starts polling until the test ends.
func (f *watchedFile) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.w.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (f *watchedFile) expectReload(t *testing.T) reload {
	t.Helper()
	select {
	case r := <-f.reloads:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("no reload observed")
		return reload{}
	}
}

func (f *watchedFile) expectQuiet(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.reloads:
		t.Fatalf("unexpected reload to %+v", r.new.Server)
	case <-time.After(10 * pollEvery):
	}
}

func TestWatcher_NewLoadsWithoutPolling(t *testing.T) {
	t.Parallel()
	f := newWatchedFile(t, "live:\n  voice: Zephyr\n")

	cur := f.w.Current()
	if cur.Live.Voice != "Zephyr" {
		t.Errorf("voice = %q, want Zephyr", cur.Live.Voice)
	}
	if cur.Audio.Input.SampleRate != config.DefaultInputRate {
		t.Errorf("defaults not applied: input rate %d", cur.Audio.Input.SampleRate)
	}

	// Without Run nothing observes the edit.
	f.write(t, "live:\n  voice: Puck\n")
	f.expectQuiet(t)
	if got := f.w.Current().Live.Voice; got != "Zephyr" {
		t.Errorf("voice changed to %q before Run", got)
	}
}

func TestWatcher_ReloadsEditedFile(t *testing.T) {
	t.Parallel()
	f := newWatchedFile(t, "server:\n  log_level: info\nlive:\n  voice: Zephyr\n")
	f.run(t)

	f.write(t, "server:\n  log_level: debug\nlive:\n  voice: Puck\n  instructions: Answer briefly.\n")
	r := f.expectReload(t)

	if r.old.Server.LogLevel != config.LogInfo || r.new.Server.LogLevel != config.LogDebug {
		t.Errorf("log level %q -> %q, want info -> debug", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
	if r.new.Live.Voice != "Puck" || r.new.Live.Instructions != "Answer briefly." {
		t.Errorf("live = %+v", r.new.Live)
	}
	if f.w.Current() != r.new {
		t.Error("Current does not return the reloaded config")
	}

	d := config.Diff(r.old, r.new)
	if !d.LogLevelChanged || !d.ChannelChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff = %+v, want log level and channel changes only", d)
	}
}

func TestWatcher_SkipsInvalidEdit(t *testing.T) {
	t.Parallel()
	f := newWatchedFile(t, "server:\n  log_level: warn\n")
	f.run(t)

	for _, bad := range []string{
		"server:\n  log_level: loud\n",
		"audio:\n  input:\n    sample_rate: -1\n",
		"live:\n  unknown_field: true\n",
	} {
		f.write(t, bad)
		f.expectQuiet(t)
	}
	if got := f.w.Current().Server.LogLevel; got != config.LogWarn {
		t.Errorf("log level = %q after invalid edits, want warn", got)
	}

	// A later valid edit still gets through.
	f.write(t, "server:\n  log_level: error\n")
	if r := f.expectReload(t); r.old.Server.LogLevel != config.LogWarn || r.new.Server.LogLevel != config.LogError {
		t.Errorf("reload %q -> %q, want warn -> error", r.old.Server.LogLevel, r.new.Server.LogLevel)
	}
}

func TestWatcher_IgnoresTouch(t *testing.T) {
	t.Parallel()
	const body = "live:\n  voice: Kore\n"
	f := newWatchedFile(t, body)
	f.run(t)

	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(f.path, later, later); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	f.expectQuiet(t)
}

func TestWatcher_MissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("NewWatcher on a missing file succeeded")
	}
}

func TestWatcher_RunStops(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		stop func(w *config.Watcher, cancel context.CancelFunc)
	}{
		{"context cancelled", func(_ *config.Watcher, cancel context.CancelFunc) { cancel() }},
		{"Stop called", func(w *config.Watcher, _ context.CancelFunc) { w.Stop() }},
		{"Stop called twice", func(w *config.Watcher, _ context.CancelFunc) { w.Stop(); w.Stop() }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f := newWatchedFile(t, "")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			errCh := make(chan error, 1)
			go func() { errCh <- f.w.Run(ctx) }()

			tt.stop(f.w, cancel)
			select {
			case err := <-errCh:
				if err != nil {
					t.Errorf("Run = %v, want nil", err)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("Run did not return")
			}
			f.w.Stop()
		})
	}
}
