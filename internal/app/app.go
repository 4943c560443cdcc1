// Package app wires the aptrium subsystems into a running application.
//
// The App struct owns the full lifecycle: New builds the session machine, the
// turn history store and the console from the config; Run executes the console
// loop, the history writer, the diagnostics server and the config watcher in
// one errgroup; Shutdown tears everything down in order.
//
// For testing, inject mock devices through [Devices] and test doubles through
// functional options ([WithTurnStore], [WithConsole], etc.). When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aptrium/internal/config"
	"github.com/MrWong99/aptrium/internal/health"
	"github.com/MrWong99/aptrium/internal/observe"
	"github.com/MrWong99/aptrium/internal/session"
	"github.com/MrWong99/aptrium/internal/transcript"
	"github.com/MrWong99/aptrium/internal/transcript/turnstore"
	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/provider/live"
)

// shutdownGrace bounds how long the diagnostics server may take to drain.
const shutdownGrace = 5 * time.Second

// Devices holds the backends a session needs. Populated by main.go via the
// config registry.
type Devices struct {
	Live   live.Provider
	Input  audio.InputBackend
	Output audio.OutputBackend
}

// App owns all subsystem lifetimes and drives the conversation session.
type App struct {
	cfg     *config.Config
	devices *Devices
	metrics *observe.Metrics

	machine *session.Machine
	store   turnstore.Store
	writer  *turnstore.Writer
	health  *health.Handler
	console *Console

	// Set before Run; nil disables the corresponding feature.
	watcher  *config.Watcher
	logLevel *slog.LevelVar

	// ln, when set, replaces listening on cfg.Server.ListenAddr.
	ln net.Listener

	// closers are called in order during Shutdown.
	closers []func() error

	// starts tracks session starts triggered from the console, which run
	// off the console loop so a hanging connect can still be stopped.
	starts sync.WaitGroup

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnStore injects a turn history store instead of creating one from
// config. The caller keeps ownership; Shutdown does not close it.
func WithTurnStore(s turnstore.Store) Option {
	return func(a *App) { a.store = s }
}

// WithConsole replaces stdin and stdout of the console.
func WithConsole(in io.Reader, out io.Writer) Option {
	return func(a *App) { a.console = NewConsole(in, out) }
}

// WithLogLevel lets config reloads adjust the level of the handler built
// around lv.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithMetrics overrides the metrics instance. Default: observe.DefaultMetrics().
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithListener serves the diagnostics endpoints on ln instead of
// cfg.Server.ListenAddr.
func WithListener(ln net.Listener) Option {
	return func(a *App) { a.ln = ln }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The devices come from
// main.go (populated via the config registry).
//
// When history.postgres_dsn is set, New connects to PostgreSQL and runs the
// turn table migration synchronously.
func New(ctx context.Context, cfg *config.Config, devices *Devices, opts ...Option) (*App, error) {
	if devices == nil || devices.Live == nil || devices.Input == nil || devices.Output == nil {
		return nil, errors.New("app: live provider, input and output backends are required")
	}
	a := &App{
		cfg:     cfg,
		devices: devices,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.console == nil {
		a.console = NewConsole(os.Stdin, os.Stdout)
	}

	checkers, err := a.initHistory(ctx)
	if err != nil {
		return nil, err
	}
	a.writer = turnstore.NewWriter(a.store)

	a.machine = session.New(session.Config{
		Provider:     devices.Live,
		Input:        devices.Input,
		Output:       devices.Output,
		Channel:      cfg.Live.ChannelConfig(),
		FrameSize:    cfg.Audio.Input.FrameSize,
		InputFormat:  cfg.Audio.Input.Format(),
		OutputFormat: cfg.Audio.Output.Format(),
	},
		session.WithStatusObserver(a.onStatus),
		session.WithInterimObserver(a.console.Interim),
		session.WithTurnObserver(a.onTurn),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.machine.Close)

	a.health = health.New(append([]health.Checker{health.SessionChecker(a.machine)}, checkers...)...)
	return a, nil
}

// initHistory opens the configured turn store and returns the readiness
// checkers it contributes.
func (a *App) initHistory(ctx context.Context) ([]health.Checker, error) {
	if a.store != nil {
		return nil, nil
	}
	dsn := a.cfg.History.PostgresDSN
	if dsn == "" {
		a.store = &turnstore.Memory{}
		return nil, nil
	}
	pg, err := turnstore.NewPostgres(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("app: init history: %w", err)
	}
	a.store = pg
	a.closers = append(a.closers, pg.Close)
	slog.Info("turn history persisted to postgres")
	return []health.Checker{health.PingChecker("history", pg.Pool())}, nil
}

// Machine returns the session machine.
func (a *App) Machine() *session.Machine { return a.machine }

// Watch attaches a config watcher. Its polling is tied to Run, and its
// callback should be [App.ApplyConfig]. Must be called before Run.
func (a *App) Watch(w *config.Watcher) { a.watcher = w }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts all subsystems and blocks until ctx is cancelled or the user
// quits the console. A quit is not an error.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.writer.Run(ctx) })

	if a.ln != nil || a.cfg.Server.ListenAddr != "" {
		g.Go(func() error { return a.serveDiagnostics(ctx) })
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(ctx) })
	}
	g.Go(func() error {
		return a.console.Run(ctx, a.toggle, a.history)
	})

	slog.Info("app running", "listen_addr", a.cfg.Server.ListenAddr, "live", a.cfg.Live.Name)

	err := g.Wait()
	// ctx is cancelled now, which aborts any connect still in flight.
	a.starts.Wait()
	if errors.Is(err, ErrQuit) || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// toggle starts a session when idle and stops the current one otherwise.
// Start runs in the background; its failures reach the console through the
// status observer.
func (a *App) toggle(ctx context.Context) error {
	if a.machine.Status() == session.StatusIdle {
		a.starts.Go(func() {
			if err := a.machine.Start(ctx); err != nil {
				slog.Warn("app: start session", "err", err)
			}
		})
		return nil
	}
	a.machine.Stop()
	return nil
}

// onStatus forwards status changes to the console and announces the session
// ID once the channel is up.
func (a *App) onStatus(s session.Status, err error) {
	a.console.Status(s, err)
	if s == session.StatusActive {
		if id := a.machine.SessionID(); id != "" {
			a.console.SessionStarted(id)
		}
	}
}

// history serves the console history command: the live transcript for the
// current session, the turn store for an earlier one.
func (a *App) history(ctx context.Context, sessionID string) ([]transcript.Turn, error) {
	if sessionID == "" || sessionID == a.machine.SessionID() {
		return a.machine.History(), nil
	}
	turns, err := a.store.Turns(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("app: load session %s: %w", sessionID, err)
	}
	return turns, nil
}

// onTurn persists a completed turn and prints it.
func (a *App) onTurn(sessionID string, turn transcript.Turn) {
	a.console.Turn(turn)
	a.writer.Enqueue(sessionID, turn)
}

// serveDiagnostics serves /healthz, /readyz and /metrics until ctx ends.
func (a *App) serveDiagnostics(ctx context.Context) error {
	mux := http.NewServeMux()
	a.health.Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())

	srv := &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ln := a.ln
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr)
		if err != nil {
			return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
		}
	}
	slog.Info("diagnostics server listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return fmt.Errorf("app: diagnostics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("diagnostics server shutdown error", "err", err)
	}
	<-errCh
	return nil
}

// ─── Config reload ───────────────────────────────────────────────────────────

// ApplyConfig applies the hot-reloadable parts of a config change. Channel
// changes take effect on the next session; the running one is not touched.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.ChannelChanged {
		a.machine.SetChannelConfig(new.Live.ChannelConfig())
		slog.Info("live channel config changed, applies to the next session",
			"voice", new.Live.Voice,
			"model", new.Live.Model,
		)
	}
	for _, path := range d.RestartRequired {
		slog.Warn("config change requires a restart", "setting", path)
	}
}

// SlogLevel maps a config log level to its slog equivalent. Unknown levels
// map to info.
func SlogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the active session and releases all subsystems in order. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		if a.watcher != nil {
			a.watcher.Stop()
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
