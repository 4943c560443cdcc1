// Command aptrium is a terminal voice assistant: it streams the microphone to
// Gemini Live and plays the spoken answers back while printing the transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/MrWong99/aptrium/internal/app"
	"github.com/MrWong99/aptrium/internal/config"
	"github.com/MrWong99/aptrium/internal/observe"
	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/audio/malgo"
	audiomock "github.com/MrWong99/aptrium/pkg/audio/mock"
	"github.com/MrWong99/aptrium/pkg/audio/oto"
	"github.com/MrWong99/aptrium/pkg/provider/live"
	"github.com/MrWong99/aptrium/pkg/provider/live/gemini"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "aptrium.yaml", "path to the YAML configuration file")
	envFile := flag.String("env", ".env", "dotenv file with GEMINI_API_KEY; ignored when missing")
	watch := flag.Bool("watch", true, "reload the configuration file when it changes")
	flag.Parse()

	configSet := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			configSet = true
		}
	})

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "aptrium: load %s: %v\n", *envFile, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, configSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "aptrium: %v\n", err)
		return 1
	}
	cfg.Live.APIKey = config.ResolveAPIKey(cfg)

	// ── Logger ────────────────────────────────────────────────────────────────
	levelVar := new(slog.LevelVar)
	levelVar.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(newLogger(os.Stderr, cfg.Server.LogFormat, levelVar))

	slog.Info("aptrium starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)
	if cfg.Live.APIKey == "" {
		slog.Error("no API key configured; set live.api_key or GEMINI_API_KEY")
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelProviders, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	devices, err := buildDevices(cfg, reg)
	if err != nil {
		slog.Error("failed to build backends", "err", err)
		return 1
	}

	// ── Startup summary ───────────────────────────────────────────────────────
	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, devices, app.WithLogLevel(levelVar))
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	if *watch {
		w, err := config.NewWatcher(*configPath, application.ApplyConfig)
		if err != nil {
			slog.Warn("config hot reload disabled", "err", err)
		} else {
			application.Watch(w)
		}
	}

	return runAndShutdown(ctx, application, shutdownTimeout)
}

// shutdownTimeout bounds teardown after Run returns.
const shutdownTimeout = 15 * time.Second

// lifecycle is the part of *app.App that main drives.
type lifecycle interface {
	Run(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// runAndShutdown runs a until it returns and then always shuts it down, so a
// failing Run still releases devices, the live channel and the history pool.
// It returns the process exit code.
func runAndShutdown(ctx context.Context, a lifecycle, grace time.Duration) int {
	code := 0
	if err := a.Run(ctx); err != nil {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()

	slog.Info("stopping…")
	if err := a.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if code == 0 {
		slog.Info("goodbye")
	}
	return code
}

// loadConfig reads the config file. A missing file is only an error when the
// path was given explicitly: defaults plus environment are enough to talk to
// Gemini.
func loadConfig(path string, required bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if required || !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	cfg = &config.Config{}
	config.ApplyDefaults(cfg)
	return cfg, config.Validate(cfg)
}

// ── Backend wiring ────────────────────────────────────────────────────────────

// registerBuiltinBackends wires all built-in factories into reg.
func registerBuiltinBackends(reg *config.Registry) {
	// ── Live ──────────────────────────────────────────────────────────────────

	reg.RegisterLive("gemini-live", func(c config.LiveConfig) (live.Provider, error) {
		var opts []gemini.Option
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		return gemini.New(c.APIKey, opts...), nil
	})

	// ── Input ─────────────────────────────────────────────────────────────────

	reg.RegisterInput("malgo", func(c config.InputConfig) (audio.InputBackend, error) {
		return malgo.New(malgo.WithDevice(c.Device)), nil
	})
	reg.RegisterInput("mock", func(config.InputConfig) (audio.InputBackend, error) {
		return &audiomock.InputBackend{}, nil
	})

	// ── Output ────────────────────────────────────────────────────────────────

	reg.RegisterOutput("oto", func(c config.OutputConfig) (audio.OutputBackend, error) {
		return oto.New(oto.WithBufferSize(c.Buffer)), nil
	})
	reg.RegisterOutput("mock", func(config.OutputConfig) (audio.OutputBackend, error) {
		return &audiomock.OutputBackend{}, nil
	})

	for kind, names := range config.KnownBackends {
		for _, name := range names {
			slog.Debug("registered backend", "kind", kind, "name", name)
		}
	}
}

// buildDevices instantiates the backends named in cfg using the registry.
func buildDevices(cfg *config.Config, reg *config.Registry) (*app.Devices, error) {
	p, err := reg.CreateLive(cfg.Live)
	if err != nil {
		return nil, fmt.Errorf("create live provider %q: %w", cfg.Live.Name, err)
	}
	in, err := reg.CreateInput(cfg.Audio.Input)
	if err != nil {
		return nil, fmt.Errorf("create input backend %q: %w", cfg.Audio.Input.Backend, err)
	}
	out, err := reg.CreateOutput(cfg.Audio.Output)
	if err != nil {
		return nil, fmt.Errorf("create output backend %q: %w", cfg.Audio.Output.Backend, err)
	}
	slog.Info("backends created",
		"live", cfg.Live.Name,
		"input", cfg.Audio.Input.Backend,
		"output", cfg.Audio.Output.Backend,
	)
	return &app.Devices{Live: p, Input: in, Output: out}, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	model := cfg.Live.Model
	if model == "" {
		model = gemini.DefaultModel
	}
	voice := cfg.Live.Voice
	if voice == "" {
		voice = "(default)"
	}
	history := "memory"
	if cfg.History.PostgresDSN != "" {
		history = "postgres"
	}
	diag := cfg.Server.ListenAddr
	if diag == "" {
		diag = "(disabled)"
	}

	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         Aptrium: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Live", cfg.Live.Name)
	printRow("Model", model)
	printRow("Voice", voice)
	printRow("Microphone", fmt.Sprintf("%s @ %d Hz", cfg.Audio.Input.Backend, cfg.Audio.Input.SampleRate))
	printRow("Speaker", fmt.Sprintf("%s @ %d Hz", cfg.Audio.Output.Backend, cfg.Audio.Output.SampleRate))
	printRow("History", history)
	printRow("Diagnostics", diag)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(w io.Writer, format config.LogFormat, level slog.Leveler) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
