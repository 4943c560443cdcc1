package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// KnownBackends lists built-in backend names per kind. [Validate] warns about
// names not listed here, since they may come from a third-party registration.
var KnownBackends = map[string][]string{
	"live":   {"gemini-live"},
	"input":  {"malgo", "mock"},
	"output": {"oto", "mock"},
}

// APIKeyEnv lists the environment variables consulted, in order, when
// live.api_key is empty.
var APIKeyEnv = []string{"GEMINI_API_KEY", "API_KEY"}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults, and
// validates the result. An empty document yields the default config.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values. It returns a
// joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.LogFormat != "" && !cfg.Server.LogFormat.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_format %q is invalid; valid values: text, json", cfg.Server.LogFormat))
	}

	validateBackendName("live", cfg.Live.Name)
	validateBackendName("input", cfg.Audio.Input.Backend)
	validateBackendName("output", cfg.Audio.Output.Backend)

	in := cfg.Audio.Input
	if in.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input.sample_rate %d must be positive", in.SampleRate))
	}
	if in.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.input.frame_size %d must be positive", in.FrameSize))
	}
	out := cfg.Audio.Output
	if out.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output.sample_rate %d must be positive", out.SampleRate))
	}
	if out.Buffer < 0 {
		errs = append(errs, fmt.Errorf("audio.output.buffer %s must not be negative", out.Buffer))
	}
	if in.FrameSize > 0 && in.FrameSize < 256 {
		slog.Warn("audio.input.frame_size is very small; expect high per-frame overhead", "frame_size", in.FrameSize)
	}

	if dsn := cfg.History.PostgresDSN; dsn != "" && !strings.Contains(dsn, "://") && !strings.Contains(dsn, "=") {
		errs = append(errs, fmt.Errorf("history.postgres_dsn is neither a URL nor a keyword/value string"))
	}

	return errors.Join(errs...)
}

// ResolveAPIKey returns live.api_key, or the first non-empty variable of
// [APIKeyEnv] when the key is not set in the file.
func ResolveAPIKey(cfg *Config) string {
	if cfg.Live.APIKey != "" {
		return cfg.Live.APIKey
	}
	for _, name := range APIKeyEnv {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// validateBackendName logs a warning if name is non-empty and not listed in
// [KnownBackends] for kind.
func validateBackendName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := KnownBackends[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown backend name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
