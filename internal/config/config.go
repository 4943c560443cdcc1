// Package config provides the configuration schema, loader, watcher, and
// backend registry for aptrium.
package config

import (
	"time"

	"github.com/MrWong99/aptrium/pkg/audio"
	"github.com/MrWong99/aptrium/pkg/provider/live"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// LogFormat selects the slog handler.
type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// IsValid reports whether f is a recognised log format.
func (f LogFormat) IsValid() bool {
	return f == LogFormatText || f == LogFormatJSON
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultLiveProvider  = "gemini-live"
	DefaultInputBackend  = "malgo"
	DefaultOutputBackend = "oto"
	DefaultInputRate     = 16000
	DefaultOutputRate    = 24000
	DefaultFrameSize     = 4096
	DefaultOutputBuffer  = 100 * time.Millisecond
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Live    LiveConfig    `yaml:"live"`
	Audio   AudioConfig   `yaml:"audio"`
	History HistoryConfig `yaml:"history"`
}

// ServerConfig holds the diagnostics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the diagnostics server serving
	// /healthz, /readyz and /metrics (e.g., ":9464"). Empty disables it.
	ListenAddr string `yaml:"listen_addr"`

	LogLevel  LogLevel  `yaml:"log_level"`
	LogFormat LogFormat `yaml:"log_format"`
}

// LiveConfig configures the session channel.
type LiveConfig struct {
	// Name selects the registered live provider. Default: "gemini-live".
	Name string `yaml:"name"`

	// APIKey authenticates against the provider. When empty, GEMINI_API_KEY
	// and then API_KEY are read from the environment (see [ResolveAPIKey]).
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's websocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model, Voice and Instructions are passed to every new session. Empty
	// values select the provider's defaults.
	Model        string `yaml:"model"`
	Voice        string `yaml:"voice"`
	Instructions string `yaml:"instructions"`

	// InputTranscription and OutputTranscription request transcripts of the
	// user's and the agent's speech. Both default to true.
	InputTranscription  *bool `yaml:"input_transcription"`
	OutputTranscription *bool `yaml:"output_transcription"`
}

// InputTranscriptionEnabled reports the effective input transcription toggle.
func (l LiveConfig) InputTranscriptionEnabled() bool { return boolOr(l.InputTranscription, true) }

// OutputTranscriptionEnabled reports the effective output transcription toggle.
func (l LiveConfig) OutputTranscriptionEnabled() bool { return boolOr(l.OutputTranscription, true) }

// ChannelConfig returns the per-session channel settings.
func (l LiveConfig) ChannelConfig() live.Config {
	return live.Config{
		Model:               l.Model,
		Voice:               l.Voice,
		Instructions:        l.Instructions,
		InputTranscription:  l.InputTranscriptionEnabled(),
		OutputTranscription: l.OutputTranscriptionEnabled(),
	}
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

// AudioConfig selects and configures the audio devices.
type AudioConfig struct {
	Input  InputConfig  `yaml:"input"`
	Output OutputConfig `yaml:"output"`
}

// InputConfig configures the microphone.
type InputConfig struct {
	// Backend selects the registered input backend ("malgo", "mock").
	Backend string `yaml:"backend"`

	// Device is the name of the capture device. Empty selects the system
	// default.
	Device string `yaml:"device"`

	// SampleRate is requested from the device. Frames sent to the agent are
	// always 16 kHz; other rates are resampled.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per frame sent to the agent.
	FrameSize int `yaml:"frame_size"`
}

// OutputConfig configures the speaker.
type OutputConfig struct {
	// Backend selects the registered output backend ("oto", "mock").
	Backend string `yaml:"backend"`

	// SampleRate is requested from the device. Agent audio arrives at 24 kHz
	// and is resampled when this differs.
	SampleRate int `yaml:"sample_rate"`

	// Buffer is the driver buffer length. Larger values trade latency for
	// robustness against scheduling jitter.
	Buffer time.Duration `yaml:"buffer"`
}

// Format returns the mono device format requested from the capture backend.
func (c InputConfig) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: 1}
}

// Format returns the mono device format requested from the playback backend.
func (c OutputConfig) Format() audio.Format {
	return audio.Format{SampleRate: c.SampleRate, Channels: 1}
}

// HistoryConfig configures turn persistence.
type HistoryConfig struct {
	// PostgresDSN enables PostgreSQL-backed turn history. Empty keeps turns
	// in memory only.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// ApplyDefaults fills zero values with their defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.LogFormat == "" {
		cfg.Server.LogFormat = LogFormatText
	}
	if cfg.Live.Name == "" {
		cfg.Live.Name = DefaultLiveProvider
	}
	in := &cfg.Audio.Input
	if in.Backend == "" {
		in.Backend = DefaultInputBackend
	}
	if in.SampleRate == 0 {
		in.SampleRate = DefaultInputRate
	}
	if in.FrameSize == 0 {
		in.FrameSize = DefaultFrameSize
	}
	out := &cfg.Audio.Output
	if out.Backend == "" {
		out.Backend = DefaultOutputBackend
	}
	if out.SampleRate == 0 {
		out.SampleRate = DefaultOutputRate
	}
	if out.Buffer == 0 {
		out.Buffer = DefaultOutputBuffer
	}
}
