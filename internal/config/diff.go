package config

// ConfigDiff describes what changed between two configs. Only fields that can
// be applied without a restart are tracked; everything else is reported as
// RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ChannelChanged is true when model, voice, instructions, or a
	// transcription toggle changed. The change applies to the next session.
	ChannelChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, by their YAML path.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ChannelChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	ol, nl := old.Live, new.Live
	if ol.Model != nl.Model ||
		ol.Voice != nl.Voice ||
		ol.Instructions != nl.Instructions ||
		ol.InputTranscriptionEnabled() != nl.InputTranscriptionEnabled() ||
		ol.OutputTranscriptionEnabled() != nl.OutputTranscriptionEnabled() {
		d.ChannelChanged = true
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("live.name", ol.Name != nl.Name)
	restart("live.api_key", ol.APIKey != nl.APIKey)
	restart("live.base_url", ol.BaseURL != nl.BaseURL)
	restart("audio.input", old.Audio.Input != new.Audio.Input)
	restart("audio.output", old.Audio.Output != new.Audio.Output)
	restart("history.postgres_dsn", old.History.PostgresDSN != new.History.PostgresDSN)

	return d
}
