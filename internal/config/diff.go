package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if voice, instructions, transcription flags, or
	// response modality changed. Applied on the next start.
	SessionChanged bool

	// StatusChanged is true if any status line changed.
	StatusChanged bool

	// RestartRequired lists changed fields that only take effect after a
	// restart (provider, audio, listen address).
	RestartRequired []string
}

// Empty reports whether nothing reloadable or restart-bound changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.StatusChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	was, now := old.Session, new.Session
	if was.Voice != now.Voice ||
		was.Instructions != now.Instructions ||
		was.InstructionsFile != now.InstructionsFile ||
		was.ResponseModality != now.ResponseModality ||
		boolOr(was.InputTranscription, true) != boolOr(now.InputTranscription, true) ||
		boolOr(was.OutputTranscription, true) != boolOr(now.OutputTranscription, true) {
		d.SessionChanged = true
	}
	if was.Status != now.Status {
		d.StatusChanged = true
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if !sameProvider(old.Provider, new.Provider) {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if !sameAudio(old.Audio, new.Audio) {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}

	return d
}

func sameProvider(a, b ProviderEntry) bool {
	return a.Name == b.Name && a.APIKey == b.APIKey && a.BaseURL == b.BaseURL &&
		a.Model == b.Model && len(a.Options) == len(b.Options) && a.Breaker == b.Breaker
}

func sameAudio(a, b AudioConfig) bool {
	ac, bc := a.Capture.Compressor, b.Capture.Compressor
	return a.Host == b.Host && a.WAVInput == b.WAVInput && a.WAVLoop == b.WAVLoop &&
		a.Playback == b.Playback &&
		a.Capture.SampleRate == b.Capture.SampleRate && a.Capture.FrameSize == b.Capture.FrameSize &&
		ac.IsEnabled() == bc.IsEnabled() && ac.ThresholdDB == bc.ThresholdDB &&
		ac.KneeDB == bc.KneeDB && ac.Ratio == bc.Ratio &&
		ac.Attack == bc.Attack && ac.Release == bc.Release
}
