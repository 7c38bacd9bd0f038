package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// ValidProviderNames lists the built-in peer names. Used by [Validate] to
// warn about unrecognised names.
var ValidProviderNames = []string{"gemini-live", "openai-realtime"}

// ValidHostNames lists the built-in audio hosts.
var ValidHostNames = []string{"portaudio", "wavfile"}

// Load reads the YAML configuration file at path and returns a validated
// [Config]. A relative session.instructions_file is resolved against the
// directory of path.
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
	resolvePaths(cfg, path)
	return cfg, nil
}

// resolvePaths makes file references relative to the config file absolute.
func resolvePaths(cfg *Config, path string) {
	dir := filepath.Dir(path)
	if p := cfg.Session.InstructionsFile; p != "" && !filepath.IsAbs(p) {
		cfg.Session.InstructionsFile = filepath.Join(dir, p)
	}
	if p := cfg.Audio.WAVInput; p != "" && !filepath.IsAbs(p) {
		cfg.Audio.WAVInput = filepath.Join(dir, p)
	}
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in secrets, applies defaults, and validates the result.
// Useful in tests where configs are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields with the built-in defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Audio.Host == "" {
		cfg.Audio.Host = DefaultHost
	}
	if cfg.Audio.Capture.SampleRate == 0 {
		cfg.Audio.Capture.SampleRate = DefaultCaptureRate
	}
	if cfg.Audio.Capture.FrameSize == 0 {
		cfg.Audio.Capture.FrameSize = DefaultFrameSize
	}
	if cfg.Audio.Playback.SampleRate == 0 {
		cfg.Audio.Playback.SampleRate = DefaultPlaybackRate
	}
	if cfg.Audio.Playback.Channels == 0 {
		cfg.Audio.Playback.Channels = DefaultPlaybackChannels
	}

	c := &cfg.Audio.Capture.Compressor
	d := audio.DefaultCompressorConfig()
	if c.ThresholdDB == 0 {
		c.ThresholdDB = d.ThresholdDB
	}
	if c.KneeDB == 0 {
		c.KneeDB = d.KneeDB
	}
	if c.Ratio == 0 {
		c.Ratio = d.Ratio
	}
	if c.Attack == 0 {
		c.Attack = d.Attack
	}
	if c.Release == 0 {
		c.Release = d.Release
	}

	if cfg.Session.Voice == "" {
		cfg.Session.Voice = DefaultVoice
	}
	if cfg.Session.ResponseModality == "" {
		cfg.Session.ResponseModality = DefaultModality
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	warnUnknown("provider", cfg.Provider.Name, ValidProviderNames)
	if cfg.Provider.APIKey == "" {
		slog.Warn("provider.api_key is empty; the peer will likely reject the connection", "provider", cfg.Provider.Name)
	}

	if b := cfg.Provider.Breaker; b.MaxFailures < 0 || b.ResetTimeout < 0 {
		errs = append(errs, errors.New("provider.breaker max_failures and reset_timeout must not be negative"))
	}

	a := cfg.Audio
	warnUnknown("audio.host", a.Host, ValidHostNames)
	if a.Host == "wavfile" && a.WAVInput == "" {
		errs = append(errs, errors.New("audio.wav_input is required when audio.host is wavfile"))
	}
	if a.Capture.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.sample_rate %d must be positive", a.Capture.SampleRate))
	}
	if a.Capture.FrameSize < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.frame_size %d must be positive", a.Capture.FrameSize))
	}
	if a.Playback.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.playback.sample_rate %d must be positive", a.Playback.SampleRate))
	}
	if a.Playback.Channels < 0 || a.Playback.Channels > 2 {
		errs = append(errs, fmt.Errorf("audio.playback.channels %d is out of range [1, 2]", a.Playback.Channels))
	}

	c := a.Capture.Compressor
	if c.ThresholdDB > 0 {
		errs = append(errs, fmt.Errorf("audio.capture.compressor.threshold_db %.1f must not be positive", c.ThresholdDB))
	}
	if c.KneeDB < 0 {
		errs = append(errs, fmt.Errorf("audio.capture.compressor.knee_db %.1f must not be negative", c.KneeDB))
	}
	if c.Ratio != 0 && c.Ratio < 1 {
		errs = append(errs, fmt.Errorf("audio.capture.compressor.ratio %.2f must be at least 1", c.Ratio))
	}
	if c.Attack < 0 || c.Release < 0 {
		errs = append(errs, errors.New("audio.capture.compressor attack and release must not be negative"))
	}

	switch strings.ToUpper(cfg.Session.ResponseModality) {
	case "", "AUDIO", "TEXT":
	default:
		errs = append(errs, fmt.Errorf("session.response_modality %q is invalid; valid values: AUDIO, TEXT", cfg.Session.ResponseModality))
	}

	return errors.Join(errs...)
}

// warnUnknown logs a warning if name is non-empty and not in known.
func warnUnknown(field, name string, known []string) {
	if name == "" || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"field", field,
		"name", name,
		"known", known,
	)
}

// Instructions returns the system instruction: session.instructions followed
// by the contents of session.instructions_file, separated by a blank line.
func (c *Config) Instructions() (string, error) {
	text := c.Session.Instructions
	if c.Session.InstructionsFile == "" {
		return text, nil
	}
	doc, err := os.ReadFile(c.Session.InstructionsFile)
	if err != nil {
		return "", fmt.Errorf("config: read instructions file: %w", err)
	}
	if text == "" {
		return string(doc), nil
	}
	return text + "\n\n" + string(doc), nil
}

// SessionSettings converts the session block into [session.Settings].
func (c *Config) SessionSettings() (session.Settings, error) {
	instructions, err := c.Instructions()
	if err != nil {
		return session.Settings{}, err
	}
	st := c.Session.Status
	return session.Settings{
		Session: s2s.SessionConfig{
			ResponseModality:    strings.ToUpper(c.Session.ResponseModality),
			Voice:               s2s.Voice{ID: c.Session.Voice, Name: c.Session.Voice},
			Instructions:        instructions,
			InputTranscription:  boolOr(c.Session.InputTranscription, true),
			OutputTranscription: boolOr(c.Session.OutputTranscription, true),
		},
		Status: session.StatusTexts{
			Initializing:          st.Initializing,
			RequestingMicrophone:  st.RequestingMicrophone,
			MicrophoneActive:      st.MicrophoneActive,
			MicrophoneDenied:      st.MicrophoneDenied,
			MicrophoneUnavailable: st.MicrophoneUnavailable,
			Interrupted:           st.Interrupted,
			TurnComplete:          st.TurnComplete,
			SessionError:          st.SessionError,
			StartFailed:           st.StartFailed,
			ClosedClean:           st.ClosedClean,
			ClosedUnexpectedly:    st.ClosedUnexpectedly,
			Closed:                st.Closed,
		},
	}, nil
}

// CompressorSettings converts the compressor block into an
// [audio.CompressorConfig].
func (c *Config) CompressorSettings() audio.CompressorConfig {
	cc := c.Audio.Capture.Compressor
	return audio.CompressorConfig{
		ThresholdDB: cc.ThresholdDB,
		KneeDB:      cc.KneeDB,
		Ratio:       cc.Ratio,
		Attack:      cc.Attack,
		Release:     cc.Release,
	}
}

// PlaybackFormat returns the requested output format.
func (c *Config) PlaybackFormat() audio.Format {
	return audio.Format{SampleRate: c.Audio.Playback.SampleRate, Channels: c.Audio.Playback.Channels}
}
