// Package config provides the configuration schema, loader, registry, and
// file watcher for the voicelink console.
package config

import "time"

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

// Defaults applied by [ApplyDefaults].
const (
	DefaultProvider         = "gemini-live"
	DefaultHost             = "portaudio"
	DefaultCaptureRate      = 16000
	DefaultFrameSize        = 4096
	DefaultPlaybackRate     = 24000
	DefaultPlaybackChannels = 1
	DefaultVoice            = "Zephyr"
	DefaultModality         = "AUDIO"
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Audio    AudioConfig   `yaml:"audio"`
	Session  SessionConfig `yaml:"session"`
}

// ServerConfig holds logging and the optional metrics/health endpoint.
type ServerConfig struct {
	// ListenAddr is the TCP address for /metrics, /healthz and /readyz
	// (e.g. ":9090"). Empty disables the endpoint.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry configures the speech-to-speech peer.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered peer implementation ("gemini-live",
	// "openai-realtime").
	Name string `yaml:"name"`

	// APIKey authenticates against the peer. "${VAR}" references are
	// expanded from the environment at load time.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the peer's default WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`

	// Breaker tunes the circuit breaker guarding connection attempts.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the connect circuit breaker. Zero values take the
// breaker's defaults.
type BreakerConfig struct {
	// Disabled turns the breaker off.
	Disabled bool `yaml:"disabled"`

	// MaxFailures is the number of consecutive failed connects before
	// further attempts are refused.
	MaxFailures int `yaml:"max_failures"`

	// ResetTimeout is how long attempts are refused once the breaker opens.
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// AudioConfig selects the audio host and the capture/playback formats.
type AudioConfig struct {
	// Host selects the registered host ("portaudio", "wavfile").
	Host string `yaml:"host"`

	Capture  CaptureConfig  `yaml:"capture"`
	Playback PlaybackConfig `yaml:"playback"`

	// WAVInput is the file replayed as microphone input by the wavfile host.
	WAVInput string `yaml:"wav_input"`

	// WAVLoop restarts WAVInput when it ends.
	WAVLoop bool `yaml:"wav_loop"`
}

// CaptureConfig is the microphone side.
type CaptureConfig struct {
	// SampleRate is the rate frames are encoded and sent at.
	SampleRate int `yaml:"sample_rate"`

	// FrameSize is the number of samples per captured frame.
	FrameSize int `yaml:"frame_size"`

	Compressor CompressorConfig `yaml:"compressor"`
}

// CompressorConfig tunes the capture compressor. Zero numeric fields take the
// built-in defaults.
type CompressorConfig struct {
	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	ThresholdDB float64       `yaml:"threshold_db"`
	KneeDB      float64       `yaml:"knee_db"`
	Ratio       float64       `yaml:"ratio"`
	Attack      time.Duration `yaml:"attack"`
	Release     time.Duration `yaml:"release"`
}

// IsEnabled reports whether the compressor runs.
func (c CompressorConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// PlaybackConfig is the output device format.
type PlaybackConfig struct {
	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// FrameSize is the output callback size in frames. Zero keeps the host
	// default.
	FrameSize int `yaml:"frame_size"`
}

// SessionConfig holds the per-session options sent to the peer and the
// status lines shown to the user. Changes are applied on the next start.
type SessionConfig struct {
	// Voice is the provider voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction.
	Instructions string `yaml:"instructions"`

	// InstructionsFile names a document appended to Instructions. Relative
	// paths are resolved against the config file's directory.
	InstructionsFile string `yaml:"instructions_file"`

	// InputTranscription requests transcripts of the user's speech.
	// Defaults to true when omitted.
	InputTranscription *bool `yaml:"input_transcription"`

	// OutputTranscription requests transcripts of the agent's speech.
	// Defaults to true when omitted.
	OutputTranscription *bool `yaml:"output_transcription"`

	// ResponseModality is the requested output modality ("AUDIO", "TEXT").
	ResponseModality string `yaml:"response_modality"`

	// Status overrides individual status lines.
	Status StatusConfig `yaml:"status"`
}

// StatusConfig overrides the user-facing status lines. Empty fields keep the
// built-in text.
type StatusConfig struct {
	Initializing          string `yaml:"initializing"`
	RequestingMicrophone  string `yaml:"requesting_microphone"`
	MicrophoneActive      string `yaml:"microphone_active"`
	MicrophoneDenied      string `yaml:"microphone_denied"`
	MicrophoneUnavailable string `yaml:"microphone_unavailable"`
	Interrupted           string `yaml:"interrupted"`
	TurnComplete          string `yaml:"turn_complete"`
	SessionError          string `yaml:"session_error"`
	StartFailed           string `yaml:"start_failed"`
	ClosedClean           string `yaml:"closed_clean"`
	ClosedUnexpectedly    string `yaml:"closed_unexpectedly"`
	Closed                string `yaml:"closed"`
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
