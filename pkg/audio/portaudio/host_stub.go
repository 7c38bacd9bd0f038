//go:build !portaudio

package portaudio

import (
	"context"
	"errors"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrNotBuilt is returned by every function when the binary was built without
// the portaudio tag.
var ErrNotBuilt = errors.New("portaudio: support not compiled in; rebuild with -tags portaudio")

// Host is unavailable in this build.
type Host struct{}

// Option configures a [Host].
type Option func(*Host)

// WithCaptureFrames is a no-op in this build.
func WithCaptureFrames(int) Option { return func(*Host) {} }

// WithPlaybackFrames is a no-op in this build.
func WithPlaybackFrames(int) Option { return func(*Host) {} }

// New always fails with [ErrNotBuilt].
func New(...Option) (*Host, error) { return nil, ErrNotBuilt }

// Close is a no-op.
func (h *Host) Close() error { return nil }

// OpenMicrophone always fails with [ErrNotBuilt].
func (h *Host) OpenMicrophone(context.Context, audio.Format) (audio.Microphone, error) {
	return nil, errors.Join(audio.ErrDeviceUnavailable, ErrNotBuilt)
}

// OpenOutput always fails with [ErrNotBuilt].
func (h *Host) OpenOutput(context.Context, audio.Format) (audio.OutputDevice, error) {
	return nil, errors.Join(audio.ErrDeviceUnavailable, ErrNotBuilt)
}

// Device describes one PortAudio device.
type Device struct {
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Devices always fails with [ErrNotBuilt].
func Devices() ([]Device, error) { return nil, ErrNotBuilt }
