// Package audio defines the audio data types, the wire codec, and the host
// device contracts used by the voicelink session core.
//
// The host contracts are:
//
//   - [Host]: opens the microphone and the output device.
//   - [Microphone]: a running capture stream delivering [AudioFrame] values.
//   - [OutputDevice]: accepts [Buffer] values scheduled at absolute offsets
//     on its monotonic output clock and returns a [Voice] handle for each.
//
// Implementations are provided by adapter packages (audio/portaudio,
// audio/wavfile) and by audio/mock for tests.
package audio

import (
	"context"
	"errors"
	"time"
)

// Device errors returned by [Host] implementations. Callers test for them with
// errors.Is.
var (
	// ErrPermissionDenied is returned when the user or OS refuses microphone access.
	ErrPermissionDenied = errors.New("audio: device permission denied")

	// ErrDeviceUnavailable is returned when no suitable device exists or it
	// cannot be opened.
	ErrDeviceUnavailable = errors.New("audio: device unavailable")

	// ErrDeviceClosed is returned by [OutputDevice.Play] after Close.
	ErrDeviceClosed = errors.New("audio: device closed")
)

// Microphone is a running capture stream.
//
// Implementations must be safe for concurrent use.
type Microphone interface {
	// Frames returns the channel on which captured frames arrive in capture
	// order. The channel is closed after Close or when the device fails.
	Frames() <-chan AudioFrame

	// Close stops capture and releases the device. Calling Close more than once
	// is safe and returns nil.
	Close() error
}

// Voice is a handle to one scheduled buffer on an [OutputDevice].
type Voice interface {
	// Stop cancels the voice immediately, whether it has started or not. The
	// onEnded callback passed to Play is not invoked for a stopped voice.
	// Stop is idempotent.
	Stop()
}

// OutputDevice plays buffers scheduled on its output clock.
//
// Implementations must be safe for concurrent use.
type OutputDevice interface {
	// Now returns the current position of the monotonic output clock.
	Now() time.Duration

	// Play schedules buf to start at the absolute clock offset at. An offset in
	// the past starts playback immediately. onEnded, if non-nil, is invoked on
	// an internal goroutine when the buffer finishes playing naturally; it
	// must not block.
	Play(buf *Buffer, at time.Duration, onEnded func()) (Voice, error)

	// Close stops every voice and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Host is the entry point for a platform's audio devices.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// OpenMicrophone starts a capture stream producing mono frames at
	// format.SampleRate. It may block while the platform asks the user for
	// permission; ctx bounds that wait. A refusal is reported with an error
	// wrapping [ErrPermissionDenied].
	OpenMicrophone(ctx context.Context, format Format) (Microphone, error)

	// OpenOutput opens the output device. Buffers passed to Play are
	// converted to the device format by the implementation.
	OpenOutput(ctx context.Context, format Format) (OutputDevice, error)
}
