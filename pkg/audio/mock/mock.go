// Package mock provides in-memory mock implementations of the [audio.Host],
// [audio.Microphone], and [audio.OutputDevice] interfaces for use in unit
// tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := mock.NewMicrophone(16)
//	out := &mock.OutputDevice{}
//	host := &mock.Host{MicrophoneResult: mic, OutputResult: out}
//	// ... start the session, then feed audio:
//	mic.Send(audio.AudioFrame{Samples: samples, SampleRate: 16000})
//	// ... and let the first scheduled buffer finish:
//	out.Voices()[0].End()
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ─── Microphone ───────────────────────────────────────────────────────────────

// Microphone is a mock implementation of [audio.Microphone]. Frames are fed by
// the test through [Microphone.Send].
type Microphone struct {
	mu     sync.Mutex
	frames chan audio.AudioFrame
	closed bool

	// CloseError is returned by [Microphone.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// NewMicrophone returns a Microphone whose frame channel has the given buffer.
func NewMicrophone(buffer int) *Microphone {
	return &Microphone{frames: make(chan audio.AudioFrame, buffer)}
}

// Frames implements [audio.Microphone].
func (m *Microphone) Frames() <-chan audio.AudioFrame { return m.frames }

// Send delivers frame to the consumer. It blocks while the channel is full
// and reports false once the microphone has been closed.
func (m *Microphone) Send(frame audio.AudioFrame) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	m.frames <- frame
	return true
}

// Close implements [audio.Microphone]. Closes the frame channel on first call
// and returns CloseError.
func (m *Microphone) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CallCountClose++
	if !m.closed {
		m.closed = true
		close(m.frames)
	}
	return m.CloseError
}

// Closed reports whether Close has been called.
func (m *Microphone) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// ─── OutputDevice ─────────────────────────────────────────────────────────────

// Voice is the mock [audio.Voice] returned by [OutputDevice.Play].
type Voice struct {
	mu      sync.Mutex
	stopped bool
	ended   bool

	// Buffer is the buffer passed to Play.
	Buffer *audio.Buffer

	// At is the start offset passed to Play.
	At time.Duration

	onEnded func()
}

// Stop implements [audio.Voice].
func (v *Voice) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
}

// Stopped reports whether Stop has been called.
func (v *Voice) Stopped() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.stopped
}

// End simulates natural completion: the onEnded callback passed to Play runs
// on the calling goroutine unless the voice was stopped or already ended.
// It reports whether the callback ran.
func (v *Voice) End() bool {
	v.mu.Lock()
	if v.stopped || v.ended || v.onEnded == nil {
		v.mu.Unlock()
		return false
	}
	v.ended = true
	fn := v.onEnded
	v.mu.Unlock()
	fn()
	return true
}

// OutputDevice is a mock implementation of [audio.OutputDevice] with a clock
// the test sets explicitly.
type OutputDevice struct {
	mu     sync.Mutex
	now    time.Duration
	voices []*Voice
	closed bool

	// PlayError, when non-nil, is returned by every Play call.
	PlayError error

	// CloseError is returned by [OutputDevice.Close].
	CloseError error

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// SetNow moves the output clock.
func (o *OutputDevice) SetNow(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.now = d
}

// Now implements [audio.OutputDevice].
func (o *OutputDevice) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

// Play implements [audio.OutputDevice]. Records the call and returns a [*Voice].
func (o *OutputDevice) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.PlayError != nil {
		return nil, o.PlayError
	}
	if o.closed {
		return nil, audio.ErrDeviceClosed
	}
	v := &Voice{Buffer: buf, At: at, onEnded: onEnded}
	o.voices = append(o.voices, v)
	return v, nil
}

// Voices returns a copy of every voice created by Play, in call order.
func (o *OutputDevice) Voices() []*Voice {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*Voice, len(o.voices))
	copy(out, o.voices)
	return out
}

// Close implements [audio.OutputDevice]. Returns CloseError.
func (o *OutputDevice) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	o.closed = true
	return o.CloseError
}

// Closed reports whether Close has been called.
func (o *OutputDevice) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host].
type Host struct {
	mu sync.Mutex

	// MicrophoneResult is returned by OpenMicrophone.
	MicrophoneResult audio.Microphone

	// OpenMicrophoneErr is returned by OpenMicrophone instead of MicrophoneResult.
	OpenMicrophoneErr error

	// MicrophoneGate, when non-nil, makes OpenMicrophone block until the
	// channel is closed or ctx ends, simulating a pending permission prompt.
	MicrophoneGate chan struct{}

	// OutputResult is returned by OpenOutput.
	OutputResult audio.OutputDevice

	// OpenOutputErr is returned by OpenOutput instead of OutputResult.
	OpenOutputErr error

	// MicrophoneFormats records the format of every OpenMicrophone call.
	MicrophoneFormats []audio.Format

	// OutputFormats records the format of every OpenOutput call.
	OutputFormats []audio.Format
}

// OpenMicrophone implements [audio.Host].
func (h *Host) OpenMicrophone(ctx context.Context, format audio.Format) (audio.Microphone, error) {
	h.mu.Lock()
	h.MicrophoneFormats = append(h.MicrophoneFormats, format)
	gate := h.MicrophoneGate
	h.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.OpenMicrophoneErr != nil {
		return nil, h.OpenMicrophoneErr
	}
	return h.MicrophoneResult, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(_ context.Context, format audio.Format) (audio.OutputDevice, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.OutputFormats = append(h.OutputFormats, format)
	if h.OpenOutputErr != nil {
		return nil, h.OpenOutputErr
	}
	return h.OutputResult, nil
}

// CallCountOpenMicrophone returns how many times OpenMicrophone was called.
func (h *Host) CallCountOpenMicrophone() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.MicrophoneFormats)
}
