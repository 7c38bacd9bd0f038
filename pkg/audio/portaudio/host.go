//go:build portaudio

package portaudio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mixer"
)

// Compile-time interface assertions.
var (
	_ audio.Host         = (*Host)(nil)
	_ audio.Microphone   = (*microphone)(nil)
	_ audio.OutputDevice = (*output)(nil)
)

const (
	// DefaultCaptureFrames is the capture buffer size in samples.
	DefaultCaptureFrames = 4096

	// DefaultPlaybackFrames is the output callback size in frames.
	DefaultPlaybackFrames = 960

	frameQueue = 32
)

// Host opens the default PortAudio input and output devices.
type Host struct {
	captureFrames  int
	playbackFrames int
}

// Option configures a [Host].
type Option func(*Host)

// WithCaptureFrames sets the number of samples per captured frame.
func WithCaptureFrames(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.captureFrames = n
		}
	}
}

// WithPlaybackFrames sets the output callback size.
func WithPlaybackFrames(n int) Option {
	return func(h *Host) {
		if n > 0 {
			h.playbackFrames = n
		}
	}
}

// New initialises PortAudio. Call [Host.Close] to terminate it.
func New(opts ...Option) (*Host, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w", err)
	}
	h := &Host{
		captureFrames:  DefaultCaptureFrames,
		playbackFrames: DefaultPlaybackFrames,
	}
	for _, o := range opts {
		o(h)
	}
	return h, nil
}

// Close terminates PortAudio. Streams still open are invalid afterwards.
func (h *Host) Close() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}

// OpenMicrophone implements [audio.Host]. PortAudio has no permission API;
// any open failure is reported as [audio.ErrDeviceUnavailable].
func (h *Host) OpenMicrophone(_ context.Context, format audio.Format) (audio.Microphone, error) {
	m := &microphone{
		frames: make(chan audio.AudioFrame, frameQueue),
		rate:   format.SampleRate,
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(format.SampleRate), h.captureFrames, m.callback)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start input: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	m.stream = stream
	slog.Debug("portaudio: microphone opened", "rate", format.SampleRate, "frames", h.captureFrames)
	return m, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(_ context.Context, format audio.Format) (audio.OutputDevice, error) {
	mx, err := mixer.New(format)
	if err != nil {
		return nil, err
	}
	stream, err := portaudio.OpenDefaultStream(0, format.Channels, float64(format.SampleRate), h.playbackFrames, mx.Render)
	if err != nil {
		return nil, fmt.Errorf("portaudio: open output: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("portaudio: start output: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return &output{Mixer: mx, stream: stream}, nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

type microphone struct {
	stream  *portaudio.Stream
	frames  chan audio.AudioFrame
	rate    int
	read    int64 // samples delivered so far, for timestamps
	dropped atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// callback runs on the PortAudio thread. It must never block, so frames are
// dropped when the consumer falls behind.
func (m *microphone) callback(in []float32) {
	samples := make([]float32, len(in))
	copy(samples, in)
	frame := audio.AudioFrame{
		Samples:    samples,
		SampleRate: m.rate,
		Timestamp:  time.Duration(m.read * int64(time.Second) / int64(m.rate)),
	}
	m.read += int64(len(in))

	select {
	case m.frames <- frame:
	default:
		if n := m.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("portaudio: capture queue full, dropping frames", "dropped", n)
		}
	}
}

func (m *microphone) Frames() <-chan audio.AudioFrame { return m.frames }

func (m *microphone) Close() error {
	m.closeOnce.Do(func() {
		if err := m.stream.Stop(); err != nil {
			m.closeErr = fmt.Errorf("portaudio: stop input: %w", err)
		}
		if err := m.stream.Close(); err != nil && m.closeErr == nil {
			m.closeErr = fmt.Errorf("portaudio: close input: %w", err)
		}
		close(m.frames)
	})
	return m.closeErr
}

// ─── Output ───────────────────────────────────────────────────────────────────

// output drives a [mixer.Mixer] from the PortAudio output callback.
type output struct {
	*mixer.Mixer
	stream *portaudio.Stream

	closeOnce sync.Once
	closeErr  error
}

func (o *output) Close() error {
	o.closeOnce.Do(func() {
		_ = o.Mixer.Close()
		if err := o.stream.Stop(); err != nil {
			o.closeErr = fmt.Errorf("portaudio: stop output: %w", err)
		}
		if err := o.stream.Close(); err != nil && o.closeErr == nil {
			o.closeErr = fmt.Errorf("portaudio: close output: %w", err)
		}
	})
	return o.closeErr
}

// ─── Devices ──────────────────────────────────────────────────────────────────

// Device describes one PortAudio device.
type Device struct {
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// Devices lists every device PortAudio can see. PortAudio must be
// initialised (see [New]).
func Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(infos))
	for _, d := range infos {
		out = append(out, Device{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		})
	}
	return out, nil
}
