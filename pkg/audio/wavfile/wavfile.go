// Package wavfile implements a headless [audio.Host]. The microphone replays a
// WAV file in real time and the output device renders into a discarding sink
// paced by the wall clock. It is used for scripted runs and for machines
// without sound hardware.
package wavfile

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/youpy/go-wav"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/mixer"
)

// Compile-time interface assertion.
var _ audio.Host = (*Host)(nil)

const (
	// DefaultFrameSize is the number of samples per emitted capture frame.
	DefaultFrameSize = 4096

	// renderPeriod is how often the null output advances its clock.
	renderPeriod = 20 * time.Millisecond
)

// Host serves a WAV file as the microphone.
type Host struct {
	// Path is the WAV file replayed as microphone input.
	Path string

	// Loop restarts the file when it ends instead of closing the stream.
	Loop bool

	// FrameSize is the number of samples per frame. Zero means
	// [DefaultFrameSize].
	FrameSize int
}

// OpenMicrophone implements [audio.Host]. A missing file is reported as
// [audio.ErrDeviceUnavailable] and an unreadable one as
// [audio.ErrPermissionDenied].
func (h *Host) OpenMicrophone(ctx context.Context, format audio.Format) (audio.Microphone, error) {
	samples, err := Load(h.Path, format.SampleRate)
	if err != nil {
		return nil, err
	}
	size := h.FrameSize
	if size <= 0 {
		size = DefaultFrameSize
	}

	m := &microphone{
		frames: make(chan audio.AudioFrame, 4),
		done:   make(chan struct{}),
	}
	m.wg.Add(1)
	go m.run(samples, format.SampleRate, size, h.Loop)
	slog.Debug("wavfile: microphone opened", "path", h.Path, "samples", len(samples))
	return m, nil
}

// OpenOutput implements [audio.Host].
func (h *Host) OpenOutput(_ context.Context, format audio.Format) (audio.OutputDevice, error) {
	return NewNullOutput(format)
}

// Load reads a WAV file and returns its audio as mono float samples at rate.
func Load(path string, rate int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("wavfile: open %s: %w: %w", path, audio.ErrPermissionDenied, err)
		default:
			return nil, fmt.Errorf("wavfile: open %s: %w: %w", path, audio.ErrDeviceUnavailable, err)
		}
	}
	defer f.Close()

	r := wav.NewReader(f)
	wf, err := r.Format()
	if err != nil {
		return nil, fmt.Errorf("wavfile: read format of %s: %w", path, err)
	}
	channels := int(wf.NumChannels)
	if channels < 1 || channels > 2 {
		return nil, fmt.Errorf("wavfile: %s: unsupported channel count %d", path, channels)
	}
	scale := float32(int64(1) << (wf.BitsPerSample - 1))

	var interleaved []float32
	for {
		block, err := r.ReadSamples()
		for _, s := range block {
			for c := range channels {
				interleaved = append(interleaved, float32(s.Values[c])/scale)
			}
		}
		if err != nil {
			break
		}
	}

	mono := audio.Downmix(interleaved, channels)
	return audio.ResampleFloat32(mono, int(wf.SampleRate), rate), nil
}

// ─── Microphone ───────────────────────────────────────────────────────────────

type microphone struct {
	frames chan audio.AudioFrame
	done   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// run emits one frame per frame-duration until the file ends or Close is
// called.
func (m *microphone) run(samples []float32, rate, size int, loop bool) {
	defer m.wg.Done()
	defer close(m.frames)

	period := time.Duration(int64(size) * int64(time.Second) / int64(rate))
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	var pos int
	var ts time.Duration
	for {
		if pos >= len(samples) {
			if !loop || len(samples) == 0 {
				return
			}
			pos = 0
		}
		end := min(pos+size, len(samples))
		frame := audio.AudioFrame{
			Samples:    append([]float32(nil), samples[pos:end]...),
			SampleRate: rate,
			Timestamp:  ts,
		}
		pos = end
		ts += frame.Duration()

		select {
		case <-m.done:
			return
		case m.frames <- frame:
		}
		select {
		case <-m.done:
			return
		case <-ticker.C:
		}
	}
}

func (m *microphone) Frames() <-chan audio.AudioFrame { return m.frames }

func (m *microphone) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}

// ─── Null output ──────────────────────────────────────────────────────────────

// NullOutput is an [audio.OutputDevice] that renders scheduled audio into a
// discarded buffer at real-time pace.
type NullOutput struct {
	*mixer.Mixer

	done chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// NewNullOutput starts a NullOutput rendering at format.
func NewNullOutput(format audio.Format) (*NullOutput, error) {
	mx, err := mixer.New(format)
	if err != nil {
		return nil, err
	}
	o := &NullOutput{Mixer: mx, done: make(chan struct{})}
	o.wg.Add(1)
	go o.run(format)
	return o, nil
}

func (o *NullOutput) run(format audio.Format) {
	defer o.wg.Done()
	frames := int(int64(format.SampleRate) * int64(renderPeriod) / int64(time.Second))
	buf := make([]float32, frames*format.Channels)

	ticker := time.NewTicker(renderPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.Render(buf)
		}
	}
}

// Close stops rendering and every scheduled voice.
func (o *NullOutput) Close() error {
	o.once.Do(func() { close(o.done) })
	o.wg.Wait()
	return o.Mixer.Close()
}
