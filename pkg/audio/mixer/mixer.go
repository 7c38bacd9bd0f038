package mixer

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// Compile-time interface assertion.
var _ audio.OutputDevice = (*Mixer)(nil)

// defaultQueueCap is the initial capacity hint for the pending-voice queue.
const defaultQueueCap = 16

// Option configures a [Mixer] during construction.
type Option func(*Mixer)

// WithQueueCapacity sets the initial capacity hint for the internal pending
// queue. This does not impose a hard limit.
func WithQueueCapacity(n int) Option {
	return func(m *Mixer) {
		if n > 0 {
			m.pending = make(voiceHeap, 0, n)
		}
	}
}

// WithGain scales every rendered sample. The default is 1.
func WithGain(g float32) Option {
	return func(m *Mixer) {
		m.gain = g
	}
}

// Mixer sums scheduled buffers into interleaved float32 device frames.
//
// Buffers are resampled to the mixer rate on [Mixer.Play]. Mono buffers are
// copied to every output channel; wider buffers are mapped channel by
// channel, wrapping when the device has more channels than the buffer.
//
// All exported methods are safe for concurrent use. onEnded callbacks run on
// the goroutine calling Render, after the mixer lock is released.
type Mixer struct {
	format audio.Format

	mu      sync.Mutex
	frame   int64     // frames rendered so far; the output clock
	seq     uint64    // monotonic counter for FIFO ordering
	pending voiceHeap // scheduled, not yet started
	active  []*voice  // currently sounding
	gain    float32
	closed  bool
}

// voice is one scheduled buffer.
type voice struct {
	m       *Mixer
	samples [][]float32 // per-channel, already at the mixer rate
	start   int64       // absolute start frame
	pos     int         // frames consumed
	seq     uint64
	onEnded func()
	stopped bool
}

// New creates a Mixer rendering at format. format.SampleRate and
// format.Channels must be positive.
func New(format audio.Format, opts ...Option) (*Mixer, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("mixer: invalid format %dHz/%dch", format.SampleRate, format.Channels)
	}
	m := &Mixer{
		format:  format,
		pending: make(voiceHeap, 0, defaultQueueCap),
		gain:    1,
	}
	for _, o := range opts {
		o(m)
	}
	heap.Init(&m.pending)
	return m, nil
}

// Format returns the render format.
func (m *Mixer) Format() audio.Format { return m.format }

// Now returns the output clock: the playback length of every frame rendered so
// far.
func (m *Mixer) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.framesToDuration(m.frame)
}

// Play schedules buf to start at the clock offset at. Offsets at or before the
// current clock start on the next rendered frame. An empty buffer ends
// immediately: onEnded fires on the next Render.
func (m *Mixer) Play(buf *audio.Buffer, at time.Duration, onEnded func()) (audio.Voice, error) {
	if buf == nil {
		return nil, fmt.Errorf("mixer: nil buffer")
	}
	resampled := buf.Resample(m.format.SampleRate)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, audio.ErrDeviceClosed
	}

	start := m.durationToFrames(at)
	if start < m.frame {
		start = m.frame
	}
	m.seq++
	v := &voice{
		m:       m,
		samples: resampled.Channels,
		start:   start,
		seq:     m.seq,
		onEnded: onEnded,
	}
	heap.Push(&m.pending, v)
	return v, nil
}

// Render fills out with the next len(out)/channels interleaved frames and
// advances the clock by that many frames. After Close it writes silence and
// the clock stops.
func (m *Mixer) Render(out []float32) {
	clear(out)
	ch := m.format.Channels
	n := len(out) / ch

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	begin := m.frame
	end := begin + int64(n)

	for m.pending.Len() > 0 && m.pending[0].start < end {
		v := heap.Pop(&m.pending).(*voice)
		if !v.stopped {
			m.active = append(m.active, v)
		}
	}

	var ended []func()
	kept := m.active[:0]
	for _, v := range m.active {
		if v.stopped {
			continue
		}
		m.mixVoice(v, out, begin, n)
		if v.pos >= v.frames() {
			if v.onEnded != nil {
				ended = append(ended, v.onEnded)
			}
			continue
		}
		kept = append(kept, v)
	}
	clear(m.active[len(kept):])
	m.active = kept
	m.frame = end
	gain := m.gain
	m.mu.Unlock()

	for i := range out {
		s := out[i] * gain
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		out[i] = s
	}

	for _, fn := range ended {
		fn()
	}
}

// mixVoice adds the portion of v that overlaps [begin, begin+n) into out.
// Must be called with m.mu held.
func (m *Mixer) mixVoice(v *voice, out []float32, begin int64, n int) {
	ch := m.format.Channels
	offset := 0
	if v.start > begin {
		offset = int(v.start - begin)
	}
	total := v.frames()
	src := len(v.samples)
	for i := offset; i < n && v.pos < total; i++ {
		for c := range ch {
			out[i*ch+c] += v.samples[c%src][v.pos]
		}
		v.pos++
	}
}

// Pending returns the number of voices scheduled or sounding.
func (m *Mixer) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.active)
	for _, v := range m.pending {
		if !v.stopped {
			n++
		}
	}
	return n
}

// Close stops every voice and makes later Play calls fail with
// [audio.ErrDeviceClosed]. Close is idempotent.
func (m *Mixer) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, v := range m.active {
		v.stopped = true
	}
	for _, v := range m.pending {
		v.stopped = true
	}
	m.active = nil
	m.pending = nil
	return nil
}

// Stop cancels the voice. onEnded is not invoked. Stop is idempotent.
func (v *voice) Stop() {
	v.m.mu.Lock()
	defer v.m.mu.Unlock()
	v.stopped = true
}

func (v *voice) frames() int {
	if len(v.samples) == 0 {
		return 0
	}
	return len(v.samples[0])
}

func (m *Mixer) framesToDuration(frames int64) time.Duration {
	return time.Duration(frames * int64(time.Second) / int64(m.format.SampleRate))
}

// durationToFrames rounds to the nearest frame. Offsets built by summing
// truncated buffer durations land a few nanoseconds short of the frame they
// name.
func (m *Mixer) durationToFrames(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return (int64(d)*int64(m.format.SampleRate) + int64(time.Second)/2) / int64(time.Second)
}
