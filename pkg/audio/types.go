package audio

import "time"

// Standard rates used by the voice session. Microphone audio is captured at
// CaptureSampleRate; synthesised speech from the peer arrives at
// PlaybackSampleRate.
const (
	CaptureSampleRate  = 16000
	PlaybackSampleRate = 24000
)

// AudioFrame is a block of mono floating-point samples produced by a capture
// device. Samples are in the range [-1.0, 1.0]. Frames are consumed
// immediately by the capture pipeline and never retained.
type AudioFrame struct {
	// Samples holds mono float32 samples.
	Samples []float32

	// SampleRate in Hz (16000 for microphone capture).
	SampleRate int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f AudioFrame) Duration() time.Duration {
	return samplesToDuration(len(f.Samples), f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Buffer is decoded, de-interleaved audio ready for playback. Channels[c]
// holds the samples of channel c; all channels have the same length.
type Buffer struct {
	Channels   [][]float32
	SampleRate int
}

// NewBuffer allocates a silent buffer with the given channel count and length
// in frames.
func NewBuffer(channels, frames, sampleRate int) *Buffer {
	b := &Buffer{
		Channels:   make([][]float32, channels),
		SampleRate: sampleRate,
	}
	for c := range b.Channels {
		b.Channels[c] = make([]float32, frames)
	}
	return b
}

// Frames returns the number of sample frames per channel.
func (b *Buffer) Frames() int {
	if b == nil || len(b.Channels) == 0 {
		return 0
	}
	return len(b.Channels[0])
}

// NumChannels returns the channel count.
func (b *Buffer) NumChannels() int {
	if b == nil {
		return 0
	}
	return len(b.Channels)
}

// Duration returns the playback length of the buffer.
func (b *Buffer) Duration() time.Duration {
	if b == nil {
		return 0
	}
	return samplesToDuration(b.Frames(), b.SampleRate)
}

func samplesToDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
