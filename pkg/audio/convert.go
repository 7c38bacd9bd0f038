package audio

import (
	"fmt"
	"log/slog"
	"sync"
)

// FrameConverter resamples capture frames to a target rate. It logs a warning
// on the first rate mismatch. Create one per stream; not designed for shared
// use across goroutines.
type FrameConverter struct {
	TargetRate     int
	warnedMismatch sync.Once
}

// Convert returns frame at the target rate. If the source rate already
// matches, the frame is returned unchanged (zero allocation).
func (c *FrameConverter) Convert(frame AudioFrame) AudioFrame {
	if frame.SampleRate == c.TargetRate || frame.SampleRate <= 0 {
		return frame
	}

	c.warnedMismatch.Do(func() {
		slog.Warn("audio format mismatch: converting",
			"from", formatString(frame.SampleRate, 1),
			"to", formatString(c.TargetRate, 1),
		)
	})

	return AudioFrame{
		Samples:    ResampleFloat32(frame.Samples, frame.SampleRate, c.TargetRate),
		SampleRate: c.TargetRate,
		Timestamp:  frame.Timestamp,
	}
}

// Resample returns a copy of b at the given rate. If the rate already matches,
// b itself is returned.
func (b *Buffer) Resample(rate int) *Buffer {
	if b == nil || b.SampleRate == rate || rate <= 0 {
		return b
	}
	out := &Buffer{
		Channels:   make([][]float32, len(b.Channels)),
		SampleRate: rate,
	}
	for c, ch := range b.Channels {
		out.Channels[c] = ResampleFloat32(ch, b.SampleRate, rate)
	}
	return out
}

// Downmix averages interleaved multi-channel samples into mono.
func Downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]float32, frames)
	for i := range frames {
		var sum float32
		for c := range channels {
			sum += interleaved[i*channels+c]
		}
		out[i] = sum / float32(channels)
	}
	return out
}

// ResampleFloat32 resamples mono float samples from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate, the input is returned
// unchanged.
func ResampleFloat32(samples []float32, srcRate, dstRate int) []float32 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	dstSamples := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]float32, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := float32(srcPos - float64(srcIdx))

		s0 := samples[srcIdx]
		s1 := s0
		if srcIdx+1 < len(samples) {
			s1 = samples[srcIdx+1]
		}
		out[i] = s0*(1-frac) + s1*frac
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using linear
// interpolation. The input must be little-endian int16 samples. If srcRate ==
// dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// formatString returns a human-readable string for a sample rate and channel count,
// e.g. "48000Hz stereo".
func formatString(rate, channels int) string {
	ch := "mono"
	if channels == 2 {
		ch = "stereo"
	} else if channels > 2 {
		ch = fmt.Sprintf("%dch", channels)
	}
	return fmt.Sprintf("%dHz %s", rate, ch)
}
