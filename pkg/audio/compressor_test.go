package audio_test

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/MrWong99/voicelink/pkg/audio"
)

func TestCompressor_NeverAmplifies(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(7, 11))
	in := make([]float32, 16000)
	for i := range in {
		in[i] = (r.Float32()*2 - 1) * 0.9
	}
	out := audio.NewCompressor(audio.DefaultCompressorConfig(), 16000).Process(append([]float32(nil), in...))

	for i := range in {
		if math.Abs(float64(out[i])) > math.Abs(float64(in[i]))+1e-9 {
			t.Fatalf("sample %d amplified: in=%v out=%v", i, in[i], out[i])
		}
	}
}

func TestCompressor_QuietSignalPassesThrough(t *testing.T) {
	t.Parallel()

	// -80 dBFS sits below the knee of the default -60 dB threshold.
	in := make([]float32, 1600)
	for i := range in {
		in[i] = 0.0001
	}
	out := audio.NewCompressor(audio.DefaultCompressorConfig(), 16000).Process(append([]float32(nil), in...))
	for i := range out {
		if out[i] != in[i] {
			t.Fatalf("sample %d changed: in=%v out=%v", i, in[i], out[i])
		}
	}
}

func TestCompressor_LoudSignalReduced(t *testing.T) {
	t.Parallel()

	in := make([]float32, 16000)
	for i := range in {
		in[i] = 0.5
	}
	out := audio.NewCompressor(audio.DefaultCompressorConfig(), 16000).Process(in)

	// Steady state for a -6 dB input is roughly -50 dB of gain reduction.
	if last := out[len(out)-1]; last > 0.01 {
		t.Errorf("steady-state output = %v, want heavy reduction (< 0.01)", last)
	}
	// Attack is not instantaneous.
	if out[0] <= out[len(out)-1] {
		t.Errorf("first sample %v should be louder than settled output %v", out[0], out[len(out)-1])
	}
}

func TestCompressor_Reset(t *testing.T) {
	t.Parallel()

	c := audio.NewCompressor(audio.DefaultCompressorConfig(), 16000)
	loud := make([]float32, 4000)
	for i := range loud {
		loud[i] = 0.8
	}
	c.Process(loud)
	c.Reset()

	first := c.Process([]float32{0.0001})
	if first[0] != 0.0001 {
		t.Errorf("after Reset quiet sample = %v, want unchanged 0.0001", first[0])
	}
}
