package audio

import (
	"math"
	"time"
)

// CompressorConfig holds the parameters of a [Compressor]. The zero value is
// not useful; start from [DefaultCompressorConfig].
type CompressorConfig struct {
	// ThresholdDB is the level above which gain reduction begins.
	ThresholdDB float64

	// KneeDB is the width of the soft-knee region centred on the threshold.
	KneeDB float64

	// Ratio is the input/output slope above the knee (15 means 15 dB in, 1 dB out).
	Ratio float64

	// Attack is how quickly gain reduction engages.
	Attack time.Duration

	// Release is how quickly gain reduction recovers.
	Release time.Duration
}

// DefaultCompressorConfig returns the aggressive settings used on microphone
// input to suppress background noise before encoding.
func DefaultCompressorConfig() CompressorConfig {
	return CompressorConfig{
		ThresholdDB: -60,
		KneeDB:      20,
		Ratio:       15,
		Attack:      3 * time.Millisecond,
		Release:     300 * time.Millisecond,
	}
}

// Compressor is a feed-forward dynamics compressor with a soft knee and
// attack/release smoothing of the gain in the decibel domain. It never
// amplifies: output magnitude is at most input magnitude.
//
// A Compressor keeps envelope state between calls and is not safe for
// concurrent use. Create one per capture stream.
type Compressor struct {
	cfg      CompressorConfig
	attackK  float64
	releaseK float64
	gainDB   float64 // current smoothed gain, always <= 0
}

// NewCompressor creates a Compressor for audio at sampleRate.
func NewCompressor(cfg CompressorConfig, sampleRate int) *Compressor {
	if cfg.Ratio < 1 {
		cfg.Ratio = 1
	}
	if cfg.KneeDB < 0 {
		cfg.KneeDB = 0
	}
	return &Compressor{
		cfg:      cfg,
		attackK:  smoothingCoeff(cfg.Attack, sampleRate),
		releaseK: smoothingCoeff(cfg.Release, sampleRate),
	}
}

// smoothingCoeff returns the one-pole coefficient for a time constant. A zero
// time constant gives an instantaneous response.
func smoothingCoeff(d time.Duration, sampleRate int) float64 {
	if d <= 0 || sampleRate <= 0 {
		return 0
	}
	return math.Exp(-1 / (d.Seconds() * float64(sampleRate)))
}

// Process compresses samples in place and returns them.
func (c *Compressor) Process(samples []float32) []float32 {
	for i, s := range samples {
		target := c.staticGain(levelDB(s))
		k := c.releaseK
		if target < c.gainDB {
			k = c.attackK
		}
		c.gainDB = k*c.gainDB + (1-k)*target
		samples[i] = s * float32(math.Pow(10, c.gainDB/20))
	}
	return samples
}

// Reset clears the envelope state.
func (c *Compressor) Reset() { c.gainDB = 0 }

// staticGain is the gain computer: the reduction in dB (<= 0) applied to a
// signal at level x dB.
func (c *Compressor) staticGain(x float64) float64 {
	t, w, r := c.cfg.ThresholdDB, c.cfg.KneeDB, c.cfg.Ratio
	over := x - t
	switch {
	case 2*over < -w:
		return 0
	case w > 0 && 2*math.Abs(over) <= w:
		d := over + w/2
		return (1/r - 1) * d * d / (2 * w)
	default:
		return (1/r - 1) * over
	}
}

// levelDB converts a sample magnitude to dBFS, with a floor for silence.
func levelDB(s float32) float64 {
	a := math.Abs(float64(s))
	if a < 1e-9 {
		return -180
	}
	return 20 * math.Log10(a)
}
