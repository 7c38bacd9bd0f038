package audio_test

import (
	"encoding/base64"
	"errors"
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

func TestEncode_PacksLittleEndianInt16(t *testing.T) {
	t.Parallel()

	chunk := audio.Encode([]float32{0, 0.5, -0.5, -1}, audio.CaptureSampleRate)
	if chunk.MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIMEType = %q, want audio/pcm;rate=16000", chunk.MIMEType)
	}

	raw, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		t.Fatalf("chunk data is not base64: %v", err)
	}
	got := bytesToSamples(raw)
	want := []int16{0, 16384, -16384, -32768}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestEncodePCM_Rounds(t *testing.T) {
	t.Parallel()

	// 1.6/32768 rounds up to 2, 1.4/32768 rounds down to 1.
	got := bytesToSamples(audio.EncodePCM([]float32{1.6 / 32768, 1.4 / 32768, -1.6 / 32768}))
	want := []int16{2, 1, -2}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %d, want %d", i, got[i], want[i])
		}
	}
}

func TestRoundTrip_WithinOneQuantizationStep(t *testing.T) {
	t.Parallel()

	r := rand.New(rand.NewPCG(1, 2))
	samples := make([]float32, 4096)
	for i := range samples {
		samples[i] = (r.Float32()*2 - 1) * 0.999
	}
	// Keep the top of the range inside [-1, 1) where the mapping is defined.
	samples[0] = -1
	samples[1] = 32767.0 / 32768

	buf, err := audio.Decode(audio.Encode(samples, 16000), 24000, 1)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if buf.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want rate from MIME tag (16000)", buf.SampleRate)
	}
	if buf.Frames() != len(samples) {
		t.Fatalf("frames = %d, want %d", buf.Frames(), len(samples))
	}

	const step = 1.0 / 32768
	for i, s := range samples {
		if d := math.Abs(float64(buf.Channels[0][i] - s)); d > step {
			t.Fatalf("sample %d: |%v - %v| = %v exceeds one step", i, buf.Channels[0][i], s, d)
		}
	}
}

func TestDecodePCM_Deinterleaves(t *testing.T) {
	t.Parallel()

	pcm := samplesToBytes([]int16{16384, -16384, 8192, -8192})
	buf, err := audio.DecodePCM(pcm, 24000, 2)
	if err != nil {
		t.Fatalf("DecodePCM: %v", err)
	}
	if buf.NumChannels() != 2 || buf.Frames() != 2 {
		t.Fatalf("got %dch %d frames, want 2ch 2 frames", buf.NumChannels(), buf.Frames())
	}
	if buf.Channels[0][0] != 0.5 || buf.Channels[0][1] != 0.25 {
		t.Errorf("left = %v, want [0.5 0.25]", buf.Channels[0])
	}
	if buf.Channels[1][0] != -0.5 || buf.Channels[1][1] != -0.25 {
		t.Errorf("right = %v, want [-0.5 -0.25]", buf.Channels[1])
	}
}

func TestDecodePCM_Duration(t *testing.T) {
	t.Parallel()

	buf, err := audio.DecodePCM(make([]byte, 2*2400), audio.PlaybackSampleRate, 1)
	if err != nil {
		t.Fatalf("DecodePCM: %v", err)
	}
	if got := buf.Duration(); got != 100*time.Millisecond {
		t.Errorf("Duration = %v, want 100ms", got)
	}
}

func TestDecode_Malformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		chunk    audio.EncodedChunk
		channels int
		wantErr  error
	}{
		{
			name:     "odd length",
			chunk:    audio.EncodedChunk{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3})},
			channels: 1,
			wantErr:  audio.ErrOddLength,
		},
		{
			name:     "not divisible by channels",
			chunk:    audio.EncodedChunk{Data: base64.StdEncoding.EncodeToString([]byte{1, 2, 3, 4, 5, 6})},
			channels: 2,
			wantErr:  audio.ErrChannelMisaligned,
		},
		{
			name:     "zero channels",
			chunk:    audio.EncodedChunk{Data: base64.StdEncoding.EncodeToString([]byte{1, 2})},
			channels: 0,
			wantErr:  audio.ErrInvalidChannels,
		},
		{
			name:     "bad base64",
			chunk:    audio.EncodedChunk{Data: "!!not base64!!"},
			channels: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			buf, err := audio.Decode(tc.chunk, 24000, tc.channels)
			if err == nil {
				t.Fatalf("expected error, got buffer with %d frames", buf.Frames())
			}
			var ce *audio.CodecError
			if !errors.As(err, &ce) {
				t.Fatalf("error %v is not a *CodecError", err)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestParseRate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mime string
		want int
	}{
		{"audio/pcm;rate=24000", 24000},
		{"audio/pcm; rate=16000", 16000},
		{"audio/pcm", 8000},
		{"", 8000},
		{"audio/pcm;rate=abc", 8000},
		{"audio/pcm;rate=-5", 8000},
	}
	for _, tc := range tests {
		if got := audio.ParseRate(tc.mime, 8000); got != tc.want {
			t.Errorf("ParseRate(%q) = %d, want %d", tc.mime, got, tc.want)
		}
	}
}
