package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"mime"
	"strconv"
)

// pcmScale maps float samples in [-1, 1) onto the signed 16-bit range.
const pcmScale = 32768.0

// Codec errors. Decode failures are always wrapped in a [*CodecError].
var (
	ErrOddLength         = errors.New("audio: pcm payload has odd byte length")
	ErrChannelMisaligned = errors.New("audio: pcm sample count is not divisible by channel count")
	ErrInvalidChannels   = errors.New("audio: channel count must be positive")
)

// CodecError reports a malformed payload. The session drops the offending
// chunk and keeps running.
type CodecError struct {
	// Op names the failed step ("decode base64", "decode pcm", ...).
	Op string

	// Bytes is the payload length that failed, for logging.
	Bytes int

	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("audio: %s (%d bytes): %v", e.Op, e.Bytes, e.Err)
}

func (e *CodecError) Unwrap() error { return e.Err }

// EncodedChunk is the wire form of a block of audio: little-endian 16-bit PCM,
// base64-encoded, tagged with a MIME type such as "audio/pcm;rate=16000".
// Chunks are immutable once built.
type EncodedChunk struct {
	Data     string
	MIMEType string
}

// PCMMIMEType returns the MIME tag for 16-bit PCM at the given rate.
func PCMMIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// Encode converts float samples into an [EncodedChunk]. Each sample s becomes
// the int16 round(s*32768). Values are not clamped: callers are expected to
// feed compressed or limited audio, and an input of exactly 1.0 wraps.
func Encode(samples []float32, sampleRate int) EncodedChunk {
	return EncodedChunk{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM(samples)),
		MIMEType: PCMMIMEType(sampleRate),
	}
}

// EncodePCM packs samples as little-endian int16 PCM without the text
// transport encoding.
func EncodePCM(samples []float32) []byte {
	pcm := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int32(math.Round(float64(s) * pcmScale))
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}

// Decode reverses [Encode]. The sample rate is taken from the chunk's MIME
// tag when present, otherwise fallbackRate is used.
func Decode(chunk EncodedChunk, fallbackRate, channels int) (*Buffer, error) {
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return nil, &CodecError{Op: "decode base64", Bytes: len(chunk.Data), Err: err}
	}
	return DecodePCM(pcm, ParseRate(chunk.MIMEType, fallbackRate), channels)
}

// DecodePCM reinterprets little-endian int16 PCM as float samples in
// [-1, 1), de-interleaving by channel.
func DecodePCM(pcm []byte, sampleRate, channels int) (*Buffer, error) {
	if channels <= 0 {
		return nil, &CodecError{Op: "decode pcm", Bytes: len(pcm), Err: ErrInvalidChannels}
	}
	if len(pcm)%2 != 0 {
		return nil, &CodecError{Op: "decode pcm", Bytes: len(pcm), Err: ErrOddLength}
	}
	n := len(pcm) / 2
	if n%channels != 0 {
		return nil, &CodecError{Op: "decode pcm", Bytes: len(pcm), Err: ErrChannelMisaligned}
	}

	frames := n / channels
	buf := NewBuffer(channels, frames, sampleRate)
	for c := range channels {
		ch := buf.Channels[c]
		for i := range frames {
			off := (i*channels + c) * 2
			ch[i] = float32(int16(binary.LittleEndian.Uint16(pcm[off:]))) / pcmScale
		}
	}
	return buf, nil
}

// ParseRate extracts the "rate" parameter from a MIME tag such as
// "audio/pcm;rate=24000". It returns fallback when the tag is empty, cannot be
// parsed, or carries no valid rate.
func ParseRate(mimeType string, fallback int) int {
	if mimeType == "" {
		return fallback
	}
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return fallback
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return fallback
	}
	return rate
}
