// Package portaudio implements [audio.Host] on top of the PortAudio C
// library. It requires the portaudio build tag and libportaudio headers:
//
//	go build -tags portaudio ./cmd/voicelink
//
// Without the tag every constructor fails with ErrNotBuilt, so the rest of
// the module builds without cgo.
package portaudio
