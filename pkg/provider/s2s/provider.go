// Package s2s defines the Provider interface for Speech-to-Speech (S2S) backends.
//
// An S2S provider wraps a real-time voice agent that accepts microphone audio
// and answers with synthesised speech over one stateful, bidirectional stream.
// Examples include the Gemini Live API and the OpenAI Realtime API.
//
// The central abstraction is SessionHandle: an open stream that accepts
// [audio.EncodedChunk] values and yields an ordered sequence of typed
// [Message] values (audio, interruption, transcription delta, turn complete,
// error, closed). Sessions are long-lived (seconds to minutes).
//
// All implementations must be safe for concurrent use.
package s2s

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// ErrSessionClosed is returned by SendAudio after the session has been closed.
var ErrSessionClosed = errors.New("s2s: session closed")

// PeerError is an error frame reported by the remote peer.
type PeerError struct {
	Code    int
	Status  string
	Message string
}

func (e *PeerError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("s2s: peer error %d (%s): %s", e.Code, e.Status, msg)
	}
	return fmt.Sprintf("s2s: peer error %d: %s", e.Code, msg)
}

// Voice identifies a prebuilt voice offered by a provider.
type Voice struct {
	// ID is the provider-specific voice name sent on the wire (e.g. "Zephyr").
	ID string

	// Name is a human-readable label.
	Name string
}

// SessionConfig is the initial configuration for a new S2S session.
type SessionConfig struct {
	// ResponseModality is the output modality requested from the model.
	// Empty means "AUDIO".
	ResponseModality string

	// Voice selects the voice the model uses for synthesised speech. A zero
	// value leaves the provider default.
	Voice Voice

	// Instructions is the system-level prompt that defines the agent's
	// persona and behaviour.
	Instructions string

	// InputTranscription requests live transcription of the user's speech.
	InputTranscription bool

	// OutputTranscription requests live transcription of the agent's speech.
	OutputTranscription bool
}

// Capabilities describes static properties of the S2S provider.
// The values are assumed constant for the lifetime of the Provider instance.
type Capabilities struct {
	// InputSampleRate is the capture rate the provider expects in
	// SendAudio. Providers whose wire rate differs resample internally.
	InputSampleRate int

	// OutputSampleRate is the rate of audio chunks that carry no explicit
	// rate in their MIME tag.
	OutputSampleRate int

	// MaxSessionDuration is the hard upper bound on session lifetime imposed
	// by the provider. Zero means no documented limit.
	MaxSessionDuration time.Duration

	// Voices lists the voices available for this provider.
	Voices []Voice
}

// MessageKind discriminates [Message] values.
type MessageKind int

const (
	// MessageAudio carries one chunk of synthesised speech in Message.Audio.
	MessageAudio MessageKind = iota

	// MessageInterrupted reports that the user started speaking over the
	// agent; any buffered agent audio is stale.
	MessageInterrupted

	// MessageTranscript carries a transcription delta in Message.Text for
	// Message.Speaker.
	MessageTranscript

	// MessageTurnComplete marks the end of one user/agent exchange.
	MessageTurnComplete

	// MessageError reports a peer error frame or an undecodable message in
	// Message.Err. The stream stays open.
	MessageError

	// MessageClosed is the final message. Message.Clean reports whether the
	// peer closed normally; Code and Reason carry the close frame.
	MessageClosed
)

// String returns the kind name for logging.
func (k MessageKind) String() string {
	switch k {
	case MessageAudio:
		return "audio"
	case MessageInterrupted:
		return "interrupted"
	case MessageTranscript:
		return "transcript"
	case MessageTurnComplete:
		return "turn_complete"
	case MessageError:
		return "error"
	case MessageClosed:
		return "closed"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// Speaker identifies whose speech a transcription delta belongs to.
type Speaker int

const (
	// SpeakerUser is the person at the microphone.
	SpeakerUser Speaker = iota

	// SpeakerAgent is the remote voice agent.
	SpeakerAgent
)

// String returns "user" or "agent".
func (s Speaker) String() string {
	if s == SpeakerAgent {
		return "agent"
	}
	return "user"
}

// Message is one typed event from the peer. Only the fields relevant to Kind
// are set.
type Message struct {
	Kind MessageKind

	// Audio is set for MessageAudio.
	Audio audio.EncodedChunk

	// Speaker and Text are set for MessageTranscript.
	Speaker Speaker
	Text    string

	// Err is set for MessageError, and for MessageClosed when the stream
	// failed rather than closing with a close frame.
	Err error

	// Clean, Code, and Reason are set for MessageClosed.
	Clean  bool
	Code   int
	Reason string
}

// SessionHandle represents an open S2S session. It is an interface so that test
// code can supply mock implementations without a live provider connection.
//
// All methods must be safe for concurrent use. Callers must call Close when
// the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers one encoded microphone chunk to the peer. Chunks are
	// transmitted in call order. Returns [ErrSessionClosed] after Close.
	SendAudio(ctx context.Context, chunk audio.EncodedChunk) error

	// Messages returns the channel of peer messages in arrival order. A
	// MessageClosed is delivered when the peer ends the stream; the channel
	// is closed afterwards and after Close. Consumers must keep draining it
	// until it is closed.
	Messages() <-chan Message

	// Close performs the closing handshake and releases the connection. It
	// blocks until the connection is gone. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Provider is the abstraction over any S2S backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Connect opens a new session and blocks until the peer acknowledges it
	// (the "open" signal) or ctx ends. The caller owns the SessionHandle and
	// is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)

	// Capabilities returns static metadata about this provider.
	Capabilities() Capabilities
}
