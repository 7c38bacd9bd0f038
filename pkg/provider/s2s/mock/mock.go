// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out controlled sessions.
// Use Session to script the peer: push messages with Push, end the stream
// with Finish, and inspect the audio the session core sent.
//
// Example:
//
//	sess := mock.NewSession(16)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Push(s2s.Message{Kind: s2s.MessageInterrupted})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect returns
	// a new Session with a buffered message channel.
	Session s2s.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectGate, when non-nil, makes Connect block until the channel is
	// closed or ctx ends, simulating a slow handshake.
	ConnectGate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities s2s.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall
}

// Connect records the call, waits on ConnectGate if set, and returns Session,
// ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	gate := p.ConnectGate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	if p.Session != nil {
		return p.Session, nil
	}
	return NewSession(64), nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() s2s.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// CallCountConnect returns how many times Connect was called.
func (p *Provider) CallCountConnect() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements s2s.Provider at compile time.
var _ s2s.Provider = (*Provider)(nil)

// Session is a mock implementation of s2s.SessionHandle.
type Session struct {
	mu       sync.Mutex
	messages chan s2s.Message
	finished bool
	sent     []audio.EncodedChunk
	sentCh   chan struct{}

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// CloseErr is returned by Close.
	CloseErr error

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns a Session whose message channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{
		messages: make(chan s2s.Message, buffer),
		sentCh:   make(chan struct{}, 1),
	}
}

// SendAudio records the chunk and returns SendAudioErr. After Close it
// returns s2s.ErrSessionClosed.
func (s *Session) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return s2s.ErrSessionClosed
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.sent = append(s.sent, chunk)
	select {
	case s.sentCh <- struct{}{}:
	default:
	}
	return nil
}

// Messages implements s2s.SessionHandle.
func (s *Session) Messages() <-chan s2s.Message { return s.messages }

// Push delivers msg to the consumer. It blocks while the channel is full and
// reports false once the stream has finished.
func (s *Session) Push(msg s2s.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.messages <- msg
	if msg.Kind == s2s.MessageClosed {
		s.finish()
	}
	return true
}

// Close records the call, closes the message channel on first call, and
// returns CloseErr.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.finish()
	return s.CloseErr
}

func (s *Session) finish() {
	if s.finished {
		return
	}
	s.finished = true
	close(s.messages)
}

// Sent returns a copy of every chunk accepted by SendAudio, in call order.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.sent))
	copy(out, s.sent)
	return out
}

// SentSignal returns a channel that receives a value (coalesced) whenever
// SendAudio accepts a chunk. Tests use it to wait for the sender.
func (s *Session) SentSignal() <-chan struct{} { return s.sentCh }

// CallCountClose returns how many times Close was called.
func (s *Session) CallCountClose() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Session implements s2s.SessionHandle at compile time.
var _ s2s.SessionHandle = (*Session)(nil)
