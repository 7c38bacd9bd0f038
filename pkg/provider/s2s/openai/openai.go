// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The API expects 24 kHz PCM16 input, so 16 kHz microphone chunks are
// resampled before they are appended to the input buffer. Server VAD drives
// interruption: input_audio_buffer.speech_started becomes
// [s2s.MessageInterrupted].
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// Compile-time assertions that Provider and session satisfy the s2s interfaces.
var _ s2s.Provider = (*Provider)(nil)
var _ s2s.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireRate is the PCM16 rate of the Realtime API in both directions.
	wireRate = 24000

	transcriptionModel = "whisper-1"
	messageBuffer      = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    audio.CaptureSampleRate,
		OutputSampleRate:   wireRate,
		MaxSessionDuration: 30 * time.Minute,
		Voices: []s2s.Voice{
			{ID: "alloy", Name: "Alloy"},
			{ID: "ash", Name: "Ash"},
			{ID: "ballad", Name: "Ballad"},
			{ID: "coral", Name: "Coral"},
			{ID: "echo", Name: "Echo"},
			{ID: "sage", Name: "Sage"},
			{ID: "shimmer", Name: "Shimmer"},
			{ID: "verse", Name: "Verse"},
		},
	}
}

// Connect establishes a new OpenAI Realtime session, sends the session
// configuration, and waits for the server to confirm it with
// session.updated.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, url.QueryEscape(p.model))

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:             conn,
		messages:         make(chan s2s.Message, messageBuffer),
		agentTranscripts: cfg.OutputTranscription,
		ctx:              sessCtx,
		cancel:           sessCancel,
	}

	if err := sess.sendSessionUpdate(ctx, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := sess.awaitSessionUpdated(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "setup aborted")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}

	sess.wg.Add(1)
	go sess.receiveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string                 `json:"modalities"`
	Voice                   string                   `json:"voice,omitempty"`
	Instructions            string                   `json:"instructions,omitempty"`
	InputAudioFormat        string                   `json:"input_audio_format"`
	OutputAudioFormat       string                   `json:"output_audio_format"`
	InputAudioTranscription *inputAudioTranscription `json:"input_audio_transcription,omitempty"`
}

type inputAudioTranscription struct {
	Model string `json:"model"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16 at 24 kHz
}

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (d *serverErrorDetail) peerError() *s2s.PeerError {
	if d == nil {
		return &s2s.PeerError{}
	}
	status := d.Code
	if status == "" {
		status = d.Type
	}
	return &s2s.PeerError{Status: status, Message: d.Message}
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta /
	// conversation.item.input_audio_transcription.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan s2s.Message

	agentTranscripts bool

	// userDeltas records input items for which transcription deltas were
	// seen, so the matching completed event is not emitted twice. Only the
	// receive goroutine touches it.
	userDeltas map[string]bool

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// sendSessionUpdate sends a session.update event to configure voice,
// instructions, transcription, and audio formats.
func (s *session) sendSessionUpdate(ctx context.Context, cfg s2s.SessionConfig) error {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice.ID,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
	}
	if strings.EqualFold(cfg.ResponseModality, "text") {
		params.Modalities = []string{"text"}
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputAudioTranscription{Model: transcriptionModel}
	}
	return s.writeJSON(ctx, sessionUpdateMessage{Type: "session.update", Session: params})
}

// awaitSessionUpdated reads events until the server confirms the session
// configuration.
func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return evt.Error.peerError()
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them.
// It owns the messages channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.closed.Load() || s.ctx.Err() != nil {
				return
			}
			s.emit(closedMessage(err))
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			slog.Warn("openai: skipping malformed server event", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

// closedMessage converts a read error into the final MessageClosed.
func closedMessage(err error) s2s.Message {
	m := s2s.Message{Kind: s2s.MessageClosed, Code: -1}
	var ce websocket.CloseError
	if errors.As(err, &ce) {
		m.Code = int(ce.Code)
		m.Reason = ce.Reason
		m.Clean = ce.Code == websocket.StatusNormalClosure || ce.Code == websocket.StatusGoingAway
		if !m.Clean {
			m.Err = fmt.Errorf("openai: closed with status %d: %s", ce.Code, ce.Reason)
		}
		return m
	}
	m.Err = fmt.Errorf("openai: read: %w", err)
	return m
}

// handleServerEvent maps one Realtime event onto zero or one message. It
// reports false once the session is shutting down.
func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(s2s.Message{
			Kind:  s2s.MessageAudio,
			Audio: audio.EncodedChunk{Data: evt.Delta, MIMEType: audio.PCMMIMEType(wireRate)},
		})

	case "response.audio_transcript.delta", "response.text.delta":
		if !s.agentTranscripts {
			return true
		}
		return s.emit(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerAgent, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.delta":
		if s.userDeltas == nil {
			s.userDeltas = make(map[string]bool)
		}
		s.userDeltas[evt.ItemID] = true
		return s.emit(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerUser, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		// Models without delta support only send the completed transcript.
		if s.userDeltas[evt.ItemID] {
			delete(s.userDeltas, evt.ItemID)
			return true
		}
		return s.emit(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerUser, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		return s.emit(s2s.Message{Kind: s2s.MessageInterrupted})

	case "response.done":
		return s.emit(s2s.Message{Kind: s2s.MessageTurnComplete})

	case "error":
		return s.emit(s2s.Message{Kind: s2s.MessageError, Err: evt.Error.peerError()})
	}
	return true
}

// emit delivers m unless the session is shutting down.
func (s *session) emit(m s2s.Message) bool {
	select {
	case s.messages <- m:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio resamples the chunk to the API's 24 kHz wire rate and appends it
// to the input audio buffer.
func (s *session) SendAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	if s.closed.Load() {
		return s2s.ErrSessionClosed
	}
	pcm, err := base64.StdEncoding.DecodeString(chunk.Data)
	if err != nil {
		return &audio.CodecError{Op: "decode base64", Bytes: len(chunk.Data), Err: err}
	}
	pcm = audio.ResampleMono16(pcm, audio.ParseRate(chunk.MIMEType, audio.CaptureSampleRate), wireRate)

	if err := s.writeJSON(ctx, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	}); err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// Messages returns the channel on which server messages arrive.
func (s *session) Messages() <-chan s2s.Message { return s.messages }

// Close performs the WebSocket closing handshake and waits for the receive
// goroutine to exit. Idempotent.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("openai: close handshake", "err", err)
	}
	s.cancel()
	s.wg.Wait()
	return nil
}
