// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Microphone audio is transmitted as base64-encoded PCM media chunks; server
// content is split into typed [s2s.Message] values in protocol order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
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
	defaultModel   = "gemini-2.5-flash-native-audio-preview-12-2025"
	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"

	keepaliveInterval = 20 * time.Second
	keepaliveTimeout  = 5 * time.Second

	messageBuffer = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a new Gemini Live Provider with the given API key and options.
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

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		InputSampleRate:    audio.CaptureSampleRate,
		OutputSampleRate:   audio.PlaybackSampleRate,
		MaxSessionDuration: 15 * time.Minute,
		Voices: []s2s.Voice{
			{ID: "Aoede", Name: "Aoede"},
			{ID: "Charon", Name: "Charon"},
			{ID: "Fenrir", Name: "Fenrir"},
			{ID: "Kore", Name: "Kore"},
			{ID: "Puck", Name: "Puck"},
			{ID: "Zephyr", Name: "Zephyr"},
		},
	}
}

// Connect establishes a new Gemini Live session and waits for the server's
// setupComplete acknowledgement. ctx bounds the dial and the handshake only;
// the session outlives it.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, url.QueryEscape(p.apiKey),
	)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Content-Type": []string{"application/json"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: dial: %w", err)
	}
	conn.SetReadLimit(-1)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		messages: make(chan s2s.Message, messageBuffer),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSetup(ctx, p.model, cfg); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "setup failed")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}
	if err := sess.awaitSetupComplete(ctx); err != nil {
		sessCancel()
		conn.Close(websocket.StatusNormalClosure, "setup aborted")
		return nil, fmt.Errorf("gemini: setup: %w", err)
	}

	sess.wg.Add(2)
	go sess.receiveLoop()
	go sess.keepaliveLoop()

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string             `json:"model"`
	GenerationConfig         generationConfig   `json:"generationConfig"`
	SystemInstruction        *systemInstruction `json:"systemInstruction,omitempty"`
	InputAudioTranscription  *struct{}          `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}          `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *json.RawMessage `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn           *modelTurn     `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type transcription struct {
	Text string `json:"text"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn     *websocket.Conn
	messages chan s2s.Message

	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// sendSetup sends the initial BidiGenerateContent setup message.
func (s *session) sendSetup(ctx context.Context, model string, cfg s2s.SessionConfig) error {
	modality := cfg.ResponseModality
	if modality == "" {
		modality = "AUDIO"
	}
	msg := setupMessage{
		Setup: setupConfig{
			Model: fmt.Sprintf("models/%s", model),
			GenerationConfig: generationConfig{
				ResponseModalities: []string{modality},
			},
		},
	}

	if cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: cfg.Instructions}},
		}
	}
	if cfg.Voice.ID != "" {
		msg.Setup.GenerationConfig.SpeechConfig = &speechConfig{
			VoiceConfig: voiceConfig{
				PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: cfg.Voice.ID},
			},
		}
	}
	if cfg.InputTranscription {
		msg.Setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		msg.Setup.OutputAudioTranscription = &struct{}{}
	}

	return s.writeJSON(ctx, msg)
}

// awaitSetupComplete reads frames until the server acknowledges the setup.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Error != nil {
			return &s2s.PeerError{Code: msg.Error.Code, Status: msg.Error.Status, Message: msg.Error.Message}
		}
		if msg.SetupComplete != nil {
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop reads messages from the WebSocket and dispatches them.
// It owns the messages channel and closes it when it exits.
func (s *session) receiveLoop() {
	defer s.wg.Done()
	defer close(s.messages)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			// Our own Close: the caller already knows.
			if s.closed.Load() || s.ctx.Err() != nil {
				return
			}
			s.emit(closedMessage(err))
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("gemini: skipping malformed server message", "err", err, "bytes", len(data))
			continue
		}

		if !s.handleServerMessage(&msg) {
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
			m.Err = fmt.Errorf("gemini: closed with status %d: %s", ce.Code, ce.Reason)
		}
		return m
	}
	m.Err = fmt.Errorf("gemini: read: %w", err)
	return m
}

// handleServerMessage emits the typed messages carried by msg. It reports
// false once the session is shutting down.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		if !s.emit(s2s.Message{
			Kind: s2s.MessageError,
			Err:  &s2s.PeerError{Code: msg.Error.Code, Status: msg.Error.Status, Message: msg.Error.Message},
		}) {
			return false
		}
	}
	if msg.GoAway != nil {
		slog.Info("gemini: server announced disconnect")
	}
	if msg.ServerContent != nil {
		return s.handleServerContent(msg.ServerContent)
	}
	return true
}

// handleServerContent emits audio, interruption, transcription deltas, and
// turn completion in that order. Model text parts are dropped.
func (s *session) handleServerContent(sc *serverContent) bool {
	if sc.ModelTurn != nil {
		// Text parts in an audio turn carry the model's reasoning, not
		// speech. The spoken words arrive as outputTranscription.
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData != nil && p.InlineData.Data != "" {
				if !s.emit(s2s.Message{
					Kind:  s2s.MessageAudio,
					Audio: audio.EncodedChunk{Data: p.InlineData.Data, MIMEType: p.InlineData.MIMEType},
				}) {
					return false
				}
			}
		}
	}

	if sc.Interrupted {
		if !s.emit(s2s.Message{Kind: s2s.MessageInterrupted}) {
			return false
		}
	}

	// User speech recognition result.
	if sc.InputTranscription != nil {
		if !s.emit(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerUser, Text: sc.InputTranscription.Text}) {
			return false
		}
	}

	// Model output transcription (text version of audio output).
	if sc.OutputTranscription != nil {
		if !s.emit(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerAgent, Text: sc.OutputTranscription.Text}) {
			return false
		}
	}

	if sc.TurnComplete {
		return s.emit(s2s.Message{Kind: s2s.MessageTurnComplete})
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

// keepaliveLoop sends WebSocket pings to keep the Gemini Live connection alive.
func (s *session) keepaliveLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			_ = s.conn.Ping(pingCtx)
			cancel()
		}
	}
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers one encoded 16 kHz PCM chunk to the model.
func (s *session) SendAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	if s.closed.Load() {
		return s2s.ErrSessionClosed
	}
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []inlineData{{MIMEType: chunk.MIMEType, Data: chunk.Data}},
		},
	}
	if err := s.writeJSON(ctx, msg); err != nil {
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// Messages returns the channel on which server messages arrive.
func (s *session) Messages() <-chan s2s.Message { return s.messages }

// Close performs the WebSocket closing handshake, stops the background
// goroutines, and waits for them to exit. Idempotent.
func (s *session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.conn.Close(websocket.StatusNormalClosure, "session closed"); err != nil {
		slog.Debug("gemini: close handshake", "err", err)
	}
	s.cancel()
	s.wg.Wait()
	return nil
}
