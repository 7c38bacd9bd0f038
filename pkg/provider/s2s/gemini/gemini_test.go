package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
	"github.com/MrWong99/voicelink/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// connect opens a session against srv and registers Close as cleanup.
func connect(t *testing.T, srv *httptest.Server, cfg s2s.SessionConfig) s2s.SessionHandle {
	t.Helper()
	handle, err := newProvider(srv).Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = handle.Close() })
	return handle
}

// nextMessage waits for one message from the session.
func nextMessage(t *testing.T, handle s2s.SessionHandle) s2s.Message {
	t.Helper()
	select {
	case m, ok := <-handle.Messages():
		if !ok {
			t.Fatal("Messages channel closed unexpectedly")
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return s2s.Message{}
}

// ── Option constructor tests ───────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p == nil {
		t.Fatal("New returned nil")
	}
}

func TestWithModel_SetsModel(t *testing.T) {
	t.Parallel()

	modelCh := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("key", gemini.WithModel("custom-model"), gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case model := <-modelCh:
		if want := "models/custom-model"; model != want {
			t.Errorf("model = %q; want %q", model, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for model in setup message")
	}
}

// ── TestCapabilities ───────────────────────────────────────────────────────────

func TestCapabilities_NonEmpty(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != audio.CaptureSampleRate {
		t.Errorf("InputSampleRate = %d, want %d", caps.InputSampleRate, audio.CaptureSampleRate)
	}
	if caps.OutputSampleRate != audio.PlaybackSampleRate {
		t.Errorf("OutputSampleRate = %d, want %d", caps.OutputSampleRate, audio.PlaybackSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

// ── TestConnect ───────────────────────────────────────────────────────────────

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *struct{} `json:"inputAudioTranscription"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{
		Voice:               s2s.Voice{ID: "Kore"},
		Instructions:        "You are a museum guide.",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	msg := <-received
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Kore" {
		t.Errorf("speechConfig = %+v, want voice Kore", sc)
	}
	if si := msg.Setup.SystemInstruction; si == nil || len(si.Parts) != 1 || si.Parts[0].Text != "You are a museum guide." {
		t.Errorf("systemInstruction = %+v", si)
	}
	if msg.Setup.InputAudioTranscription == nil {
		t.Error("inputAudioTranscription missing")
	}
	if msg.Setup.OutputAudioTranscription == nil {
		t.Error("outputAudioTranscription missing")
	}
}

func TestConnect_OmitsTranscriptionWhenDisabled(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup map[string]any `json:"setup"`
		}
		readJSON(t, conn, &msg)
		received <- msg.Setup
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	connect(t, srv, s2s.SessionConfig{})

	setup := <-received
	if _, ok := setup["inputAudioTranscription"]; ok {
		t.Error("inputAudioTranscription present although disabled")
	}
	if _, ok := setup["speechConfig"]; ok {
		t.Error("speechConfig present without a voice")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	urlQuery := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		urlQuery <- r.URL.RawQuery
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	select {
	case q := <-urlQuery:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	done := make(chan error, 1)
	go func() {
		handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
		if err == nil {
			_ = handle.Close()
		}
		done <- err
	}()

	select {
	case err := <-done:
		t.Fatalf("Connect returned before setupComplete: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	close(release)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after setupComplete")
	}
}

func TestConnect_SetupErrorFrame(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	var pe *s2s.PeerError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *s2s.PeerError", err)
	}
	if pe.Code != 403 {
		t.Errorf("Code = %d, want 403", pe.Code)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled

	if _, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── TestSendAudio ──────────────────────────────────────────────────────────────

func TestSendAudio_SendsMediaChunk(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	chunk := audio.Encode([]float32{0.25, -0.25}, audio.CaptureSampleRate)
	if err := handle.SendAudio(context.Background(), chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		if chunks[0].Data != chunk.Data {
			t.Errorf("data = %q; want %q", chunks[0].Data, chunk.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err := handle.SendAudio(context.Background(), audio.EncodedChunk{Data: "AAA=", MIMEType: "audio/pcm;rate=16000"})
	if !errors.Is(err, s2s.ErrSessionClosed) {
		t.Fatalf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
}

func TestConcurrentSendAudio_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx := context.Background()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	chunk := audio.Encode(make([]float32, 64), audio.CaptureSampleRate)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = handle.SendAudio(context.Background(), chunk)
			}
		})
	}
	wg.Wait()
}

// ── TestMessages ──────────────────────────────────────────────────────────────

func TestMessages_ServerContentOrder(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AQEB"}},
					},
				},
				"interrupted":         true,
				"inputTranscription":  map[string]any{"text": "Hel"},
				"outputTranscription": map[string]any{"text": "Hi"},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	want := []s2s.Message{
		{Kind: s2s.MessageAudio, Audio: audio.EncodedChunk{Data: "AAAA", MIMEType: "audio/pcm;rate=24000"}},
		{Kind: s2s.MessageAudio, Audio: audio.EncodedChunk{Data: "AQEB", MIMEType: "audio/pcm;rate=24000"}},
		{Kind: s2s.MessageInterrupted},
		{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerUser, Text: "Hel"},
		{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerAgent, Text: "Hi"},
		{Kind: s2s.MessageTurnComplete},
	}
	for i, w := range want {
		got := nextMessage(t, handle)
		if got.Kind != w.Kind || got.Audio != w.Audio || got.Speaker != w.Speaker || got.Text != w.Text {
			t.Fatalf("message %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestMessages_ModelTextIsNotTranscribed(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"text": "**Planning reply** The user greeted me."},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": "AAAA"}},
					},
				},
				"outputTranscription": map[string]any{"text": "Hi"},
				"turnComplete":        true,
			},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})

	want := []s2s.Message{
		{Kind: s2s.MessageAudio, Audio: audio.EncodedChunk{Data: "AAAA", MIMEType: "audio/pcm;rate=24000"}},
		{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerAgent, Text: "Hi"},
		{Kind: s2s.MessageTurnComplete},
	}
	for i, w := range want {
		got := nextMessage(t, handle)
		if got.Kind != w.Kind || got.Audio != w.Audio || got.Speaker != w.Speaker || got.Text != w.Text {
			t.Fatalf("message %d = %+v, want %+v", i, got, w)
		}
	}
}

func TestMessages_SkipsMalformedFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if m := nextMessage(t, handle); m.Kind != s2s.MessageTurnComplete {
		t.Fatalf("Kind = %v, want turn_complete", m.Kind)
	}
}

func TestMessages_ErrorFrame(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 500, "message": "internal"},
		})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	m := nextMessage(t, handle)
	if m.Kind != s2s.MessageError {
		t.Fatalf("Kind = %v, want error", m.Kind)
	}
	var pe *s2s.PeerError
	if !errors.As(m.Err, &pe) || pe.Code != 500 || pe.Message != "internal" {
		t.Errorf("Err = %v, want PeerError 500 internal", m.Err)
	}
}

func TestMessages_PeerClose(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		status    websocket.StatusCode
		reason    string
		wantClean bool
	}{
		{name: "clean", status: websocket.StatusNormalClosure, reason: "bye", wantClean: true},
		{name: "unclean", status: websocket.StatusInternalError, reason: "boom", wantClean: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
				acceptSetup(t, conn)
				conn.Close(tc.status, tc.reason)
			})

			handle := connect(t, srv, s2s.SessionConfig{})
			m := nextMessage(t, handle)
			if m.Kind != s2s.MessageClosed {
				t.Fatalf("Kind = %v, want closed", m.Kind)
			}
			if m.Clean != tc.wantClean {
				t.Errorf("Clean = %v, want %v", m.Clean, tc.wantClean)
			}
			if m.Code != int(tc.status) || m.Reason != tc.reason {
				t.Errorf("close = %d %q, want %d %q", m.Code, m.Reason, tc.status, tc.reason)
			}
			if !tc.wantClean && m.Err == nil {
				t.Error("unclean close should carry an error")
			}

			select {
			case _, open := <-handle.Messages():
				if open {
					t.Error("Messages should be closed after MessageClosed")
				}
			case <-time.After(3 * time.Second):
				t.Fatal("timeout waiting for Messages to close")
			}
		})
	}
}

// ── TestClose ─────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	if err := handle.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesMessagesWithoutClosedMessage(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle := connect(t, srv, s2s.SessionConfig{})
	_ = handle.Close()

	select {
	case m, open := <-handle.Messages():
		if open {
			t.Errorf("unexpected message after local Close: %+v", m)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for Messages channel to close")
	}
}
