package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/internal/session"
	audiomock "github.com/MrWong99/voicelink/pkg/audio/mock"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
	s2smock "github.com/MrWong99/voicelink/pkg/provider/s2s/mock"
)

const waitTimeout = 2 * time.Second

// syncBuffer is a bytes.Buffer safe for one writer and concurrent readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestManager(t *testing.T) (*session.Manager, *s2smock.Session) {
	t.Helper()
	sess := s2smock.NewSession(64)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	mgr, err := session.New(session.Config{
		Provider:     &s2smock.Provider{Session: sess},
		ProviderName: "mock",
		Host: &audiomock.Host{
			MicrophoneResult: audiomock.NewMicrophone(16),
			OutputResult:     &audiomock.OutputDevice{},
		},
		Metrics: metrics,
	})
	if err != nil {
		t.Fatalf("session.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		_ = mgr.Close(ctx)
	})
	return mgr, sess
}

// testDiagnostics builds the diagnostics handler over a private telemetry
// instance.
func testDiagnostics(t *testing.T, mgr *session.Manager, extra ...health.Checker) http.Handler {
	t.Helper()
	tel, err := observe.InitProvider(context.Background(), observe.ProviderConfig{SkipGlobal: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return diagnosticsHandler(mgr, metrics, tel.MetricsHandler(), extra...)
}

func waitOutput(t *testing.T, out *syncBuffer, want string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if strings.Contains(out.String(), want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("output never contained %q; got:\n%s", want, out.String())
}

func TestConsole_ToggleAndRender(t *testing.T) {
	t.Parallel()
	mgr, sess := newTestManager(t)
	inR, inW := io.Pipe()
	out := &syncBuffer{}
	c := &console{mgr: mgr, in: inR, out: out}

	done := make(chan error, 1)
	go func() { done <- c.run(context.Background()) }()

	io.WriteString(inW, "\n")
	waitOutput(t, out, "[active]")
	waitOutput(t, out, session.DefaultStatusTexts().MicrophoneActive)

	sess.Push(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerUser, Text: "when do you open"})
	sess.Push(s2s.Message{Kind: s2s.MessageTranscript, Speaker: s2s.SpeakerAgent, Text: "at nine"})
	sess.Push(s2s.Message{Kind: s2s.MessageTurnComplete})
	waitOutput(t, out, "── turn ──\n  You: when do you open\n  Agent: at nine\n")

	io.WriteString(inW, "s\n")
	waitOutput(t, out, "state=active session=")

	io.WriteString(inW, "\n")
	waitOutput(t, out, session.DefaultStatusTexts().Closed)
	waitOutput(t, out, "[idle]")

	io.WriteString(inW, "bogus\n")
	waitOutput(t, out, `unknown command "bogus"`)

	io.WriteString(inW, "q\n")
	select {
	case err := <-done:
		if !errors.Is(err, errQuit) {
			t.Errorf("run returned %v, want errQuit", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("run did not return after quit")
	}
}

func TestConsole_ContextCancelReturnsNil(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	c := &console{mgr: mgr, in: strings.NewReader(""), out: &syncBuffer{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("run returned %v, want nil", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("run did not return after cancel")
	}
}

func TestConsole_StopWhileConnecting(t *testing.T) {
	t.Parallel()
	sess := s2smock.NewSession(8)
	provider := &s2smock.Provider{Session: sess, ConnectGate: make(chan struct{})}
	mgr, err := session.New(session.Config{
		Provider: provider,
		Host: &audiomock.Host{
			MicrophoneResult: audiomock.NewMicrophone(4),
			OutputResult:     &audiomock.OutputDevice{},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })

	inR, inW := io.Pipe()
	out := &syncBuffer{}
	c := &console{mgr: mgr, in: inR, out: out}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go c.run(ctx)

	io.WriteString(inW, "\n")
	waitOutput(t, out, "[connecting]")
	io.WriteString(inW, "\n")
	waitOutput(t, out, "[idle]")

	if got := mgr.State(); got != session.StateIdle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestConsole_WaitOpsDrainsEvents(t *testing.T) {
	t.Parallel()
	c := &console{}
	events := make(chan session.Event)

	// A pending Stop that only finishes once its turn event is read.
	c.ops.Add(1)
	go func() {
		defer c.ops.Done()
		events <- session.Event{Kind: session.EventTurn}
	}()

	done := make(chan struct{})
	go func() {
		c.waitOps(events)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitTimeout):
		t.Fatal("waitOps blocked on an unread event")
	}
}

func TestApplyReload(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)

	old := &config.Config{}
	config.ApplyDefaults(old)
	new := &config.Config{}
	config.ApplyDefaults(new)
	new.Server.LogLevel = config.LogDebug
	new.Session.Voice = "Puck"
	new.Session.Status.Interrupted = "Go on."

	var level slog.LevelVar
	applyReload(mgr, &level, old, new)

	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}
	s := mgr.Settings()
	if s.Session.Voice.ID != "Puck" {
		t.Errorf("voice = %q, want Puck", s.Session.Voice.ID)
	}
	if s.Status.Interrupted != "Go on." {
		t.Errorf("interrupted status = %q", s.Status.Interrupted)
	}
	if s.Status.Closed != session.DefaultStatusTexts().Closed {
		t.Errorf("unset status lines should keep defaults, got %q", s.Status.Closed)
	}
}

func TestDiagnosticsHandler(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	srv := httptest.NewServer(testDiagnostics(t, mgr))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var body struct {
		Status  string `json:"status"`
		Session string `json:"session"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if body.Status != "ok" || body.Session != "idle" {
		t.Errorf("healthz = %+v, want ok/idle", body)
	}

	for _, path := range []string{"/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: status %d, want 200", path, resp.StatusCode)
		}
		if path == "/metrics" && !strings.Contains(string(b), "go_goroutines") {
			t.Errorf("/metrics missing runtime series:\n%s", b)
		}
	}
}

func TestSlogLevel(t *testing.T) {
	t.Parallel()
	tests := map[config.LogLevel]slog.Level{
		config.LogDebug: slog.LevelDebug,
		config.LogInfo:  slog.LevelInfo,
		config.LogWarn:  slog.LevelWarn,
		config.LogError: slog.LevelError,
		"":              slog.LevelInfo,
	}
	for in, want := range tests {
		if got := slogLevel(in); got != want {
			t.Errorf("slogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestPrintStartupSummary(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{ListenAddr: ":9090"}}
	config.ApplyDefaults(cfg)

	var buf bytes.Buffer
	printStartupSummary(&buf, cfg)
	for _, want := range []string{"gemini-live", "portaudio", "Zephyr", "16000 Hz", ":9090"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("summary missing %q:\n%s", want, buf.String())
		}
	}
}

func TestDiagnosticsHandler_BreakerOpenNotReady(t *testing.T) {
	t.Parallel()
	mgr, _ := newTestManager(t)
	guarded := guardProvider(
		&s2smock.Provider{ConnectErr: errors.New("refused")},
		config.ProviderEntry{Name: "mock", Breaker: config.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour}},
	)
	srv := httptest.NewServer(testDiagnostics(t, mgr, breakerCheck(guarded.Breaker())))
	defer srv.Close()

	readyz := func() int {
		t.Helper()
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}

	if got := readyz(); got != http.StatusOK {
		t.Fatalf("readyz before failure = %d, want 200", got)
	}
	if _, err := guarded.Connect(context.Background(), s2s.SessionConfig{}); err == nil {
		t.Fatal("expected connect error")
	}
	if guarded.Breaker().State() != resilience.StateOpen {
		t.Fatalf("breaker state = %v, want open", guarded.Breaker().State())
	}
	if got := readyz(); got != http.StatusServiceUnavailable {
		t.Errorf("readyz with open breaker = %d, want 503", got)
	}
}
