package observe

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTelemetry_ScrapesSessionMetrics(t *testing.T) {
	t.Parallel()
	tel, err := InitProvider(context.Background(), ProviderConfig{ServiceVersion: "test", SkipGlobal: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	m, err := NewMetrics(tel.MeterProvider)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.TurnsCompleted.Add(context.Background(), 2)

	rec := httptest.NewRecorder()
	tel.MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{"voicelink_transcript_turns", "go_goroutines", "process_"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("scrape output missing %q", want)
		}
	}
}

func TestTelemetry_ShutdownTwice(t *testing.T) {
	t.Parallel()
	tel, err := InitProvider(context.Background(), ProviderConfig{SkipGlobal: true})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	// The SDK reports repeated shutdowns; callers only need the first to succeed.
	_ = tel.Shutdown(context.Background())
}
