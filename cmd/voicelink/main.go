// Command voicelink is a terminal front end for a live voice conversation with
// a speech-to-speech model. Press Enter to start or stop the session.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voicelink/internal/config"
	"github.com/MrWong99/voicelink/internal/health"
	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/resilience"
	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/portaudio"
	"github.com/MrWong99/voicelink/pkg/audio/wavfile"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
	geminilive "github.com/MrWong99/voicelink/pkg/provider/s2s/gemini"
	oais2s "github.com/MrWong99/voicelink/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "voicelink.yaml", "path to the YAML configuration file")
	listDevices := flag.Bool("list-devices", false, "print the PortAudio devices and exit")
	flag.Parse()

	if *listDevices {
		if err := printDevices(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
			return 1
		}
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicelink: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicelink: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("voicelink starting",
		"config", *configPath,
		"version", version,
		"provider", cfg.Provider.Name,
		"host", cfg.Audio.Host,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics, err := observe.NewMetrics(tel.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Peer and audio host ───────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltins(reg)

	provider, err := reg.CreateS2S(cfg.Provider)
	if err != nil {
		slog.Error("failed to create provider", "name", cfg.Provider.Name, "err", err)
		return 1
	}
	var checks []health.Checker
	if !cfg.Provider.Breaker.Disabled {
		guarded := guardProvider(provider, cfg.Provider)
		provider = guarded
		checks = append(checks, breakerCheck(guarded.Breaker()))
	}
	host, err := reg.CreateHost(cfg.Audio)
	if err != nil {
		slog.Error("failed to create audio host", "name", cfg.Audio.Host, "err", err)
		return 1
	}
	if c, ok := host.(io.Closer); ok {
		defer func() {
			if err := c.Close(); err != nil {
				slog.Warn("audio host close", "err", err)
			}
		}()
	}

	settings, err := cfg.SessionSettings()
	if err != nil {
		slog.Error("failed to build session settings", "err", err)
		return 1
	}

	mgr, err := session.New(session.Config{
		Provider:          provider,
		ProviderName:      cfg.Provider.Name,
		Host:              host,
		Settings:          settings,
		CaptureRate:       cfg.Audio.Capture.SampleRate,
		Playback:          cfg.PlaybackFormat(),
		Compressor:        cfg.CompressorSettings(),
		DisableCompressor: !cfg.Audio.Capture.Compressor.IsEnabled(),
		Metrics:           metrics,
	})
	if err != nil {
		slog.Error("failed to create session manager", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		applyReload(mgr, &level, old, new)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	printStartupSummary(os.Stdout, cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	con := &console{mgr: mgr, in: os.Stdin, out: os.Stdout}
	g.Go(func() error { return con.run(gctx) })

	if cfg.Server.ListenAddr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.ListenAddr,
			Handler:           diagnosticsHandler(mgr, metrics, tel.MetricsHandler(), checks...),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			slog.Info("diagnostics listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if watcher != nil {
		g.Go(func() error {
			<-gctx.Done()
			watcher.Stop()
			return nil
		})
	}

	err = g.Wait()

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if cerr := mgr.Close(shutdownCtx); cerr != nil {
		slog.Warn("session teardown incomplete", "err", cerr)
	}

	if err != nil && !errors.Is(err, errQuit) && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Wiring ────────────────────────────────────────────────────────────────────

// registerBuiltins wires the built-in peers and audio hosts into reg.
func registerBuiltins(reg *config.Registry) {
	reg.RegisterS2S("gemini-live", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []geminilive.Option
		if entry.Model != "" {
			opts = append(opts, geminilive.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, geminilive.WithBaseURL(entry.BaseURL))
		}
		return geminilive.New(entry.APIKey, opts...), nil
	})

	reg.RegisterS2S("openai-realtime", func(entry config.ProviderEntry) (s2s.Provider, error) {
		var opts []oais2s.Option
		if entry.Model != "" {
			opts = append(opts, oais2s.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(entry.BaseURL))
		}
		return oais2s.New(entry.APIKey, opts...), nil
	})

	reg.RegisterHost("portaudio", func(c config.AudioConfig) (audio.Host, error) {
		return portaudio.New(
			portaudio.WithCaptureFrames(c.Capture.FrameSize),
			portaudio.WithPlaybackFrames(c.Playback.FrameSize),
		)
	})

	reg.RegisterHost("wavfile", func(c config.AudioConfig) (audio.Host, error) {
		return &wavfile.Host{Path: c.WAVInput, Loop: c.WAVLoop, FrameSize: c.Capture.FrameSize}, nil
	})

	peers, hosts := reg.Names()
	slog.Debug("registered builtins", "peers", peers, "hosts", hosts)
}

// guardProvider puts a connect circuit breaker in front of p.
func guardProvider(p s2s.Provider, entry config.ProviderEntry) *resilience.GuardedProvider {
	return resilience.GuardProvider(p, resilience.CircuitBreakerConfig{
		Name:         entry.Name,
		MaxFailures:  entry.Breaker.MaxFailures,
		ResetTimeout: entry.Breaker.ResetTimeout,
	})
}

// breakerCheck reports not-ready while connection attempts are refused.
func breakerCheck(cb *resilience.CircuitBreaker) health.Checker {
	return health.Checker{Name: "peer", Check: func(context.Context) error {
		if cb.State() == resilience.StateOpen {
			return resilience.ErrCircuitOpen
		}
		return nil
	}}
}

// diagnosticsHandler serves /metrics, /healthz and /readyz.
func diagnosticsHandler(mgr *session.Manager, m *observe.Metrics, scrape http.Handler, extra ...health.Checker) http.Handler {
	checks := append([]health.Checker{
		{Name: "session", Check: func(context.Context) error {
			if mgr.State() == session.StateErrored {
				return errors.New("microphone unavailable; stop the session to recover")
			}
			return nil
		}},
	}, extra...)
	hh := health.New(checks...).WithState(func() string { return mgr.State().String() })

	mux := http.NewServeMux()
	hh.Register(mux)
	mux.Handle("GET /metrics", scrape)
	return observe.Middleware(m, "/metrics", "/healthz", "/readyz")(mux)
}

// applyReload pushes hot-reloadable changes into the running process.
func applyReload(mgr *session.Manager, level *slog.LevelVar, old, new *config.Config) {
	d := config.Diff(old, new)
	if d.LogLevelChanged {
		level.Set(slogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.SessionChanged || d.StatusChanged {
		settings, err := new.SessionSettings()
		if err != nil {
			slog.Warn("config reload: session settings not applied", "err", err)
		} else {
			mgr.Apply(settings)
			slog.Info("session settings updated; they apply from the next start")
		}
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config reload: some changes need a restart", "fields", d.RestartRequired)
	}
}

func printDevices(w io.Writer) error {
	h, err := portaudio.New()
	if err != nil {
		return err
	}
	defer h.Close()

	devices, err := portaudio.Devices()
	if err != nil {
		return err
	}
	for i, d := range devices {
		fmt.Fprintf(w, "%2d  %-40s in:%d out:%d  %.0f Hz\n",
			i, d.Name, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "╔═══════════════════════════════════════╗")
	fmt.Fprintln(w, "║        voicelink: startup summary     ║")
	fmt.Fprintln(w, "╠═══════════════════════════════════════╣")
	printRow(w, "Peer", cfg.Provider.Name, cfg.Provider.Model)
	printRow(w, "Audio host", cfg.Audio.Host, "")
	printRow(w, "Voice", cfg.Session.Voice, "")
	printRow(w, "Capture", fmt.Sprintf("%d Hz", cfg.Audio.Capture.SampleRate), "")
	printRow(w, "Playback", fmt.Sprintf("%d Hz/%dch", cfg.Audio.Playback.SampleRate, cfg.Audio.Playback.Channels), "")
	if cfg.Server.ListenAddr != "" {
		printRow(w, "Listen addr", cfg.Server.ListenAddr, "")
	}
	fmt.Fprintln(w, "╚═══════════════════════════════════════╝")
	fmt.Fprintln(w, "Press Enter to start or stop the conversation, q to quit.")
}

func printRow(w io.Writer, kind, name, detail string) {
	value := name
	if value == "" {
		value = "(not configured)"
	} else if detail != "" {
		value = name + " / " + detail
	}
	if len(value) > 19 {
		value = value[:16] + "…"
	}
	fmt.Fprintf(w, "║  %-12s    : %-19s ║\n", kind, value)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
