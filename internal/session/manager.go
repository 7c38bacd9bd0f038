// Package session implements the voice session lifecycle.
//
// A [Manager] owns at most one live session at a time. It opens the output
// device and the peer stream, requests the microphone, wires the capture
// pipeline (compressor, encoder, sender), and dispatches inbound peer
// messages to the playback scheduler and the transcript aggregator.
//
// All session state is owned by a single event-loop goroutine. Commands
// (Start, Stop), completion of blocking acquisitions, and peer messages are
// all posted to that loop and handled one at a time, so no handler ever
// observes half-updated state. The loop publishes [Event] values for the
// presentation layer after each mutation completes.
//
// Lifecycle:
//
//	Idle → Connecting → OpeningMicrophone → Active → Closing → Idle
//
// A microphone failure moves to Errored with the stream still open; the
// caller must call Stop. Connection and protocol errors go straight to
// Closing. Teardown releases, in order: the peer stream, scheduled playback,
// the capture pipeline, the microphone, and the output device. Every step
// runs even when an earlier one fails.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/internal/playback"
	"github.com/MrWong99/voicelink/internal/transcript"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/provider/s2s"
)

// defaultEventBuffer is the capacity of the Events channel.
const defaultEventBuffer = 128

// Settings are the per-session options read at every Start. Changes made
// with [Manager.Apply] take effect on the next session.
type Settings struct {
	Session s2s.SessionConfig
	Status  StatusTexts
}

// Config holds all dependencies for a [Manager].
type Config struct {
	// Provider opens peer streams. Required.
	Provider s2s.Provider

	// ProviderName labels metrics and logs.
	ProviderName string

	// Host opens the microphone and output device. Required.
	Host audio.Host

	// Settings are the initial per-session options.
	Settings Settings

	// CaptureRate is the rate frames are encoded at. Default: 16000.
	CaptureRate int

	// Playback is the format requested from the output device.
	// Default: 24 kHz mono.
	Playback audio.Format

	// Compressor configures the capture compressor. The zero value selects
	// [audio.DefaultCompressorConfig].
	Compressor audio.CompressorConfig

	// DisableCompressor sends microphone audio uncompressed.
	DisableCompressor bool

	// Metrics records session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// EventBuffer is the capacity of the Events channel. State, status and
	// transcription events are dropped with a warning when the channel is
	// full; turn and error events wait for the consumer. Default: 128.
	EventBuffer int
}

// Info holds metadata about the current session.
type Info struct {
	// SessionID is the unique identifier of the session.
	SessionID string

	// StartedAt is when Start was accepted.
	StartedAt time.Time
}

// Manager runs the session state machine. All exported methods are safe for
// concurrent use.
type Manager struct {
	provider     s2s.Provider
	providerName string
	host         audio.Host
	captureRate  int
	peerRate     int
	playback     audio.Format
	compressor   audio.CompressorConfig
	compress     bool
	metrics      *observe.Metrics

	settingsMu sync.Mutex
	settings   Settings

	inbox     chan any
	events    chan Event
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	// Mirrors of loop state for concurrent readers.
	state  atomic.Int32
	sched  atomic.Pointer[playback.Scheduler]
	infoMu sync.Mutex
	info   Info

	// Owned by the loop goroutine.
	cur  State
	live *live
	agg  transcript.Aggregator
}

// live is the single session handle: the peer stream plus every device
// resource acquired for it. Teardown releases exactly what is recorded here.
type live struct {
	id        string
	settings  Settings
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	log       *slog.Logger

	startSpan trace.Span
	traceCtx  context.Context

	// pending counts acquisitions still in flight; teardown waits for them.
	pending     int
	tearingDown bool
	stopped     bool

	stream  s2s.SessionHandle
	out     audio.OutputDevice
	mic     audio.Microphone
	sched   *playback.Scheduler
	capture *capture

	starters []chan error
	stoppers []chan error
}

// Loop inputs.
type (
	startCmd struct {
		ctx   context.Context
		reply chan error
	}
	stopCmd    struct{ reply chan error }
	abandonCmd struct{ reply chan error }

	connectDone struct {
		l       *live
		out     audio.OutputDevice
		stream  s2s.SessionHandle
		err     error
		latency time.Duration
	}
	micDone struct {
		l   *live
		mic audio.Microphone
		err error
	}
	peerMsg struct {
		l   *live
		msg s2s.Message
	}
	teardownDone struct {
		l   *live
		err error
	}
	micLost struct{ l *live }
)

// New creates a Manager and starts its event loop. Call Close to stop it.
func New(cfg Config) (*Manager, error) {
	if cfg.Provider == nil {
		return nil, errors.New("session: provider is required")
	}
	if cfg.Host == nil {
		return nil, errors.New("session: audio host is required")
	}
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = audio.CaptureSampleRate
	}
	if cfg.Playback.SampleRate <= 0 {
		cfg.Playback.SampleRate = audio.PlaybackSampleRate
	}
	if cfg.Playback.Channels <= 0 {
		cfg.Playback.Channels = 1
	}
	if cfg.Compressor == (audio.CompressorConfig{}) {
		cfg.Compressor = audio.DefaultCompressorConfig()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = defaultEventBuffer
	}
	cfg.Settings.Status = cfg.Settings.Status.withDefaults()

	m := &Manager{
		provider:     cfg.Provider,
		providerName: cfg.ProviderName,
		host:         cfg.Host,
		captureRate:  cfg.CaptureRate,
		peerRate:     cfg.Provider.Capabilities().OutputSampleRate,
		playback:     cfg.Playback,
		compressor:   cfg.Compressor,
		compress:     !cfg.DisableCompressor,
		metrics:      cfg.Metrics,
		settings:     cfg.Settings,
		inbox:        make(chan any),
		events:       make(chan Event, cfg.EventBuffer),
		quit:         make(chan struct{}),
		done:         make(chan struct{}),
	}
	if m.peerRate <= 0 {
		m.peerRate = audio.PlaybackSampleRate
	}
	go m.run()
	return m, nil
}

// Events returns the presentation event stream. It is closed after Close.
// The consumer must keep reading: a full channel holds the event loop on the
// next turn or error event.
func (m *Manager) Events() <-chan Event { return m.events }

// State returns the current lifecycle state.
func (m *Manager) State() State { return State(m.state.Load()) }

// Info returns metadata about the current session, or the zero value when
// idle.
func (m *Manager) Info() Info {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	return m.info
}

// Playing returns the number of playback units currently scheduled.
func (m *Manager) Playing() int {
	if s := m.sched.Load(); s != nil {
		return s.Len()
	}
	return 0
}

// Settings returns the options the next session will use.
func (m *Manager) Settings() Settings {
	m.settingsMu.Lock()
	defer m.settingsMu.Unlock()
	return m.settings
}

// Apply replaces the per-session options. A running session keeps the
// options it started with.
func (m *Manager) Apply(s Settings) {
	s.Status = s.Status.withDefaults()
	m.settingsMu.Lock()
	defer m.settingsMu.Unlock()
	m.settings = s
}

// Start opens a new session and blocks until it is Active, the microphone
// fails (returning a [*DeviceError] with the session left in Errored), or
// the attempt fails. Returns [ErrSessionActive] while a session exists.
//
// Canceling ctx abandons the attempt: the half-open session is torn down
// and Start returns ctx.Err().
func (m *Manager) Start(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.post(startCmd{ctx: ctx, reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return ErrManagerClosed
	case <-ctx.Done():
	}
	if !m.post(abandonCmd{reply: reply}) {
		return ErrManagerClosed
	}
	select {
	case err := <-reply:
		if errors.Is(err, ErrStartCanceled) {
			return ctx.Err()
		}
		return err
	case <-m.done:
		return ErrManagerClosed
	}
}

// Stop tears the session down and blocks until it is Idle. Stop while idle
// is a no-op. Stop during Connecting cancels the handshake. The returned
// error joins any release failures.
func (m *Manager) Stop(ctx context.Context) error {
	reply := make(chan error, 1)
	if !m.post(stopCmd{reply: reply}) {
		return nil
	}
	select {
	case err := <-reply:
		return err
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any session and ends the event loop. The Events channel is
// closed afterwards. Calling Close more than once is safe.
func (m *Manager) Close(ctx context.Context) error {
	err := m.Stop(ctx)
	m.closeOnce.Do(func() { close(m.quit) })
	<-m.done
	return err
}

func (m *Manager) post(v any) bool {
	select {
	case m.inbox <- v:
		return true
	case <-m.done:
		return false
	}
}

func (m *Manager) run() {
	defer close(m.done)
	defer close(m.events)
	for {
		select {
		case in := <-m.inbox:
			m.handle(in)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handle(in any) {
	switch in := in.(type) {
	case startCmd:
		m.handleStart(in)
	case stopCmd:
		m.handleStop(in.reply)
	case abandonCmd:
		m.handleAbandon(in.reply)
	case connectDone:
		m.handleConnected(in)
	case micDone:
		m.handleMicrophone(in)
	case peerMsg:
		if in.l == m.live && m.cur.acceptsPeerMessages() {
			m.dispatch(in.l, in.msg)
		}
	case teardownDone:
		m.handleTeardownDone(in)
	case micLost:
		m.handleMicrophoneLost(in.l)
	default:
		slog.Error("session: unknown loop input", "type", fmt.Sprintf("%T", in))
	}
}

// ─── Transitions ──────────────────────────────────────────────────────────────

func (m *Manager) handleStart(cmd startCmd) {
	if m.live != nil {
		cmd.reply <- ErrSessionActive
		return
	}

	settings := m.Settings()
	id := uuid.NewString()
	base := context.WithoutCancel(cmd.ctx)
	traceCtx, span := observe.StartSpan(base, "session.start",
		trace.WithAttributes(
			attribute.String("session.id", id),
			attribute.String("provider", m.providerName),
		),
	)
	ctx, cancel := context.WithCancel(traceCtx)

	l := &live{
		id:        id,
		settings:  settings,
		startedAt: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
		log:       observe.Logger(traceCtx).With("session_id", id),
		startSpan: span,
		traceCtx:  traceCtx,
		starters:  []chan error{cmd.reply},
	}
	m.live = l
	m.agg.Reset()
	m.setInfo(Info{SessionID: id, StartedAt: l.startedAt})
	m.metrics.ActiveSessions.Add(ctx, 1)

	l.log.Info("session starting", "provider", m.providerName)
	m.transition(StateConnecting)
	m.status(settings.Status.Initializing)

	l.pending++
	go m.connect(l)
}

// connect opens the output device, then the peer stream.
func (m *Manager) connect(l *live) {
	started := time.Now()
	res := connectDone{l: l}

	out, err := m.host.OpenOutput(l.ctx, m.playback)
	if err != nil {
		res.err = &DeviceError{Op: "open", Device: "output", Err: err}
		m.post(res)
		return
	}
	res.out = out

	stream, err := m.provider.Connect(l.ctx, l.settings.Session)
	if err != nil {
		res.err = &ConnectionError{Op: "connect", Err: err}
	} else {
		res.stream = stream
	}
	res.latency = time.Since(started)

	if !m.post(res) {
		if stream != nil {
			_ = stream.Close()
		}
		_ = out.Close()
	}
}

func (m *Manager) handleConnected(r connectDone) {
	l := r.l
	l.pending--
	l.out = r.out
	l.stream = r.stream

	if m.cur == StateClosing {
		m.maybeTeardown(l)
		return
	}
	if r.err != nil {
		m.surface(l, r.err)
		m.status(l.settings.Status.StartFailed)
		m.beginClosing(l, r.err)
		return
	}

	m.metrics.ConnectDuration.Record(l.ctx, r.latency.Seconds())
	l.log.Debug("session: peer connected", "latency", r.latency)

	l.sched = playback.New(l.out)
	m.sched.Store(l.sched)
	go m.forward(l)

	m.transition(StateOpeningMicrophone)
	m.status(l.settings.Status.RequestingMicrophone)

	l.pending++
	go m.openMicrophone(l)
}

// forward posts peer messages to the loop in arrival order.
func (m *Manager) forward(l *live) {
	msgs := l.stream.Messages()
	for msg := range msgs {
		if !m.post(peerMsg{l: l, msg: msg}) {
			audio.Drain(msgs)
			return
		}
	}
}

func (m *Manager) openMicrophone(l *live) {
	mic, err := m.host.OpenMicrophone(l.ctx, audio.Format{SampleRate: m.captureRate, Channels: 1})
	if !m.post(micDone{l: l, mic: mic, err: err}) && mic != nil {
		_ = mic.Close()
	}
}

func (m *Manager) handleMicrophone(r micDone) {
	l := r.l
	l.pending--
	if r.err == nil {
		l.mic = r.mic
	}

	if m.cur == StateClosing {
		m.maybeTeardown(l)
		return
	}
	if r.err != nil {
		err := &DeviceError{Op: "open", Device: "microphone", Err: r.err}
		text := l.settings.Status.MicrophoneUnavailable
		if errors.Is(r.err, audio.ErrPermissionDenied) {
			text = l.settings.Status.MicrophoneDenied
		}
		m.surface(l, err)
		m.status(text)
		m.transition(StateErrored)
		m.finishStart(l, err)
		return
	}

	var comp *audio.Compressor
	if m.compress {
		comp = audio.NewCompressor(m.compressor, m.captureRate)
	}
	l.capture = startCapture(l.ctx, captureConfig{
		mic:        l.mic,
		stream:     l.stream,
		rate:       m.captureRate,
		compressor: comp,
		metrics:    m.metrics,
		provider:   m.providerName,
		log:        l.log,
		lost:       func() { m.post(micLost{l: l}) },
	})

	m.transition(StateActive)
	m.status(l.settings.Status.MicrophoneActive)
	m.finishStart(l, nil)
	l.log.Info("session active")
}

// handleMicrophoneLost moves an active session to Errored when its capture
// stream ends on its own. The peer stream and playback stay up until Stop.
func (m *Manager) handleMicrophoneLost(l *live) {
	if l != m.live || l.tearingDown || m.cur != StateActive {
		return
	}
	err := &DeviceError{Op: "capture", Device: "microphone", Err: audio.ErrDeviceClosed}
	m.surface(l, err)
	m.status(l.settings.Status.MicrophoneUnavailable)
	m.transition(StateErrored)
}

func (m *Manager) handleStop(reply chan error) {
	l := m.live
	if l == nil {
		reply <- nil
		return
	}
	l.stoppers = append(l.stoppers, reply)
	if m.cur == StateClosing {
		return
	}
	l.stopped = true
	m.beginClosing(l, nil)
}

func (m *Manager) handleAbandon(reply chan error) {
	l := m.live
	if l == nil {
		return
	}
	for _, s := range l.starters {
		if s == reply {
			l.log.Debug("session: start abandoned by caller")
			m.beginClosing(l, ErrStartCanceled)
			return
		}
	}
}

// beginClosing moves to Closing, cancels pending acquisitions, and starts
// teardown once none are in flight. cause is reported to waiting Start
// callers.
func (m *Manager) beginClosing(l *live, cause error) {
	if m.cur == StateClosing {
		return
	}
	m.transition(StateClosing)
	l.cancel()
	if cause == nil {
		cause = ErrStartCanceled
	}
	m.finishStart(l, cause)
	m.maybeTeardown(l)
}

func (m *Manager) maybeTeardown(l *live) {
	if l.pending > 0 || l.tearingDown {
		return
	}
	l.tearingDown = true
	go func() {
		err := m.release(l)
		m.post(teardownDone{l: l, err: err})
	}()
}

// release frees every resource recorded on l in the fixed teardown order.
func (m *Manager) release(l *live) error {
	_, span := observe.StartSpan(l.traceCtx, "session.teardown")

	var errs []error
	if l.stream != nil {
		if err := l.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close stream: %w", err))
		}
	}
	if l.sched != nil {
		if n := l.sched.Flush(); n > 0 {
			l.log.Debug("session: stopped playback on teardown", "units", n)
		}
	}
	if l.capture != nil {
		l.capture.disconnect()
	}
	if l.mic != nil {
		if err := l.mic.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close microphone: %w", err))
		}
	}
	if l.out != nil {
		if err := l.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		l.log.Warn("session: teardown errors", "err", err)
	}
	observe.EndSpan(span, err, "teardown incomplete")
	return err
}

func (m *Manager) handleTeardownDone(r teardownDone) {
	l := r.l
	if l != m.live {
		return
	}

	m.metrics.ActiveSessions.Add(l.traceCtx, -1)
	m.metrics.SessionDuration.Record(l.traceCtx, time.Since(l.startedAt).Seconds())
	m.agg.Reset()
	m.sched.Store(nil)

	if l.stopped {
		m.status(l.settings.Status.Closed)
	}
	m.live = nil
	m.transition(StateIdle)
	m.setInfo(Info{})

	for _, s := range l.stoppers {
		s <- r.err
	}
	l.log.Info("session stopped", "duration", time.Since(l.startedAt).Round(time.Millisecond))
}

// finishStart answers every waiting Start call and ends the start span.
func (m *Manager) finishStart(l *live, err error) {
	for _, s := range l.starters {
		s <- err
	}
	l.starters = nil
	if l.startSpan != nil {
		observe.EndSpan(l.startSpan, err, "")
		l.startSpan = nil
	}
}

// ─── Peer messages ────────────────────────────────────────────────────────────

func (m *Manager) dispatch(l *live, msg s2s.Message) {
	switch msg.Kind {
	case s2s.MessageAudio:
		m.playAudio(l, msg.Audio)

	case s2s.MessageInterrupted:
		n := l.sched.Flush()
		m.metrics.Interruptions.Add(l.ctx, 1)
		l.log.Debug("session: interrupted", "units_stopped", n)
		m.status(l.settings.Status.Interrupted)

	case s2s.MessageTranscript:
		role := transcript.RoleUser
		if msg.Speaker == s2s.SpeakerAgent {
			role = transcript.RoleAgent
		}
		if u, ok := m.agg.AppendDelta(role, msg.Text); ok {
			m.emit(Event{Kind: EventTranscription, Role: u.Role, Text: u.Text})
		}

	case s2s.MessageTurnComplete:
		turn := m.agg.CompleteTurn()
		m.metrics.TurnsCompleted.Add(l.ctx, 1)
		m.emit(Event{Kind: EventTurn, Turn: turn})
		m.status(l.settings.Status.TurnComplete)

	case s2s.MessageError:
		err := &ProtocolError{Op: "peer error", Err: msg.Err}
		m.surface(l, err)
		m.status(l.settings.Status.SessionError)
		m.beginClosing(l, err)

	case s2s.MessageClosed:
		if msg.Clean {
			l.log.Info("session: peer closed the stream", "code", msg.Code, "reason", msg.Reason)
			m.status(l.settings.Status.ClosedClean)
			m.beginClosing(l, nil)
			return
		}
		err := &ProtocolError{Op: "peer close", Code: msg.Code, Reason: msg.Reason, Err: msg.Err}
		m.surface(l, err)
		m.status(l.settings.Status.ClosedUnexpectedly)
		m.beginClosing(l, err)

	default:
		l.log.Warn("session: unknown peer message", "kind", msg.Kind)
	}
}

// playAudio decodes one chunk and schedules it. Malformed chunks are logged
// and dropped.
func (m *Manager) playAudio(l *live, chunk audio.EncodedChunk) {
	m.metrics.ChunksReceived.Add(l.ctx, 1)

	buf, err := audio.Decode(chunk, m.peerRate, 1)
	if err != nil {
		m.metrics.CodecErrors.Add(l.ctx, 1)
		l.log.Warn("session: dropping malformed audio chunk", "err", err, "mime", chunk.MIMEType)
		return
	}
	if buf.Frames() == 0 {
		return
	}
	if _, err := l.sched.Schedule(buf); err != nil {
		l.log.Warn("session: schedule playback", "err", err)
		return
	}
	m.metrics.UnitsScheduled.Add(l.ctx, 1)
}

// ─── Publishing ───────────────────────────────────────────────────────────────

func (m *Manager) transition(s State) {
	prev := m.cur
	m.cur = s
	m.state.Store(int32(s))
	if m.live != nil {
		m.live.log.Debug("session: state change", "from", prev, "to", s)
	}
	m.emit(Event{Kind: EventState, State: s})
}

func (m *Manager) status(text string) {
	m.emit(Event{Kind: EventStatus, Status: text})
}

// surface reports err to the presentation layer and counts it.
func (m *Manager) surface(l *live, err error) {
	m.metrics.RecordSessionError(l.traceCtx, errorKind(err))
	l.log.Warn("session error", "err", err, "state", m.cur)
	m.emit(Event{Kind: EventError, Err: err})
}

// emit publishes ev. Turn and error events wait for the consumer until the
// manager is closed; other kinds are dropped when the channel is full.
func (m *Manager) emit(ev Event) {
	if m.live != nil {
		ev.SessionID = m.live.id
	}
	if ev.Kind == EventTurn || ev.Kind == EventError {
		select {
		case m.events <- ev:
		case <-m.quit:
			slog.Warn("session: manager closed, dropping event", "kind", ev.Kind)
		}
		return
	}
	select {
	case m.events <- ev:
	default:
		slog.Warn("session: event channel full, dropping event", "kind", ev.Kind)
	}
}

func (m *Manager) setInfo(info Info) {
	m.infoMu.Lock()
	defer m.infoMu.Unlock()
	m.info = info
}
