package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/session"
	"github.com/MrWong99/voicelink/internal/transcript"
)

// errQuit ends the run group when the user asks to quit.
var errQuit = errors.New("voicelink: quit requested")

// defaultStartTimeout bounds one connection attempt.
const defaultStartTimeout = 30 * time.Second

// console is the terminal presentation layer. Each line read from in is a
// command; an empty line toggles the session. Events are rendered to out.
type console struct {
	mgr          *session.Manager
	in           io.Reader
	out          io.Writer
	startTimeout time.Duration

	mu  sync.Mutex // serialises writes to out
	ops sync.WaitGroup
}

// run blocks until ctx ends, the event stream closes, or the user quits. It
// returns errQuit for an explicit quit and nil otherwise.
func (c *console) run(ctx context.Context) error {
	if c.startTimeout <= 0 {
		c.startTimeout = defaultStartTimeout
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(c.in)
		for sc.Scan() {
			select {
			case lines <- strings.TrimSpace(sc.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	events := c.mgr.Events()
	defer c.waitOps(events)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-events:
			if !ok {
				return nil
			}
			c.render(ev)

		case line, ok := <-lines:
			if !ok {
				// Input closed; keep rendering until ctx ends.
				lines = nil
				continue
			}
			switch strings.ToLower(line) {
			case "":
				c.toggle(ctx)
			case "q", "quit", "exit":
				return errQuit
			case "s", "status":
				c.printInfo()
			default:
				c.printf("unknown command %q (Enter toggles, s shows status, q quits)\n", line)
			}
		}
	}
}

// waitOps waits for background Start and Stop calls. Events are discarded
// meanwhile because the manager holds turn and error events until they are
// read.
func (c *console) waitOps(events <-chan session.Event) {
	idle := make(chan struct{})
	go func() {
		c.ops.Wait()
		close(idle)
	}()
	for {
		select {
		case <-idle:
			return
		case _, ok := <-events:
			if !ok {
				events = nil
			}
		}
	}
}

// toggle starts an idle session or stops a running one. Both run in the
// background so events keep rendering while they block. Stopping during
// Connecting cancels the handshake.
func (c *console) toggle(ctx context.Context) {
	c.ops.Add(1)
	if c.mgr.State() == session.StateIdle {
		go func() {
			defer c.ops.Done()
			sctx, cancel := context.WithTimeout(ctx, c.startTimeout)
			defer cancel()
			if err := c.mgr.Start(sctx); err != nil && !errors.Is(err, session.ErrSessionActive) {
				slog.Debug("console: start ended", "err", err)
			}
		}()
		return
	}
	go func() {
		defer c.ops.Done()
		if err := c.mgr.Stop(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("console: stop", "err", err)
		}
	}()
}

func (c *console) render(ev session.Event) {
	switch ev.Kind {
	case session.EventStatus:
		c.printf("» %s\n", ev.Status)
	case session.EventState:
		c.printf("[%s]\n", ev.State)
	case session.EventTranscription:
		c.printf("  %s: %s\n", speaker(ev.Role), ev.Text)
	case session.EventTurn:
		if ev.Turn.Empty() {
			return
		}
		c.printf("── turn ──\n  %s: %s\n  %s: %s\n",
			speaker(transcript.RoleUser), ev.Turn.User,
			speaker(transcript.RoleAgent), ev.Turn.Agent)
	case session.EventError:
		c.printf("! %v\n", ev.Err)
	}
}

func (c *console) printInfo() {
	info := c.mgr.Info()
	state := c.mgr.State()
	if info.SessionID == "" {
		c.printf("state=%s\n", state)
		return
	}
	c.printf("state=%s session=%s up=%s playing=%d\n",
		state, info.SessionID, time.Since(info.StartedAt).Round(time.Second), c.mgr.Playing())
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func speaker(r transcript.Role) string {
	if r == transcript.RoleAgent {
		return "Agent"
	}
	return "You"
}
