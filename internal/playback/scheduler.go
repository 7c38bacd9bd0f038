// Package playback schedules decoded response audio for gapless output.
//
// A [Scheduler] keeps a cursor on the output device's clock. Every buffer is
// placed at max(cursor, now) and the cursor advances by the buffer's
// duration, so chunks that arrive in bursts or with jitter still play back to
// back in arrival order. [Scheduler.Flush] drops everything on interruption.
package playback

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/pkg/audio"
)

// UnitID is the stable handle of a scheduled [Unit].
type UnitID uint64

// Unit is one buffer scheduled on the output device.
type Unit struct {
	ID       UnitID
	Start    time.Duration
	Duration time.Duration

	voice audio.Voice
}

// End returns the clock offset at which the unit finishes.
func (u Unit) End() time.Duration { return u.Start + u.Duration }

// Scheduler places buffers on an [audio.OutputDevice] back to back.
//
// Completion callbacks from the device and calls from the session goroutine
// may interleave, so all state is guarded by a mutex. Removing a unit is
// idempotent.
type Scheduler struct {
	out audio.OutputDevice

	mu     sync.Mutex
	cursor time.Duration
	nextID UnitID
	active map[UnitID]*Unit
}

// New returns a Scheduler writing to out.
func New(out audio.OutputDevice) *Scheduler {
	return &Scheduler{
		out:    out,
		active: make(map[UnitID]*Unit),
	}
}

// Schedule starts buf at the cursor and advances the cursor by its duration.
// The unit leaves the active set when it finishes playing or on Flush.
func (s *Scheduler) Schedule(buf *audio.Buffer) (Unit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if now := s.out.Now(); now > s.cursor {
		s.cursor = now
	}

	s.nextID++
	id := s.nextID
	u := &Unit{ID: id, Start: s.cursor, Duration: buf.Duration()}

	v, err := s.out.Play(buf, u.Start, func() { s.Remove(id) })
	if err != nil {
		return Unit{}, fmt.Errorf("playback: schedule unit %d: %w", id, err)
	}
	u.voice = v
	s.active[id] = u
	s.cursor += u.Duration
	return *u, nil
}

// Remove drops the unit from the active set without stopping it. Removing an
// absent unit is a no-op; the result reports whether the unit was present.
func (s *Scheduler) Remove(id UnitID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

// Flush stops every active unit, empties the active set, and resets the
// cursor so the next unit starts at the output clock. It returns the number
// of units stopped.
func (s *Scheduler) Flush() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.active)
	for id, u := range s.active {
		u.voice.Stop()
		delete(s.active, id)
	}
	s.cursor = 0
	return n
}

// Active returns a snapshot of the active units ordered by start time.
func (s *Scheduler) Active() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()

	units := make([]Unit, 0, len(s.active))
	for _, u := range s.active {
		units = append(units, *u)
	}
	slices.SortFunc(units, func(a, b Unit) int {
		if c := cmp.Compare(a.Start, b.Start); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return units
}

// Len returns the number of active units.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Cursor returns the start offset the next unit would get if the output
// clock has not passed it.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}
