package session

import (
	"fmt"

	"github.com/MrWong99/voicelink/internal/transcript"
)

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventStatus carries user-facing status text in Event.Status.
	EventStatus EventKind = iota

	// EventTranscription carries the full running text of Event.Role.
	EventTranscription

	// EventTurn carries a finalised exchange in Event.Turn.
	EventTurn

	// EventError carries a surfaced error in Event.Err.
	EventError

	// EventState reports a lifecycle transition in Event.State.
	EventState
)

// String returns the kind name for logging.
func (k EventKind) String() string {
	switch k {
	case EventStatus:
		return "status"
	case EventTranscription:
		return "transcription"
	case EventTurn:
		return "turn"
	case EventError:
		return "error"
	case EventState:
		return "state"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is one notification for the presentation layer. Only the fields
// relevant to Kind are set; SessionID is always set while a session exists.
type Event struct {
	Kind      EventKind
	SessionID string

	Status string
	Role   transcript.Role
	Text   string
	Turn   transcript.Turn
	Err    error
	State  State
}
