package session

import "fmt"

// State is the lifecycle state of the [Manager].
type State int

const (
	// StateIdle means no session exists. Start is accepted.
	StateIdle State = iota

	// StateConnecting means the output device is being opened and the peer
	// handshake is in flight.
	StateConnecting

	// StateOpeningMicrophone means the peer accepted the session and the
	// microphone is being requested.
	StateOpeningMicrophone

	// StateActive means audio flows in both directions.
	StateActive

	// StateClosing means resources are being released.
	StateClosing

	// StateErrored means a device failed while the stream stayed open. The
	// caller must call Stop.
	StateErrored
)

// String returns the state name for logging.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpeningMicrophone:
		return "opening_microphone"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// acceptsPeerMessages reports whether inbound messages are dispatched in s.
func (s State) acceptsPeerMessages() bool {
	return s == StateOpeningMicrophone || s == StateActive || s == StateErrored
}
