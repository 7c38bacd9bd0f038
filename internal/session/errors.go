package session

import (
	"errors"
	"fmt"
)

var (
	// ErrSessionActive is returned by Start while a session exists.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrStartCanceled is returned by Start when Stop ends the session before
	// it became active.
	ErrStartCanceled = errors.New("session: start canceled")

	// ErrManagerClosed is returned by Start and Stop after Close.
	ErrManagerClosed = errors.New("session: manager closed")
)

// ConnectionError reports a failed handshake or transport. The session moves
// to Closing.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("session: connection: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// DeviceError reports a microphone or output device that could not be
// opened, or a microphone whose capture stream ended mid-session. A
// microphone failure leaves the stream open in the Errored state.
type DeviceError struct {
	Op     string
	Device string // "microphone" or "output"
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("session: %s device: %s: %v", e.Device, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// ProtocolError reports a peer error frame or an unexpected close. The
// session moves to Closing.
type ProtocolError struct {
	Op     string
	Code   int
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	switch {
	case e.Err != nil && e.Reason != "":
		return fmt.Sprintf("session: protocol: %s: code %d (%s): %v", e.Op, e.Code, e.Reason, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("session: protocol: %s: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("session: protocol: %s: code %d, reason %q", e.Op, e.Code, e.Reason)
	}
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// errorKind returns the metric label for a surfaced error.
func errorKind(err error) string {
	var (
		connErr  *ConnectionError
		devErr   *DeviceError
		protoErr *ProtocolError
	)
	switch {
	case errors.As(err, &devErr):
		return "device"
	case errors.As(err, &protoErr):
		return "protocol"
	case errors.As(err, &connErr):
		return "connection"
	default:
		return "other"
	}
}
