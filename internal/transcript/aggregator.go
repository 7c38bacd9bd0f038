// Package transcript reconciles streamed transcription deltas into per-turn
// records.
//
// The peer transcribes both sides of the conversation incrementally. An
// [Aggregator] keeps one running string per [Role], reports the full text
// after every delta that changes it, and hands out a [Turn] with both sides
// when the peer signals turn completion.
//
// An Aggregator is owned by a single goroutine (the session event loop) and
// is not safe for concurrent use. Its methods return the event to publish
// instead of invoking callbacks, so the caller always publishes after the
// buffers have been updated.
package transcript

import "strings"

// Role identifies whose speech a transcript buffer holds.
type Role int

const (
	// RoleUser is the person at the microphone.
	RoleUser Role = iota

	// RoleAgent is the remote voice agent.
	RoleAgent
)

// String returns "user" or "agent".
func (r Role) String() string {
	if r == RoleAgent {
		return "agent"
	}
	return "user"
}

// Update reports the full accumulated text of one role after a delta.
type Update struct {
	Role Role
	Text string
}

// Turn is the finalised text of one exchange. An empty field means that side
// said nothing during the turn.
type Turn struct {
	User  string
	Agent string
}

// Empty reports whether neither side produced text.
func (t Turn) Empty() bool { return t.User == "" && t.Agent == "" }

// Aggregator accumulates deltas until the turn completes. The zero value is
// ready to use.
type Aggregator struct {
	buffers [2]strings.Builder
}

func (a *Aggregator) buffer(r Role) *strings.Builder {
	if r == RoleAgent {
		return &a.buffers[RoleAgent]
	}
	return &a.buffers[RoleUser]
}

// AppendDelta appends text to the role's buffer. It returns the updated full
// text and true when the buffer changed, or false for a delta that left it
// as it was.
func (a *Aggregator) AppendDelta(role Role, text string) (Update, bool) {
	if text == "" {
		return Update{}, false
	}
	b := a.buffer(role)
	b.WriteString(text)
	return Update{Role: role, Text: b.String()}, true
}

// Text returns the current accumulated text for role.
func (a *Aggregator) Text(role Role) string {
	return a.buffer(role).String()
}

// CompleteTurn returns both buffers as a [Turn] and resets them.
func (a *Aggregator) CompleteTurn() Turn {
	t := Turn{
		User:  a.buffers[RoleUser].String(),
		Agent: a.buffers[RoleAgent].String(),
	}
	a.Reset()
	return t
}

// Reset discards any partial text without producing a turn.
func (a *Aggregator) Reset() {
	a.buffers[RoleUser].Reset()
	a.buffers[RoleAgent].Reset()
}
