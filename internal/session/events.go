// Package session owns the conversation session lifecycle. The state machine
// here is the single writer of session status; the live transport and the
// analysis pipeline both go through it.
package session

import (
	"time"
)

// EventType identifies a live-transport event.
type EventType string

const (
	// EventJoin fires when a participant connects to the live transport.
	// The first join moves a CREATED session to IN_PROGRESS.
	EventJoin EventType = "join"
	// EventHeartbeat is a periodic liveness signal from a participant.
	EventHeartbeat EventType = "heartbeat"
	// EventTurn records a completed speaking turn, optionally with a
	// transcript snippet.
	EventTurn EventType = "turn"
	// EventEndCall is an explicit end request from a participant.
	EventEndCall EventType = "end_call"
	// EventDisconnect fires when a participant's connection drops. It does
	// not end the session by itself; the heartbeat grace window does.
	EventDisconnect EventType = "disconnect"
)

// Event is a typed message from the live transport into the state machine.
// The transport emits these into a channel instead of invoking lifecycle
// logic directly, keeping transport concerns out of the state machine.
type Event struct {
	Type      EventType
	SessionID string
	UserID    string
	// Text carries the transcript snippet of a turn event.
	Text string
	// Speaking is the speaking duration of a turn event.
	Speaking time.Duration
	At       time.Time
}
