// Package domain contains core domain types for the SpeakPair engine.
package domain

import (
	"time"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	StatusCreated        SessionStatus = "CREATED"
	StatusInProgress     SessionStatus = "IN_PROGRESS"
	StatusEnded          SessionStatus = "ENDED"
	StatusProcessing     SessionStatus = "PROCESSING"
	StatusCompleted      SessionStatus = "COMPLETED"
	StatusAnalysisFailed SessionStatus = "ANALYSIS_FAILED"
)

// IsTerminal reports whether no further transitions are allowed from s.
func (s SessionStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAnalysisFailed
}

// SessionStructure identifies the scripted conversation format.
type SessionStructure string

const (
	StructureRolePlay         SessionStructure = "role_play"
	StructureDebate           SessionStructure = "debate"
	StructureStoryExchange    SessionStructure = "story_exchange"
	StructureIcebreaker       SessionStructure = "icebreaker"
	StructurePracticeSpecific SessionStructure = "practice_specific"
)

// EndReason records why a session left the live phase.
type EndReason string

const (
	EndReasonEndCall          EndReason = "end_call"
	EndReasonHeartbeatTimeout EndReason = "heartbeat_timeout"
	EndReasonDurationElapsed  EndReason = "duration_elapsed"
	EndReasonJoinTimeout      EndReason = "join_timeout"
)

// Checkpoint is a timed scripted prompt injected into a live session.
// Offset is measured from the session's StartedAt anchor.
type Checkpoint struct {
	Offset time.Duration `json:"offset"`
	Prompt string        `json:"prompt"`
	Type   string        `json:"type"`
}

// ConversationSession is a paired practice conversation. It is created by a
// successful match, mutated only through declared status transitions, and
// retained as history forever.
type ConversationSession struct {
	ID          string           `json:"id"`
	Status      SessionStatus    `json:"status"`
	Structure   SessionStructure `json:"structure"`
	Topic       string           `json:"topic"`
	Objectives  []string         `json:"objectives"`
	Checkpoints []Checkpoint     `json:"checkpoints"`
	StartedAt   time.Time        `json:"started_at,omitzero"`
	EndedAt     time.Time        `json:"ended_at,omitzero"`
	CompletedAt time.Time        `json:"completed_at,omitzero"`
	// Duration is the scheduled length of the live phase.
	Duration  time.Duration `json:"duration"`
	EndReason EndReason     `json:"end_reason,omitempty"`
	// Aborted marks a session where the second participant never joined.
	// Aborted sessions skip scoring and complete with an empty result.
	Aborted   bool      `json:"aborted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Live reports whether the session is in its pre-analysis phase.
func (s *ConversationSession) Live() bool {
	return s.Status == StatusCreated || s.Status == StatusInProgress
}

// DeadlineAt returns the wall-clock time at which the scheduled duration
// elapses. Zero if the session has not started.
func (s *ConversationSession) DeadlineAt() time.Time {
	if s.StartedAt.IsZero() {
		return time.Time{}
	}
	return s.StartedAt.Add(s.Duration)
}

// SessionParticipant is one side of a conversation session. Exactly two exist
// per session. Live stats are updated by heartbeat/turn events while the
// session is IN_PROGRESS and frozen afterwards.
type SessionParticipant struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	// AudioURL is set post-session by the storage collaborator.
	AudioURL      string        `json:"audio_url,omitempty"`
	SpeakingTime  time.Duration `json:"speaking_time"`
	TurnsTaken    int           `json:"turns_taken"`
	LastHeartbeat time.Time     `json:"last_heartbeat,omitzero"`
}

// Joined reports whether the participant ever connected to the live
// transport.
func (p *SessionParticipant) Joined() bool {
	return !p.LastHeartbeat.IsZero()
}

// TranscriptSegment is one utterance of the session transcript, captured from
// turn events on the live transport.
type TranscriptSegment struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Text      string    `json:"text"`
	SpokenAt  time.Time `json:"spoken_at"`
}
