// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// Repository defines the interface for persisting engine state.
type Repository interface {
	// CreateSession persists a new session and its participants atomically.
	CreateSession(ctx context.Context, session *domain.ConversationSession, participants []*domain.SessionParticipant) error

	// GetSession retrieves a session by ID, or nil if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.ConversationSession, error)

	// TransitionSession moves a session from one status to another. The
	// update only happens if the current status matches from (optimistic
	// locking); it returns false without error when the guard fails.
	TransitionSession(ctx context.Context, sessionID string, from, to domain.SessionStatus) (bool, error)

	// SetSessionStarted records the live-phase anchor timestamp.
	SetSessionStarted(ctx context.Context, sessionID string, startedAt time.Time) error

	// SetSessionEnded records why and when the live phase ended.
	SetSessionEnded(ctx context.Context, sessionID string, endedAt time.Time, reason domain.EndReason, aborted bool) error

	// SetSessionCompleted records the analysis completion timestamp.
	SetSessionCompleted(ctx context.Context, sessionID string, completedAt time.Time) error

	// ListLiveSessions returns sessions in CREATED or IN_PROGRESS state.
	ListLiveSessions(ctx context.Context) ([]*domain.ConversationSession, error)

	// GetParticipants returns both participants of a session.
	GetParticipants(ctx context.Context, sessionID string) ([]*domain.SessionParticipant, error)

	// UpdateHeartbeat records liveness for one participant.
	UpdateHeartbeat(ctx context.Context, sessionID, userID string, at time.Time) error

	// RecordTurn increments a participant's turn count and speaking time.
	RecordTurn(ctx context.Context, sessionID, userID string, speaking time.Duration) error

	// SetAudioURL attaches the stored recording location to a participant.
	SetAudioURL(ctx context.Context, sessionID, userID, url string) error

	// AppendTranscriptSegment records one utterance of the live transcript.
	AppendTranscriptSegment(ctx context.Context, seg *domain.TranscriptSegment) error

	// GetTranscript returns the session transcript in spoken order.
	GetTranscript(ctx context.Context, sessionID string) ([]*domain.TranscriptSegment, error)

	// GetUserPoints retrieves a user's points row, or nil if absent.
	GetUserPoints(ctx context.Context, userID string) (*domain.UserPoints, error)

	// UpsertUserPoints creates or replaces a user's points row.
	UpsertUserPoints(ctx context.Context, points *domain.UserPoints) error

	// CreateMistakes persists a batch of categorized mistakes.
	CreateMistakes(ctx context.Context, mistakes []*domain.Mistake) error

	// ListMistakes returns a participant's mistakes for one session.
	ListMistakes(ctx context.Context, sessionID, userID string) ([]*domain.Mistake, error)

	// CreateTask persists a learning task.
	CreateTask(ctx context.Context, task *domain.LearningTask) error

	// LinkTaskMistake associates a task with one mistake record.
	LinkTaskMistake(ctx context.Context, taskID, mistakeID string) error

	// ListTasksDueBy returns a user's pending tasks due at or before the
	// given time.
	ListTasksDueBy(ctx context.Context, userID string, by time.Time) ([]*domain.LearningTask, error)

	// CompleteTask marks a task completed. Returns false if the task does
	// not exist, belongs to another user, or is already completed.
	CompleteTask(ctx context.Context, taskID, userID string, at time.Time, score int) (bool, error)

	// CountCompletedSessions counts sessions a user completed (analysis
	// finished) at or after the given time, excluding the named session.
	// Backs the first-of-day bonus, which is decided after the session
	// being awarded has itself completed.
	CountCompletedSessions(ctx context.Context, userID string, since time.Time, excludeSessionID string) (int, error)

	// CreateAnalysis persists a per-participant analysis summary.
	CreateAnalysis(ctx context.Context, analysis *domain.SessionAnalysis) error

	// ListAnalyses returns a user's most recent analysis summaries, newest
	// first.
	ListAnalyses(ctx context.Context, userID string, limit int) ([]*domain.SessionAnalysis, error)

	// CountMistakesByCategory aggregates a user's mistakes per category.
	CountMistakesByCategory(ctx context.Context, userID string) (map[domain.MistakeCategory]int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
