package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/speakpair/speakpair-server/internal/checkpoint"
	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/metrics"
	"github.com/speakpair/speakpair-server/internal/queue"
	"github.com/speakpair/speakpair-server/internal/store"
)

// ErrSessionNotFound is returned when a lifecycle operation references an
// unknown session.
var ErrSessionNotFound = errors.New("session not found")

// IllegalTransitionError reports a status change that is not valid from the
// session's current state. It is fatal to the specific call only.
type IllegalTransitionError struct {
	SessionID string
	From      domain.SessionStatus
	To        domain.SessionStatus
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal transition %s -> %s for session %s", e.From, e.To, e.SessionID)
}

// legal enumerates every allowed status transition. Anything absent is
// rejected, never silently ignored.
var legal = map[domain.SessionStatus][]domain.SessionStatus{
	domain.StatusCreated:    {domain.StatusInProgress, domain.StatusEnded},
	domain.StatusInProgress: {domain.StatusEnded},
	domain.StatusEnded:      {domain.StatusProcessing},
	// PROCESSING -> ENDED is the retry path: a transiently failed job is
	// released so a later pass can reclaim it.
	domain.StatusProcessing: {domain.StatusCompleted, domain.StatusAnalysisFailed, domain.StatusEnded},
}

func allowed(from, to domain.SessionStatus) bool {
	for _, next := range legal[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Scheduler is the checkpoint scheduler surface the machine drives.
type Scheduler interface {
	Start(session *domain.ConversationSession)
	Stop(sessionID string)
}

// Machine is the session state machine. It owns every status write and
// consumes typed transport events from a channel.
type Machine struct {
	repo      store.Repository
	jobs      queue.Queue
	catalog   checkpoint.Catalog
	scheduler Scheduler
	events    chan Event
	metrics   *metrics.Metrics
}

// NewMachine creates the state machine. scheduler may be nil when no live
// delivery is wired (tests, offline reprocessing).
func NewMachine(repo store.Repository, jobs queue.Queue, catalog checkpoint.Catalog, scheduler Scheduler) *Machine {
	return &Machine{
		repo:      repo,
		jobs:      jobs,
		catalog:   catalog,
		scheduler: scheduler,
		events:    make(chan Event, 256),
		metrics:   metrics.New(),
	}
}

// Events returns the channel the live transport emits into.
func (m *Machine) Events() chan<- Event {
	return m.events
}

// Run consumes transport events until ctx is cancelled.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			slog.Info("session machine shutting down", "reason", ctx.Err())
			return
		case ev := <-m.events:
			if err := m.handle(ctx, ev); err != nil {
				slog.Warn("failed to handle transport event",
					"type", ev.Type, "session_id", ev.SessionID, "user_id", ev.UserID, "error", err)
			}
		}
	}
}

func (m *Machine) handle(ctx context.Context, ev Event) error {
	sess, err := m.repo.GetSession(ctx, ev.SessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ev.SessionID)
	}

	switch ev.Type {
	case EventJoin:
		if !sess.Live() {
			return nil
		}
		if err := m.repo.UpdateHeartbeat(ctx, ev.SessionID, ev.UserID, ev.At); err != nil {
			return err
		}
		if sess.Status == domain.StatusCreated {
			return m.Start(ctx, ev.SessionID)
		}
		return nil

	case EventHeartbeat:
		// Participant stats freeze once the session leaves IN_PROGRESS.
		if sess.Status != domain.StatusInProgress {
			return nil
		}
		return m.repo.UpdateHeartbeat(ctx, ev.SessionID, ev.UserID, ev.At)

	case EventTurn:
		if sess.Status != domain.StatusInProgress {
			return nil
		}
		if err := m.repo.RecordTurn(ctx, ev.SessionID, ev.UserID, ev.Speaking); err != nil {
			return err
		}
		if ev.Text != "" {
			if err := m.repo.AppendTranscriptSegment(ctx, &domain.TranscriptSegment{
				SessionID: ev.SessionID,
				UserID:    ev.UserID,
				Text:      ev.Text,
				SpokenAt:  ev.At,
			}); err != nil {
				return err
			}
		}
		// A turn implies liveness.
		return m.repo.UpdateHeartbeat(ctx, ev.SessionID, ev.UserID, ev.At)

	case EventEndCall:
		err := m.End(ctx, ev.SessionID, domain.EndReasonEndCall)
		var illegal *IllegalTransitionError
		if errors.As(err, &illegal) {
			// Both participants hanging up at once is normal; the loser of
			// the race sees an already-ended session.
			slog.Debug("end call on non-live session", "session_id", ev.SessionID)
			return nil
		}
		return err

	case EventDisconnect:
		// Not a lifecycle trigger: the heartbeat grace window decides.
		slog.Debug("participant disconnected", "session_id", ev.SessionID, "user_id", ev.UserID)
		return nil
	}
	return fmt.Errorf("unknown event type %q", ev.Type)
}

// transition performs one guarded status change. The store-level status
// guard resolves races between concurrent writers; legality is checked here.
func (m *Machine) transition(ctx context.Context, sessionID string, from, to domain.SessionStatus) (bool, error) {
	if !allowed(from, to) {
		return false, &IllegalTransitionError{SessionID: sessionID, From: from, To: to}
	}
	won, err := m.repo.TransitionSession(ctx, sessionID, from, to)
	if err != nil {
		return false, err
	}
	if won {
		m.metrics.SessionTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
	return won, nil
}

// CreateMatchedSession builds a CREATED session for a matched pair from the
// checkpoint catalog. Implements matchmaking.SessionCreator.
func (m *Machine) CreateMatchedSession(ctx context.Context, a, b domain.QueueEntry) (*domain.ConversationSession, error) {
	topic := a.Topic
	if topic == "" {
		topic = b.Topic
	}
	blueprint := m.catalog.ForTopic(topic)

	now := time.Now()
	sess := &domain.ConversationSession{
		ID:          uuid.NewString(),
		Status:      domain.StatusCreated,
		Structure:   blueprint.Structure,
		Topic:       blueprint.TopicOr(topic),
		Objectives:  blueprint.Objectives,
		Checkpoints: blueprint.Checkpoints,
		Duration:    blueprint.Duration,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	participants := []*domain.SessionParticipant{
		{ID: uuid.NewString(), SessionID: sess.ID, UserID: a.UserID},
		{ID: uuid.NewString(), SessionID: sess.ID, UserID: b.UserID},
	}

	if err := m.repo.CreateSession(ctx, sess, participants); err != nil {
		return nil, fmt.Errorf("persist matched session: %w", err)
	}
	slog.Info("session created",
		"session_id", sess.ID, "structure", sess.Structure, "topic", sess.Topic,
		"user_a", a.UserID, "user_b", b.UserID)
	return sess, nil
}

// Start moves a CREATED session into its live phase and arms the checkpoint
// scheduler.
func (m *Machine) Start(ctx context.Context, sessionID string) error {
	won, err := m.transition(ctx, sessionID, domain.StatusCreated, domain.StatusInProgress)
	if err != nil {
		return err
	}
	if !won {
		// Another join already started the session.
		return nil
	}

	startedAt := time.Now()
	if err := m.repo.SetSessionStarted(ctx, sessionID, startedAt); err != nil {
		return err
	}
	slog.Info("session started", "session_id", sessionID)

	if m.scheduler != nil {
		sess, err := m.repo.GetSession(ctx, sessionID)
		if err != nil {
			return err
		}
		if sess != nil {
			m.scheduler.Start(sess)
		}
	}
	return nil
}

// End moves a live session to ENDED, cancels its checkpoint timers, and
// enqueues the analysis job. A session still in CREATED is aborted: the
// second participant never joined, so analysis will complete it with an
// empty result.
func (m *Machine) End(ctx context.Context, sessionID string, reason domain.EndReason) error {
	sess, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}

	aborted := sess.Status == domain.StatusCreated
	won, err := m.transition(ctx, sessionID, sess.Status, domain.StatusEnded)
	if err != nil {
		return err
	}
	if !won {
		// Status moved underneath us; report the stale attempt.
		return &IllegalTransitionError{SessionID: sessionID, From: sess.Status, To: domain.StatusEnded}
	}

	if err := m.repo.SetSessionEnded(ctx, sessionID, time.Now(), reason, aborted); err != nil {
		return err
	}
	if m.scheduler != nil {
		m.scheduler.Stop(sessionID)
	}
	slog.Info("session ended", "session_id", sessionID, "reason", reason, "aborted", aborted)

	if err := m.jobs.Enqueue(ctx, domain.AnalysisJob{SessionID: sessionID}); err != nil {
		return fmt.Errorf("enqueue analysis job: %w", err)
	}
	return nil
}

// Claim moves an ENDED session to PROCESSING. Returns false when the session
// is not claimable (already claimed by another worker, or finished); the
// caller skips it.
func (m *Machine) Claim(ctx context.Context, sessionID string) (bool, error) {
	return m.repo.TransitionSession(ctx, sessionID, domain.StatusEnded, domain.StatusProcessing)
}

// Complete finishes a PROCESSING session after successful analysis.
func (m *Machine) Complete(ctx context.Context, sessionID string) error {
	won, err := m.transition(ctx, sessionID, domain.StatusProcessing, domain.StatusCompleted)
	if err != nil {
		return err
	}
	if !won {
		return &IllegalTransitionError{SessionID: sessionID, From: domain.StatusProcessing, To: domain.StatusCompleted}
	}
	return m.repo.SetSessionCompleted(ctx, sessionID, time.Now())
}

// Fail marks a PROCESSING session terminally failed after retries are
// exhausted. The session stays intact; only the feedback is unavailable.
func (m *Machine) Fail(ctx context.Context, sessionID string) error {
	won, err := m.transition(ctx, sessionID, domain.StatusProcessing, domain.StatusAnalysisFailed)
	if err != nil {
		return err
	}
	if !won {
		return &IllegalTransitionError{SessionID: sessionID, From: domain.StatusProcessing, To: domain.StatusAnalysisFailed}
	}
	return nil
}

// Release reverts a PROCESSING session to ENDED so a later retry pass can
// reclaim it.
func (m *Machine) Release(ctx context.Context, sessionID string) error {
	won, err := m.transition(ctx, sessionID, domain.StatusProcessing, domain.StatusEnded)
	if err != nil {
		return err
	}
	if !won {
		return &IllegalTransitionError{SessionID: sessionID, From: domain.StatusProcessing, To: domain.StatusEnded}
	}
	return nil
}
