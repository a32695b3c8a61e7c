package checkpoint

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/metrics"
)

// Prompt is a checkpoint as delivered to participants. Index is the stable
// per-session identifier that makes delivery idempotent under reconnects.
type Prompt struct {
	Index  int    `json:"index"`
	Prompt string `json:"prompt"`
	Type   string `json:"type"`
}

// Sender delivers a checkpoint to every connected participant of a session.
// Implemented by the live transport hub.
type Sender interface {
	SendCheckpoint(ctx context.Context, sessionID string, prompt Prompt)
}

// run tracks one live session's script replay. fired flags are per session,
// not per participant: a checkpoint that fired is never re-sent, even to a
// reconnecting participant.
type run struct {
	anchor      time.Time
	checkpoints []domain.Checkpoint
	fired       []bool
	cancel      context.CancelFunc
}

// Scheduler replays each live session's checkpoint sequence against a wall
// clock anchored at the session's StartedAt. One lightweight goroutine per
// session; cancelled the instant the session leaves IN_PROGRESS.
type Scheduler struct {
	mu      sync.Mutex
	runs    map[string]*run
	sender  Sender
	metrics *metrics.Metrics
}

// NewScheduler creates a checkpoint scheduler delivering through sender.
func NewScheduler(sender Sender) *Scheduler {
	return &Scheduler{
		runs:    make(map[string]*run),
		sender:  sender,
		metrics: metrics.New(),
	}
}

// Start arms the script for a session that just entered IN_PROGRESS.
// Idempotent: a second Start for the same session is ignored.
func (s *Scheduler) Start(sess *domain.ConversationSession) {
	s.mu.Lock()
	if _, exists := s.runs[sess.ID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		anchor:      sess.StartedAt,
		checkpoints: sess.Checkpoints,
		fired:       make([]bool, len(sess.Checkpoints)),
		cancel:      cancel,
	}
	s.runs[sess.ID] = r
	s.mu.Unlock()

	go s.loop(ctx, sess.ID, r)
	slog.Info("checkpoint scheduler armed",
		"session_id", sess.ID, "checkpoints", len(sess.Checkpoints))
}

// Stop cancels any pending checkpoint timer for the session. Pending
// checkpoints are cancelled, not fired.
func (s *Scheduler) Stop(sessionID string) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	if ok {
		delete(s.runs, sessionID)
	}
	s.mu.Unlock()

	if ok {
		r.cancel()
		slog.Debug("checkpoint scheduler stopped", "session_id", sessionID)
	}
}

// Resync immediately fires every due-but-unfired checkpoint, in order. The
// transport calls this on every participant (re)connect to cover late joins
// and clock skew; already-fired checkpoints are not repeated.
func (s *Scheduler) Resync(ctx context.Context, sessionID string) {
	s.mu.Lock()
	r, ok := s.runs[sessionID]
	s.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	for i, cp := range r.checkpoints {
		if r.anchor.Add(cp.Offset).After(now) {
			break
		}
		s.fire(ctx, sessionID, r, i)
	}
}

// loop sleeps until each next checkpoint is due and fires it. Checkpoints
// fire in index order, which is non-decreasing offset order by construction.
func (s *Scheduler) loop(ctx context.Context, sessionID string, r *run) {
	for i, cp := range r.checkpoints {
		wait := time.Until(r.anchor.Add(cp.Offset))
		if wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
		if ctx.Err() != nil {
			return
		}
		s.fire(ctx, sessionID, r, i)
	}
}

// fire delivers checkpoint i exactly once. The fired flag flips under the
// scheduler lock before delivery, so the timer loop and Resync can never
// both send the same checkpoint.
func (s *Scheduler) fire(ctx context.Context, sessionID string, r *run, i int) {
	s.mu.Lock()
	if _, live := s.runs[sessionID]; !live || r.fired[i] {
		s.mu.Unlock()
		return
	}
	r.fired[i] = true
	s.mu.Unlock()

	cp := r.checkpoints[i]
	s.sender.SendCheckpoint(ctx, sessionID, Prompt{Index: i, Prompt: cp.Prompt, Type: cp.Type})
	s.metrics.CheckpointsFired.Inc()
	slog.Debug("checkpoint fired", "session_id", sessionID, "index", i, "type", cp.Type)
}
