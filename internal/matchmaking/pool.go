// Package matchmaking pairs waiting learners into conversation sessions.
package matchmaking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/metrics"
)

// ErrInvalidStrategy is returned by Join for an unknown strategy value.
var ErrInvalidStrategy = errors.New("invalid matchmaking strategy")

// SessionCreator creates a session for a matched pair. Implemented by the
// session state machine.
type SessionCreator interface {
	CreateMatchedSession(ctx context.Context, a, b domain.QueueEntry) (*domain.ConversationSession, error)
}

// MatchResult is what a successfully matched caller receives from CheckMatch
// or an immediate Join. Room and partner display metadata are derived, not
// stored.
type MatchResult struct {
	SessionID   string `json:"session_id"`
	RoomName    string `json:"room_name"`
	PartnerID   string `json:"partner_id"`
	PartnerName string `json:"partner_name"`
}

// CheckResult is the non-blocking poll answer for a waiting caller.
type CheckResult struct {
	Matched bool         `json:"matched"`
	Message string       `json:"message,omitempty"`
	Match   *MatchResult `json:"match,omitempty"`
}

// Pool is the shared matchmaking queue. All mutation happens inside one
// mutex so matching decisions are globally consistent: two concurrent joins
// can never both consume the same waiting entry.
type Pool struct {
	mu       sync.Mutex
	waiting  map[string]*domain.QueueEntry
	results  map[string]*MatchResult
	timedOut map[string]struct{}

	creator     SessionCreator
	waitCeiling time.Duration
	metrics     *metrics.Metrics
}

// NewPool creates a matchmaking pool. waitCeiling bounds how long an entry
// may wait before it expires.
func NewPool(creator SessionCreator, waitCeiling time.Duration) *Pool {
	return &Pool{
		waiting:     make(map[string]*domain.QueueEntry),
		results:     make(map[string]*MatchResult),
		timedOut:    make(map[string]struct{}),
		creator:     creator,
		waitCeiling: waitCeiling,
		metrics:     metrics.New(),
	}
}

// Join enqueues the caller or matches them immediately. When a compatible
// partner is waiting, both entries leave the pool and a session is created in
// the same critical section; the returned result is non-nil. Otherwise the
// caller becomes a waiting entry and should poll CheckMatch.
func (p *Pool) Join(ctx context.Context, userID string, level domain.CEFRLevel, topic string, strategy domain.MatchStrategy) (*MatchResult, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
	}

	entry := domain.QueueEntry{
		UserID:   userID,
		Level:    level,
		Topic:    topic,
		Strategy: strategy,
		JoinedAt: time.Now(),
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// A rejoin clears a stale timeout notice, but an unread match is handed
	// back instead of dropped: its session already exists and would otherwise
	// die waiting for participants who were never told about it.
	delete(p.timedOut, userID)
	if result, ok := p.results[userID]; ok {
		delete(p.results, userID)
		slog.Info("matchmaking rejoin returned pending match",
			"user_id", userID, "session_id", result.SessionID)
		return result, nil
	}

	candidate := p.bestCandidate(entry)
	if candidate == nil {
		p.waiting[userID] = &entry
		p.metrics.QueueDepth.Set(float64(len(p.waiting)))
		slog.Info("matchmaking entry queued",
			"user_id", userID, "level", level.String(), "strategy", strategy)
		return nil, nil
	}

	// Both entries leave the pool and the session is created under the pool
	// lock: this is the atomic step that makes a match consume exactly two
	// entries.
	delete(p.waiting, candidate.UserID)
	session, err := p.creator.CreateMatchedSession(ctx, entry, *candidate)
	if err != nil {
		// The candidate goes back to waiting; the caller can retry.
		p.waiting[candidate.UserID] = candidate
		return nil, fmt.Errorf("create matched session: %w", err)
	}

	callerResult := &MatchResult{
		SessionID:   session.ID,
		RoomName:    roomName(session.ID),
		PartnerID:   candidate.UserID,
		PartnerName: displayName(candidate.UserID),
	}
	p.results[candidate.UserID] = &MatchResult{
		SessionID:   session.ID,
		RoomName:    roomName(session.ID),
		PartnerID:   userID,
		PartnerName: displayName(userID),
	}

	p.metrics.MatchesTotal.Inc()
	p.metrics.QueueDepth.Set(float64(len(p.waiting)))
	p.metrics.MatchWaitTime.Observe(time.Since(candidate.JoinedAt).Seconds())
	slog.Info("matchmaking pair formed",
		"session_id", session.ID,
		"user_id", userID,
		"partner_id", candidate.UserID,
		"level_distance", entry.Level.Distance(candidate.Level))

	return callerResult, nil
}

// bestCandidate scans waiting entries for the best partner satisfying the
// caller's strategy tolerance. Smallest level distance wins; a matching topic
// preference breaks distance ties, then earliest JoinedAt (FIFO fairness).
// Callers must hold p.mu.
func (p *Pool) bestCandidate(caller domain.QueueEntry) *domain.QueueEntry {
	maxDistance := caller.Strategy.MaxDistance()

	var best *domain.QueueEntry
	for _, cand := range p.waiting {
		if cand.UserID == caller.UserID {
			continue
		}
		distance := caller.Level.Distance(cand.Level)
		if distance > maxDistance {
			continue
		}
		if best == nil || better(caller, cand, best) {
			best = cand
		}
	}
	return best
}

// better reports whether a beats b as a partner for the caller.
func better(caller domain.QueueEntry, a, b *domain.QueueEntry) bool {
	da, db := caller.Level.Distance(a.Level), caller.Level.Distance(b.Level)
	if da != db {
		return da < db
	}
	if caller.Topic != "" {
		ta, tb := a.Topic == caller.Topic, b.Topic == caller.Topic
		if ta != tb {
			return ta
		}
	}
	return a.JoinedAt.Before(b.JoinedAt)
}

// CheckMatch is a non-blocking poll. A stored result is consumed on read; a
// timed-out entry reports a timeout message exactly once.
func (p *Pool) CheckMatch(userID string) CheckResult {
	p.mu.Lock()
	defer p.mu.Unlock()

	if result, ok := p.results[userID]; ok {
		delete(p.results, userID)
		return CheckResult{Matched: true, Match: result}
	}
	if _, ok := p.timedOut[userID]; ok {
		delete(p.timedOut, userID)
		return CheckResult{Matched: false, Message: "no match found, try again"}
	}
	if _, ok := p.waiting[userID]; ok {
		return CheckResult{Matched: false}
	}
	return CheckResult{Matched: false, Message: "not in queue"}
}

// Leave removes the caller's waiting entry, if any.
func (p *Pool) Leave(userID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.waiting, userID)
	delete(p.timedOut, userID)
	p.metrics.QueueDepth.Set(float64(len(p.waiting)))
}

// WaitingCount returns the current queue depth.
func (p *Pool) WaitingCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waiting)
}

// expireStale removes entries older than the wait ceiling and records a
// timeout notice for the owner's next poll.
func (p *Pool) expireStale(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for userID, entry := range p.waiting {
		if now.Sub(entry.JoinedAt) < p.waitCeiling {
			continue
		}
		delete(p.waiting, userID)
		p.timedOut[userID] = struct{}{}
		p.metrics.MatchTimeouts.Inc()
		slog.Info("matchmaking entry expired", "user_id", userID, "waited", now.Sub(entry.JoinedAt))
	}
	p.metrics.QueueDepth.Set(float64(len(p.waiting)))
}

// StartSweeper runs a background goroutine that expires stale waiting
// entries until ctx is cancelled.
func (p *Pool) StartSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.expireStale(time.Now())
			case <-ctx.Done():
				slog.Info("matchmaking sweeper shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func roomName(sessionID string) string {
	if len(sessionID) > 8 {
		return "room-" + sessionID[:8]
	}
	return "room-" + sessionID
}

func displayName(userID string) string {
	if len(userID) > 8 {
		return "learner-" + userID[len(userID)-8:]
	}
	return "learner-" + userID
}
