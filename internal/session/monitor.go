package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/speakpair/speakpair-server/internal/config"
	"github.com/speakpair/speakpair-server/internal/domain"
)

// StartMonitor runs a background goroutine that sweeps live sessions for
// lifecycle timeouts: CREATED sessions nobody joined in time, IN_PROGRESS
// sessions whose scheduled duration elapsed, and sessions where both
// participants went silent past the heartbeat grace window.
func (m *Machine) StartMonitor(ctx context.Context, cfg config.SessionConfig) {
	ticker := time.NewTicker(cfg.MonitorInterval)
	go func() {
		defer ticker.Stop()
		slog.Info("session monitor started",
			"interval", cfg.MonitorInterval,
			"heartbeat_grace", cfg.HeartbeatGrace,
			"join_timeout", cfg.JoinTimeout)

		for {
			select {
			case <-ticker.C:
				m.sweepLiveSessions(ctx, cfg)
			case <-ctx.Done():
				slog.Info("session monitor shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}

func (m *Machine) sweepLiveSessions(ctx context.Context, cfg config.SessionConfig) {
	sessions, err := m.repo.ListLiveSessions(ctx)
	if err != nil {
		slog.Error("session monitor failed to list live sessions", "error", err)
		return
	}

	now := time.Now()
	for _, sess := range sessions {
		reason, due := m.timeoutReason(ctx, sess, now, cfg)
		if !due {
			continue
		}
		if err := m.End(ctx, sess.ID, reason); err != nil {
			var illegal *IllegalTransitionError
			if errors.As(err, &illegal) {
				// Ended by a participant between the sweep and now.
				continue
			}
			slog.Error("session monitor failed to end session",
				"session_id", sess.ID, "reason", reason, "error", err)
		}
	}
}

// timeoutReason decides whether a live session is past one of its deadlines.
func (m *Machine) timeoutReason(ctx context.Context, sess *domain.ConversationSession, now time.Time, cfg config.SessionConfig) (domain.EndReason, bool) {
	switch sess.Status {
	case domain.StatusCreated:
		if now.Sub(sess.CreatedAt) >= cfg.JoinTimeout {
			return domain.EndReasonJoinTimeout, true
		}

	case domain.StatusInProgress:
		if now.After(sess.DeadlineAt()) {
			return domain.EndReasonDurationElapsed, true
		}

		participants, err := m.repo.GetParticipants(ctx, sess.ID)
		if err != nil {
			slog.Error("session monitor failed to load participants",
				"session_id", sess.ID, "error", err)
			return "", false
		}
		allSilent := true
		for _, p := range participants {
			// A participant that never joined counts as silent since the
			// session start.
			silentSince := p.LastHeartbeat
			if silentSince.IsZero() {
				silentSince = sess.StartedAt
			}
			if now.Sub(silentSince) < cfg.HeartbeatGrace {
				allSilent = false
				break
			}
		}
		if allSilent && len(participants) > 0 {
			return domain.EndReasonHeartbeatTimeout, true
		}
	}
	return "", false
}
