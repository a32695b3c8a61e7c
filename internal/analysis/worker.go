// Package analysis runs the post-session pipeline: claim ended sessions off
// the work queue, score the conversation, persist feedback, generate tasks,
// and award points.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/speakpair/speakpair-server/internal/config"
	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/gamification"
	"github.com/speakpair/speakpair-server/internal/metrics"
	"github.com/speakpair/speakpair-server/internal/queue"
	"github.com/speakpair/speakpair-server/internal/scoring"
	"github.com/speakpair/speakpair-server/internal/session"
	"github.com/speakpair/speakpair-server/internal/store"
	"github.com/speakpair/speakpair-server/internal/tasks"
)

// Pipeline is the analysis worker pool. Workers pull jobs from the queue and
// drive each session from ENDED to COMPLETED or ANALYSIS_FAILED.
type Pipeline struct {
	repo       store.Repository
	machine    *session.Machine
	jobs       queue.Queue
	scorer     scoring.Scorer
	ledger     *gamification.Ledger
	generator  *tasks.Generator
	calculator *Calculator
	cfg        config.AnalysisConfig
	metrics    *metrics.Metrics
}

// NewPipeline creates the analysis pipeline.
func NewPipeline(
	repo store.Repository,
	machine *session.Machine,
	jobs queue.Queue,
	scorer scoring.Scorer,
	ledger *gamification.Ledger,
	generator *tasks.Generator,
	cfg config.AnalysisConfig,
) *Pipeline {
	return &Pipeline{
		repo:       repo,
		machine:    machine,
		jobs:       jobs,
		scorer:     scorer,
		ledger:     ledger,
		generator:  generator,
		calculator: NewCalculator(repo),
		cfg:        cfg,
		metrics:    metrics.New(),
	}
}

// Run starts the worker pool and blocks until ctx is cancelled and every
// worker has drained.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
	slog.Info("analysis pipeline stopped")
}

func (p *Pipeline) work(ctx context.Context, worker int) {
	for {
		job, err := p.jobs.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			slog.Error("dequeue analysis job", "worker", worker, "error", err)
			continue
		}
		if err := p.process(ctx, job); err != nil {
			slog.Error("analysis job failed",
				"worker", worker, "session_id", job.SessionID, "attempt", job.Attempt, "error", err)
		}
	}
}

// process runs one scoring attempt for one session.
func (p *Pipeline) process(ctx context.Context, job domain.AnalysisJob) error {
	claimed, err := p.machine.Claim(ctx, job.SessionID)
	if err != nil {
		return fmt.Errorf("claim session: %w", err)
	}
	if !claimed {
		// Another worker holds it, or the session already finished.
		p.metrics.AnalysisAttempts.WithLabelValues("skipped").Inc()
		slog.Debug("analysis job not claimable", "session_id", job.SessionID)
		return nil
	}

	start := time.Now()
	outcome, err := p.analyze(ctx, job)
	p.metrics.AnalysisAttempts.WithLabelValues(outcome).Inc()
	p.metrics.AnalysisDuration.Observe(time.Since(start).Seconds())
	return err
}

func (p *Pipeline) analyze(ctx context.Context, job domain.AnalysisJob) (string, error) {
	sess, err := p.repo.GetSession(ctx, job.SessionID)
	if err != nil {
		return "error", p.retryOrFail(ctx, job, fmt.Errorf("load session: %w", err))
	}
	if sess == nil {
		return "error", fmt.Errorf("claimed session %s no longer exists", job.SessionID)
	}

	// An aborted session has no conversation to score. It still completes so
	// it leaves the live set, just with an empty result and no points.
	if sess.Aborted {
		if err := p.machine.Complete(ctx, job.SessionID); err != nil {
			return "error", fmt.Errorf("complete aborted session: %w", err)
		}
		slog.Info("aborted session completed without analysis", "session_id", job.SessionID)
		return "aborted", nil
	}

	participants, err := p.repo.GetParticipants(ctx, job.SessionID)
	if err != nil {
		return "error", p.retryOrFail(ctx, job, fmt.Errorf("load participants: %w", err))
	}
	transcript, err := p.repo.GetTranscript(ctx, job.SessionID)
	if err != nil {
		return "error", p.retryOrFail(ctx, job, fmt.Errorf("load transcript: %w", err))
	}

	segments := make([]scoring.Segment, 0, len(transcript))
	for _, seg := range transcript {
		segments = append(segments, scoring.Segment{UserID: seg.UserID, Text: seg.Text})
	}
	evidence := scoring.Evidence{}
	for _, part := range participants {
		evidence.Participants = append(evidence.Participants, scoring.ParticipantEvidence{
			UserID:       part.UserID,
			AudioURL:     part.AudioURL,
			SpeakingTime: part.SpeakingTime,
			TurnsTaken:   part.TurnsTaken,
		})
	}

	result, err := p.scorer.Analyze(ctx, segments, evidence)
	if err != nil {
		var transient *scoring.TransientError
		if errors.As(err, &transient) {
			return "transient", p.retryOrFail(ctx, job, err)
		}
		// Malformed output or another non-retryable failure.
		if failErr := p.machine.Fail(ctx, job.SessionID); failErr != nil {
			return "error", fmt.Errorf("mark failed after %v: %w", err, failErr)
		}
		slog.Warn("analysis failed terminally", "session_id", job.SessionID, "error", err)
		return "failed", nil
	}

	if err := p.persistResult(ctx, sess, result); err != nil {
		return "error", p.retryOrFail(ctx, job, err)
	}
	if err := p.machine.Complete(ctx, job.SessionID); err != nil {
		return "error", fmt.Errorf("complete session: %w", err)
	}
	p.awardPoints(ctx, sess, result)
	slog.Info("session analysis completed",
		"session_id", job.SessionID, "attempt", job.Attempt, "confidence", result.Confidence)
	return "success", nil
}

// persistResult writes mistakes, analysis summaries, and follow-up tasks for
// every participant. Mistake and task IDs are derived from the session, user,
// and position, so a retried attempt overwrites its own earlier rows instead
// of duplicating them. Task generation failures are logged but never fail the
// job: the core feedback is already saved.
func (p *Pipeline) persistResult(ctx context.Context, sess *domain.ConversationSession, result *scoring.Result) error {
	now := time.Now()
	for _, pr := range result.Participants {
		mistakes := make([]*domain.Mistake, 0, len(pr.Mistakes))
		for i, draft := range pr.Mistakes {
			mistakes = append(mistakes, &domain.Mistake{
				ID:          mistakeID(sess.ID, pr.UserID, i),
				SessionID:   sess.ID,
				UserID:      pr.UserID,
				Category:    draft.Category,
				Original:    draft.Original,
				Corrected:   draft.Corrected,
				Explanation: draft.Explanation,
				CreatedAt:   now,
			})
		}
		if err := p.repo.CreateMistakes(ctx, mistakes); err != nil {
			return fmt.Errorf("persist mistakes for %s: %w", pr.UserID, err)
		}

		byValue := make([]domain.Mistake, len(mistakes))
		for i, m := range mistakes {
			byValue[i] = *m
		}
		if _, err := p.generator.CreateTasksFromMistakes(ctx, pr.UserID, sess.ID, byValue); err != nil {
			slog.Warn("task generation incomplete",
				"session_id", sess.ID, "user_id", pr.UserID, "error", err)
		}

		if err := p.repo.CreateAnalysis(ctx, &domain.SessionAnalysis{
			SessionID:       sess.ID,
			UserID:          pr.UserID,
			CEFREstimate:    pr.CEFREstimate,
			FluencyScore:    pr.Scores.Fluency,
			GrammarScore:    pr.Scores.Grammar,
			VocabularyScore: pr.Scores.Vocabulary,
			Confidence:      result.Confidence,
			CreatedAt:       now,
		}); err != nil {
			return fmt.Errorf("persist analysis for %s: %w", pr.UserID, err)
		}
	}
	return nil
}

// mistakeID derives a stable ID from the mistake's position in the result,
// so persisting the same result twice targets the same rows.
func mistakeID(sessionID, userID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceOID,
		[]byte(fmt.Sprintf("mistake:%s:%s:%d", sessionID, userID, index))).String()
}

// awardPoints pays each participant for the completed session. It runs only
// after the PROCESSING -> COMPLETED transition is won, so a redelivered job
// can never award twice: the replay fails to claim the completed session and
// is skipped. Failures here are logged, not retried; the session is already
// terminal and feedback is saved.
func (p *Pipeline) awardPoints(ctx context.Context, sess *domain.ConversationSession, result *scoring.Result) {
	for _, pr := range result.Participants {
		award, err := p.calculator.SessionAward(ctx, pr.UserID, sess.ID)
		if err != nil {
			slog.Error("session award calculation failed",
				"session_id", sess.ID, "user_id", pr.UserID, "error", err)
			continue
		}
		if _, err := p.ledger.Award(ctx, pr.UserID, award, PointsCategory); err != nil {
			slog.Error("point award failed",
				"session_id", sess.ID, "user_id", pr.UserID, "amount", award, "error", err)
		}
	}
}

// retryOrFail releases the session and re-enqueues the job with exponential
// backoff while attempts remain; otherwise it marks the session failed.
func (p *Pipeline) retryOrFail(ctx context.Context, job domain.AnalysisJob, cause error) error {
	attempt := job.Attempt + 1
	if attempt >= p.cfg.MaxAttempts {
		if err := p.machine.Fail(ctx, job.SessionID); err != nil {
			return fmt.Errorf("mark failed after %v: %w", cause, err)
		}
		slog.Warn("analysis retries exhausted",
			"session_id", job.SessionID, "attempts", attempt, "error", cause)
		return nil
	}

	if err := p.machine.Release(ctx, job.SessionID); err != nil {
		return fmt.Errorf("release session after %v: %w", cause, err)
	}

	delay := p.backoff(job.Attempt)
	retry := domain.AnalysisJob{
		SessionID:      job.SessionID,
		Attempt:        attempt,
		NextEligibleAt: time.Now().Add(delay),
	}
	if err := p.jobs.EnqueueAfter(ctx, retry, delay); err != nil {
		return fmt.Errorf("requeue after %v: %w", cause, err)
	}
	slog.Info("analysis attempt will retry",
		"session_id", job.SessionID, "attempt", attempt, "delay", delay, "error", cause)
	return nil
}

// backoff doubles the base delay per completed attempt, capped.
func (p *Pipeline) backoff(attempt int) time.Duration {
	delay := p.cfg.BackoffBase << attempt
	if delay > p.cfg.BackoffCap || delay <= 0 {
		delay = p.cfg.BackoffCap
	}
	return delay
}
