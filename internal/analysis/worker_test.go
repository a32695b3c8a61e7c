package analysis

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/speakpair/speakpair-server/internal/checkpoint"
	"github.com/speakpair/speakpair-server/internal/config"
	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/gamification"
	"github.com/speakpair/speakpair-server/internal/queue"
	"github.com/speakpair/speakpair-server/internal/scoring"
	"github.com/speakpair/speakpair-server/internal/session"
	"github.com/speakpair/speakpair-server/internal/store"
	"github.com/speakpair/speakpair-server/internal/tasks"
)

// fakeScorer returns a canned result or error and counts invocations.
type fakeScorer struct {
	calls  atomic.Int64
	result *scoring.Result
	err    error
}

func (f *fakeScorer) Analyze(_ context.Context, _ []scoring.Segment, _ scoring.Evidence) (*scoring.Result, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type testHarness struct {
	repo     store.Repository
	machine  *session.Machine
	jobs     *queue.MemoryQueue
	scorer   *fakeScorer
	pipeline *Pipeline
}

func newHarness(t *testing.T, scorer *fakeScorer) *testHarness {
	return newHarnessWithRepo(t, scorer, func(r store.Repository) store.Repository { return r })
}

func newHarnessWithRepo(t *testing.T, scorer *fakeScorer, wrap func(store.Repository) store.Repository) *testHarness {
	t.Helper()
	base, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = base.Close() })
	repo := wrap(base)

	jobs := queue.NewMemory(16)
	t.Cleanup(func() { _ = jobs.Close() })

	machine := session.NewMachine(repo, jobs, checkpoint.Default(), nil)
	ledger := gamification.NewLedger(repo, nil)
	generator := tasks.NewGenerator(repo, 24*time.Hour)
	cfg := config.AnalysisConfig{
		Workers:      1,
		MaxAttempts:  3,
		BackoffBase:  time.Millisecond,
		BackoffCap:   5 * time.Millisecond,
		TaskDueAfter: 24 * time.Hour,
	}
	return &testHarness{
		repo:     repo,
		machine:  machine,
		jobs:     jobs,
		scorer:   scorer,
		pipeline: NewPipeline(repo, machine, jobs, scorer, ledger, generator, cfg),
	}
}

// endedSession creates a started-then-ended session with one transcript line
// per participant, and drains the enqueued job.
func (h *testHarness) endedSession(t *testing.T) (*domain.ConversationSession, domain.AnalysisJob) {
	t.Helper()
	ctx := context.Background()
	sess, err := h.machine.CreateMatchedSession(ctx,
		domain.QueueEntry{UserID: "alice", Level: domain.LevelB1},
		domain.QueueEntry{UserID: "bob", Level: domain.LevelB1},
	)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := h.machine.Start(ctx, sess.ID); err != nil {
		t.Fatalf("start: %v", err)
	}
	for _, userID := range []string{"alice", "bob"} {
		if err := h.repo.AppendTranscriptSegment(ctx, &domain.TranscriptSegment{
			SessionID: sess.ID, UserID: userID, Text: "hello there partner", SpokenAt: time.Now(),
		}); err != nil {
			t.Fatalf("append transcript: %v", err)
		}
	}
	if err := h.machine.End(ctx, sess.ID, domain.EndReasonEndCall); err != nil {
		t.Fatalf("end: %v", err)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	job, err := h.jobs.Dequeue(dequeueCtx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	return sess, job
}

func (h *testHarness) status(t *testing.T, sessionID string) domain.SessionStatus {
	t.Helper()
	sess, err := h.repo.GetSession(context.Background(), sessionID)
	if err != nil || sess == nil {
		t.Fatalf("get session: %v", err)
	}
	return sess.Status
}

func successResult() *scoring.Result {
	return &scoring.Result{
		Confidence: 0.9,
		Participants: []scoring.ParticipantResult{
			{
				UserID:       "alice",
				CEFREstimate: "B1",
				Scores:       scoring.Scores{Fluency: 70, Grammar: 65, Vocabulary: 68},
				Mistakes: []scoring.MistakeDraft{
					{Category: domain.CategoryGrammar, Original: "I am agree", Corrected: "I agree"},
					{Category: domain.CategoryVocabulary, Original: "very fun", Corrected: "enjoyable"},
				},
			},
			{
				UserID:       "bob",
				CEFREstimate: "B2",
				Scores:       scoring.Scores{Fluency: 80, Grammar: 78, Vocabulary: 75},
			},
		},
	}
}

func TestProcessSuccessCompletesSession(t *testing.T) {
	scorer := &fakeScorer{result: successResult()}
	h := newHarness(t, scorer)
	ctx := context.Background()

	sess, job := h.endedSession(t)
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}

	if got := h.status(t, sess.ID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}

	mistakes, err := h.repo.ListMistakes(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mistakes) != 2 {
		t.Errorf("alice mistakes = %d, want 2", len(mistakes))
	}

	// Base 50 plus 25 first-of-day bonus for each participant.
	for _, userID := range []string{"alice", "bob"} {
		points, err := h.repo.GetUserPoints(ctx, userID)
		if err != nil {
			t.Fatal(err)
		}
		if points == nil || points.Total != 75 {
			t.Errorf("%s points = %+v, want total 75", userID, points)
		}
	}

	// One task per mistake category with mistakes in it.
	due, err := h.repo.ListTasksDueBy(ctx, "alice", time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Errorf("alice tasks = %d, want 2 (grammar + vocabulary)", len(due))
	}

	analyses, err := h.repo.ListAnalyses(ctx, "bob", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(analyses) != 1 || analyses[0].CEFREstimate != "B2" {
		t.Errorf("bob analyses = %+v, want one B2 summary", analyses)
	}
}

func TestProcessSecondSessionSameDaySkipsBonus(t *testing.T) {
	scorer := &fakeScorer{result: successResult()}
	h := newHarness(t, scorer)
	ctx := context.Background()

	_, job := h.endedSession(t)
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatal(err)
	}
	_, job = h.endedSession(t)
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatal(err)
	}

	points, err := h.repo.GetUserPoints(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	// 75 for the first session of the day, 50 for the second.
	if points.Total != 125 {
		t.Errorf("total = %d, want 125", points.Total)
	}
}

func TestProcessTransientFailureRetriesThenFails(t *testing.T) {
	scorer := &fakeScorer{err: &scoring.TransientError{Err: errors.New("rate limited")}}
	h := newHarness(t, scorer)
	ctx := context.Background()

	sess, job := h.endedSession(t)
	for {
		if err := h.pipeline.process(ctx, job); err != nil {
			t.Fatalf("process: %v", err)
		}
		if h.status(t, sess.ID) == domain.StatusAnalysisFailed {
			break
		}

		dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
		job2, err := h.jobs.Dequeue(dequeueCtx)
		cancel()
		if err != nil {
			t.Fatalf("dequeue retry: %v", err)
		}
		if job2.Attempt != job.Attempt+1 {
			t.Fatalf("retry attempt = %d, want %d", job2.Attempt, job.Attempt+1)
		}
		job = job2
	}

	if got := scorer.calls.Load(); got != 3 {
		t.Errorf("scorer called %d times, want exactly 3", got)
	}
}

func TestProcessNonRetryableFailureFailsImmediately(t *testing.T) {
	scorer := &fakeScorer{err: &scoring.MalformedError{Err: errors.New("garbage output")}}
	h := newHarness(t, scorer)
	ctx := context.Background()

	sess, job := h.endedSession(t)
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := h.status(t, sess.ID); got != domain.StatusAnalysisFailed {
		t.Fatalf("status = %s, want ANALYSIS_FAILED", got)
	}
	if got := scorer.calls.Load(); got != 1 {
		t.Errorf("scorer called %d times, want 1", got)
	}
}

func TestProcessAbortedSessionSkipsScoring(t *testing.T) {
	scorer := &fakeScorer{result: successResult()}
	h := newHarness(t, scorer)
	ctx := context.Background()

	sess, err := h.machine.CreateMatchedSession(ctx,
		domain.QueueEntry{UserID: "alice", Level: domain.LevelB1},
		domain.QueueEntry{UserID: "bob", Level: domain.LevelB1},
	)
	if err != nil {
		t.Fatal(err)
	}
	// Nobody joined: the session is aborted straight from CREATED.
	if err := h.machine.End(ctx, sess.ID, domain.EndReasonJoinTimeout); err != nil {
		t.Fatal(err)
	}
	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	job, err := h.jobs.Dequeue(dequeueCtx)
	cancel()
	if err != nil {
		t.Fatal(err)
	}

	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := h.status(t, sess.ID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}
	if got := scorer.calls.Load(); got != 0 {
		t.Errorf("scorer called %d times for aborted session, want 0", got)
	}
	points, err := h.repo.GetUserPoints(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if points != nil {
		t.Errorf("aborted session awarded points: %+v", points)
	}
}

// flakyRepo fails the first n CreateAnalysis calls, then delegates.
type flakyRepo struct {
	store.Repository
	failures int
}

func (r *flakyRepo) CreateAnalysis(ctx context.Context, a *domain.SessionAnalysis) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("analysis write refused")
	}
	return r.Repository.CreateAnalysis(ctx, a)
}

func TestRetryAfterPersistFailureAwardsOnce(t *testing.T) {
	scorer := &fakeScorer{result: successResult()}
	flaky := &flakyRepo{failures: 1}
	h := newHarnessWithRepo(t, scorer, func(r store.Repository) store.Repository {
		flaky.Repository = r
		return flaky
	})
	ctx := context.Background()

	sess, job := h.endedSession(t)

	// The first attempt fails mid-persist and the session goes back to ENDED.
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatalf("process: %v", err)
	}
	if got := h.status(t, sess.ID); got != domain.StatusEnded {
		t.Fatalf("status after failed persist = %s, want ENDED", got)
	}

	dequeueCtx, cancel := context.WithTimeout(ctx, time.Second)
	retry, err := h.jobs.Dequeue(dequeueCtx)
	cancel()
	if err != nil {
		t.Fatalf("dequeue retry: %v", err)
	}
	if err := h.pipeline.process(ctx, retry); err != nil {
		t.Fatalf("retry process: %v", err)
	}
	if got := h.status(t, sess.ID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}

	// One session's worth of accounting, not two.
	for _, userID := range []string{"alice", "bob"} {
		points, err := h.repo.GetUserPoints(ctx, userID)
		if err != nil {
			t.Fatal(err)
		}
		if points == nil || points.Total != 75 {
			t.Errorf("%s points = %+v, want exactly 75 across the retry", userID, points)
		}
	}
	mistakes, err := h.repo.ListMistakes(ctx, sess.ID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if len(mistakes) != 2 {
		t.Errorf("alice mistakes = %d, want 2 (no duplicates from the retry)", len(mistakes))
	}
	due, err := h.repo.ListTasksDueBy(ctx, "alice", time.Now().Add(48*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 2 {
		t.Errorf("alice tasks = %d, want 2 (no duplicates from the retry)", len(due))
	}
	if got := scorer.calls.Load(); got != 2 {
		t.Errorf("scorer called %d times, want 2", got)
	}
}

func TestProcessUnclaimableJobIsSkipped(t *testing.T) {
	scorer := &fakeScorer{result: successResult()}
	h := newHarness(t, scorer)
	ctx := context.Background()

	sess, job := h.endedSession(t)
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatal(err)
	}
	// Redelivery of the same job finds the session already COMPLETED.
	if err := h.pipeline.process(ctx, job); err != nil {
		t.Fatalf("redelivered process: %v", err)
	}
	if got := h.status(t, sess.ID); got != domain.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED", got)
	}
	if got := scorer.calls.Load(); got != 1 {
		t.Errorf("scorer called %d times, want 1", got)
	}
}
