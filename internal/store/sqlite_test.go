package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() {
		if err := repo.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return repo
}

func seedSession(t *testing.T, repo Repository, id string) *domain.ConversationSession {
	t.Helper()
	now := time.Now()
	sess := &domain.ConversationSession{
		ID:         id,
		Status:     domain.StatusCreated,
		Structure:  domain.StructureDebate,
		Topic:      "technology",
		Objectives: []string{"argue a position"},
		Checkpoints: []domain.Checkpoint{
			{Offset: 0, Prompt: "begin", Type: "intro"},
			{Offset: 5 * time.Minute, Prompt: "rebut", Type: "rebuttal"},
		},
		Duration:  15 * time.Minute,
		CreatedAt: now,
		UpdatedAt: now,
	}
	participants := []*domain.SessionParticipant{
		{ID: id + "-a", SessionID: id, UserID: "alice"},
		{ID: id + "-b", SessionID: id, UserID: "bob"},
	}
	if err := repo.CreateSession(context.Background(), sess, participants); err != nil {
		t.Fatalf("create session: %v", err)
	}
	return sess
}

func TestSessionRoundTrip(t *testing.T) {
	repo := newTestStore(t)
	seedSession(t, repo, "s1")

	got, err := repo.GetSession(context.Background(), "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if got == nil {
		t.Fatal("session not found")
	}
	if got.Status != domain.StatusCreated || got.Structure != domain.StructureDebate {
		t.Errorf("got status=%s structure=%s", got.Status, got.Structure)
	}
	if len(got.Checkpoints) != 2 || got.Checkpoints[1].Offset != 5*time.Minute {
		t.Errorf("checkpoints did not survive the round trip: %+v", got.Checkpoints)
	}
	if got.Duration != 15*time.Minute {
		t.Errorf("duration = %s, want 15m", got.Duration)
	}

	missing, err := repo.GetSession(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get missing session: %v", err)
	}
	if missing != nil {
		t.Error("missing session should be nil, not an error")
	}
}

func TestTransitionSessionGuard(t *testing.T) {
	repo := newTestStore(t)
	seedSession(t, repo, "s1")
	ctx := context.Background()

	won, err := repo.TransitionSession(ctx, "s1", domain.StatusCreated, domain.StatusInProgress)
	if err != nil || !won {
		t.Fatalf("first transition = %v, %v; want true, nil", won, err)
	}
	// Stale guard loses without an error.
	won, err = repo.TransitionSession(ctx, "s1", domain.StatusCreated, domain.StatusInProgress)
	if err != nil {
		t.Fatalf("stale transition errored: %v", err)
	}
	if won {
		t.Error("stale transition should not win")
	}
}

func TestListLiveSessions(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	seedSession(t, repo, "created")
	seedSession(t, repo, "started")
	seedSession(t, repo, "done")

	if _, err := repo.TransitionSession(ctx, "started", domain.StatusCreated, domain.StatusInProgress); err != nil {
		t.Fatal(err)
	}
	for _, to := range []domain.SessionStatus{domain.StatusInProgress, domain.StatusEnded, domain.StatusProcessing, domain.StatusCompleted} {
		from := map[domain.SessionStatus]domain.SessionStatus{
			domain.StatusInProgress: domain.StatusCreated,
			domain.StatusEnded:      domain.StatusInProgress,
			domain.StatusProcessing: domain.StatusEnded,
			domain.StatusCompleted:  domain.StatusProcessing,
		}[to]
		if _, err := repo.TransitionSession(ctx, "done", from, to); err != nil {
			t.Fatal(err)
		}
	}

	live, err := repo.ListLiveSessions(ctx)
	if err != nil {
		t.Fatalf("list live: %v", err)
	}
	if len(live) != 2 {
		t.Fatalf("live sessions = %d, want 2", len(live))
	}
	for _, sess := range live {
		if sess.ID == "done" {
			t.Error("completed session listed as live")
		}
	}
}

func TestHeartbeatAndTurnAccumulation(t *testing.T) {
	repo := newTestStore(t)
	seedSession(t, repo, "s1")
	ctx := context.Background()

	at := time.Now().Truncate(time.Millisecond)
	if err := repo.UpdateHeartbeat(ctx, "s1", "alice", at); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := repo.UpdateHeartbeat(ctx, "s1", "ghost", at); err == nil {
		t.Error("heartbeat for unknown participant should fail")
	}

	if err := repo.RecordTurn(ctx, "s1", "alice", 3*time.Second); err != nil {
		t.Fatalf("turn: %v", err)
	}
	if err := repo.RecordTurn(ctx, "s1", "alice", 2*time.Second); err != nil {
		t.Fatalf("turn: %v", err)
	}

	participants, err := repo.GetParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("get participants: %v", err)
	}
	for _, p := range participants {
		switch p.UserID {
		case "alice":
			if !p.LastHeartbeat.Equal(at) {
				t.Errorf("heartbeat = %v, want %v", p.LastHeartbeat, at)
			}
			if p.TurnsTaken != 2 || p.SpeakingTime != 5*time.Second {
				t.Errorf("turns=%d speaking=%s, want 2, 5s", p.TurnsTaken, p.SpeakingTime)
			}
		case "bob":
			if p.Joined() {
				t.Error("bob never joined but has a heartbeat")
			}
		}
	}
}

func TestTranscriptOrder(t *testing.T) {
	repo := newTestStore(t)
	seedSession(t, repo, "s1")
	ctx := context.Background()

	base := time.Now()
	lines := []struct {
		user string
		text string
		at   time.Time
	}{
		{"alice", "hello", base},
		{"bob", "hi there", base.Add(2 * time.Second)},
		{"alice", "how are you", base.Add(4 * time.Second)},
	}
	for _, l := range lines {
		if err := repo.AppendTranscriptSegment(ctx, &domain.TranscriptSegment{
			SessionID: "s1", UserID: l.user, Text: l.text, SpokenAt: l.at,
		}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	transcript, err := repo.GetTranscript(ctx, "s1")
	if err != nil {
		t.Fatalf("get transcript: %v", err)
	}
	if len(transcript) != 3 {
		t.Fatalf("segments = %d, want 3", len(transcript))
	}
	for i, l := range lines {
		if transcript[i].Text != l.text {
			t.Errorf("segment %d = %q, want %q", i, transcript[i].Text, l.text)
		}
	}
}

func TestUserPointsUpsert(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	points, err := repo.GetUserPoints(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if points != nil {
		t.Fatal("unknown user should have nil points, not an error")
	}

	if err := repo.UpsertUserPoints(ctx, &domain.UserPoints{UserID: "alice", Total: 75, Level: 1}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := repo.UpsertUserPoints(ctx, &domain.UserPoints{UserID: "alice", Total: 300, Level: 2}); err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	points, err = repo.GetUserPoints(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if points.Total != 300 || points.Level != 2 {
		t.Errorf("points = %+v, want total 300 level 2", points)
	}
}

func TestMistakeAggregation(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	mistakes := []*domain.Mistake{
		{ID: "m1", SessionID: "s1", UserID: "alice", Category: domain.CategoryGrammar, Original: "a", Corrected: "b", CreatedAt: now},
		{ID: "m2", SessionID: "s1", UserID: "alice", Category: domain.CategoryGrammar, Original: "c", Corrected: "d", CreatedAt: now},
		{ID: "m3", SessionID: "s2", UserID: "alice", Category: domain.CategoryVocabulary, Original: "e", Corrected: "f", CreatedAt: now},
		{ID: "m4", SessionID: "s1", UserID: "bob", Category: domain.CategoryGrammar, Original: "g", Corrected: "h", CreatedAt: now},
	}
	if err := repo.CreateMistakes(ctx, mistakes); err != nil {
		t.Fatalf("create mistakes: %v", err)
	}

	counts, err := repo.CountMistakesByCategory(ctx, "alice")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.CategoryGrammar] != 2 || counts[domain.CategoryVocabulary] != 1 {
		t.Errorf("counts = %v, want grammar:2 vocabulary:1", counts)
	}

	perSession, err := repo.ListMistakes(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(perSession) != 2 {
		t.Errorf("session mistakes = %d, want 2", len(perSession))
	}
}

func TestAnalysesNewestFirst(t *testing.T) {
	repo := newTestStore(t)
	ctx := context.Background()

	base := time.Now()
	for i, sessID := range []string{"s1", "s2", "s3"} {
		if err := repo.CreateAnalysis(ctx, &domain.SessionAnalysis{
			SessionID:    sessID,
			UserID:       "alice",
			CEFREstimate: "B1",
			CreatedAt:    base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("create analysis: %v", err)
		}
	}

	analyses, err := repo.ListAnalyses(ctx, "alice", 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(analyses) != 2 {
		t.Fatalf("analyses = %d, want 2 (limit)", len(analyses))
	}
	if analyses[0].SessionID != "s3" {
		t.Errorf("first analysis = %s, want s3 (newest)", analyses[0].SessionID)
	}
}
