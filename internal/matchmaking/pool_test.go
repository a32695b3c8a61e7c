package matchmaking

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// stubCreator records created pairs and hands out sequential session IDs.
type stubCreator struct {
	mu      sync.Mutex
	pairs   [][2]string
	nextID  int
	failErr error
}

func (c *stubCreator) CreateMatchedSession(_ context.Context, a, b domain.QueueEntry) (*domain.ConversationSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failErr != nil {
		return nil, c.failErr
	}
	c.nextID++
	c.pairs = append(c.pairs, [2]string{a.UserID, b.UserID})
	return &domain.ConversationSession{
		ID:     fmt.Sprintf("session-%04d", c.nextID),
		Status: domain.StatusCreated,
	}, nil
}

func (c *stubCreator) created() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

func TestJoinMatchesCompatiblePartner(t *testing.T) {
	creator := &stubCreator{}
	pool := NewPool(creator, time.Minute)

	result, err := pool.Join(context.Background(), "alice", domain.LevelB1, "", domain.StrategyStrict)
	if err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	if result != nil {
		t.Fatalf("expected first join to wait, got match %+v", result)
	}

	result, err = pool.Join(context.Background(), "bob", domain.LevelB1, "", domain.StrategyStrict)
	if err != nil {
		t.Fatalf("second join failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected second join to match immediately")
	}
	if result.PartnerID != "alice" {
		t.Errorf("partner = %q, want alice", result.PartnerID)
	}

	// The partner picks up their result on the next poll, exactly once.
	check := pool.CheckMatch("alice")
	if !check.Matched || check.Match == nil {
		t.Fatalf("alice should see a match, got %+v", check)
	}
	if check.Match.PartnerID != "bob" {
		t.Errorf("alice's partner = %q, want bob", check.Match.PartnerID)
	}
	if again := pool.CheckMatch("alice"); again.Matched {
		t.Error("match result should be consumed on first read")
	}
}

func TestRejoinReturnsPendingMatch(t *testing.T) {
	creator := &stubCreator{}
	pool := NewPool(creator, time.Minute)
	ctx := context.Background()

	if _, err := pool.Join(ctx, "alice", domain.LevelB1, "", domain.StrategyStrict); err != nil {
		t.Fatalf("first join failed: %v", err)
	}
	bobResult, err := pool.Join(ctx, "bob", domain.LevelB1, "", domain.StrategyStrict)
	if err != nil || bobResult == nil {
		t.Fatalf("second join = (%+v, %v), want immediate match", bobResult, err)
	}

	// Alice rejoins before polling. The already-created session must come
	// back to her, not be silently replaced by a fresh waiting entry.
	result, err := pool.Join(ctx, "alice", domain.LevelB1, "", domain.StrategyStrict)
	if err != nil {
		t.Fatalf("rejoin failed: %v", err)
	}
	if result == nil || result.SessionID != bobResult.SessionID {
		t.Fatalf("rejoin result = %+v, want pending match for session %s", result, bobResult.SessionID)
	}
	if result.PartnerID != "bob" {
		t.Errorf("rejoin partner = %q, want bob", result.PartnerID)
	}

	// The result was consumed and alice is not waiting.
	if check := pool.CheckMatch("alice"); check.Matched || check.Message != "not in queue" {
		t.Errorf("check after rejoin = %+v, want not in queue", check)
	}
	if got := creator.created(); got != 1 {
		t.Errorf("sessions created = %d, want 1", got)
	}
}

func TestJoinStrategyTolerance(t *testing.T) {
	tests := []struct {
		name      string
		waiting   domain.CEFRLevel
		caller    domain.CEFRLevel
		strategy  domain.MatchStrategy
		wantMatch bool
	}{
		{"strict same level", domain.LevelB1, domain.LevelB1, domain.StrategyStrict, true},
		{"strict one apart", domain.LevelB1, domain.LevelB2, domain.StrategyStrict, false},
		{"medium one apart", domain.LevelB1, domain.LevelB2, domain.StrategyMedium, true},
		{"medium two apart", domain.LevelA2, domain.LevelB2, domain.StrategyMedium, false},
		{"relaxed two apart", domain.LevelA2, domain.LevelB2, domain.StrategyRelaxed, true},
		{"relaxed three apart", domain.LevelA1, domain.LevelB2, domain.StrategyRelaxed, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewPool(&stubCreator{}, time.Minute)
			if _, err := pool.Join(context.Background(), "waiting", tt.waiting, "", domain.StrategyRelaxed); err != nil {
				t.Fatalf("seed join failed: %v", err)
			}

			result, err := pool.Join(context.Background(), "caller", tt.caller, "", tt.strategy)
			if err != nil {
				t.Fatalf("caller join failed: %v", err)
			}
			if got := result != nil; got != tt.wantMatch {
				t.Errorf("matched = %v, want %v", got, tt.wantMatch)
			}
		})
	}
}

func TestJoinRejectsInvalidStrategy(t *testing.T) {
	pool := NewPool(&stubCreator{}, time.Minute)
	if _, err := pool.Join(context.Background(), "alice", domain.LevelB1, "", "aggressive"); err == nil {
		t.Fatal("expected error for unknown strategy")
	}
}

func TestJoinPrefersCloserLevelThenTopicThenFIFO(t *testing.T) {
	creator := &stubCreator{}
	pool := NewPool(creator, time.Minute)
	ctx := context.Background()

	// Farther level, earlier join.
	if _, err := pool.Join(ctx, "far", domain.LevelB2, "travel", domain.StrategyRelaxed); err != nil {
		t.Fatal(err)
	}
	// Same level, no topic.
	if _, err := pool.Join(ctx, "plain", domain.LevelB1, "", domain.StrategyRelaxed); err != nil {
		t.Fatal(err)
	}
	// Same level, matching topic: should win despite joining last.
	if _, err := pool.Join(ctx, "topical", domain.LevelB1, "travel", domain.StrategyRelaxed); err != nil {
		t.Fatal(err)
	}

	result, err := pool.Join(ctx, "caller", domain.LevelB1, "travel", domain.StrategyRelaxed)
	if err != nil {
		t.Fatalf("caller join failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected a match")
	}
	if result.PartnerID != "topical" {
		t.Errorf("partner = %q, want topical", result.PartnerID)
	}
}

func TestConcurrentJoinsNeverDoubleMatch(t *testing.T) {
	creator := &stubCreator{}
	pool := NewPool(creator, time.Minute)

	const users = 100
	var wg sync.WaitGroup
	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			userID := fmt.Sprintf("user-%03d", n)
			if _, err := pool.Join(context.Background(), userID, domain.LevelB1, "", domain.StrategyStrict); err != nil {
				t.Errorf("join %s: %v", userID, err)
			}
		}(i)
	}
	wg.Wait()

	// Every match consumes exactly two entries: with an even number of
	// compatible users nobody is left over and nobody is matched twice.
	if got := creator.created(); got != users/2 {
		t.Errorf("sessions created = %d, want %d", got, users/2)
	}
	if depth := pool.WaitingCount(); depth != 0 {
		t.Errorf("waiting count = %d, want 0", depth)
	}

	seen := make(map[string]bool)
	for _, pair := range creator.pairs {
		for _, userID := range pair {
			if seen[userID] {
				t.Fatalf("user %s matched twice", userID)
			}
			seen[userID] = true
		}
	}
}

func TestExpireStaleReportsTimeoutOnce(t *testing.T) {
	pool := NewPool(&stubCreator{}, 50*time.Millisecond)
	if _, err := pool.Join(context.Background(), "alice", domain.LevelB1, "", domain.StrategyStrict); err != nil {
		t.Fatal(err)
	}

	pool.expireStale(time.Now().Add(100 * time.Millisecond))

	check := pool.CheckMatch("alice")
	if check.Matched {
		t.Fatal("expired entry should not be matched")
	}
	if check.Message == "" {
		t.Error("expected a timeout message on first poll after expiry")
	}
	if again := pool.CheckMatch("alice"); again.Message != "not in queue" {
		t.Errorf("second poll message = %q, want %q", again.Message, "not in queue")
	}

	// An expired user can rejoin and wait again.
	if _, err := pool.Join(context.Background(), "alice", domain.LevelB1, "", domain.StrategyStrict); err != nil {
		t.Fatalf("rejoin after expiry failed: %v", err)
	}
	if pool.WaitingCount() != 1 {
		t.Errorf("waiting count after rejoin = %d, want 1", pool.WaitingCount())
	}
}

func TestLeaveRemovesWaitingEntry(t *testing.T) {
	creator := &stubCreator{}
	pool := NewPool(creator, time.Minute)

	if _, err := pool.Join(context.Background(), "alice", domain.LevelB1, "", domain.StrategyStrict); err != nil {
		t.Fatal(err)
	}
	pool.Leave("alice")

	result, err := pool.Join(context.Background(), "bob", domain.LevelB1, "", domain.StrategyStrict)
	if err != nil {
		t.Fatal(err)
	}
	if result != nil {
		t.Error("bob should not match a user who left")
	}
	if check := pool.CheckMatch("alice"); check.Message != "not in queue" {
		t.Errorf("alice's poll message = %q, want %q", check.Message, "not in queue")
	}
}

func TestJoinCreatorFailureRequeuesCandidate(t *testing.T) {
	creator := &stubCreator{failErr: fmt.Errorf("db unavailable")}
	pool := NewPool(creator, time.Minute)
	ctx := context.Background()

	if _, err := pool.Join(ctx, "alice", domain.LevelB1, "", domain.StrategyStrict); err != nil {
		t.Fatal(err)
	}
	if _, err := pool.Join(ctx, "bob", domain.LevelB1, "", domain.StrategyStrict); err == nil {
		t.Fatal("expected join to surface creator failure")
	}

	// Alice is back in the pool; a retry with a working creator matches her.
	creator.failErr = nil
	result, err := pool.Join(ctx, "bob", domain.LevelB1, "", domain.StrategyStrict)
	if err != nil {
		t.Fatalf("retry join failed: %v", err)
	}
	if result == nil || result.PartnerID != "alice" {
		t.Fatalf("retry should match alice, got %+v", result)
	}
}
