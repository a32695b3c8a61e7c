package session

import (
	"context"
	"testing"
	"time"

	"github.com/speakpair/speakpair-server/internal/config"
	"github.com/speakpair/speakpair-server/internal/domain"
)

func monitorConfig() config.SessionConfig {
	return config.SessionConfig{
		HeartbeatGrace:  200 * time.Millisecond,
		JoinTimeout:     200 * time.Millisecond,
		MonitorInterval: 10 * time.Millisecond,
	}
}

func TestTimeoutReasonJoinTimeout(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	cfg := monitorConfig()

	sess := createPair(t, m, "")
	stored, err := repo.GetSession(context.Background(), sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	if _, due := m.timeoutReason(context.Background(), stored, stored.CreatedAt.Add(50*time.Millisecond), cfg); due {
		t.Error("fresh CREATED session should not be due")
	}
	reason, due := m.timeoutReason(context.Background(), stored, stored.CreatedAt.Add(time.Second), cfg)
	if !due || reason != domain.EndReasonJoinTimeout {
		t.Errorf("reason = %q due = %v, want join_timeout true", reason, due)
	}
}

func TestTimeoutReasonDurationElapsed(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	cfg := monitorConfig()
	ctx := context.Background()

	sess := createPair(t, m, "")
	if err := m.Start(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}
	stored, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	reason, due := m.timeoutReason(ctx, stored, stored.DeadlineAt().Add(time.Second), cfg)
	if !due || reason != domain.EndReasonDurationElapsed {
		t.Errorf("reason = %q due = %v, want duration_elapsed true", reason, due)
	}
}

func TestTimeoutReasonHeartbeatSilence(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	cfg := monitorConfig()
	ctx := context.Background()

	sess := createPair(t, m, "")
	if err := m.Start(ctx, sess.ID); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	if err := repo.UpdateHeartbeat(ctx, sess.ID, "alice", now); err != nil {
		t.Fatal(err)
	}
	if err := repo.UpdateHeartbeat(ctx, sess.ID, "bob", now); err != nil {
		t.Fatal(err)
	}
	stored, err := repo.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}

	// One recent heartbeat keeps the session alive.
	if err := repo.UpdateHeartbeat(ctx, sess.ID, "alice", now.Add(300*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	if _, due := m.timeoutReason(ctx, stored, now.Add(400*time.Millisecond), cfg); due {
		t.Error("session with one live participant should not be due")
	}

	// Both silent past the grace window.
	reason, due := m.timeoutReason(ctx, stored, now.Add(time.Second), cfg)
	if !due || reason != domain.EndReasonHeartbeatTimeout {
		t.Errorf("reason = %q due = %v, want heartbeat_timeout true", reason, due)
	}
}

func TestMonitorAbortsUnjoinedSession(t *testing.T) {
	m, repo, _ := newTestMachine(t)
	cfg := monitorConfig()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := createPair(t, m, "")
	m.StartMonitor(ctx, cfg)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		stored, err := repo.GetSession(ctx, sess.ID)
		if err != nil {
			t.Fatal(err)
		}
		if stored.Status == domain.StatusEnded {
			if !stored.Aborted {
				t.Error("join-timeout session should be aborted")
			}
			if stored.EndReason != domain.EndReasonJoinTimeout {
				t.Errorf("end reason = %s, want join_timeout", stored.EndReason)
			}
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("monitor never ended the unjoined session")
}
