package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/speakpair/speakpair-server/internal/checkpoint"
	"github.com/speakpair/speakpair-server/internal/gamification"
	"github.com/speakpair/speakpair-server/internal/identity"
	"github.com/speakpair/speakpair-server/internal/matchmaking"
	"github.com/speakpair/speakpair-server/internal/queue"
	"github.com/speakpair/speakpair-server/internal/session"
	"github.com/speakpair/speakpair-server/internal/store"
)

func newTestRouter(t *testing.T) (chi.Router, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	jobs := queue.NewMemory(16)
	t.Cleanup(func() { _ = jobs.Close() })

	machine := session.NewMachine(repo, jobs, checkpoint.Default(), nil)
	pool := matchmaking.NewPool(machine, time.Minute)
	ledger := gamification.NewLedger(repo, nil)

	r := chi.NewRouter()
	NewHandler(repo, pool, machine, ledger).RegisterRoutes(r)
	return r, repo
}

func doAs(t *testing.T, r chi.Router, userID, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req = req.WithContext(identity.WithUserID(req.Context(), userID))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMatchJoinAndCheckFlow(t *testing.T) {
	r, _ := newTestRouter(t)

	// First caller waits.
	w := doAs(t, r, "alice", http.MethodPost, "/api/match/join", `{"level":"B1","strategy":"strict"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("first join status = %d, want 202: %s", w.Code, w.Body.String())
	}

	// Second caller matches immediately.
	w = doAs(t, r, "bob", http.MethodPost, "/api/match/join", `{"level":"B1","strategy":"strict"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("second join status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var result matchmaking.CheckResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Matched || result.Match == nil || result.Match.PartnerID != "alice" {
		t.Fatalf("bob's result = %+v, want match with alice", result)
	}

	// Alice picks up the match on her poll.
	w = doAs(t, r, "alice", http.MethodGet, "/api/match/check", "")
	if w.Code != http.StatusOK {
		t.Fatalf("check status = %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !result.Matched || result.Match.PartnerID != "bob" {
		t.Fatalf("alice's result = %+v, want match with bob", result)
	}

	// The matched session is visible to its participants.
	w = doAs(t, r, "alice", http.MethodGet, "/api/sessions/"+result.Match.SessionID, "")
	if w.Code != http.StatusOK {
		t.Fatalf("get session status = %d: %s", w.Code, w.Body.String())
	}
	// But not to outsiders.
	w = doAs(t, r, "mallory", http.MethodGet, "/api/sessions/"+result.Match.SessionID, "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("outsider get session status = %d, want 403", w.Code)
	}
}

func TestMatchJoinValidation(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doAs(t, r, "alice", http.MethodPost, "/api/match/join", `{"level":"Z9"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad level status = %d, want 400", w.Code)
	}
	w = doAs(t, r, "alice", http.MethodPost, "/api/match/join", `{"level":"B1","strategy":"bogus"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad strategy status = %d, want 400", w.Code)
	}
}

func TestProgressForNewUser(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doAs(t, r, "newcomer", http.MethodGet, "/api/progress", "")
	if w.Code != http.StatusOK {
		t.Fatalf("progress status = %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Points struct {
			Total int `json:"total"`
			Level int `json:"level"`
		} `json:"points"`
		NextLevelAt int `json:"next_level_at"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Points.Total != 0 || resp.Points.Level != 0 {
		t.Errorf("new user points = %+v, want total 0 level 0", resp.Points)
	}
	if resp.NextLevelAt != gamification.XPRequired(1) {
		t.Errorf("next level at = %d, want %d", resp.NextLevelAt, gamification.XPRequired(1))
	}
}

func TestDailyTasksEmpty(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doAs(t, r, "alice", http.MethodGet, "/api/tasks/daily", "")
	if w.Code != http.StatusOK {
		t.Fatalf("daily tasks status = %d", w.Code)
	}
	var resp struct {
		Tasks []json.RawMessage `json:"tasks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Tasks) != 0 {
		t.Errorf("tasks = %d, want 0", len(resp.Tasks))
	}
}

func TestCompleteUnknownTask(t *testing.T) {
	r, _ := newTestRouter(t)

	w := doAs(t, r, "alice", http.MethodPost, "/api/tasks/nope/complete", `{"score":90}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown task status = %d, want 404", w.Code)
	}
}
