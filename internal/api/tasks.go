package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/identity"
)

// DailyTasks handles GET /api/tasks/daily: the caller's pending tasks due by
// end of the server-local day.
func (h *Handler) DailyTasks(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	now := time.Now()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, now.Location())
	tasks, err := h.repo.ListTasksDueBy(r.Context(), userID, endOfDay)
	if err != nil {
		slog.Error("list daily tasks failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load tasks")
		return
	}
	if tasks == nil {
		tasks = []*domain.LearningTask{}
	}
	JSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

type completeTaskRequest struct {
	Score int `json:"score,omitempty"`
}

// CompleteTask handles POST /api/tasks/{taskID}/complete. Completion is an
// explicit user action and happens at most once per task.
func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	taskID := chi.URLParam(r, "taskID")

	var req completeTaskRequest
	if r.Body != nil {
		// Body is optional; a bare POST completes with no score.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	done, err := h.repo.CompleteTask(r.Context(), taskID, userID, time.Now(), req.Score)
	if err != nil {
		slog.Error("complete task failed", "task_id", taskID, "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to complete task")
		return
	}
	if !done {
		Error(w, http.StatusNotFound, "task not found or already completed")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "completed"})
}
