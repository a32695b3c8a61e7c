// Package api provides HTTP handlers for the SpeakPair API.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/speakpair/speakpair-server/internal/gamification"
	"github.com/speakpair/speakpair-server/internal/matchmaking"
	"github.com/speakpair/speakpair-server/internal/session"
	"github.com/speakpair/speakpair-server/internal/store"
)

// Handler provides common handler dependencies.
type Handler struct {
	repo    store.Repository
	pool    *matchmaking.Pool
	machine *session.Machine
	ledger  *gamification.Ledger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, pool *matchmaking.Pool, machine *session.Machine, ledger *gamification.Ledger) *Handler {
	return &Handler{
		repo:    repo,
		pool:    pool,
		machine: machine,
		ledger:  ledger,
	}
}

// RegisterRoutes registers the authenticated API routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Post("/match/join", h.JoinMatch)
		r.Get("/match/check", h.CheckMatch)
		r.Post("/match/leave", h.LeaveMatch)

		r.Get("/sessions/{sessionID}", h.GetSession)
		r.Post("/sessions/{sessionID}/end", h.EndSession)

		r.Get("/tasks/daily", h.DailyTasks)
		r.Post("/tasks/{taskID}/complete", h.CompleteTask)

		r.Get("/progress", h.Progress)
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
