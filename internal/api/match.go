package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/identity"
	"github.com/speakpair/speakpair-server/internal/matchmaking"
)

type joinMatchRequest struct {
	Level    string `json:"level"`
	Topic    string `json:"topic,omitempty"`
	Strategy string `json:"strategy,omitempty"`
}

// JoinMatch handles POST /api/match/join. The caller either gets an
// immediate match or enters the waiting pool and polls CheckMatch.
func (h *Handler) JoinMatch(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	var req joinMatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	level, err := domain.ParseCEFRLevel(req.Level)
	if err != nil {
		Error(w, http.StatusBadRequest, err.Error())
		return
	}
	strategy := domain.MatchStrategy(req.Strategy)
	if req.Strategy == "" {
		strategy = domain.StrategyMedium
	}

	result, err := h.pool.Join(r.Context(), userID, level, req.Topic, strategy)
	if err != nil {
		if errors.Is(err, matchmaking.ErrInvalidStrategy) {
			Error(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("matchmaking join failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to join matchmaking")
		return
	}

	if result != nil {
		JSON(w, http.StatusOK, matchmaking.CheckResult{Matched: true, Match: result})
		return
	}
	JSON(w, http.StatusAccepted, matchmaking.CheckResult{Matched: false, Message: "waiting for a partner"})
}

// CheckMatch handles GET /api/match/check. Non-blocking poll; a match result
// or timeout notice is consumed on read.
func (h *Handler) CheckMatch(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	JSON(w, http.StatusOK, h.pool.CheckMatch(userID))
}

// LeaveMatch handles POST /api/match/leave.
func (h *Handler) LeaveMatch(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	h.pool.Leave(userID)
	JSON(w, http.StatusOK, map[string]string{"status": "left"})
}
