package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/identity"
	"github.com/speakpair/speakpair-server/internal/session"
)

type sessionResponse struct {
	Session      *domain.ConversationSession  `json:"session"`
	Participants []*domain.SessionParticipant `json:"participants"`
	Mistakes     []*domain.Mistake            `json:"mistakes,omitempty"`
}

// GetSession handles GET /api/sessions/{sessionID}. Participants only; a
// completed session includes the caller's analysis and mistakes.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		slog.Error("session lookup failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if sess == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}

	participants, err := h.repo.GetParticipants(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load participants")
		return
	}
	member := false
	for _, p := range participants {
		if p.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		Error(w, http.StatusForbidden, "not a participant of this session")
		return
	}

	resp := sessionResponse{Session: sess, Participants: participants}
	if sess.Status == domain.StatusCompleted {
		mistakes, err := h.repo.ListMistakes(r.Context(), sessionID, userID)
		if err != nil {
			Error(w, http.StatusInternalServerError, "failed to load mistakes")
			return
		}
		resp.Mistakes = mistakes
	}
	JSON(w, http.StatusOK, resp)
}

// EndSession handles POST /api/sessions/{sessionID}/end: the HTTP fallback
// for clients whose WebSocket already dropped.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := chi.URLParam(r, "sessionID")

	participants, err := h.repo.GetParticipants(r.Context(), sessionID)
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to load participants")
		return
	}
	member := false
	for _, p := range participants {
		if p.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		Error(w, http.StatusForbidden, "not a participant of this session")
		return
	}

	err = h.machine.End(r.Context(), sessionID, domain.EndReasonEndCall)
	var illegal *session.IllegalTransitionError
	if errors.As(err, &illegal) {
		// Already ended; report the current state instead of failing.
		JSON(w, http.StatusOK, map[string]string{"status": "already ended"})
		return
	}
	if errors.Is(err, session.ErrSessionNotFound) {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		slog.Error("end session failed", "session_id", sessionID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	JSON(w, http.StatusOK, map[string]string{"status": "ended"})
}
