package api

import (
	"log/slog"
	"net/http"

	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/gamification"
	"github.com/speakpair/speakpair-server/internal/identity"
)

const recentAnalysesLimit = 10

type progressResponse struct {
	Points          *domain.UserPoints             `json:"points"`
	NextLevelAt     int                            `json:"next_level_at"`
	RecentAnalyses  []*domain.SessionAnalysis      `json:"recent_analyses"`
	MistakeCounts   map[domain.MistakeCategory]int `json:"mistake_counts"`
	CurrentEstimate string                         `json:"current_estimate,omitempty"`
}

// Progress handles GET /api/progress: the caller's points, level threshold,
// recent analysis summaries, and aggregated mistake counts.
func (h *Handler) Progress(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())

	points, err := h.ledger.Get(r.Context(), userID)
	if err != nil {
		slog.Error("load points failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load progress")
		return
	}

	analyses, err := h.repo.ListAnalyses(r.Context(), userID, recentAnalysesLimit)
	if err != nil {
		slog.Error("load analyses failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load progress")
		return
	}
	if analyses == nil {
		analyses = []*domain.SessionAnalysis{}
	}

	counts, err := h.repo.CountMistakesByCategory(r.Context(), userID)
	if err != nil {
		slog.Error("count mistakes failed", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load progress")
		return
	}

	resp := progressResponse{
		Points:         points,
		NextLevelAt:    gamification.XPRequired(points.Level + 1),
		RecentAnalyses: analyses,
		MistakeCounts:  counts,
	}
	if len(analyses) > 0 {
		resp.CurrentEstimate = analyses[0].CEFREstimate
	}
	JSON(w, http.StatusOK, resp)
}
