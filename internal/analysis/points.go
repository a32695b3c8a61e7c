package analysis

import (
	"context"
	"fmt"
	"time"

	"github.com/speakpair/speakpair-server/internal/store"
)

const (
	// PointsCategory labels peer-session awards in the ledger.
	PointsCategory = "p2p"

	basePoints      = 50
	firstOfDayBonus = 25
)

// Calculator decides how many points a completed session is worth for one
// participant.
type Calculator struct {
	repo store.Repository
	now  func() time.Time
}

// NewCalculator creates a points calculator.
func NewCalculator(repo store.Repository) *Calculator {
	return &Calculator{repo: repo, now: time.Now}
}

// SessionAward returns the award for completing a session: a flat base plus
// a bonus for the user's first completed session of the server-local day.
// The caller invokes this after the session reaches COMPLETED, so the count
// excludes the session being awarded; zero other completions since midnight
// means this one is the first.
func (c *Calculator) SessionAward(ctx context.Context, userID, sessionID string) (int, error) {
	now := c.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	completed, err := c.repo.CountCompletedSessions(ctx, userID, midnight, sessionID)
	if err != nil {
		return 0, fmt.Errorf("count completed sessions for %s: %w", userID, err)
	}

	points := basePoints
	if completed == 0 {
		points += firstOfDayBonus
	}
	return points, nil
}
