// Package gamification keeps the points ledger: awards, level thresholds,
// and level-up hooks.
package gamification

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
	"github.com/speakpair/speakpair-server/internal/metrics"
	"github.com/speakpair/speakpair-server/internal/store"
)

// BadgeFunc is called once per level gained, after the ledger row is
// persisted. kind is currently always "level_milestone".
type BadgeFunc func(userID, kind string, level int)

// Ledger serializes point awards per user so concurrent awards never lose an
// update. Totals only ever grow.
type Ledger struct {
	repo    store.Repository
	badge   BadgeFunc
	metrics *metrics.Metrics

	mu    sync.Mutex
	users map[string]*sync.Mutex
}

// NewLedger creates a points ledger backed by repo. badge may be nil.
func NewLedger(repo store.Repository, badge BadgeFunc) *Ledger {
	return &Ledger{
		repo:    repo,
		badge:   badge,
		metrics: metrics.New(),
		users:   make(map[string]*sync.Mutex),
	}
}

// XPRequired returns the total points needed to hold a level,
// floor(100 * level^1.5). Level 0 needs nothing.
func XPRequired(level int) int {
	if level <= 0 {
		return 0
	}
	return int(math.Floor(100 * math.Pow(float64(level), 1.5)))
}

// LevelFor returns the level a running total earns. Fresh users start at 0;
// level 1 takes 100 points.
func LevelFor(total int) int {
	level := 0
	for XPRequired(level+1) <= total {
		level++
	}
	return level
}

// Award adds amount points to the user under the given category and returns
// the updated row. A single award can cross several level thresholds; the
// badge hook fires once per level gained.
func (l *Ledger) Award(ctx context.Context, userID string, amount int, category string) (*domain.UserPoints, error) {
	if amount < 0 {
		return nil, fmt.Errorf("award amount must not be negative, got %d", amount)
	}

	mu := l.userLock(userID)
	mu.Lock()
	defer mu.Unlock()

	points, err := l.repo.GetUserPoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load points for %s: %w", userID, err)
	}
	if points == nil {
		points = &domain.UserPoints{UserID: userID}
	}

	before := points.Level
	points.Total += amount
	points.Level = LevelFor(points.Total)
	points.UpdatedAt = time.Now()

	if err := l.repo.UpsertUserPoints(ctx, points); err != nil {
		return nil, fmt.Errorf("persist points for %s: %w", userID, err)
	}

	l.metrics.PointsAwarded.WithLabelValues(category).Add(float64(amount))
	for lvl := before + 1; lvl <= points.Level; lvl++ {
		l.metrics.LevelUps.Inc()
		slog.Info("level up", "user_id", userID, "level", lvl, "total", points.Total)
		if l.badge != nil {
			l.badge(userID, "level_milestone", lvl)
		}
	}
	return points, nil
}

// Get returns the user's current ledger row, a zero level-0 row if they have
// never been awarded points.
func (l *Ledger) Get(ctx context.Context, userID string) (*domain.UserPoints, error) {
	points, err := l.repo.GetUserPoints(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load points for %s: %w", userID, err)
	}
	if points == nil {
		points = &domain.UserPoints{UserID: userID}
	}
	return points, nil
}

func (l *Ledger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	mu, ok := l.users[userID]
	if !ok {
		mu = &sync.Mutex{}
		l.users[userID] = mu
	}
	return mu
}
