package domain

import (
	"fmt"
	"strings"
	"time"
)

// CEFRLevel is the ordinal proficiency scale A1 < A2 < B1 < B2 < C1 < C2.
type CEFRLevel int

const (
	LevelA1 CEFRLevel = iota
	LevelA2
	LevelB1
	LevelB2
	LevelC1
	LevelC2
)

var cefrNames = [...]string{"A1", "A2", "B1", "B2", "C1", "C2"}

// ParseCEFRLevel converts a level name like "B1" to its ordinal value.
func ParseCEFRLevel(s string) (CEFRLevel, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range cefrNames {
		if n == name {
			return CEFRLevel(i), nil
		}
	}
	return 0, fmt.Errorf("unknown CEFR level %q", s)
}

func (l CEFRLevel) String() string {
	if l < LevelA1 || l > LevelC2 {
		return "unknown"
	}
	return cefrNames[l]
}

// Distance returns the absolute sub-level distance between two levels.
func (l CEFRLevel) Distance(other CEFRLevel) int {
	d := int(l) - int(other)
	if d < 0 {
		d = -d
	}
	return d
}

// MatchStrategy is the matchmaking tolerance band controlling the allowed
// level distance between partners.
type MatchStrategy string

const (
	StrategyStrict  MatchStrategy = "strict"
	StrategyMedium  MatchStrategy = "medium"
	StrategyRelaxed MatchStrategy = "relaxed"
)

// MaxDistance returns the largest level distance the strategy tolerates.
func (s MatchStrategy) MaxDistance() int {
	switch s {
	case StrategyStrict:
		return 0
	case StrategyMedium:
		return 1
	case StrategyRelaxed:
		return 2
	}
	return 0
}

// Valid reports whether s is a known strategy.
func (s MatchStrategy) Valid() bool {
	switch s {
	case StrategyStrict, StrategyMedium, StrategyRelaxed:
		return true
	}
	return false
}

// QueueEntry is a waiting matchmaking request. Entries are ephemeral: they
// exist only while the user waits and are owned exclusively by the pool.
type QueueEntry struct {
	UserID   string
	Level    CEFRLevel
	Topic    string
	Strategy MatchStrategy
	JoinedAt time.Time
}
