package scoring

import (
	"context"
	"strings"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// fallbackConfidence is deliberately low: rule-based estimates exist so a
// learner still gets some feedback when the collaborator misbehaves.
const fallbackConfidence = 0.3

// RuleBased is a deterministic word-count scorer. It estimates a CEFR band
// from lexical diversity (type-token ratio) and average utterance length,
// and finds no individual mistakes.
type RuleBased struct{}

// NewRuleBased creates the fallback scorer.
func NewRuleBased() *RuleBased {
	return &RuleBased{}
}

// Analyze produces a low-confidence estimate for each participant that said
// anything. Participants with no transcript get the floor estimate.
func (r *RuleBased) Analyze(_ context.Context, transcript []Segment, evidence Evidence) (*Result, error) {
	byUser := make(map[string][]string)
	for _, seg := range transcript {
		byUser[seg.UserID] = append(byUser[seg.UserID], seg.Text)
	}

	result := &Result{Confidence: fallbackConfidence}
	for _, p := range evidence.Participants {
		est := estimate(byUser[p.UserID])
		result.Participants = append(result.Participants, ParticipantResult{
			UserID:       p.UserID,
			CEFREstimate: est.level.String(),
			Scores: Scores{
				Fluency:    est.score,
				Grammar:    est.score,
				Vocabulary: est.score,
			},
		})
	}
	return result, nil
}

type ruleEstimate struct {
	level domain.CEFRLevel
	score int
}

// estimate scores utterances on type-token ratio and average utterance
// length. Bands follow the classic weighted sum: diversity dominates, length
// nudges.
func estimate(utterances []string) ruleEstimate {
	var tokens []string
	for _, u := range utterances {
		tokens = append(tokens, tokenize(u)...)
	}
	if len(tokens) < 5 {
		return ruleEstimate{level: domain.LevelA1, score: 10}
	}

	unique := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		unique[t] = struct{}{}
	}
	diversity := float64(len(unique)) / float64(len(tokens))
	avgLen := float64(len(tokens)) / float64(max(len(utterances), 1))

	score := diversity*200 + avgLen*2

	var level domain.CEFRLevel
	switch {
	case score <= 60:
		level = domain.LevelA1
	case score <= 90:
		level = domain.LevelA2
	case score <= 120:
		level = domain.LevelB1
	case score <= 150:
		level = domain.LevelB2
	case score <= 180:
		level = domain.LevelC1
	default:
		level = domain.LevelC2
	}

	return ruleEstimate{level: level, score: min(int(score/2), 100)}
}

func tokenize(text string) []string {
	fields := strings.Fields(strings.ToLower(text))
	tokens := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ".,!?;:'\"()")
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
