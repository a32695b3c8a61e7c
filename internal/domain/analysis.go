package domain

import (
	"time"
)

// MistakeCategory groups language mistakes for drill generation.
type MistakeCategory string

const (
	CategoryGrammar       MistakeCategory = "grammar"
	CategoryVocabulary    MistakeCategory = "vocabulary"
	CategoryPronunciation MistakeCategory = "pronunciation"
)

// MistakeCategories lists every category in a stable order.
var MistakeCategories = []MistakeCategory{
	CategoryGrammar,
	CategoryVocabulary,
	CategoryPronunciation,
}

// Mistake is one categorized language mistake surfaced by analysis.
type Mistake struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"session_id"`
	UserID      string          `json:"user_id"`
	Category    MistakeCategory `json:"category"`
	Original    string          `json:"original"`
	Corrected   string          `json:"corrected"`
	Explanation string          `json:"explanation,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// AnalysisJob is the retry-tracking payload carried on the analysis work
// queue. Attempt counts completed scoring attempts; NextEligibleAt delays
// redelivery after a transient failure.
type AnalysisJob struct {
	SessionID      string    `json:"session_id"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at,omitzero"`
}

// SessionAnalysis is the per-participant summary persisted after a successful
// scoring pass. It feeds the progress aggregation endpoint.
type SessionAnalysis struct {
	SessionID       string    `json:"session_id"`
	UserID          string    `json:"user_id"`
	CEFREstimate    string    `json:"cefr_estimate"`
	FluencyScore    int       `json:"fluency_score"`
	GrammarScore    int       `json:"grammar_score"`
	VocabularyScore int       `json:"vocabulary_score"`
	Confidence      float64   `json:"confidence"`
	CreatedAt       time.Time `json:"created_at"`
}
