// Package scoring wraps the external language-analysis collaborator behind
// the Scorer interface, with a deterministic rule-based fallback.
package scoring

import (
	"context"
	"fmt"
	"time"

	"github.com/speakpair/speakpair-server/internal/domain"
)

// Segment is one labeled utterance of the conversation transcript.
type Segment struct {
	UserID string
	Text   string
}

// ParticipantEvidence is the per-participant audio evidence handed to the
// collaborator alongside the transcript.
type ParticipantEvidence struct {
	UserID       string
	AudioURL     string
	SpeakingTime time.Duration
	TurnsTaken   int
}

// Evidence bundles everything the collaborator may use besides the
// transcript text.
type Evidence struct {
	Participants []ParticipantEvidence
}

// MistakeDraft is a categorized mistake before it gets persisted.
type MistakeDraft struct {
	Category    domain.MistakeCategory `json:"category"`
	Original    string                 `json:"original"`
	Corrected   string                 `json:"corrected"`
	Explanation string                 `json:"explanation"`
}

// Scores are the 0-100 skill scores for one participant.
type Scores struct {
	Fluency    int `json:"fluency"`
	Grammar    int `json:"grammar"`
	Vocabulary int `json:"vocabulary"`
}

// ParticipantResult is one participant's share of an analysis.
type ParticipantResult struct {
	UserID       string         `json:"user_id"`
	CEFREstimate string         `json:"cefr_estimate"`
	Scores       Scores         `json:"scores"`
	Mistakes     []MistakeDraft `json:"mistakes"`
}

// Result is a full conversation analysis.
type Result struct {
	Participants []ParticipantResult `json:"participants"`
	Confidence   float64             `json:"confidence"`
}

// Scorer analyzes a finished conversation. Implementations may fail with a
// TransientError (worth retrying) or a MalformedError (not worth retrying).
type Scorer interface {
	Analyze(ctx context.Context, transcript []Segment, evidence Evidence) (*Result, error)
}

// TransientError marks a failure the pipeline should retry with backoff:
// network problems, rate limits, collaborator downtime.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient scoring failure: %v", e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// MalformedError marks collaborator output that could not be interpreted and
// no fallback estimate was possible. Retrying will not help.
type MalformedError struct {
	Err error
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed scoring response: %v", e.Err)
}

func (e *MalformedError) Unwrap() error { return e.Err }
