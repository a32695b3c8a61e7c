package scoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/speakpair/speakpair-server/internal/domain"
)

const analysisSystemPrompt = `You are a language assessment expert reviewing a
conversation between two learners. For each participant, find concrete
language mistakes and rate their performance.

Respond ONLY with JSON in this exact shape:
{
  "participants": [
    {
      "user_id": "<id from the transcript labels>",
      "cefr_estimate": "A1|A2|B1|B2|C1|C2",
      "scores": {"fluency": 0-100, "grammar": 0-100, "vocabulary": 0-100},
      "mistakes": [
        {
          "category": "grammar|vocabulary|pronunciation",
          "original": "exact phrase with the mistake",
          "corrected": "corrected version",
          "explanation": "one short sentence"
        }
      ]
    }
  ],
  "confidence": 0.0-1.0
}`

// Client calls an OpenAI-compatible chat-completion API to analyze a
// conversation transcript. Malformed responses fall back to the rule-based
// estimate so the pipeline still produces feedback.
type Client struct {
	client   *openai.Client
	model    string
	timeout  time.Duration
	fallback *RuleBased
}

// ClientConfig configures the scoring client.
type ClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// Timeout bounds a single analysis call. Zero means no per-call bound.
	Timeout time.Duration
}

// NewClient creates a scoring client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("scoring API key is required")
	}
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &Client{
		client:   openai.NewClientWithConfig(config),
		model:    cfg.Model,
		timeout:  cfg.Timeout,
		fallback: NewRuleBased(),
	}, nil
}

// Analyze sends the labeled transcript to the collaborator and parses its
// JSON verdict. A hung collaborator is cut off at the configured timeout and
// surfaces as a transient error, so the pipeline retries instead of stalling
// a worker.
func (c *Client) Analyze(ctx context.Context, transcript []Segment, evidence Evidence) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: analysisSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildAnalysisPrompt(transcript, evidence)},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return c.fallbackOrMalformed(ctx, transcript, evidence, fmt.Errorf("no choices in response"))
	}

	var result Result
	if err := json.Unmarshal([]byte(resp.Choices[0].Message.Content), &result); err != nil {
		return c.fallbackOrMalformed(ctx, transcript, evidence, fmt.Errorf("decode analysis: %w", err))
	}
	if err := validateResult(&result, evidence); err != nil {
		return c.fallbackOrMalformed(ctx, transcript, evidence, err)
	}
	return &result, nil
}

// fallbackOrMalformed substitutes the deterministic estimate for unusable
// collaborator output. Only when even the fallback has nothing to work with
// does the caller see a non-retryable MalformedError.
func (c *Client) fallbackOrMalformed(ctx context.Context, transcript []Segment, evidence Evidence, cause error) (*Result, error) {
	if len(transcript) == 0 {
		return nil, &MalformedError{Err: cause}
	}
	slog.Warn("scoring response unusable, using rule-based estimate", "error", cause)
	return c.fallback.Analyze(ctx, transcript, evidence)
}

func buildAnalysisPrompt(transcript []Segment, evidence Evidence) string {
	var b strings.Builder
	b.WriteString("PARTICIPANTS:\n")
	for _, p := range evidence.Participants {
		fmt.Fprintf(&b, "- %s (speaking time %s, %d turns)\n", p.UserID, p.SpeakingTime, p.TurnsTaken)
	}
	b.WriteString("\nTRANSCRIPT:\n")
	for _, seg := range transcript {
		fmt.Fprintf(&b, "%s: %s\n", seg.UserID, seg.Text)
	}
	return b.String()
}

func validateResult(result *Result, evidence Evidence) error {
	if len(result.Participants) == 0 {
		return fmt.Errorf("analysis names no participants")
	}
	known := make(map[string]bool, len(evidence.Participants))
	for _, p := range evidence.Participants {
		known[p.UserID] = true
	}
	for _, pr := range result.Participants {
		if !known[pr.UserID] {
			return fmt.Errorf("analysis names unknown participant %q", pr.UserID)
		}
		for _, m := range pr.Mistakes {
			switch m.Category {
			case domain.CategoryGrammar, domain.CategoryVocabulary, domain.CategoryPronunciation:
			default:
				return fmt.Errorf("analysis uses unknown mistake category %q", m.Category)
			}
		}
	}
	return nil
}

// classifyAPIError maps transport-level failures: rate limits, server
// errors, and network problems are transient; everything else is a
// collaborator contract problem.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= http.StatusInternalServerError {
			return &TransientError{Err: err}
		}
		return &MalformedError{Err: err}
	}
	return &TransientError{Err: err}
}
