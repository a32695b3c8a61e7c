package domain

import (
	"time"
)

// TaskStatus is the completion state of a learning task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskCompleted TaskStatus = "completed"
)

// LearningTask is a follow-up drill generated from a finished session's
// categorized mistakes. It is linked to the specific mistake records it
// covers so the learner can drill exactly those items. Only an explicit user
// action marks it completed.
type LearningTask struct {
	ID               string     `json:"id"`
	UserID           string     `json:"user_id"`
	SessionID        string     `json:"session_id"`
	Type             string     `json:"type"`
	Title            string     `json:"title"`
	Content          string     `json:"content"`
	Status           TaskStatus `json:"status"`
	EstimatedMinutes int        `json:"estimated_minutes"`
	DueDate          time.Time  `json:"due_date"`
	CompletedAt      time.Time  `json:"completed_at,omitzero"`
	Score            int        `json:"score,omitempty"`
	MistakeIDs       []string   `json:"mistake_ids,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
