package domain

import (
	"time"
)

// UserPoints is the gamified progress counter for one user. Total is
// monotonically non-decreasing; Level is derived from Total by the ledger
// and never set directly by anything else.
type UserPoints struct {
	UserID    string    `json:"user_id"`
	Total     int       `json:"total"`
	Level     int       `json:"level"`
	UpdatedAt time.Time `json:"updated_at"`
}
