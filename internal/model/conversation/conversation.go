package conversation

import "time"

// Conversation aggregates the turns of one logical thread for one user.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	ThreadID     string    `json:"threadId"`
	Preview      string    `json:"preview,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}
