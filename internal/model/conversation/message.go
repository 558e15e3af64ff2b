package conversation

import "time"

// Role identifies the author of a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ContentType distinguishes typed text from transcribed voice input.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentVoice ContentType = "voice"
)

// Attachment references the raw media a voice turn was transcribed from.
type Attachment struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// Message persists one side of a completed turn for audit/history.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversationId"`
	Role           Role        `json:"role"`
	ContentType    ContentType `json:"contentType"`
	Content        string      `json:"content"`
	Attachment     *Attachment `json:"attachment,omitempty"`
	LatencyMS      int64       `json:"latencyMs,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
}
