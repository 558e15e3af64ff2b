package conversation

import (
	"context"
	"errors"
	"time"

	"github.com/zhouzirui/voiceline/backend/internal/model/conversation"
)

var (
	ErrUserRequired         = errors.New("user id is required")
	ErrThreadRequired       = errors.New("thread id is required")
	ErrConversationNotFound = errors.New("conversation not found")
)

// Store persists conversation and message records.
// FindOrCreateConversation fails with ErrConversationNotFound when the thread
// exists but belongs to a different user; the caller treats that as a
// resolution failure for the current turn only.
type Store interface {
	FindOrCreateConversation(ctx context.Context, userID, threadID string) (conversation.Conversation, error)
	AppendMessage(ctx context.Context, conversationID string, msg conversation.Message) (conversation.Message, error)
	UpdateAggregate(ctx context.Context, conversationID, preview string, at time.Time, deltaCount int) error

	GetConversation(ctx context.Context, conversationID string) (conversation.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]conversation.Conversation, error)
	ListMessages(ctx context.Context, conversationID string) ([]conversation.Message, error)
}

const previewLimit = 120

// TruncatePreview bounds aggregate previews to a display-friendly length.
func TruncatePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewLimit {
		return text
	}
	return string(runes[:previewLimit])
}
