package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zhouzirui/voiceline/backend/internal/model/conversation"
)

// MemoryStore keeps conversations in process memory.
// Suitable for early iterations and tests; SQLiteStore covers persistence.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]conversation.Conversation
	byThread      map[string]string // threadID -> conversationID
	messages      map[string][]conversation.Message
}

// NewMemoryStore bootstraps the in-memory conversation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]conversation.Conversation),
		byThread:      make(map[string]string),
		messages:      make(map[string][]conversation.Message),
	}
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, userID, threadID string) (conversation.Conversation, error) {
	if userID == "" {
		return conversation.Conversation{}, ErrUserRequired
	}
	if threadID == "" {
		return conversation.Conversation{}, ErrThreadRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byThread[threadID]; ok {
		conv := s.conversations[id]
		if conv.UserID != userID {
			return conversation.Conversation{}, ErrConversationNotFound
		}
		return conv, nil
	}

	now := time.Now().UTC()
	conv := conversation.Conversation{
		ID:        uuid.NewString(),
		UserID:    userID,
		ThreadID:  threadID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.conversations[conv.ID] = conv
	s.byThread[threadID] = conv.ID
	s.messages[conv.ID] = make([]conversation.Message, 0, 16)

	return conv, nil
}

func (s *MemoryStore) AppendMessage(_ context.Context, conversationID string, msg conversation.Message) (conversation.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return conversation.Message{}, ErrConversationNotFound
	}

	msg.ID = uuid.NewString()
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	s.messages[conversationID] = append(s.messages[conversationID], msg)
	return msg, nil
}

func (s *MemoryStore) UpdateAggregate(_ context.Context, conversationID, preview string, at time.Time, deltaCount int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}

	conv.Preview = TruncatePreview(preview)
	conv.UpdatedAt = at
	conv.MessageCount += deltaCount
	s.conversations[conversationID] = conv
	return nil
}

func (s *MemoryStore) GetConversation(_ context.Context, conversationID string) (conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return conversation.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *MemoryStore) ListConversations(_ context.Context, userID string) ([]conversation.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]conversation.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.UserID == userID {
			result = append(result, conv)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].UpdatedAt.After(result[j].UpdatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, conversationID string) ([]conversation.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages, ok := s.messages[conversationID]
	if !ok {
		return nil, ErrConversationNotFound
	}

	copied := make([]conversation.Message, len(messages))
	copy(copied, messages)
	return copied, nil
}
