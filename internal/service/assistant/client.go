package assistant

import (
	"context"
	"fmt"

	"github.com/zhouzirui/voiceline/backend/internal/model/conversation"
)

// Request carries one finalized user utterance to the backend.
type Request struct {
	UserID        string
	ThreadID      string
	Text          string
	History       []conversation.Message
	AttachmentRef string
}

// Client sends a transcript to the conversational backend and returns the
// reply text. Implementations must respect ctx cancellation and deadlines.
type Client interface {
	Send(ctx context.Context, req Request) (string, error)
}

// EchoClient is the deterministic stand-in used when no model is configured.
type EchoClient struct{}

func (EchoClient) Send(_ context.Context, req Request) (string, error) {
	if req.Text == "" {
		return "", fmt.Errorf("empty transcript")
	}
	return fmt.Sprintf("你刚才说：%s", req.Text), nil
}
