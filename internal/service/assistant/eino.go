package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/voiceline/backend/internal/config"
	"github.com/zhouzirui/voiceline/backend/internal/model/conversation"
)

const defaultSystemPrompt = "你是一个实时语音助手。用户的消息来自语音识别，可能包含口语化表达或识别噪声。" +
	"请用简短自然的口语回复，回复会被合成为语音播放给用户。"

const historyLimit = 10

// EinoClient runs the conversational backend through an eino chain over the
// configured Ark chat model.
type EinoClient struct {
	chatModel model.ChatModel
	cfg       config.AIConfig
	chain     compose.Runnable[map[string]any, *schema.Message]
}

// NewEinoClient compiles the prompt/model chain once at startup.
func NewEinoClient(ctx context.Context, cfg config.AIConfig) (*EinoClient, error) {
	chatModel, err := cfg.NewChatModel(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create chat model: %w", err)
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.UserMessage("{query}"),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	return &EinoClient{
		chatModel: chatModel,
		cfg:       cfg,
		chain:     runnable,
	}, nil
}

func (c *EinoClient) Send(ctx context.Context, req Request) (string, error) {
	input := map[string]any{
		"system":  c.systemPrompt(),
		"history": buildHistoryMessages(req.History),
		"query":   req.Text,
	}

	if c.cfg.StreamResponse {
		return c.sendStreaming(ctx, req, input)
	}

	response, err := c.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run assistant chain: %w", err)
	}

	log.Printf("[assistant] reply for user=%s thread=%s length=%d", req.UserID, req.ThreadID, len(response.Content))
	return response.Content, nil
}

// sendStreaming consumes the chain's stream and concatenates the chunks; the
// voice pipeline delivers the reply as one unit per turn either way.
func (c *EinoClient) sendStreaming(ctx context.Context, req Request, input map[string]any) (string, error) {
	stream, err := c.chain.Stream(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to stream assistant chain: %w", err)
	}
	defer stream.Close()

	var chunks []*schema.Message
	for {
		chunk, recvErr := stream.Recv()
		if errors.Is(recvErr, io.EOF) {
			break
		}
		if recvErr != nil {
			return "", fmt.Errorf("assistant stream recv failed: %w", recvErr)
		}
		if chunk == nil {
			continue
		}
		chunks = append(chunks, chunk)
	}

	merged, err := schema.ConcatMessages(chunks)
	if err != nil {
		return "", fmt.Errorf("concat assistant chunks failed: %w", err)
	}

	log.Printf("[assistant] streamed reply for user=%s thread=%s length=%d", req.UserID, req.ThreadID, len(merged.Content))
	return merged.Content, nil
}

func (c *EinoClient) systemPrompt() string {
	if c.cfg.SystemPrompt != "" {
		return c.cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

func buildHistoryMessages(messages []conversation.Message) []*schema.Message {
	if len(messages) == 0 {
		return nil
	}

	startIdx := 0
	if len(messages) > historyLimit {
		startIdx = len(messages) - historyLimit
	}

	history := make([]*schema.Message, 0, len(messages)-startIdx)
	for _, msg := range messages[startIdx:] {
		switch msg.Role {
		case conversation.RoleUser:
			history = append(history, schema.UserMessage(msg.Content))
		case conversation.RoleAssistant:
			history = append(history, schema.AssistantMessage(msg.Content, nil))
		}
	}

	return history
}
