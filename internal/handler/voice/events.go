package voice

import "encoding/json"

// ActionKind 入站控制动作的封闭集合；新增动作需要同时扩展
// Session.handleControl 的分支。
type ActionKind string

const (
	ActionStart     ActionKind = "start"
	ActionStop      ActionKind = "stop"
	ActionSetThread ActionKind = "set_thread"
)

// controlMessage 文本帧承载的控制消息。
type controlMessage struct {
	Action   ActionKind `json:"action"`
	Model    string     `json:"model,omitempty"`
	Language string     `json:"language,omitempty"`
	ThreadID string     `json:"threadId,omitempty"`
}

func parseControlMessage(raw []byte) (*controlMessage, error) {
	var msg controlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// 出站事件类型。
const (
	EventConnected         = "connected"
	EventStatus            = "status"
	EventInterimTranscript = "interim_transcript"
	EventFinalTranscript   = "final_transcript"
	EventLLMProcessing     = "llm_processing"
	EventLLMComplete       = "llm_complete"
	EventError             = "error"
)

// outgoingEvent 出站JSON事件信封；二进制帧承载合成音频，不走这里。
type outgoingEvent struct {
	Type      string         `json:"type"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp int64          `json:"timestamp"`
}
