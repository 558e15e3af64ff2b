package voice

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voiceline/backend/internal/config"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
)

// ErrSessionClosed 会话已关闭，出站写入被拒绝。
var ErrSessionClosed = errors.New("voice: session closed")

const defaultLanguage = "zh-CN"

// Conn 是 Session 依赖的 *websocket.Conn 子集，便于测试注入。
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteJSON(v any) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Session 表示一条语音对话连接的全部状态。
//
// 读循环（网关 goroutine）负责控制消息和音频切块；流水线 worker
// 单独消费 chunks 通道，保证同一会话内的轮次严格有序。
type Session struct {
	ID        string
	UserID    string
	Anonymous bool

	conn     Conn
	registry *Registry
	cfg      config.RealtimeConfig

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	// writeMu 串行化所有出站写入；closed 置位后写入直接丢弃，
	// 避免并发写已关闭连接。
	writeMu sync.Mutex
	closed  bool

	// mu 保护下面的会话状态。
	mu             sync.Mutex
	transcribing   bool
	model          string
	language       string
	threadID       string
	conversationID string
	buffer         bytes.Buffer

	chunks chan []byte
	done   chan struct{}
}

func newSession(id string, identity auth.Identity, conn Conn, registry *Registry, cfg config.RealtimeConfig) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		UserID:    identity.UserID,
		Anonymous: identity.Anonymous,
		conn:      conn,
		registry:  registry,
		cfg:       cfg,
		ctx:       ctx,
		cancel:    cancel,
		language:  defaultLanguage,
		chunks:    make(chan []byte, 4),
		done:      make(chan struct{}),
	}
}

// handleControl 处理一条文本控制帧。未知动作或非法负载只回错误
// 事件，不断开连接。
func (s *Session) handleControl(raw []byte) {
	msg, err := parseControlMessage(raw)
	if err != nil {
		s.sendError("invalid control message")
		return
	}

	switch msg.Action {
	case ActionStart:
		s.mu.Lock()
		s.transcribing = true
		if msg.Model != "" {
			s.model = msg.Model
		}
		if msg.Language != "" {
			s.language = msg.Language
		}
		model, language := s.model, s.language
		s.mu.Unlock()
		s.sendEvent(EventStatus, map[string]any{
			"state":    "transcribing",
			"model":    model,
			"language": language,
		})
	case ActionStop:
		s.mu.Lock()
		s.transcribing = false
		s.buffer.Reset()
		s.mu.Unlock()
		s.sendEvent(EventStatus, map[string]any{"state": "idle"})
	case ActionSetThread:
		if msg.ThreadID == "" {
			s.sendError("threadId is required")
			return
		}
		s.mu.Lock()
		if s.threadID != "" && s.threadID != msg.ThreadID {
			s.mu.Unlock()
			s.sendError("thread already assigned")
			return
		}
		s.threadID = msg.ThreadID
		s.mu.Unlock()
		s.sendEvent(EventStatus, map[string]any{"threadId": msg.ThreadID})
	default:
		s.sendError("unknown action")
	}
}

// handleAudio 接收一帧PCM音频。未处于转写状态时直接丢弃；否则累积
// 并按固定块大小切分，整块交给流水线，余量留待下一帧。
func (s *Session) handleAudio(frame []byte) {
	s.mu.Lock()
	if !s.transcribing {
		s.mu.Unlock()
		return
	}
	s.buffer.Write(frame)
	var ready [][]byte
	for s.buffer.Len() >= s.cfg.ChunkBytes {
		chunk := make([]byte, s.cfg.ChunkBytes)
		copy(chunk, s.buffer.Next(s.cfg.ChunkBytes))
		ready = append(ready, chunk)
	}
	s.mu.Unlock()

	// 在锁外投递，通道满时对读循环施加背压。
	for _, chunk := range ready {
		select {
		case s.chunks <- chunk:
		case <-s.ctx.Done():
			return
		}
	}
}

// ensureThread 返回会话线程ID，首轮对话时惰性生成。线程ID一经
// 赋值不再改变。
func (s *Session) ensureThread() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.threadID == "" {
		s.threadID = uuid.NewString()
	}
	return s.threadID
}

func (s *Session) sttOptions() (model, language string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.model, s.language
}

func (s *Session) setConversationID(id string) {
	s.mu.Lock()
	s.conversationID = id
	s.mu.Unlock()
}

func (s *Session) sendEvent(eventType string, data map[string]any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return
	}
	evt := outgoingEvent{
		Type:      eventType,
		SessionID: s.ID,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.conn.WriteJSON(evt); err != nil {
		log.Printf("[voice] session %s write %s event failed: %v", s.ID, eventType, err)
	}
}

func (s *Session) sendError(message string) {
	s.sendEvent(EventError, map[string]any{"message": message})
}

func (s *Session) sendAudio(chunk []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, chunk)
}

func (s *Session) sendPing() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	return s.conn.WriteMessage(websocket.PingMessage, nil)
}

// Close 幂等释放会话：取消流水线上下文、标记写关闭、关闭底层连接
// 并从注册表摘除。任意重复调用安全。
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()

		s.writeMu.Lock()
		s.closed = true
		s.writeMu.Unlock()

		if err := s.conn.Close(); err != nil {
			log.Printf("[voice] session %s close connection: %v", s.ID, err)
		}

		s.mu.Lock()
		s.transcribing = false
		s.buffer.Reset()
		s.mu.Unlock()

		if s.registry != nil {
			s.registry.Remove(s.ID)
		}
		log.Printf("[voice] session %s closed", s.ID)
	})
}
