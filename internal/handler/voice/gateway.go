package voice

import (
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voiceline/backend/internal/config"
	"github.com/zhouzirui/voiceline/backend/internal/service/assistant"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	"github.com/zhouzirui/voiceline/backend/internal/service/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/service/speech"
)

const (
	readTimeout  = 90 * time.Second
	pingInterval = 45 * time.Second
)

// Gateway 负责语音WebSocket接入：先鉴权，后升级，再把连接托管给
// 会话与流水线。
type Gateway struct {
	verifier auth.Verifier
	registry *Registry
	pipeline *pipeline
	cfg      config.RealtimeConfig
	upgrader websocket.Upgrader
}

func NewGateway(
	verifier auth.Verifier,
	registry *Registry,
	stt speech.Transcriber,
	tts speech.Synthesizer,
	backend assistant.Client,
	store conversation.Store,
	cfg config.RealtimeConfig,
) *Gateway {
	return &Gateway{
		verifier: verifier,
		registry: registry,
		pipeline: &pipeline{
			stt:       stt,
			tts:       tts,
			assistant: backend,
			store:     store,
			cfg:       cfg,
		},
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// 语音客户端来源不定，放开跨域检查。
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

func (g *Gateway) RegisterRoutes(r chi.Router) {
	r.Get("/voice/ws", g.HandleConnect)
}

// HandleConnect 鉴权通过前不升级协议，凭证缺失或无效直接返回401。
func (g *Gateway) HandleConnect(w http.ResponseWriter, r *http.Request) {
	token := extractToken(r)
	if token == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	identity, err := g.verifier.Verify(r.Context(), token)
	if err != nil {
		log.Printf("[voice] reject connection: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[voice] upgrade failed: %v", err)
		return
	}

	session := newSession(uuid.NewString(), identity, conn, g.registry, g.cfg)
	if err := g.registry.Add(session); err != nil {
		log.Printf("[voice] register session %s: %v", session.ID, err)
		conn.Close()
		return
	}
	defer session.Close()

	log.Printf("[voice] session %s connected, user=%s anonymous=%v", session.ID, session.UserID, session.Anonymous)

	go g.pipeline.run(session)
	go g.pingLoop(session)

	session.sendEvent(EventConnected, map[string]any{
		"sessionId": session.ID,
		"userId":    session.UserID,
	})

	g.readLoop(session)
}

// extractToken 依次尝试 Authorization 头和 token 查询参数；浏览器
// WebSocket API 无法自定义请求头，查询参数是其唯一通道。
func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (g *Gateway) readLoop(s *Session) {
	s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("[voice] session %s read error: %v", s.ID, err)
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(readTimeout))

		switch msgType {
		case websocket.TextMessage:
			s.handleControl(data)
		case websocket.BinaryMessage:
			s.handleAudio(data)
		}
	}
}

func (g *Gateway) pingLoop(s *Session) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.sendPing(); err != nil {
				return
			}
		}
	}
}
