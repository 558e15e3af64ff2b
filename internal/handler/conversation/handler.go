package conversation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	convmodel "github.com/zhouzirui/voiceline/backend/internal/model/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	convService "github.com/zhouzirui/voiceline/backend/internal/service/conversation"
	"github.com/zhouzirui/voiceline/backend/pkg/utils"
)

// Handler 对话历史的HTTP处理器；语音轮次由WebSocket网关写入，
// 这里只读。
type Handler struct {
	store    convService.Store
	verifier auth.Verifier
}

// New 创建对话历史处理器
func New(store convService.Store, verifier auth.Verifier) *Handler {
	return &Handler{store: store, verifier: verifier}
}

// RegisterRoutes 注册对话相关的路由
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.handleListConversations)
	r.Get("/conversations/{conversationID}", h.handleGetConversation)
	r.Get("/conversations/{conversationID}/messages", h.handleListMessages)
}

// authenticate 校验 Bearer 凭证并拒绝匿名身份：游客轮次不落库，
// 也就没有可读的历史。
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		utils.RespondError(w, http.StatusUnauthorized, "missing credentials")
		return auth.Identity{}, false
	}

	identity, err := h.verifier.Verify(r.Context(), token)
	if err != nil {
		utils.RespondError(w, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, false
	}
	if identity.Anonymous {
		utils.RespondError(w, http.StatusForbidden, "guest sessions have no history")
		return auth.Identity{}, false
	}
	return identity, true
}

func (h *Handler) handleListConversations(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conversations, err := h.store.ListConversations(r.Context(), identity.UserID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"conversations": conversations})
}

func (h *Handler) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conv, ok := h.loadOwnedConversation(w, r, identity.UserID)
	if !ok {
		return
	}
	utils.RespondJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.authenticate(w, r)
	if !ok {
		return
	}

	conv, ok := h.loadOwnedConversation(w, r, identity.UserID)
	if !ok {
		return
	}

	messages, err := h.store.ListMessages(r.Context(), conv.ID)
	if err != nil {
		utils.RespondError(w, http.StatusInternalServerError, "failed to list messages")
		return
	}
	utils.RespondJSON(w, http.StatusOK, map[string]any{"messages": messages})
}

// loadOwnedConversation 取出URL里的对话并校验归属；他人对话一律
// 按不存在处理，避免泄露对话ID的有效性。
func (h *Handler) loadOwnedConversation(w http.ResponseWriter, r *http.Request, userID string) (convmodel.Conversation, bool) {
	conversationID := chi.URLParam(r, "conversationID")
	conv, err := h.store.GetConversation(r.Context(), conversationID)
	if err != nil {
		if errors.Is(err, convService.ErrConversationNotFound) {
			utils.RespondError(w, http.StatusNotFound, "conversation not found")
		} else {
			utils.RespondError(w, http.StatusInternalServerError, "failed to load conversation")
		}
		return convmodel.Conversation{}, false
	}
	if conv.UserID != userID {
		utils.RespondError(w, http.StatusNotFound, "conversation not found")
		return convmodel.Conversation{}, false
	}
	return conv, true
}
