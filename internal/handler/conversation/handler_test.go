package conversation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	convmodel "github.com/zhouzirui/voiceline/backend/internal/model/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	convService "github.com/zhouzirui/voiceline/backend/internal/service/conversation"
)

func newTestHandler(t *testing.T) (*httptest.Server, convService.Store) {
	t.Helper()
	store := convService.NewMemoryStore()
	verifier := auth.NewStaticVerifier(map[string]string{
		"alice-token": "alice",
		"bob-token":   "bob",
		"guest-token": "",
	})

	r := chi.NewRouter()
	r.Route("/api", func(api chi.Router) {
		New(store, verifier).RegisterRoutes(api)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, store
}

func seedConversation(t *testing.T, store convService.Store, userID, threadID string) convmodel.Conversation {
	t.Helper()
	ctx := context.Background()
	conv, err := store.FindOrCreateConversation(ctx, userID, threadID)
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	if _, err := store.AppendMessage(ctx, conv.ID, convmodel.Message{
		Role:        convmodel.RoleUser,
		ContentType: convmodel.ContentVoice,
		Content:     "你好",
	}); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return conv
}

func doGet(t *testing.T, url, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestListConversationsRequiresAuth(t *testing.T) {
	srv, _ := newTestHandler(t)

	if resp := doGet(t, srv.URL+"/api/conversations", ""); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.StatusCode)
	}
	if resp := doGet(t, srv.URL+"/api/conversations", "nope"); resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", resp.StatusCode)
	}
	if resp := doGet(t, srv.URL+"/api/conversations", "guest-token"); resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for guests, got %d", resp.StatusCode)
	}
}

func TestListConversationsScopedToUser(t *testing.T) {
	srv, store := newTestHandler(t)
	seedConversation(t, store, "alice", "t-alice")
	seedConversation(t, store, "bob", "t-bob")

	resp := doGet(t, srv.URL+"/api/conversations", "alice-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Conversations []convmodel.Conversation `json:"conversations"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Conversations) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(body.Conversations))
	}
	if body.Conversations[0].ThreadID != "t-alice" {
		t.Fatalf("expected alice's thread, got %q", body.Conversations[0].ThreadID)
	}
}

func TestListMessagesOwnershipEnforced(t *testing.T) {
	srv, store := newTestHandler(t)
	conv := seedConversation(t, store, "alice", "t-alice")

	resp := doGet(t, srv.URL+"/api/conversations/"+conv.ID+"/messages", "alice-token")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 for owner, got %d", resp.StatusCode)
	}
	var body struct {
		Messages []convmodel.Message `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Messages) != 1 || body.Messages[0].Content != "你好" {
		t.Fatalf("unexpected messages: %+v", body.Messages)
	}

	// 他人对话按不存在处理。
	if resp := doGet(t, srv.URL+"/api/conversations/"+conv.ID+"/messages", "bob-token"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign conversation, got %d", resp.StatusCode)
	}
}

func TestGetConversationNotFound(t *testing.T) {
	srv, _ := newTestHandler(t)

	if resp := doGet(t, srv.URL+"/api/conversations/no-such-id", "alice-token"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}
