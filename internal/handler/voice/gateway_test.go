package voice

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	"github.com/zhouzirui/voiceline/backend/internal/service/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/service/speech"
)

func newTestServer(t *testing.T) (*httptest.Server, *Registry) {
	t.Helper()
	verifier := auth.NewStaticVerifier(map[string]string{
		"user-token":  "u1",
		"guest-token": "",
	})
	registry := NewRegistry()
	gateway := NewGateway(
		verifier,
		registry,
		&speech.StubTranscriber{},
		&speech.StubSynthesizer{},
		&fakeAssistant{},
		conversation.NewMemoryStore(),
		testRealtimeConfig(),
	)
	r := chi.NewRouter()
	gateway.RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, registry
}

func wsURL(srv *httptest.Server, query string) string {
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/voice/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func TestGatewayRejectsMissingToken(t *testing.T) {
	srv, registry := newTestServer(t)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), nil)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail without credentials")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
	if registry.Len() != 0 {
		t.Fatalf("expected no session registered, got %d", registry.Len())
	}
}

func TestGatewayRejectsInvalidToken(t *testing.T) {
	srv, _ := newTestServer(t)

	header := http.Header{"Authorization": []string{"Bearer nope"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, ""), header)
	if err == nil {
		conn.Close()
		t.Fatal("expected handshake to fail with bad token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 before upgrade, got %+v", resp)
	}
}

func TestGatewayConnectAndAck(t *testing.T) {
	srv, registry := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=user-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	var evt outgoingEvent
	if err := json.Unmarshal(raw, &evt); err != nil {
		t.Fatalf("decode connected event: %v", err)
	}
	if evt.Type != EventConnected {
		t.Fatalf("expected connected event, got %q", evt.Type)
	}
	if evt.SessionID == "" || evt.Data["sessionId"] != evt.SessionID {
		t.Fatalf("connected event missing session id: %+v", evt)
	}
	if evt.Data["userId"] != "u1" {
		t.Fatalf("expected userId u1, got %v", evt.Data["userId"])
	}
	if registry.Len() != 1 {
		t.Fatalf("expected 1 registered session, got %d", registry.Len())
	}
}

func TestGatewayEndToEndTurn(t *testing.T) {
	srv, _ := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=user-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read connected event: %v", err)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"action":"start"}`)); err != nil {
		t.Fatalf("send start: %v", err)
	}
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read status event: %v", err)
	}

	// 正好一个块大小的音频，触发完整一轮。
	audio := make([]byte, testRealtimeConfig().ChunkBytes)
	if err := conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		t.Fatalf("send audio: %v", err)
	}

	var sawFinal, sawComplete, sawAudio bool
	for !sawFinal || !sawComplete || !sawAudio {
		msgType, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read turn event (final=%v complete=%v audio=%v): %v", sawFinal, sawComplete, sawAudio, err)
		}
		if msgType == websocket.BinaryMessage {
			sawAudio = true
			continue
		}
		var evt outgoingEvent
		if err := json.Unmarshal(raw, &evt); err != nil {
			t.Fatalf("decode event: %v", err)
		}
		switch evt.Type {
		case EventFinalTranscript:
			sawFinal = true
		case EventLLMComplete:
			sawComplete = true
		case EventError:
			t.Fatalf("unexpected error event: %+v", evt.Data)
		}
	}
}

func TestGatewayRemovesSessionOnDisconnect(t *testing.T) {
	srv, registry := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "token=guest-token"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err != nil {
		t.Fatalf("read connected event: %v", err)
	}
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for registry.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("session not removed after disconnect, registry len %d", registry.Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
