package voice

import (
	"bytes"
	"context"
	"testing"
	"time"

	convmodel "github.com/zhouzirui/voiceline/backend/internal/model/conversation"
	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
	"github.com/zhouzirui/voiceline/backend/internal/service/conversation"
)

func newTestPipeline(stt *scriptTranscriber, backend *fakeAssistant, store conversation.Store) *pipeline {
	return &pipeline{
		stt:       stt,
		tts:       &fakeSynthesizer{chunks: [][]byte{{0xAA, 0xBB}}},
		assistant: backend,
		store:     store,
		cfg:       testRealtimeConfig(),
	}
}

func finalResult(text string) *speechmodel.TranscriptResult {
	return &speechmodel.TranscriptResult{Text: text, Final: true, Confidence: 0.9}
}

func interimResult(text string) *speechmodel.TranscriptResult {
	return &speechmodel.TranscriptResult{Text: text, Interim: true}
}

func TestTurnPersistsBothSides(t *testing.T) {
	s, conn, _ := newTestSession(t, auth.Identity{UserID: "u1"})
	store := conversation.NewMemoryStore()
	backend := &fakeAssistant{}
	p := newTestPipeline(&scriptTranscriber{}, backend, store)

	p.runTurn(s, "你好", 0.9)

	convs, err := store.ListConversations(context.Background(), "u1")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	conv := convs[0]
	if conv.MessageCount != 2 {
		t.Fatalf("expected message count 2, got %d", conv.MessageCount)
	}
	if conv.Preview != "回答：你好" {
		t.Fatalf("unexpected preview %q", conv.Preview)
	}

	msgs, err := store.ListMessages(context.Background(), conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Role != convmodel.RoleUser || msgs[0].ContentType != convmodel.ContentVoice {
		t.Fatalf("unexpected user message: role=%s type=%s", msgs[0].Role, msgs[0].ContentType)
	}
	if msgs[0].Attachment == nil || msgs[0].Attachment.Type != "audio/pcm" {
		t.Fatalf("expected audio attachment on user message, got %+v", msgs[0].Attachment)
	}
	if msgs[1].Role != convmodel.RoleAssistant || msgs[1].Content != "回答：你好" {
		t.Fatalf("unexpected assistant message: %+v", msgs[1])
	}

	finals := conn.eventsOfType(EventFinalTranscript)
	if len(finals) != 1 || finals[0].Data["text"] != "你好" {
		t.Fatalf("unexpected final transcript events: %+v", finals)
	}
	completes := conn.eventsOfType(EventLLMComplete)
	if len(completes) != 1 || completes[0].Data["text"] != "回答：你好" {
		t.Fatalf("unexpected llm_complete events: %+v", completes)
	}
	if len(conn.binary) != 1 || !bytes.Equal(conn.binary[0], []byte{0xAA, 0xBB}) {
		t.Fatalf("expected synthesized audio forwarded, got %v", conn.binary)
	}
}

func TestTurnSkipsPersistenceForGuests(t *testing.T) {
	s, conn, _ := newTestSession(t, auth.Identity{Anonymous: true})
	store := conversation.NewMemoryStore()
	p := newTestPipeline(&scriptTranscriber{}, &fakeAssistant{}, store)

	p.runTurn(s, "你好", 1.0)

	convs, err := store.ListConversations(context.Background(), "")
	if err != nil {
		t.Fatalf("list conversations: %v", err)
	}
	if len(convs) != 0 {
		t.Fatalf("guest turns must not persist, got %d conversation(s)", len(convs))
	}
	if got := conn.eventsOfType(EventLLMComplete); len(got) != 1 {
		t.Fatalf("guest turn must still answer, got %d llm_complete event(s)", len(got))
	}
}

func TestTurnAppendsToExistingThread(t *testing.T) {
	store := conversation.NewMemoryStore()
	ctx := context.Background()
	conv, err := store.FindOrCreateConversation(ctx, "u1", "t-1")
	if err != nil {
		t.Fatalf("seed conversation: %v", err)
	}
	for _, m := range []convmodel.Message{
		{Role: convmodel.RoleUser, ContentType: convmodel.ContentVoice, Content: "早上好"},
		{Role: convmodel.RoleAssistant, ContentType: convmodel.ContentText, Content: "早上好，有什么可以帮你？"},
	} {
		if _, err := store.AppendMessage(ctx, conv.ID, m); err != nil {
			t.Fatalf("seed message: %v", err)
		}
	}

	s, _, _ := newTestSession(t, auth.Identity{UserID: "u1"})
	s.handleControl([]byte(`{"action":"set_thread","threadId":"t-1"}`))

	backend := &fakeAssistant{}
	p := newTestPipeline(&scriptTranscriber{}, backend, store)
	p.runTurn(s, "继续", 1.0)

	msgs, err := store.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages after second turn, got %d", len(msgs))
	}

	reqs := backend.recorded()
	if len(reqs) != 1 {
		t.Fatalf("expected 1 backend call, got %d", len(reqs))
	}
	if reqs[0].ThreadID != "t-1" {
		t.Fatalf("expected thread t-1 on backend request, got %q", reqs[0].ThreadID)
	}
	if len(reqs[0].History) != 2 {
		t.Fatalf("expected 2 history messages, got %d", len(reqs[0].History))
	}
}

func TestTurnRejectsForeignThread(t *testing.T) {
	store := conversation.NewMemoryStore()
	if _, err := store.FindOrCreateConversation(context.Background(), "owner", "t-1"); err != nil {
		t.Fatalf("seed conversation: %v", err)
	}

	s, conn, _ := newTestSession(t, auth.Identity{UserID: "intruder"})
	s.handleControl([]byte(`{"action":"set_thread","threadId":"t-1"}`))

	p := newTestPipeline(&scriptTranscriber{}, &fakeAssistant{}, store)
	p.runTurn(s, "你好", 1.0)

	if errs := conn.eventsOfType(EventError); len(errs) != 1 {
		t.Fatalf("expected 1 error event, got %d", len(errs))
	}
	if got := conn.eventsOfType(EventLLMComplete); len(got) != 0 {
		t.Fatalf("turn must abort before backend call, got %d llm_complete event(s)", len(got))
	}
	if conn.closed {
		t.Fatal("resolution failure must not close the connection")
	}
}

func TestBackendTimeoutKeepsSessionAlive(t *testing.T) {
	s, conn, _ := newTestSession(t, auth.Identity{UserID: "u1"})
	store := conversation.NewMemoryStore()
	backend := &fakeAssistant{block: true}
	p := newTestPipeline(&scriptTranscriber{}, backend, store)

	started := time.Now()
	p.runTurn(s, "第一句", 1.0)
	if elapsed := time.Since(started); elapsed < 900*time.Millisecond {
		t.Fatalf("expected turn to wait for the backend timeout, returned after %v", elapsed)
	}

	if errs := conn.eventsOfType(EventError); len(errs) != 1 {
		t.Fatalf("expected exactly 1 error event, got %d", len(errs))
	}
	if conn.closed {
		t.Fatal("backend timeout must not close the connection")
	}

	// 下一轮照常工作。
	backend.mu.Lock()
	backend.block = false
	backend.mu.Unlock()
	p.runTurn(s, "第二句", 1.0)
	if got := conn.eventsOfType(EventLLMComplete); len(got) != 1 {
		t.Fatalf("expected next turn to succeed, got %d llm_complete event(s)", len(got))
	}
}

func TestWorkerProcessesChunksInOrder(t *testing.T) {
	s, conn, _ := newTestSession(t, auth.Identity{UserID: "u1"})
	stt := &scriptTranscriber{results: []*speechmodel.TranscriptResult{
		finalResult("第一句"),
		finalResult("第二句"),
	}}
	p := newTestPipeline(stt, &fakeAssistant{}, conversation.NewMemoryStore())

	go p.run(s)

	s.chunks <- bytes.Repeat([]byte{1}, 8)
	s.chunks <- bytes.Repeat([]byte{2}, 8)

	completes := conn.waitEvents(t, EventLLMComplete, 2)
	if completes[0].Data["text"] != "回答：第一句" || completes[1].Data["text"] != "回答：第二句" {
		t.Fatalf("turns completed out of order: %v then %v", completes[0].Data["text"], completes[1].Data["text"])
	}

	s.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after close")
	}
}

func TestInterimForwardedAndForcedFinalization(t *testing.T) {
	s, conn, _ := newTestSession(t, auth.Identity{UserID: "u1"})
	// MaxPendingChunks=2：两个中间结果后必须强制定稿。
	stt := &scriptTranscriber{results: []*speechmodel.TranscriptResult{
		interimResult("第"),
		interimResult("第一句"),
	}}
	p := newTestPipeline(stt, &fakeAssistant{}, conversation.NewMemoryStore())

	go p.run(s)

	s.chunks <- bytes.Repeat([]byte{1}, 8)
	s.chunks <- bytes.Repeat([]byte{2}, 8)

	interims := conn.waitEvents(t, EventInterimTranscript, 2)
	if interims[1].Data["text"] != "第一句" {
		t.Fatalf("unexpected interim text %v", interims[1].Data["text"])
	}

	// 强制定稿采用最近一次假设。
	finals := conn.waitEvents(t, EventFinalTranscript, 1)
	if finals[0].Data["text"] != "第一句" {
		t.Fatalf("forced finalization used %v, want latest hypothesis", finals[0].Data["text"])
	}
	conn.waitEvents(t, EventLLMComplete, 1)
}

func TestRegistryShutdownDrainsWorkers(t *testing.T) {
	s, _, registry := newTestSession(t, auth.Identity{UserID: "u1"})
	p := newTestPipeline(&scriptTranscriber{}, &fakeAssistant{}, conversation.NewMemoryStore())
	go p.run(s)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	registry.Shutdown(ctx)

	if registry.Len() != 0 {
		t.Fatalf("expected empty registry after shutdown, got %d", registry.Len())
	}
	select {
	case <-s.done:
	default:
		t.Fatal("expected worker drained before shutdown returned")
	}
}
