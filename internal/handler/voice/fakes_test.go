package voice

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhouzirui/voiceline/backend/internal/config"
	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
	"github.com/zhouzirui/voiceline/backend/internal/service/assistant"
	"github.com/zhouzirui/voiceline/backend/internal/service/auth"
)

// fakeConn 记录所有出站帧的测试连接。ReadMessage 不参与这些测试，
// 控制与音频帧直接喂给 Session 的处理方法。
type fakeConn struct {
	mu     sync.Mutex
	events []outgoingEvent
	binary [][]byte
	pings  int
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, ErrSessionClosed
}

func (c *fakeConn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch messageType {
	case websocket.BinaryMessage:
		buf := make([]byte, len(data))
		copy(buf, data)
		c.binary = append(c.binary, buf)
	case websocket.PingMessage:
		c.pings++
	}
	return nil
}

func (c *fakeConn) WriteJSON(v any) error {
	evt, ok := v.(outgoingEvent)
	if !ok {
		return nil
	}
	c.mu.Lock()
	c.events = append(c.events, evt)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) SetReadDeadline(time.Time) error   { return nil }
func (c *fakeConn) SetPongHandler(func(string) error) {}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) eventsOfType(eventType string) []outgoingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []outgoingEvent
	for _, evt := range c.events {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

func (c *fakeConn) waitEvents(t *testing.T, eventType string, count int) []outgoingEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evts := c.eventsOfType(eventType); len(evts) >= count {
			return evts
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d %q event(s), got %d", count, eventType, len(c.eventsOfType(eventType)))
	return nil
}

// scriptTranscriber 按脚本逐块返回识别结果。
type scriptTranscriber struct {
	mu      sync.Mutex
	results []*speechmodel.TranscriptResult
	calls   int
}

func (f *scriptTranscriber) Transcribe(_ context.Context, _ *speechmodel.TranscribeRequest) (*speechmodel.TranscriptResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls >= len(f.results) {
		return &speechmodel.TranscriptResult{Final: true}, nil
	}
	result := f.results[f.calls]
	f.calls++
	return result, nil
}

// fakeAssistant 可配置回显、出错一次或在超时前阻塞。
type fakeAssistant struct {
	mu       sync.Mutex
	requests []assistant.Request
	failures int
	block    bool
}

func (f *fakeAssistant) Send(ctx context.Context, req assistant.Request) (string, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	shouldFail := f.failures > 0
	if shouldFail {
		f.failures--
	}
	block := f.block
	f.mu.Unlock()

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if shouldFail {
		return "", context.DeadlineExceeded
	}
	return "回答：" + req.Text, nil
}

func (f *fakeAssistant) recorded() []assistant.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]assistant.Request, len(f.requests))
	copy(out, f.requests)
	return out
}

// fakeSynthesizer 把固定音频块写入通道。
type fakeSynthesizer struct {
	chunks [][]byte
}

func (f *fakeSynthesizer) Synthesize(ctx context.Context, _ *speechmodel.SynthesisRequest) (<-chan speechmodel.SynthesisChunk, error) {
	out := make(chan speechmodel.SynthesisChunk, len(f.chunks))
	for _, chunk := range f.chunks {
		out <- speechmodel.SynthesisChunk{Data: chunk}
	}
	close(out)
	return out, nil
}

func testRealtimeConfig() config.RealtimeConfig {
	return config.RealtimeConfig{
		ChunkBytes:            8,
		MaxPendingChunks:      2,
		InputSampleRate:       16000,
		OutputSampleRate:      24000,
		BackendTimeoutSeconds: 1,
		ShutdownGraceSeconds:  1,
	}
}

func newTestSession(t *testing.T, identity auth.Identity) (*Session, *fakeConn, *Registry) {
	t.Helper()
	conn := &fakeConn{}
	registry := NewRegistry()
	s := newSession("sess-test", identity, conn, registry, testRealtimeConfig())
	if err := registry.Add(s); err != nil {
		t.Fatalf("register session: %v", err)
	}
	t.Cleanup(s.Close)
	return s, conn, registry
}
