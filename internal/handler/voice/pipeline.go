package voice

import (
	"context"
	"log"
	"time"

	"github.com/zhouzirui/voiceline/backend/internal/config"
	convmodel "github.com/zhouzirui/voiceline/backend/internal/model/conversation"
	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
	"github.com/zhouzirui/voiceline/backend/internal/service/assistant"
	"github.com/zhouzirui/voiceline/backend/internal/service/conversation"
	"github.com/zhouzirui/voiceline/backend/internal/service/speech"
)

// 每轮带给后端的历史消息上限。
const historyLimit = 10

// pipeline 持有一次AI轮次需要的全部能力依赖。每个会话由独立的
// worker goroutine 驱动，轮次串行执行，天然保证会话内顺序。
type pipeline struct {
	stt       speech.Transcriber
	tts       speech.Synthesizer
	assistant assistant.Client
	store     conversation.Store
	cfg       config.RealtimeConfig
}

// run 消费会话的音频块直到会话关闭。退出时关闭 done，供注册表
// 优雅停机时等待。
func (p *pipeline) run(s *Session) {
	defer close(s.done)

	// 最近一次中间转写假设与累计未定稿块数，用于强制定稿。
	var pendingText string
	var pendingChunks int

	for {
		select {
		case <-s.ctx.Done():
			return
		case chunk := <-s.chunks:
			p.processChunk(s, chunk, &pendingText, &pendingChunks)
		}
	}
}

func (p *pipeline) processChunk(s *Session, chunk []byte, pendingText *string, pendingChunks *int) {
	model, language := s.sttOptions()
	result, err := p.stt.Transcribe(s.ctx, &speechmodel.TranscribeRequest{
		SessionID: s.ID,
		Audio:     chunk,
		Format:    "raw",
		Model:     model,
		Language:  language,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("[voice] session %s transcribe failed: %v", s.ID, err)
		s.sendError("transcription failed")
		return
	}

	switch {
	case result.Final && result.Text != "":
		*pendingText = ""
		*pendingChunks = 0
		p.runTurn(s, result.Text, result.Confidence)
	case result.Final:
		// 空的定稿结果视为静音，丢弃未定稿状态。
		*pendingText = ""
		*pendingChunks = 0
	default:
		if result.Text != "" {
			*pendingText = result.Text
			s.sendEvent(EventInterimTranscript, map[string]any{"text": result.Text})
		}
		*pendingChunks++
		if *pendingChunks >= p.cfg.MaxPendingChunks {
			text := *pendingText
			*pendingText = ""
			*pendingChunks = 0
			if text != "" {
				log.Printf("[voice] session %s forced finalization after %d chunk(s)", s.ID, p.cfg.MaxPendingChunks)
				p.runTurn(s, text, result.Confidence)
			}
		}
	}
}

// runTurn 执行一次完整的AI轮次：定稿转写 → 线程解析与持久化 →
// 后端调用 → 助手消息持久化 → 语音合成下发。任一步失败只发错误
// 事件并终止本轮，连接保持存活。
func (p *pipeline) runTurn(s *Session, transcript string, confidence float64) {
	s.sendEvent(EventFinalTranscript, map[string]any{
		"text":       transcript,
		"confidence": confidence,
	})

	threadID := s.ensureThread()

	var conv convmodel.Conversation
	var history []convmodel.Message
	persisted := p.store != nil && !s.Anonymous
	if persisted {
		var err error
		conv, err = p.store.FindOrCreateConversation(s.ctx, s.UserID, threadID)
		if err != nil {
			log.Printf("[voice] session %s resolve thread %s failed: %v", s.ID, threadID, err)
			s.sendError("conversation not available")
			return
		}
		s.setConversationID(conv.ID)

		history, err = p.store.ListMessages(s.ctx, conv.ID)
		if err != nil {
			// 历史是上下文增强，取不到不终止本轮。
			log.Printf("[voice] session %s load history failed: %v", s.ID, err)
			history = nil
		}
		if len(history) > historyLimit {
			history = history[len(history)-historyLimit:]
		}

		if _, err := p.store.AppendMessage(s.ctx, conv.ID, convmodel.Message{
			Role:        convmodel.RoleUser,
			ContentType: convmodel.ContentVoice,
			Content:     transcript,
			Attachment:  &convmodel.Attachment{Type: "audio/pcm"},
		}); err != nil {
			log.Printf("[voice] session %s persist user turn failed: %v", s.ID, err)
			s.sendError("failed to save message")
			return
		}
	}

	s.sendEvent(EventLLMProcessing, map[string]any{"threadId": threadID})

	ctx, cancel := context.WithTimeout(s.ctx, time.Duration(p.cfg.BackendTimeoutSeconds)*time.Second)
	started := time.Now()
	reply, err := p.assistant.Send(ctx, assistant.Request{
		UserID:   s.UserID,
		ThreadID: threadID,
		Text:     transcript,
		History:  history,
	})
	cancel()
	latency := time.Since(started).Milliseconds()
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		log.Printf("[voice] session %s assistant call failed after %dms: %v", s.ID, latency, err)
		s.sendError("assistant request failed")
		return
	}
	s.sendEvent(EventLLMComplete, map[string]any{
		"text":      reply,
		"latencyMs": latency,
	})

	if persisted {
		if _, err := p.store.AppendMessage(s.ctx, conv.ID, convmodel.Message{
			Role:        convmodel.RoleAssistant,
			ContentType: convmodel.ContentText,
			Content:     reply,
			LatencyMS:   latency,
		}); err != nil {
			log.Printf("[voice] session %s persist assistant turn failed: %v", s.ID, err)
			s.sendError("failed to save message")
			return
		}
		if err := p.store.UpdateAggregate(s.ctx, conv.ID, reply, time.Now().UTC(), 2); err != nil {
			log.Printf("[voice] session %s update aggregate failed: %v", s.ID, err)
			s.sendError("failed to save message")
			return
		}
	}

	p.synthesize(s, reply)
}

func (p *pipeline) synthesize(s *Session, text string) {
	_, language := s.sttOptions()
	stream, err := p.tts.Synthesize(s.ctx, &speechmodel.SynthesisRequest{
		SessionID: s.ID,
		Text:      text,
		Language:  language,
	})
	if err != nil {
		log.Printf("[voice] session %s synthesis start failed: %v", s.ID, err)
		s.sendError("synthesis failed")
		return
	}
	for chunk := range stream {
		if chunk.Err != nil {
			if s.ctx.Err() != nil {
				return
			}
			log.Printf("[voice] session %s synthesis failed: %v", s.ID, chunk.Err)
			s.sendError("synthesis failed")
			return
		}
		if err := s.sendAudio(chunk.Data); err != nil {
			return
		}
	}
}
