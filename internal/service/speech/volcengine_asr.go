package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
)

// VolcengineTranscriber 火山引擎ASR WebSocket客户端。
// 每次Transcribe对一个已缓冲的PCM块做一轮完整识别，返回定稿结果。
type VolcengineTranscriber struct {
	config *speechmodel.ProviderConfig
	dialer *websocket.Dialer
	// sendInterval 分包发送间隔，零值表示不限速（整块音频已缓冲完毕）。
	sendInterval time.Duration
}

type asrServerMessage struct {
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Result   struct {
		Text       string `json:"text"`
		Utterances []struct {
			Text      string `json:"text"`
			StartTime int64  `json:"start_time"`
			EndTime   int64  `json:"end_time"`
			Definite  bool   `json:"definite"`
		} `json:"utterances,omitempty"`
	} `json:"result,omitempty"`
	AudioInfo struct {
		Duration int64 `json:"duration"`
	} `json:"audio_info,omitempty"`
}

// NewVolcengineTranscriber 创建火山引擎ASR客户端。
func NewVolcengineTranscriber(config *speechmodel.ProviderConfig) *VolcengineTranscriber {
	return &VolcengineTranscriber{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

// volcengineASRRequest 按火山引擎文档格式的请求体。
type volcengineASRRequest struct {
	User struct {
		UID string `json:"uid,omitempty"`
	} `json:"user,omitempty"`
	Audio struct {
		Language string `json:"language,omitempty"`
		Format   string `json:"format"`
		Codec    string `json:"codec,omitempty"`
		Rate     int    `json:"rate,omitempty"`
		Bits     int    `json:"bits,omitempty"`
		Channel  int    `json:"channel,omitempty"`
	} `json:"audio"`
	Request struct {
		ModelName      string `json:"model_name"`
		EnableITN      bool   `json:"enable_itn,omitempty"`
		EnablePunc     bool   `json:"enable_punc,omitempty"`
		ShowUtterances bool   `json:"show_utterances,omitempty"`
		ResultType     string `json:"result_type,omitempty"`
		EndWindowSize  int    `json:"end_window_size,omitempty"`
	} `json:"request"`
}

// Transcribe 使用WebSocket协议识别一个音频块。
func (c *VolcengineTranscriber) Transcribe(ctx context.Context, req *speechmodel.TranscribeRequest) (*speechmodel.TranscriptResult, error) {
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("no audio data to transcribe")
	}

	// 流式输入模式（准确率更高）
	const wsURL = "wss://openspeech.bytedance.com/api/v3/sauc/bigmodel_nostream"

	appID, token, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	header.Set("X-Api-App-Key", appID)
	header.Set("X-Api-Access-Key", token)

	resourceID := "volc.bigasr.sauc.duration" // 小时版
	if c.config.ConcurrentMode {
		resourceID = "volc.bigasr.sauc.concurrent" // 并发版
	}
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", req.SessionID)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ASR WebSocket: %w", err)
	}
	defer conn.Close()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[asr] connected with logid: %s", logid)
		}
	}

	payloadData, err := json.Marshal(c.buildASRRequest(req))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ASR request: %w", err)
	}

	compressedPayload, err := CompressPayload(payloadData, GzipCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to compress payload: %w", err)
	}

	message := CreateFullClientRequest(compressedPayload, GzipCompression)
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
		return nil, fmt.Errorf("failed to send ASR request: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// 并发收发：服务端提前报错时可以立即停止推送音频。
	resultCh := make(chan *speechmodel.TranscriptResult, 1)
	recvErrCh := make(chan error, 1)
	go func() {
		result, err := c.receiveResult(ctx, conn, req.SessionID)
		if err != nil {
			recvErrCh <- err
			return
		}
		resultCh <- result
	}()

	sendErrCh := make(chan error, 1)
	go func() {
		sendErrCh <- c.sendAudio(ctx, conn, req.Audio)
	}()

	var sendDone bool
	for {
		select {
		case err := <-sendErrCh:
			sendDone = true
			if err != nil {
				cancel()
				return nil, fmt.Errorf("failed to send audio data: %w", err)
			}
		case result := <-resultCh:
			cancel()
			return result, nil
		case err := <-recvErrCh:
			cancel()
			return nil, err
		case <-ctx.Done():
			if !sendDone {
				return nil, ctx.Err()
			}
		}
	}
}

// buildASRRequest 构建符合火山引擎API格式的ASR请求。
func (c *VolcengineTranscriber) buildASRRequest(req *speechmodel.TranscribeRequest) *volcengineASRRequest {
	asrReq := &volcengineASRRequest{}

	asrReq.User.UID = req.SessionID

	asrReq.Audio.Format = req.Format
	if asrReq.Audio.Format == "" {
		asrReq.Audio.Format = "raw" // 引擎缓冲的是裸PCM
	}

	asrReq.Audio.Language = req.Language
	if asrReq.Audio.Language == "" {
		asrReq.Audio.Language = strings.TrimSpace(c.config.ASRLanguage)
	}
	if asrReq.Audio.Language == "" {
		asrReq.Audio.Language = "zh-CN"
	}

	asrReq.Audio.Codec = "raw"
	asrReq.Audio.Rate = 16000
	asrReq.Audio.Bits = 16
	asrReq.Audio.Channel = 1

	asrReq.Request.ModelName = req.Model
	if asrReq.Request.ModelName == "" {
		asrReq.Request.ModelName = strings.TrimSpace(c.config.ASRModel)
	}
	if asrReq.Request.ModelName == "" {
		asrReq.Request.ModelName = "bigmodel"
	}
	asrReq.Request.EnableITN = true
	asrReq.Request.EnablePunc = true
	asrReq.Request.ShowUtterances = true
	asrReq.Request.ResultType = "full"
	asrReq.Request.EndWindowSize = 800 // 强制判停时间800ms

	return asrReq
}

// sendAudio 将音频块按约200毫秒一包推送给服务端。
func (c *VolcengineTranscriber) sendAudio(ctx context.Context, conn *websocket.Conn, audio []byte) error {
	const packetSize = 6400 // 16kHz, 16bit, mono, 200ms
	sequence := int32(2)    // FullClientRequest占用序号1，音频从2开始

	for offset := 0; offset < len(audio); offset += packetSize {
		end := offset + packetSize
		if end > len(audio) {
			end = len(audio)
		}
		isLast := end >= len(audio)

		compressed, err := CompressPayload(audio[offset:end], GzipCompression)
		if err != nil {
			return fmt.Errorf("failed to compress audio packet: %w", err)
		}

		audioMsg := CreateAudioOnlyRequest(compressed, sequence, isLast, GzipCompression)
		msgBytes, err := EncodeMessage(audioMsg)
		if err != nil {
			return fmt.Errorf("failed to encode audio message: %w", err)
		}

		if err := conn.WriteMessage(websocket.BinaryMessage, msgBytes); err != nil {
			return fmt.Errorf("failed to send audio packet: %w", err)
		}

		sequence++

		if isLast {
			break
		}

		if c.sendInterval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.sendInterval):
			}
		}
	}

	return nil
}

// receiveResult 读取服务端响应直到拿到最后一包。
func (c *VolcengineTranscriber) receiveResult(ctx context.Context, conn *websocket.Conn, sessionID string) (*speechmodel.TranscriptResult, error) {
	var (
		finalText string
		duration  int64
	)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				return nil, fmt.Errorf("failed to read ASR response: %w", err)
			}

			msg, err := DecodeMessage(bytes.NewReader(data))
			if err != nil {
				return nil, fmt.Errorf("failed to decode ASR message: %w", err)
			}

			switch msg.Header.MessageType {
			case ErrorMessage:
				payload, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
				if err != nil {
					return nil, fmt.Errorf("ASR error message decode failed: %w", err)
				}
				return nil, fmt.Errorf("ASR error: %s", string(payload))

			case FullServerResponse:
				payload, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
				if err != nil {
					return nil, fmt.Errorf("failed to decompress ASR payload: %w", err)
				}

				var serverResp asrServerMessage
				if err := json.Unmarshal(payload, &serverResp); err != nil {
					log.Printf("[asr] failed to unmarshal response: %v", err)
					continue
				}

				if serverResp.Code != 0 && serverResp.Code != 20000000 {
					return nil, fmt.Errorf("ASR API error %d: %s", serverResp.Code, serverResp.Message)
				}

				textCandidate := serverResp.Result.Text
				if textCandidate == "" && len(serverResp.Result.Utterances) > 0 {
					textCandidate = joinUtterances(serverResp.Result.Utterances)
				}
				if textCandidate != "" {
					finalText = textCandidate
				}

				if serverResp.AudioInfo.Duration > 0 {
					duration = serverResp.AudioInfo.Duration
				}

				if msg.IsLastPacket() || serverResp.Sequence < 0 {
					if finalText == "" {
						log.Printf("[asr] empty transcript for session %s", sessionID)
					}
					return &speechmodel.TranscriptResult{
						Text:       finalText,
						Final:      true,
						Confidence: estimateASRConfidence(finalText),
						DurationMS: duration,
						RequestID:  sessionID,
					}, nil
				}

			default:
				// 其他类型（如音频ACK）直接忽略
			}
		}
	}
}

func joinUtterances(utterances []struct {
	Text      string `json:"text"`
	StartTime int64  `json:"start_time"`
	EndTime   int64  `json:"end_time"`
	Definite  bool   `json:"definite"`
}) string {
	var builder strings.Builder
	for _, u := range utterances {
		if builder.Len() > 0 {
			builder.WriteString(" ")
		}
		builder.WriteString(u.Text)
	}
	return builder.String()
}
