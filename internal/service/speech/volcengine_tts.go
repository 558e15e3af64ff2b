package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
)

// VolcengineSynthesizer 火山引擎TTS WebSocket客户端。
// 音频块在解码后立即写入输出通道，而不是攒齐整段再返回，
// 这样会话端可以边合成边下发。
type VolcengineSynthesizer struct {
	config *speechmodel.ProviderConfig
	dialer *websocket.Dialer
	// SampleRate 合成采样率，零值按24kHz处理。
	SampleRate int
}

type ttsServerMessage struct {
	ReqID    string `json:"reqid"`
	Code     int    `json:"code"`
	Message  string `json:"message"`
	Sequence int    `json:"sequence"`
	Data     string `json:"data"`
}

// NewVolcengineSynthesizer 创建火山引擎TTS客户端。
func NewVolcengineSynthesizer(config *speechmodel.ProviderConfig) *VolcengineSynthesizer {
	return &VolcengineSynthesizer{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 30 * time.Second,
		},
	}
}

type volcengineTTSRequest struct {
	User struct {
		UID string `json:"uid"`
	} `json:"user"`
	ReqParams struct {
		Speaker     string                   `json:"speaker"`
		Text        string                   `json:"text"`
		AudioParams volcengineTTSAudioParams `json:"audio_params"`
		Language    string                   `json:"language,omitempty"`
	} `json:"req_params"`
}

type volcengineTTSAudioParams struct {
	Format      string  `json:"format"`
	SampleRate  int     `json:"sample_rate"`
	SpeedRatio  float32 `json:"speed_ratio,omitempty"`
	VolumeRatio float32 `json:"volume_ratio,omitempty"`
}

// Synthesize 建立WebSocket会话并流式返回音频块。
// 遇到资源ID与音色不匹配时，在产出任何音频前按候选列表换用下一组重试。
func (c *VolcengineSynthesizer) Synthesize(ctx context.Context, req *speechmodel.SynthesisRequest) (<-chan speechmodel.SynthesisChunk, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("TTS text is empty")
	}

	appKey, accessKey, err := resolveCredentials(c.config)
	if err != nil {
		return nil, err
	}

	speakers := resolveSpeakerCandidates(strings.TrimSpace(req.Voice), strings.TrimSpace(c.config.TTSVoice))

	out := make(chan speechmodel.SynthesisChunk)
	go func() {
		defer close(out)

		var lastErr error
		for _, speaker := range speakers {
			for _, resourceID := range resolveResourceCandidates(speaker) {
				emitted, attemptErr := c.streamOnce(ctx, req, appKey, accessKey, speaker, resourceID, out)
				if attemptErr == nil {
					return
				}

				lastErr = attemptErr
				if emitted || !isResourceMismatchError(attemptErr) {
					out <- speechmodel.SynthesisChunk{Err: attemptErr}
					return
				}
				log.Printf("[tts] voice %s resource %s mismatch: %v", speaker, resourceID, attemptErr)
			}
		}

		if lastErr == nil {
			lastErr = fmt.Errorf("TTS synthesis failed: no compatible resource id for voices %v", speakers)
		}
		out <- speechmodel.SynthesisChunk{Err: lastErr}
	}()

	return out, nil
}

// streamOnce 用一组speaker/resource完成一轮合成；emitted表示是否已产出音频。
func (c *VolcengineSynthesizer) streamOnce(
	ctx context.Context,
	req *speechmodel.SynthesisRequest,
	appKey, accessKey, speaker, resourceID string,
	out chan<- speechmodel.SynthesisChunk,
) (emitted bool, err error) {
	const wsURL = "wss://openspeech.bytedance.com/api/v3/tts/unidirectional/stream"

	connectID := uuid.New().String()

	header := http.Header{}
	header.Set("X-Api-App-Key", appKey)
	header.Set("X-Api-Access-Key", accessKey)
	header.Set("X-Api-Resource-Id", resourceID)
	header.Set("X-Api-Connect-Id", connectID)

	conn, resp, err := c.dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return false, fmt.Errorf("failed to connect to TTS WebSocket: %w", err)
	}
	defer conn.Close()

	if resp != nil {
		if logid := resp.Header.Get("X-Tt-Logid"); logid != "" {
			log.Printf("[tts] connected with logid: %s", logid)
		}
	}

	payloadData, err := json.Marshal(c.buildTTSRequest(req, speaker))
	if err != nil {
		return false, fmt.Errorf("failed to marshal TTS request: %w", err)
	}

	message := CreateFullClientRequest(payloadData, NoCompression)
	messageBytes, err := EncodeMessage(message)
	if err != nil {
		return false, fmt.Errorf("failed to encode message: %w", err)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
		return false, fmt.Errorf("failed to send TTS request: %w", err)
	}

	emit := func(chunk []byte) error {
		if len(chunk) == 0 {
			return nil
		}
		select {
		case out <- speechmodel.SynthesisChunk{Data: chunk}:
			emitted = true
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		select {
		case <-ctx.Done():
			return emitted, ctx.Err()
		default:
			_, data, err := conn.ReadMessage()
			if err != nil {
				return emitted, fmt.Errorf("failed to read TTS response: %w", err)
			}

			msg, err := DecodeMessage(bytes.NewReader(data))
			if err != nil {
				return emitted, fmt.Errorf("failed to decode TTS message: %w", err)
			}

			switch msg.Header.MessageType {
			case ErrorMessage:
				payload, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
				if err != nil {
					return emitted, fmt.Errorf("TTS error message decode failed: %w", err)
				}
				return emitted, fmt.Errorf("TTS error: %s", string(payload))

			case AudioOnlyServerResponse:
				chunk, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
				if err != nil {
					return emitted, fmt.Errorf("failed to decompress audio chunk: %w", err)
				}
				if err := emit(chunk); err != nil {
					return emitted, err
				}

			case FullServerResponse:
				payload, err := DecompressPayload(msg.Payload, msg.Header.CompressionMethod)
				if err != nil {
					return emitted, fmt.Errorf("failed to decompress TTS response payload: %w", err)
				}

				var serverResp ttsServerMessage
				if len(payload) > 0 {
					if err := json.Unmarshal(payload, &serverResp); err != nil {
						log.Printf("[tts] failed to unmarshal response payload: %v", err)
					} else {
						if serverResp.Code != 0 && serverResp.Code != 3000 {
							return emitted, fmt.Errorf("TTS API error %d: %s", serverResp.Code, serverResp.Message)
						}

						if serverResp.Data != "" {
							chunk, err := base64.StdEncoding.DecodeString(serverResp.Data)
							if err != nil {
								return emitted, fmt.Errorf("failed to decode base64 audio chunk: %w", err)
							}
							if err := emit(chunk); err != nil {
								return emitted, err
							}
						}
					}
				}

				finalizedByEvent := msg.Header.MessageFlags == WithEvent && msg.EventType == EventTypeSessionFinished
				if finalizedByEvent || msg.IsLastPacket() || serverResp.Sequence < 0 {
					if !emitted {
						return false, fmt.Errorf("TTS audio is empty")
					}
					return true, nil
				}

			default:
				log.Printf("[tts] unexpected message type: %d", msg.Header.MessageType)
			}
		}
	}
}

// buildTTSRequest 构建符合火山引擎API格式的TTS请求。
func (c *VolcengineSynthesizer) buildTTSRequest(req *speechmodel.SynthesisRequest, speaker string) *volcengineTTSRequest {
	ttsReq := &volcengineTTSRequest{}

	userUID := strings.TrimSpace(req.SessionID)
	if userUID == "" {
		userUID = uuid.New().String()
	}
	ttsReq.User.UID = userUID

	ttsReq.ReqParams.Speaker = speaker
	ttsReq.ReqParams.Text = req.Text

	format := strings.TrimSpace(req.Format)
	if format == "" {
		format = "pcm" // 引擎直接下发裸PCM帧
	}
	ttsReq.ReqParams.AudioParams.Format = format

	rate := c.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	ttsReq.ReqParams.AudioParams.SampleRate = rate

	speed := req.Speed
	if speed <= 0 && c.config.TTSSpeed > 0 {
		speed = c.config.TTSSpeed
	}
	if speed > 0 && speed != 1.0 {
		ttsReq.ReqParams.AudioParams.SpeedRatio = speed
	}

	volume := req.Volume
	if volume <= 0 && c.config.TTSVolume > 0 {
		volume = c.config.TTSVolume
	}
	if volume > 0 && volume != 1.0 {
		ttsReq.ReqParams.AudioParams.VolumeRatio = volume
	}

	language := strings.TrimSpace(req.Language)
	if language == "" {
		language = strings.TrimSpace(c.config.TTSLanguage)
	}
	if language != "" {
		ttsReq.ReqParams.Language = language
	}

	return ttsReq
}

func resolveResourceCandidates(voice string) []string {
	const (
		defaultResource = "volc.service_type.10029"
		megaResource    = "volc.megatts.default"
		seedResource    = "seed-tts-2.0"
	)

	voice = strings.TrimSpace(voice)
	if voice == "" {
		return []string{defaultResource, seedResource}
	}

	if strings.HasPrefix(voice, "S_") {
		return []string{megaResource}
	}

	normalized := strings.ToLower(voice)
	for _, hint := range []string{"bigtts", "seed", "megatts"} {
		if strings.Contains(normalized, hint) {
			return []string{seedResource, defaultResource}
		}
	}

	return []string{defaultResource, seedResource}
}

func resolveSpeakerCandidates(requested, fallback string) []string {
	var candidates []string

	add := func(s string) {
		s = strings.TrimSpace(s)
		if s == "" {
			return
		}
		for _, existing := range candidates {
			if strings.EqualFold(existing, s) {
				return
			}
		}
		candidates = append(candidates, s)
	}

	add(requested)
	add(fallback)
	add("zh_female_vv_venus_bigtts")

	return candidates
}

func isResourceMismatchError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "resource ID is mismatched with speaker related resource")
}
