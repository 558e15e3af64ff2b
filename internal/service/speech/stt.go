package speech

import (
	"context"
	"fmt"

	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
)

// Transcriber 语音转文字能力接口；每个缓冲块调用一次。
// 确定性桩实现与真实服务商实现必须可以互换。
type Transcriber interface {
	Transcribe(ctx context.Context, req *speechmodel.TranscribeRequest) (*speechmodel.TranscriptResult, error)
}

// StubTranscriber 无凭证环境下的确定性识别桩。
// 每个块立即定稿，文本由音频时长推导，方便联调前端与流水线。
type StubTranscriber struct {
	// SampleRate 用于从字节数推算时长，零值按16kHz处理。
	SampleRate int
}

func (s *StubTranscriber) Transcribe(ctx context.Context, req *speechmodel.TranscribeRequest) (*speechmodel.TranscriptResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Audio) == 0 {
		return nil, fmt.Errorf("empty audio chunk")
	}

	rate := s.SampleRate
	if rate <= 0 {
		rate = 16000
	}

	// 16bit单声道：每个采样2字节。
	durationMS := int64(len(req.Audio)) * 1000 / int64(rate*2)

	return &speechmodel.TranscriptResult{
		Text:       fmt.Sprintf("（%d毫秒语音）", durationMS),
		Final:      true,
		Confidence: 1.0,
		DurationMS: durationMS,
	}, nil
}

// estimateASRConfidence 服务商不返回置信度时的粗略估计。
func estimateASRConfidence(text string) float64 {
	if text == "" {
		return 0
	}
	return 0.95
}
