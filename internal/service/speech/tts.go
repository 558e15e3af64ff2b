package speech

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"unicode/utf8"

	speechmodel "github.com/zhouzirui/voiceline/backend/internal/model/speech"
)

// Synthesizer 文字转语音能力接口。
// 返回的通道按到达顺序产出音频块，出错时产出带Err的块后关闭。
type Synthesizer interface {
	Synthesize(ctx context.Context, req *speechmodel.SynthesisRequest) (<-chan speechmodel.SynthesisChunk, error)
}

// StubSynthesizer 确定性合成桩：按文本长度生成一段440Hz正弦波PCM。
// 输出与真实服务商相同的流式块序列，便于端到端联调。
type StubSynthesizer struct {
	// SampleRate 输出采样率，零值按24kHz处理。
	SampleRate int
	// ChunkBytes 单块字节数，零值按4800处理（24kHz下100毫秒）。
	ChunkBytes int
}

func (s *StubSynthesizer) Synthesize(ctx context.Context, req *speechmodel.SynthesisRequest) (<-chan speechmodel.SynthesisChunk, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("TTS text is empty")
	}

	rate := s.SampleRate
	if rate <= 0 {
		rate = 24000
	}
	chunkBytes := s.ChunkBytes
	if chunkBytes <= 0 {
		chunkBytes = 4800
	}
	if chunkBytes%2 != 0 {
		chunkBytes++
	}

	audio := synthesizeTone(req.Text, rate)

	out := make(chan speechmodel.SynthesisChunk)
	go func() {
		defer close(out)
		for offset := 0; offset < len(audio); offset += chunkBytes {
			end := offset + chunkBytes
			if end > len(audio) {
				end = len(audio)
			}
			select {
			case out <- speechmodel.SynthesisChunk{Data: audio[offset:end]}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// synthesizeTone 每个字符约80毫秒音频，幅度固定，完全可复现。
func synthesizeTone(text string, rate int) []byte {
	samplesPerRune := rate * 80 / 1000
	total := utf8.RuneCountInString(text) * samplesPerRune
	if total == 0 {
		total = samplesPerRune
	}

	const freq = 440.0
	buf := make([]byte, total*2)
	for i := 0; i < total; i++ {
		sample := int16(8000 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(sample))
	}
	return buf
}
