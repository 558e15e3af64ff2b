package speech

// SynthesisRequest 语音合成请求
type SynthesisRequest struct {
	SessionID string  `json:"sessionId"`
	Text      string  `json:"text"`
	Voice     string  `json:"voice"`    // 声音类型
	Speed     float32 `json:"speed"`    // 语速倍率 0.5-2.0
	Volume    float32 `json:"volume"`   // 音量 0.0-1.0
	Format    string  `json:"format"`   // pcm, mp3 等
	Language  string  `json:"language"` // zh-CN, en-US 等
}

// SynthesisChunk 流式合成音频块；Err 非空时表示流中断
type SynthesisChunk struct {
	Data []byte
	Err  error
}
