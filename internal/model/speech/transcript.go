package speech

// TranscribeRequest 一段已缓冲的原始音频的识别请求
type TranscribeRequest struct {
	SessionID string `json:"sessionId"`
	Audio     []byte `json:"-"`
	Format    string `json:"format"`   // raw (PCM), wav, mp3 等
	Model     string `json:"model"`    // 识别模型，留空使用服务商默认
	Language  string `json:"language"` // zh-CN, en-US 等
}

// TranscriptResult 单次识别结果；Final 为真时触发下游 AI 流程
type TranscriptResult struct {
	Text       string  `json:"text"`
	Interim    bool    `json:"interim"`
	Final      bool    `json:"final"`
	Confidence float64 `json:"confidence"`
	DurationMS int64   `json:"durationMs"`
	RequestID  string  `json:"requestId,omitempty"`
}
