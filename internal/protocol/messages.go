package protocol

import (
	"encoding/json"
	"time"
)

// AudioFrame carries PCM s16le audio streamed by a client. The service
// analyses the buffered session when a frame with Final set arrives.
type AudioFrame struct {
	SessionID  string             `json:"session_id"`
	Sequence   int                `json:"sequence"`
	SampleRate int                `json:"sample_rate"`
	Channels   int                `json:"channels"`
	PCM        []byte             `json:"pcm"`
	Final      bool               `json:"final"`
	Category   string             `json:"category,omitempty"`
	Thresholds map[string]float64 `json:"thresholds,omitempty"`
}

// AnalysisRequest asks for a one-shot analysis over request/reply.
type AnalysisRequest struct {
	RequestID       string             `json:"request_id,omitempty"`
	SessionID       string             `json:"session_id,omitempty"`
	Audio           []byte             `json:"audio"`
	Format          string             `json:"format,omitempty"`
	SampleRate      int                `json:"sample_rate,omitempty"`
	Channels        int                `json:"channels,omitempty"`
	Category        string             `json:"category,omitempty"`
	Thresholds      map[string]float64 `json:"thresholds,omitempty"`
	IncludeFeatures bool               `json:"include_features,omitempty"`
}

// Error is the wire form of a failed analysis.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

// AnalysisResult is published per session and returned as a reply. Result
// holds the JSON analysis when Error is nil.
type AnalysisResult struct {
	SessionID string          `json:"session_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *Error          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

const (
	SubjectAudioFramePrefix     = "audio.frame"
	SubjectAnalyze              = "speech.analyze"
	SubjectAnalysisResultPrefix = "speech.analysis.result"
)

// AudioFrameSubject is the subject frames of session are published on.
func AudioFrameSubject(session string) string {
	return SubjectAudioFramePrefix + "." + session
}

// ResultSubject is the subject results of session are published on.
func ResultSubject(session string) string {
	return SubjectAnalysisResultPrefix + "." + session
}
