package stt

import (
	"context"
	"fmt"
)

type mockRecognizer struct{}

func NewMockRecognizer() Recognizer {
	return &mockRecognizer{}
}

func (m *mockRecognizer) Transcribe(_ context.Context, pcm []byte, sampleRate int, _ int, _ bool) (TranscriptResult, error) {
	seconds := 0.0
	if sampleRate > 0 {
		seconds = float64(len(pcm)/2) / float64(sampleRate)
	}
	return TranscriptResult{
		Text:       fmt.Sprintf("[transcript seconds=%.1f]", seconds),
		Confidence: 0,
	}, nil
}

// Static returns a recognizer that always yields text.
func Static(text string) Recognizer {
	return staticRecognizer(text)
}

type staticRecognizer string

func (s staticRecognizer) Transcribe(context.Context, []byte, int, int, bool) (TranscriptResult, error) {
	return TranscriptResult{Text: string(s), Confidence: 1}, nil
}
