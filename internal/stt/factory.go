package stt

import (
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/config"
)

// New builds the recognizer selected by cfg. It returns nil when STT is disabled.
func New(cfg config.STTConfig) (Recognizer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	switch cfg.Mode {
	case "mock", "":
		return NewMockRecognizer(), nil
	case "exec":
		return NewExecRecognizer(cfg)
	default:
		return nil, fmt.Errorf("unsupported stt mode %q", cfg.Mode)
	}
}
