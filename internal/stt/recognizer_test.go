package stt

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-audio/wav"
	"github.com/loqalabs/loqa-speech/internal/config"
)

func TestNewDisabledReturnsNil(t *testing.T) {
	rec, err := New(config.STTConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec != nil {
		t.Fatal("expected nil recognizer when disabled")
	}
}

func TestMockRecognizer(t *testing.T) {
	rec, err := New(config.STTConfig{Enabled: true, Mode: "mock"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res, err := rec.Transcribe(context.Background(), make([]byte, 32000), 16000, 1, true)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(res.Text, "seconds=1.0") {
		t.Fatalf("unexpected transcript %q", res.Text)
	}
}

func TestExecRecognizerRejectsEmptyCommand(t *testing.T) {
	if _, err := NewExecRecognizer(config.STTConfig{Command: "   "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestWritePCMToWav(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	pcm := make([]byte, 3200)
	if err := WritePCMToWav(f, pcm, 16000, 1); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		t.Fatal("expected a valid wav file")
	}
	if dec.SampleRate != 16000 || dec.NumChans != 1 {
		t.Fatalf("unexpected header rate=%d chans=%d", dec.SampleRate, dec.NumChans)
	}
}
