package features

import (
	"context"
	"errors"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
)

const testRate = 16000

// speechClip returns a processed clip of alternating voiced tone and pauses.
func speechClip(t *testing.T, seconds float64) *audio.Processed {
	t.Helper()
	n := int(seconds * testRate)
	samples := make([]float64, n)
	for i := range samples {
		tt := float64(i) / testRate
		if math.Mod(tt, 1.5) >= 1.2 {
			continue
		}
		f0 := 150 + 25*math.Sin(2*math.Pi*0.5*tt)
		env := 0.55 + 0.45*math.Sin(2*math.Pi*4*tt)
		samples[i] = 0.3 * env * (math.Sin(2*math.Pi*f0*tt) + 0.4*math.Sin(4*math.Pi*f0*tt))
	}
	p := audio.NewProcessor(config.Default().Audio)
	out, err := p.ProcessClip(context.Background(), audio.Clip{Samples: samples, SampleRate: testRate, Channels: 1})
	if err != nil {
		t.Fatalf("process clip: %v", err)
	}
	return out
}

func testStreams(t *testing.T) []Stream {
	t.Helper()
	cfg := config.Default().Features
	cfg.EmbeddingDim = 16
	streams, err := BuildStreams(context.Background(), cfg, 7, nil)
	if err != nil {
		t.Fatalf("build streams: %v", err)
	}
	return streams
}

func TestExtractLayout(t *testing.T) {
	streams := testStreams(t)
	ex, err := NewExtractor(streams, config.StreamLayout, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	vec, err := ex.Extract(context.Background(), speechClip(t, 6))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	want := map[string]int{
		config.StreamEmbeddingA: 16,
		config.StreamEmbeddingB: 16,
		config.StreamAcoustic:   24,
		config.StreamMel:        7,
		config.StreamProsodic:   16,
	}
	for name, dim := range want {
		v, ok := vec[name]
		if !ok || len(v) != dim {
			t.Fatalf("stream %s: expected %d values, got %d", name, dim, len(v))
		}
		nonzero := false
		for _, x := range v {
			if math.IsNaN(x) || math.IsInf(x, 0) {
				t.Fatalf("stream %s has non-finite value", name)
			}
			if x != 0 {
				nonzero = true
			}
		}
		if !nonzero {
			t.Fatalf("stream %s is all zero", name)
		}
	}
	for i, v := range vec[config.StreamMel] {
		lo, hi := -1.0, 0.0
		if i == 1 {
			lo, hi = 0, 0.5
		}
		if v < lo || v > hi {
			t.Fatalf("mel summary slot %d out of range: %v", i, vec[config.StreamMel])
		}
	}
	if vec[config.StreamMel][1] == 0 {
		t.Fatalf("a voiced signal should spread over the mel bins")
	}
	if vec[config.StreamAcoustic][0] < 0.12 || vec[config.StreamAcoustic][0] > 0.18 {
		t.Fatalf("expected mean pitch near 0.15 kHz, got %.3f", vec[config.StreamAcoustic][0])
	}
	if vec[config.StreamProsodic][0] <= 0 {
		t.Fatalf("expected a positive speaking rate")
	}
}

func TestExtractDeterministic(t *testing.T) {
	clip := speechClip(t, 4)
	ex1, _ := NewExtractor(testStreams(t), config.StreamLayout, nil)
	ex2, _ := NewExtractor(testStreams(t), config.StreamLayout, nil)
	a, err := ex1.Extract(context.Background(), clip)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	b, err := ex2.Extract(context.Background(), clip)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	for name, va := range a {
		for i := range va {
			if va[i] != b[name][i] {
				t.Fatalf("stream %s differs at %d", name, i)
			}
		}
	}
}

func TestDisabledStreamZeroFilled(t *testing.T) {
	enabled := []string{config.StreamEmbeddingA, config.StreamEmbeddingB, config.StreamMel, config.StreamProsodic}
	ex, err := NewExtractor(testStreams(t), enabled, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	vec, err := ex.Extract(context.Background(), speechClip(t, 4))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	acoustic, ok := vec[config.StreamAcoustic]
	if !ok || len(acoustic) != 24 {
		t.Fatalf("disabled stream must still be present with full width")
	}
	for _, v := range acoustic {
		if v != 0 {
			t.Fatalf("disabled stream must be zero filled")
		}
	}
	for _, info := range ex.Layout() {
		if info.Name == config.StreamAcoustic && info.Enabled {
			t.Fatalf("layout reports acoustic enabled")
		}
	}
}

type stubStream struct {
	name string
	dim  int
	out  []float64
	err  error
}

func (s stubStream) Name() string { return s.name }
func (s stubStream) Dim() int     { return s.dim }
func (s stubStream) Extract(ctx context.Context, _ *audio.Processed) ([]float64, error) {
	return s.out, s.err
}

func TestStreamFailureNamesStream(t *testing.T) {
	streams := []Stream{
		stubStream{name: "good", dim: 2, out: []float64{1, 2}},
		stubStream{name: "bad", dim: 2, err: errors.New("boom")},
	}
	ex, err := NewExtractor(streams, []string{"good", "bad"}, nil)
	if err != nil {
		t.Fatalf("new extractor: %v", err)
	}
	_, err = ex.Extract(context.Background(), &audio.Processed{SampleRate: testRate})
	if !errors.Is(err, ErrStreamUnavailable) {
		t.Fatalf("expected ErrStreamUnavailable, got %v", err)
	}
	var se *StreamError
	if !errors.As(err, &se) || se.Stream != "bad" {
		t.Fatalf("expected failure attributed to bad, got %v", err)
	}
}

func TestWrongWidthIsUnavailable(t *testing.T) {
	ex, _ := NewExtractor([]Stream{stubStream{name: "short", dim: 3, out: []float64{1}}}, []string{"short"}, nil)
	if _, err := ex.Extract(context.Background(), &audio.Processed{}); !errors.Is(err, ErrStreamUnavailable) {
		t.Fatalf("expected ErrStreamUnavailable, got %v", err)
	}
}

func TestUnknownEnabledStream(t *testing.T) {
	if _, err := NewExtractor(testStreams(t), []string{"pitch"}, nil); err == nil {
		t.Fatalf("expected error for unknown stream")
	}
}

func TestEncoderPoolingAndSeed(t *testing.T) {
	clip := speechClip(t, 3)
	mean, _ := NewEncoder("embedding-a", 8, PoolMean, 1)
	attn, _ := NewEncoder("embedding-a", 8, PoolAttention, 1)
	other, _ := NewEncoder("embedding-a", 8, PoolMean, 2)

	m, _ := mean.Extract(context.Background(), clip)
	a, _ := attn.Extract(context.Background(), clip)
	o, _ := other.Extract(context.Background(), clip)
	if equal(m, a) {
		t.Fatalf("attention pooling should differ from mean pooling")
	}
	if equal(m, o) {
		t.Fatalf("different seeds should give different embeddings")
	}
	if _, err := NewEncoder("x", 8, "last", 1); err == nil {
		t.Fatalf("expected error for unsupported pooling")
	}
}

type fakeEmbedder struct{ dim int }

func (f fakeEmbedder) Embed(_ context.Context, samples []float32, _ int) ([]float32, error) {
	out := make([]float32, f.dim)
	for i := range out {
		out[i] = samples[i]
	}
	return out, nil
}

func TestPluginStream(t *testing.T) {
	clip := speechClip(t, 3)
	s := NewPluginStream("embedding-b", 4, fakeEmbedder{dim: 4})
	v, err := s.Extract(context.Background(), clip)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	voiced := clip.Voiced()
	for i := range v {
		if math.Abs(v[i]-voiced[i]) > 1e-6 {
			t.Fatalf("value %d: expected %v, got %v", i, voiced[i], v[i])
		}
	}
}

func TestExecStream(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "embed.sh")
	body := "#!/bin/sh\necho '{\"embedding\": [0.1, 0.2, 0.3]}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	s, err := NewExecStream("embedding-a", 3, "sh "+script)
	if err != nil {
		t.Fatalf("new exec stream: %v", err)
	}
	v, err := s.Extract(context.Background(), speechClip(t, 3))
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if len(v) != 3 || v[2] != 0.3 {
		t.Fatalf("unexpected embedding %v", v)
	}
}

func equal(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestProsodicRateScaling(t *testing.T) {
	p := &audio.Processed{
		Samples:     make([]float64, testRate),
		SampleRate:  testRate,
		FillerCount: 3,
		Stats:       audio.Stats{DurationSeconds: 10, PauseRate: 0.4, SpeechRatio: 0.75, MeanPause: 0.5},
	}
	out, err := Prosodic{}.Extract(context.Background(), p)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if out[4] != 0.4 {
		t.Fatalf("pause rate should be per second, got %v", out[4])
	}
	if math.Abs(out[15]-0.3) > 1e-12 {
		t.Fatalf("filler rate should be per second, got %v", out[15])
	}
	if out[2] != 0.25 || out[3] != 0.5 {
		t.Fatalf("unexpected pause ratio or mean pause: %v", out[:4])
	}
}
