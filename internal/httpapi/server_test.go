package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/fleet"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/model"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
)

type stubAnalyzer struct {
	err  error
	last pipeline.Request
	n    int
}

func (s *stubAnalyzer) Analyze(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	if string(req.Audio) == "unsupported" {
		return nil, fmt.Errorf("ogg: %w", audio.ErrUnsupportedFormat)
	}
	thr, err := feedback.DefaultThresholds().With(req.Overrides)
	if err != nil {
		return nil, err
	}
	p := model.PredictionSet{Nervousness: 0.3, Confidence: 0.75, Fluency: 0.8, Pace: 0.4, Tone: 0.65}
	fb, err := feedback.Generate(p, req.Category, thr)
	if err != nil {
		return nil, err
	}
	s.n++
	return &pipeline.Result{
		ID:           fmt.Sprintf("analysis-%d", s.n),
		SessionID:    req.SessionID,
		Status:       pipeline.StatusOK,
		Category:     req.Category,
		ModelVersion: "test",
		Predictions:  &p,
		Feedback:     &fb,
		CreatedAt:    time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (s *stubAnalyzer) AnalyzeBatch(ctx context.Context, reqs []pipeline.Request) ([]pipeline.BatchItem, error) {
	items := make([]pipeline.BatchItem, len(reqs))
	for i, req := range reqs {
		items[i].Index = i
		res, err := s.Analyze(ctx, req)
		if err != nil {
			items[i].Error = err.Error()
			items[i].Code = pipeline.ErrorCode(err)
			continue
		}
		items[i].Result = res
	}
	return items, nil
}

func (s *stubAnalyzer) Layout() []features.StreamInfo {
	return []features.StreamInfo{{Name: "acoustic", Dim: 8, Enabled: true}}
}

func (s *stubAnalyzer) Thresholds() feedback.Thresholds { return feedback.DefaultThresholds() }

func (s *stubAnalyzer) MaxBatch() int { return 2 }

func newServer(t *testing.T, a Analyzer) (*Server, *eventstore.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "history.db"),
		RetentionMode: "session",
		RetentionDays: 7,
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(a, Options{BodyLimitMB: 1, History: store, Logger: logger}), store
}

func do(t *testing.T, s *Server, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var body ErrorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body
}

func multipartBody(t *testing.T, fields map[string]string, clips ...string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	for i, clip := range clips {
		part, err := w.CreateFormFile("audio", fmt.Sprintf("clip%d.wav", i))
		if err != nil {
			t.Fatalf("create part: %v", err)
		}
		part.Write([]byte(clip))
	}
	w.Close()
	return &buf, w.FormDataContentType()
}

func TestHealthAndReadiness(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	if rec := do(t, s, httptest.NewRequest(http.MethodGet, "/healthz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("healthz returned %d", rec.Code)
	}
	ready := false
	s.opts.Ready = func() bool { return ready }
	if rec := do(t, s, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", rec.Code)
	}
	ready = true
	if rec := do(t, s, httptest.NewRequest(http.MethodGet, "/readyz", nil)); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when ready, got %d", rec.Code)
	}
}

func TestModelInfo(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/v1/model", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d", rec.Code)
	}
	var body modelResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Streams) != 1 || body.MaxBatch != 2 || len(body.Categories) != 4 {
		t.Fatalf("unexpected model response %+v", body)
	}
	if body.Thresholds != feedback.DefaultThresholds() {
		t.Fatalf("unexpected thresholds %+v", body.Thresholds)
	}
}

func TestAnalyzeRawBodyWithOverrides(t *testing.T) {
	stub := &stubAnalyzer{}
	s, store := newServer(t, stub)
	req := httptest.NewRequest(http.MethodPost,
		"/v1/analyze?category=technical&format=pcm_s16le&sample_rate=16000&channels=1&session_id=s1&threshold_confidence=0.9",
		strings.NewReader("pcm-bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	rec := do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if stub.last.Format != audio.FormatPCM16 || stub.last.SampleRate != 16000 || stub.last.Category != feedback.Technical {
		t.Fatalf("request not parsed: %+v", stub.last)
	}
	if stub.last.Overrides["confidence"] != 0.9 {
		t.Fatalf("override not applied: %v", stub.last.Overrides)
	}

	var res pipeline.Result
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Feedback.Result(feedback.Confidence).Passed {
		t.Fatalf("confidence 0.75 should fail at threshold 0.9")
	}

	stored, err := store.GetAnalysis(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("analysis not recorded: %v", err)
	}
	if stored.SessionID != "s1" || stored.Category != "technical" {
		t.Fatalf("unexpected stored analysis %+v", stored)
	}

	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/v1/analyses/"+res.ID, nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"`+res.ID+`"`) {
		t.Fatalf("history lookup failed: %d %s", rec.Code, rec.Body.String())
	}
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/analyses", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), res.ID) {
		t.Fatalf("session listing failed: %d %s", rec.Code, rec.Body.String())
	}
}

func TestAnalyzeMultipart(t *testing.T) {
	stub := &stubAnalyzer{}
	s, _ := newServer(t, stub)
	body, ct := multipartBody(t, map[string]string{"category": "behavioral"}, "wav-bytes")
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	req.Header.Set("Content-Type", ct)
	rec := do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	if string(stub.last.Audio) != "wav-bytes" || stub.last.Category != feedback.Behavioral {
		t.Fatalf("multipart not parsed: %+v", stub.last)
	}
}

func TestAnalyzeMultipartRequiresAudio(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	body, ct := multipartBody(t, map[string]string{"category": "general"})
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze", body)
	req.Header.Set("Content-Type", ct)
	rec := do(t, s, req)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != codeBadRequest {
		t.Fatalf("expected bad_request, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		url    string
		body   string
		err    error
		status int
		code   string
	}{
		{"unknown category", "/v1/analyze?category=poetry", "x", nil, http.StatusBadRequest, pipeline.CodeUnknownCategory},
		{"bad threshold", "/v1/analyze?threshold_tone=1.5", "x", nil, http.StatusBadRequest, pipeline.CodeInvalidThreshold},
		{"unparsable threshold", "/v1/analyze?threshold_tone=abc", "x", nil, http.StatusBadRequest, codeBadRequest},
		{"unsupported", "/v1/analyze", "unsupported", nil, http.StatusUnsupportedMediaType, pipeline.CodeUnsupportedFormat},
		{"overloaded", "/v1/analyze", "x", pipeline.ErrOverloaded, http.StatusServiceUnavailable, pipeline.CodeOverloaded},
		{"model", "/v1/analyze", "x", model.ErrModelNotLoaded, http.StatusServiceUnavailable, pipeline.CodeModelNotLoaded},
		{"too long", "/v1/analyze", "x", audio.ErrTooLong, http.StatusBadRequest, pipeline.CodeTooLong},
		{"timeout", "/v1/analyze", "x", context.DeadlineExceeded, http.StatusGatewayTimeout, pipeline.CodeTimeout},
		{"inference", "/v1/analyze", "x", model.ErrInference, http.StatusInternalServerError, pipeline.CodeInference},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s, _ := newServer(t, &stubAnalyzer{err: tc.err})
			rec := do(t, s, httptest.NewRequest(http.MethodPost, tc.url, strings.NewReader(tc.body)))
			if rec.Code != tc.status {
				t.Fatalf("expected %d, got %d: %s", tc.status, rec.Code, rec.Body.String())
			}
			if got := decodeError(t, rec).Error; got != tc.code {
				t.Fatalf("expected code %s, got %s", tc.code, got)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	big := bytes.Repeat([]byte{1}, 2<<20)
	rec := do(t, s, httptest.NewRequest(http.MethodPost, "/v1/analyze", bytes.NewReader(big)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
	if decodeError(t, rec).Error != pipeline.CodeTooLarge {
		t.Fatalf("unexpected error body %s", rec.Body.String())
	}
}

func TestAnalyzeBatch(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	body, ct := multipartBody(t, nil, "one", "unsupported")
	req := httptest.NewRequest(http.MethodPost, "/v1/analyze/batch", body)
	req.Header.Set("Content-Type", ct)
	rec := do(t, s, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var out batchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Items) != 2 || out.Items[0].Result == nil || out.Items[1].Error == nil {
		t.Fatalf("unexpected batch response %s", rec.Body.String())
	}
	if out.Items[1].Error.Error != pipeline.CodeUnsupportedFormat {
		t.Fatalf("unexpected item error %+v", out.Items[1].Error)
	}

	body, ct = multipartBody(t, nil, "a", "b", "c")
	req = httptest.NewRequest(http.MethodPost, "/v1/analyze/batch", body)
	req.Header.Set("Content-Type", ct)
	rec = do(t, s, req)
	if rec.Code != http.StatusBadRequest || decodeError(t, rec).Error != pipeline.CodeBatchTooLarge {
		t.Fatalf("expected batch_too_large, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestUnknownAnalysis(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/v1/analyses/missing", nil))
	if rec.Code != http.StatusNotFound || decodeError(t, rec).Error != codeNotFound {
		t.Fatalf("expected not_found, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestNodes(t *testing.T) {
	s, _ := newServer(t, &stubAnalyzer{})
	rec := do(t, s, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	if rec.Code != http.StatusServiceUnavailable || decodeError(t, rec).Error != codeBusDisabled {
		t.Fatalf("expected bus_disabled, got %d %s", rec.Code, rec.Body.String())
	}

	s.opts.Nodes = func() []fleet.NodeInfo {
		return []fleet.NodeInfo{{ID: "speechd-1", ModelVersion: "test", Healthy: true}}
	}
	rec = do(t, s, httptest.NewRequest(http.MethodGet, "/v1/nodes", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"id":"speechd-1"`) {
		t.Fatalf("unexpected nodes response %d %s", rec.Code, rec.Body.String())
	}
}
