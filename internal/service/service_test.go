package service

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/model"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

// stubAnalyzer records requests and returns a fixed result.
type stubAnalyzer struct {
	mu   sync.Mutex
	reqs []pipeline.Request
}

func (a *stubAnalyzer) Analyze(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	a.mu.Lock()
	a.reqs = append(a.reqs, req)
	a.mu.Unlock()
	if req.ID == "" {
		req.ID = "generated"
	}
	p := model.PredictionSet{Nervousness: 0.3, Confidence: 0.8, Fluency: 0.7, Pace: 0.6, Tone: 0.6}
	th, err := feedback.DefaultThresholds().With(req.Overrides)
	if err != nil {
		return nil, err
	}
	fb, err := feedback.Generate(p, req.Category, th)
	if err != nil {
		return nil, err
	}
	return &pipeline.Result{
		ID:              req.ID,
		SessionID:       req.SessionID,
		Status:          pipeline.StatusOK,
		Category:        req.Category,
		ModelVersion:    "stub",
		Predictions:     &p,
		Feedback:        &fb,
		DurationSeconds: float64(len(req.Audio)) / 2 / 16000,
		CreatedAt:       time.Now().UTC(),
	}, nil
}

func (a *stubAnalyzer) requests() []pipeline.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]pipeline.Request(nil), a.reqs...)
}

type harness struct {
	svc      *Service
	conn     *nats.Conn
	analyzer *stubAnalyzer
	store    *eventstore.Store
}

func startHarness(t *testing.T, maxBytes int) harness {
	t.Helper()
	return startHarnessWith(t, Options{MaxBytes: maxBytes, RetainResults: true})
}

func startHarnessWith(t *testing.T, opts Options) harness {
	t.Helper()
	logger := quietLogger()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, logger)
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)

	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{srv.ClientURL()}, ConnectTimeout: 2000}, logger)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)

	store, err := eventstore.Open(context.Background(), config.EventStoreConfig{
		Path:          filepath.Join(t.TempDir(), "events.db"),
		RetentionMode: "session",
	}, logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	analyzer := &stubAnalyzer{}
	opts.Logger = logger
	svc := NewService(context.Background(), client, analyzer, store, opts)
	if err := svc.Start(); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(svc.Close)
	if !svc.Healthy() {
		t.Fatalf("service should be healthy")
	}
	return harness{svc: svc, conn: client.Conn(), analyzer: analyzer, store: store}
}

func publishFrame(t *testing.T, conn *nats.Conn, f protocol.AudioFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.Publish(protocol.AudioFrameSubject(f.SessionID), data); err != nil {
		t.Fatalf("publish frame: %v", err)
	}
}

func nextResult(t *testing.T, sub *nats.Subscription) protocol.AnalysisResult {
	t.Helper()
	msg, err := sub.NextMsg(5 * time.Second)
	if err != nil {
		t.Fatalf("waiting for result: %v", err)
	}
	var out protocol.AnalysisResult
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	return out
}

func TestStreamedFramesAreAnalysed(t *testing.T) {
	h := startHarness(t, 1<<20)
	sub, err := h.conn.SubscribeSync(protocol.ResultSubject("interview-7"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	for i := 0; i < 3; i++ {
		publishFrame(t, h.conn, protocol.AudioFrame{
			SessionID:  "interview-7",
			Sequence:   i,
			SampleRate: 16000,
			Channels:   1,
			PCM:        make([]byte, 3200),
			Final:      i == 2,
			Category:   "behavioral",
		})
	}

	out := nextResult(t, sub)
	if out.Error != nil {
		t.Fatalf("unexpected error %+v", out.Error)
	}
	var res pipeline.Result
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if res.SessionID != "interview-7" || res.Category != feedback.Behavioral {
		t.Fatalf("unexpected result %+v", res)
	}

	reqs := h.analyzer.requests()
	if len(reqs) != 1 || len(reqs[0].Audio) != 9600 || reqs[0].SampleRate != 16000 {
		t.Fatalf("expected one request with all frames, got %d", len(reqs))
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		list, err := h.store.ListAnalyses(context.Background(), "interview-7", 10)
		if err != nil {
			t.Fatalf("list analyses: %v", err)
		}
		if len(list) == 1 {
			if list[0].Category != "behavioral" || list[0].ID != res.ID {
				t.Fatalf("unexpected stored analysis %+v", list[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("analysis was not recorded")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestOversizedSessionReportsTooLarge(t *testing.T) {
	h := startHarness(t, 4000)
	sub, err := h.conn.SubscribeSync(protocol.ResultSubject("big"))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	publishFrame(t, h.conn, protocol.AudioFrame{SessionID: "big", SampleRate: 16000, Channels: 1, PCM: make([]byte, 3200)})
	publishFrame(t, h.conn, protocol.AudioFrame{SessionID: "big", SampleRate: 16000, Channels: 1, PCM: make([]byte, 3200), Final: true})

	out := nextResult(t, sub)
	if out.Error == nil || out.Error.Code != pipeline.CodeTooLarge {
		t.Fatalf("expected too_large, got %+v", out.Error)
	}
	if len(h.analyzer.requests()) != 0 {
		t.Fatalf("oversized session must not be analysed")
	}
}

func TestRequestReply(t *testing.T) {
	h := startHarness(t, 1<<20)
	data, _ := json.Marshal(protocol.AnalysisRequest{
		RequestID:  "req-1",
		Audio:      make([]byte, 32000),
		Format:     "pcm_s16le",
		SampleRate: 16000,
		Channels:   1,
		Category:   "technical",
		Thresholds: map[string]float64{"confidence": 0.9},
	})
	msg, err := h.conn.Request(protocol.SubjectAnalyze, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out protocol.AnalysisResult
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.Error != nil || out.RequestID != "req-1" {
		t.Fatalf("unexpected reply %+v", out)
	}
	var res pipeline.Result
	if err := json.Unmarshal(out.Result, &res); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if res.Feedback.Result(feedback.Confidence).Passed {
		t.Fatalf("confidence 0.8 should fail the 0.9 override")
	}
	reqs := h.analyzer.requests()
	if len(reqs) != 1 || reqs[0].Category != feedback.Technical || reqs[0].Format != "pcm_s16le" {
		t.Fatalf("unexpected request %+v", reqs)
	}
}

func TestRequestUnknownCategory(t *testing.T) {
	h := startHarness(t, 1<<20)
	data, _ := json.Marshal(protocol.AnalysisRequest{Audio: []byte{0, 0}, Category: "trivia"})
	msg, err := h.conn.Request(protocol.SubjectAnalyze, data, 5*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var out protocol.AnalysisResult
	if err := json.Unmarshal(msg.Data, &out); err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if out.Error == nil || out.Error.Code != pipeline.CodeUnknownCategory {
		t.Fatalf("expected unknown_category, got %+v", out.Error)
	}
	if len(h.analyzer.requests()) != 0 {
		t.Fatalf("analyzer should not run")
	}
}

func (s *Service) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func TestIdleSessionIsDropped(t *testing.T) {
	h := startHarnessWith(t, Options{MaxBytes: 1 << 20, IdleTimeout: 100 * time.Millisecond})
	publishFrame(t, h.conn, protocol.AudioFrame{SessionID: "quiet", Sequence: 1, SampleRate: 16000, Channels: 1, PCM: make([]byte, 3200)})
	if err := h.conn.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for h.svc.sessionCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("frame never buffered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	for h.svc.sessionCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("idle session was not dropped")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if n := len(h.analyzer.requests()); n != 0 {
		t.Fatalf("an idle session must not be analysed, got %d requests", n)
	}
}
