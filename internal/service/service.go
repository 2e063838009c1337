// Package service analyses audio arriving over the bus: streamed frames
// buffered per session, and one-shot request/reply calls.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	"github.com/loqalabs/loqa-speech/internal/protocol"
)

// ResultStream is the JetStream stream that retains published results.
const ResultStream = "SPEECH_RESULTS"

const resultRetention = 24 * time.Hour

// Analyzer runs one analysis. *pipeline.Analyzer satisfies it.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Recorder persists finished analyses. *eventstore.Store satisfies it.
type Recorder interface {
	AppendSession(ctx context.Context, sessionID, actorID, privacy string) error
	AppendEvent(ctx context.Context, evt eventstore.Event) error
	RecordAnalysis(ctx context.Context, a eventstore.Analysis) error
}

type Options struct {
	// MaxBytes bounds the PCM buffered per session.
	MaxBytes int
	// RetainResults captures published results in a JetStream stream.
	RetainResults bool
	// IdleTimeout drops sessions that stop sending frames; zero disables.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

type Service struct {
	opts     Options
	bus      *bus.Client
	analyzer Analyzer
	store    Recorder
	log      *slog.Logger
	sessions map[string]*sessionState
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	subs     []*nats.Subscription
	wg       sync.WaitGroup
	ready    bool
	now      func() time.Time
}

type sessionState struct {
	Buffer       []byte
	SampleRate   int
	Channels     int
	Category     string
	Thresholds   map[string]float64
	Overflow     bool
	Inflight     bool
	PendingFinal bool
	LastFrame    time.Time
}

// NewService wires the service. store may be nil.
func NewService(parent context.Context, busClient *bus.Client, analyzer Analyzer, store Recorder, opts Options) *Service {
	ctx, cancel := context.WithCancel(parent)
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Service{
		opts:     opts,
		bus:      busClient,
		analyzer: analyzer,
		store:    store,
		log:      opts.Logger.With(slog.String("component", "speech-service")),
		sessions: make(map[string]*sessionState),
		ctx:      ctx,
		cancel:   cancel,
		now:      time.Now,
	}
}

func (s *Service) Start() error {
	conn := s.bus.Conn()
	frames, err := conn.Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	s.subs = append(s.subs, frames)

	requests, err := conn.QueueSubscribe(protocol.SubjectAnalyze, "speechd", s.handleRequest)
	if err != nil {
		s.drain()
		return fmt.Errorf("subscribe analyze requests: %w", err)
	}
	s.subs = append(s.subs, requests)

	if s.opts.RetainResults {
		subjects := []string{protocol.SubjectAnalysisResultPrefix + ".>"}
		if err := s.bus.EnsureStream(ResultStream, subjects, resultRetention); err != nil {
			s.log.Warn("result stream unavailable", slogError(err))
		}
	}
	if s.opts.IdleTimeout > 0 {
		s.wg.Add(1)
		go s.sweepIdle()
	}
	s.mu.Lock()
	s.ready = true
	s.mu.Unlock()
	return nil
}

// sweepIdle drops sessions that have gone quiet without a final frame.
func (s *Service) sweepIdle() {
	defer s.wg.Done()
	interval := max(min(s.opts.IdleTimeout/2, time.Second), time.Millisecond)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle()
		}
	}
}

func (s *Service) evictIdle() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, state := range s.sessions {
		if state.Inflight || state.PendingFinal || now.Sub(state.LastFrame) < s.opts.IdleTimeout {
			continue
		}
		delete(s.sessions, id)
		s.log.Info("dropped idle session",
			slog.String("session_id", id),
			slog.Int("buffered_bytes", len(state.Buffer)),
		)
	}
}

func (s *Service) Close() {
	s.cancel()
	s.drain()
	s.wg.Wait()
}

func (s *Service) drain() {
	for _, sub := range s.subs {
		_ = sub.Drain()
	}
	s.subs = nil
}

func (s *Service) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready && s.bus.Healthy()
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.log.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		s.log.Warn("audio frame without session id", slog.String("subject", msg.Subject))
		return
	}

	s.mu.Lock()
	state := s.sessions[frame.SessionID]
	if state == nil {
		state = &sessionState{SampleRate: frame.SampleRate, Channels: frame.Channels}
		s.sessions[frame.SessionID] = state
	}
	state.LastFrame = s.now()
	if frame.Category != "" {
		state.Category = frame.Category
	}
	if frame.Thresholds != nil {
		state.Thresholds = frame.Thresholds
	}
	if s.opts.MaxBytes > 0 && len(state.Buffer)+len(frame.PCM) > s.opts.MaxBytes {
		state.Overflow = true
	} else {
		state.Buffer = append(state.Buffer, frame.PCM...)
	}
	s.mu.Unlock()

	if frame.Final {
		s.scheduleAnalysis(frame.SessionID)
	}
}

// scheduleAnalysis starts the analysis of a session's buffer. A session has
// at most one analysis in flight; a final frame arriving meanwhile is
// analysed once the current one finishes.
func (s *Service) scheduleAnalysis(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	if state == nil {
		s.mu.Unlock()
		return
	}
	if state.Inflight {
		state.PendingFinal = true
		s.mu.Unlock()
		return
	}
	snapshot := *state
	state.Buffer = nil
	state.Overflow = false
	state.Inflight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if snapshot.Overflow {
			err := fmt.Errorf("session buffer exceeds %d bytes: %w", s.opts.MaxBytes, audio.ErrTooLarge)
			s.publish(sessionID, "", nil, err)
		} else {
			req, err := buildRequest(sessionID, snapshot.Category, snapshot.Thresholds)
			if err == nil {
				req.Audio = snapshot.Buffer
				req.Format = audio.FormatPCM16
				req.SampleRate = snapshot.SampleRate
				req.Channels = snapshot.Channels
				res, aerr := s.analyzer.Analyze(s.ctx, req)
				s.publish(sessionID, req.ID, res, aerr)
			} else {
				s.publish(sessionID, "", nil, err)
			}
		}

		s.mu.Lock()
		var pendingFinal bool
		if state := s.sessions[sessionID]; state != nil {
			state.Inflight = false
			pendingFinal = state.PendingFinal
			state.PendingFinal = false
			if !pendingFinal && len(state.Buffer) == 0 {
				delete(s.sessions, sessionID)
			}
		}
		s.mu.Unlock()

		if pendingFinal {
			s.scheduleAnalysis(sessionID)
		}
	}()
}

func (s *Service) handleRequest(msg *nats.Msg) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var in protocol.AnalysisRequest
		if err := json.Unmarshal(msg.Data, &in); err != nil {
			s.respond(msg, protocol.AnalysisResult{
				Error:     &protocol.Error{Code: "bad_request", Message: err.Error()},
				Timestamp: time.Now().UTC(),
			})
			return
		}
		req, err := buildRequest(in.SessionID, in.Category, in.Thresholds)
		if err != nil {
			s.respond(msg, s.envelope(in.SessionID, in.RequestID, nil, err))
			return
		}
		if in.RequestID != "" {
			req.ID = in.RequestID
		}
		req.Audio = in.Audio
		req.Format = audio.ParseFormat(in.Format)
		req.SampleRate = in.SampleRate
		req.Channels = in.Channels
		req.IncludeFeatures = in.IncludeFeatures

		res, err := s.analyzer.Analyze(s.ctx, req)
		s.record(in.SessionID, res, err)
		s.respond(msg, s.envelope(in.SessionID, req.ID, res, err))
	}()
}

func buildRequest(sessionID, category string, thresholds map[string]float64) (pipeline.Request, error) {
	c, err := feedback.ParseCategory(category)
	if err != nil {
		return pipeline.Request{}, err
	}
	return pipeline.Request{SessionID: sessionID, Category: c, Overrides: thresholds}, nil
}

func (s *Service) envelope(sessionID, requestID string, res *pipeline.Result, err error) protocol.AnalysisResult {
	out := protocol.AnalysisResult{SessionID: sessionID, RequestID: requestID, Timestamp: time.Now().UTC()}
	if err != nil {
		out.Error = &protocol.Error{Code: pipeline.ErrorCode(err), Message: err.Error()}
		return out
	}
	data, merr := json.Marshal(res)
	if merr != nil {
		out.Error = &protocol.Error{Code: pipeline.CodeInternal, Message: merr.Error()}
		return out
	}
	out.Result = data
	return out
}

func (s *Service) publish(sessionID, requestID string, res *pipeline.Result, err error) {
	s.record(sessionID, res, err)
	data, merr := json.Marshal(s.envelope(sessionID, requestID, res, err))
	if merr != nil {
		s.log.Warn("failed to marshal analysis result", slogError(merr))
		return
	}
	if perr := s.bus.Conn().Publish(protocol.ResultSubject(sessionID), data); perr != nil {
		s.log.Warn("failed to publish analysis result", slogError(perr))
	}
}

func (s *Service) respond(msg *nats.Msg, out protocol.AnalysisResult) {
	data, err := json.Marshal(out)
	if err != nil {
		s.log.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.log.Warn("failed to send reply", slogError(err))
	}
}

// record persists a finished analysis, or an error event for failures on a
// session.
func (s *Service) record(sessionID string, res *pipeline.Result, err error) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err != nil {
		if sessionID == "" {
			return
		}
		payload, _ := json.Marshal(protocol.Error{Code: pipeline.ErrorCode(err), Message: err.Error()})
		if serr := s.store.AppendSession(ctx, sessionID, "", "session"); serr != nil {
			s.log.Warn("failed to record session", slogError(serr))
			return
		}
		if eerr := s.store.AppendEvent(ctx, eventstore.Event{SessionID: sessionID, Type: "analysis.error", Payload: payload}); eerr != nil {
			s.log.Warn("failed to record analysis error", slogError(eerr))
		}
		return
	}
	a, rerr := res.Record()
	if rerr == nil {
		rerr = s.store.RecordAnalysis(ctx, a)
	}
	if rerr != nil {
		s.log.Warn("failed to record analysis", slogError(rerr))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
