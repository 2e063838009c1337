// Package pipeline runs one analysis end to end: audio processing, feature
// extraction, fusion, prediction and feedback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/featurecache"
	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/fusion"
	"github.com/loqalabs/loqa-speech/internal/model"
)

// ErrOverloaded is returned when every worker is busy and the queue is full.
var ErrOverloaded = errors.New("analyzer overloaded")

// ErrBatchTooLarge is returned by AnalyzeBatch for more than max_batch items.
var ErrBatchTooLarge = errors.New("batch too large")

const instrumentation = "github.com/loqalabs/loqa-speech/internal/pipeline"

const (
	StatusOK         = "ok"
	StatusEmptyAudio = "empty_audio"
)

// Model is the inference handle the analyzer depends on. *model.Model
// satisfies it; tests substitute stubs.
type Model interface {
	Version() string
	Fuse(features.Vector) (fusion.Representation, error)
	Predict(ctx context.Context, rep fusion.Representation) (model.PredictionSet, error)
	PredictBatch(ctx context.Context, reps []fusion.Representation) ([]model.PredictionSet, error)
}

// Request is one clip to analyze.
type Request struct {
	ID         string
	SessionID  string
	Audio      []byte
	Format     audio.Format
	SampleRate int
	Channels   int
	Category   feedback.Category
	// Overrides replace individual thresholds for this request only.
	Overrides       map[string]float64
	IncludeFeatures bool
}

// Segment is a voiced region in seconds.
type Segment struct {
	Start      float64 `json:"start_s"`
	End        float64 `json:"end_s"`
	Confidence float64 `json:"confidence"`
}

type Result struct {
	ID              string               `json:"id"`
	SessionID       string               `json:"session_id,omitempty"`
	Status          string               `json:"status"`
	LowConfidence   bool                 `json:"low_confidence"`
	Category        feedback.Category    `json:"category"`
	ModelVersion    string               `json:"model_version"`
	Predictions     *model.PredictionSet `json:"predictions,omitempty"`
	Feedback        *feedback.Feedback   `json:"feedback,omitempty"`
	Features        features.Vector      `json:"features,omitempty"`
	FusionWeights   map[string]float64   `json:"fusion_weights,omitempty"`
	FusionDim       int                  `json:"fusion_dim,omitempty"`
	Segments        []Segment            `json:"segments"`
	Speech          audio.Stats          `json:"speech"`
	FillerWords     int                  `json:"filler_words"`
	Transcript      string               `json:"transcript,omitempty"`
	DurationSeconds float64              `json:"duration_s"`
	ElapsedMS       int64                `json:"elapsed_ms"`
	CacheHit        bool                 `json:"cache_hit"`
	CreatedAt       time.Time            `json:"created_at"`
}

type Options struct {
	Analysis   config.AnalysisConfig
	Thresholds feedback.Thresholds
	Cache      featurecache.Cache
	// Fingerprint identifies the processing and extraction settings in
	// cache keys.
	Fingerprint string
	Logger      *slog.Logger
}

// Analyzer is safe for concurrent use.
type Analyzer struct {
	processor  *audio.Processor
	extractor  *features.Extractor
	model      Model
	cache      featurecache.Cache
	setup      string
	thresholds feedback.Thresholds
	timeout    time.Duration
	maxBatch   int
	capacity   int64
	pending    atomic.Int64
	slots      *semaphore.Weighted
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    metrics
	now        func() time.Time
}

// New builds an analyzer. The model is required; a nil cache disables
// caching.
func New(p *audio.Processor, e *features.Extractor, m Model, opts Options) (*Analyzer, error) {
	if p == nil || e == nil {
		return nil, errors.New("pipeline requires a processor and an extractor")
	}
	if m == nil {
		return nil, model.ErrModelNotLoaded
	}
	if err := opts.Thresholds.Validate(); err != nil {
		return nil, err
	}
	workers := opts.Analysis.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := opts.Analysis.QueueDepth
	if queue < 0 {
		queue = 0
	}
	maxBatch := opts.Analysis.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1
	}
	cache := opts.Cache
	if cache == nil {
		cache = featurecache.Off{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Analyzer{
		processor:  p,
		extractor:  e,
		model:      m,
		cache:      cache,
		setup:      opts.Fingerprint,
		thresholds: opts.Thresholds,
		timeout:    time.Duration(opts.Analysis.TimeoutMS) * time.Millisecond,
		maxBatch:   maxBatch,
		capacity:   int64(workers + queue),
		slots:      semaphore.NewWeighted(int64(workers)),
		logger:     logger.With(slog.String("component", "pipeline")),
		tracer:     otel.Tracer(instrumentation),
		now:        time.Now,
	}
	if err := a.initMetrics(); err != nil {
		a.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return a, nil
}

// Thresholds returns the default thresholds.
func (a *Analyzer) Thresholds() feedback.Thresholds { return a.thresholds }

// Layout describes the feature streams.
func (a *Analyzer) Layout() []features.StreamInfo { return a.extractor.Layout() }

// Pending is the number of admitted requests, running or queued.
func (a *Analyzer) Pending() int64 { return a.pending.Load() }

// MaxBatch is the largest batch AnalyzeBatch accepts.
func (a *Analyzer) MaxBatch() int { return a.maxBatch }

// Analyze runs the pipeline on req. Requests beyond workers+queue_depth fail
// fast with ErrOverloaded. Too little speech is not an error: the result
// has Status empty_audio and no predictions.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	var d *draft
	err := a.admit(ctx, &req, func(ctx context.Context) error {
		var err error
		if d, err = a.prepare(ctx, req); err != nil || d.final {
			return err
		}
		preds, err := stage(ctx, a.tracer, "model.predict", func(ctx context.Context) (model.PredictionSet, error) {
			return a.model.Predict(ctx, d.rep)
		})
		if err != nil {
			return err
		}
		return a.finish(ctx, d, preds)
	})
	if err != nil {
		return nil, err
	}
	a.complete(ctx, d)
	return d.res, nil
}

// draft is an analysis that has been fused but not yet scored. A final
// draft needs no inference.
type draft struct {
	res        *Result
	rep        fusion.Representation
	thresholds feedback.Thresholds
	category   feedback.Category
	final      bool
	start      time.Time
}

// admit runs fn under the admission limits, the per-request timeout and a
// root span. Failures are logged and counted here.
func (a *Analyzer) admit(ctx context.Context, req *Request, fn func(context.Context) error) error {
	if a.pending.Add(1) > a.capacity {
		a.pending.Add(-1)
		a.metrics.record(ctx, "overloaded", 0)
		return ErrOverloaded
	}
	defer a.pending.Add(-1)

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	if err := a.slots.Acquire(ctx, 1); err != nil {
		a.metrics.record(ctx, "canceled", 0)
		return err
	}
	defer a.slots.Release(1)

	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ctx, span := a.tracer.Start(ctx, "speech.analyze", trace.WithAttributes(
		attribute.String("analysis.id", req.ID),
		attribute.String("analysis.category", req.Category.String()),
		attribute.Int("audio.bytes", len(req.Audio)),
	))
	defer span.End()

	start := a.now()
	err := fn(ctx)
	if err != nil {
		a.fail(ctx, req.ID, err, a.now().Sub(start))
		span.SetAttributes(attribute.String("analysis.status", failureStatus(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (a *Analyzer) fail(ctx context.Context, id string, err error, elapsed time.Duration) {
	a.metrics.record(ctx, failureStatus(err), elapsed.Seconds())
	a.logger.Warn("analysis failed", slog.String("id", id), slog.String("error", err.Error()))
}

// complete stamps the elapsed time of a finished draft and reports it.
func (a *Analyzer) complete(ctx context.Context, d *draft) {
	res := d.res
	elapsed := a.now().Sub(d.start)
	res.ElapsedMS = elapsed.Milliseconds()
	a.metrics.record(ctx, res.Status, elapsed.Seconds())
	a.logger.Info("analysis complete",
		slog.String("id", res.ID),
		slog.String("status", res.Status),
		slog.Float64("duration_s", res.DurationSeconds),
		slog.Int64("elapsed_ms", res.ElapsedMS),
		slog.Bool("cache_hit", res.CacheHit),
	)
}

// prepare processes, extracts and fuses req.
func (a *Analyzer) prepare(ctx context.Context, req Request) (*draft, error) {
	thresholds, err := a.thresholds.With(req.Overrides)
	if err != nil {
		return nil, err
	}

	d := &draft{
		res: &Result{
			ID:           req.ID,
			SessionID:    req.SessionID,
			Category:     req.Category,
			ModelVersion: a.model.Version(),
			CreatedAt:    a.now().UTC(),
		},
		thresholds: thresholds,
		category:   req.Category,
		start:      a.now(),
	}

	processed, err := stage(ctx, a.tracer, "audio.process", func(ctx context.Context) (*audio.Processed, error) {
		return a.processor.Process(ctx, audio.Input{
			Data:       req.Audio,
			Format:     req.Format,
			SampleRate: req.SampleRate,
			Channels:   req.Channels,
		})
	})
	if processed != nil {
		d.res.fillAudio(processed)
	}
	if errors.Is(err, audio.ErrEmptyAudio) && processed != nil {
		d.res.Status = StatusEmptyAudio
		d.res.LowConfidence = true
		d.final = true
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("analysis.status", StatusEmptyAudio))
		return d, nil
	}
	if err != nil {
		return nil, err
	}

	vector, hit, err := a.extract(ctx, req, processed)
	if err != nil {
		return nil, err
	}
	d.res.CacheHit = hit
	if req.IncludeFeatures {
		d.res.Features = vector
	}

	d.rep, err = stage(ctx, a.tracer, "model.fuse", func(context.Context) (fusion.Representation, error) {
		return a.model.Fuse(vector)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// finish turns predictions into feedback and completes the result.
func (a *Analyzer) finish(ctx context.Context, d *draft, preds model.PredictionSet) error {
	fb, err := stage(ctx, a.tracer, "feedback.generate", func(context.Context) (feedback.Feedback, error) {
		return feedback.Generate(preds, d.category, d.thresholds)
	})
	if err != nil {
		return err
	}
	res := d.res
	res.Status = StatusOK
	res.Predictions = &preds
	res.Feedback = &fb
	res.FusionWeights = d.rep.WeightMap()
	res.FusionDim = len(d.rep.Vector)
	trace.SpanFromContext(ctx).SetAttributes(attribute.String("analysis.status", StatusOK))
	return nil
}

func (a *Analyzer) extract(ctx context.Context, req Request, p *audio.Processed) (features.Vector, bool, error) {
	key := featurecache.Key(featurecache.KeyParts{
		Audio:        req.Audio,
		Format:       string(req.Format),
		SampleRate:   req.SampleRate,
		Channels:     req.Channels,
		Streams:      a.extractor.Enabled(),
		ModelVersion: a.model.Version(),
		Setup:        a.setup,
	})
	cached, ok, err := a.cache.Get(ctx, key)
	if err != nil {
		a.logger.Warn("feature cache read failed", slog.String("error", err.Error()))
	}
	if ok {
		a.metrics.cache(ctx, true)
		return cached, true, nil
	}
	a.metrics.cache(ctx, false)

	v, err := stage(ctx, a.tracer, "features.extract", func(ctx context.Context) (features.Vector, error) {
		return a.extractor.Extract(ctx, p)
	})
	if err != nil {
		return nil, false, err
	}
	if err := a.cache.Set(ctx, key, v); err != nil {
		a.logger.Warn("feature cache write failed", slog.String("error", err.Error()))
	}
	return v, false, nil
}

func (r *Result) fillAudio(p *audio.Processed) {
	r.Speech = p.Stats
	r.FillerWords = p.FillerCount
	r.Transcript = p.Transcript
	r.DurationSeconds = p.Stats.DurationSeconds
	r.Segments = make([]Segment, len(p.Segments))
	for i, s := range p.Segments {
		start, end := s.Seconds(p.SampleRate)
		r.Segments[i] = Segment{Start: start, End: end, Confidence: s.Confidence}
	}
}

// stage runs fn inside a child span.
func stage[T any](ctx context.Context, tracer trace.Tracer, name string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()
	if err := ctx.Err(); err != nil {
		var zero T
		return zero, err
	}
	v, err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// failureStatus labels a failed analysis in metrics.
func failureStatus(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// BatchItem is the outcome of one request in a batch. Exactly one of Result
// and Error is set.
type BatchItem struct {
	Index  int     `json:"index"`
	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// AnalyzeBatch analyzes reqs. Audio processing and extraction run per item
// under the analyzer's admission control; every item that reaches the model
// is then scored in one PredictBatch call, bounded by the model's batch
// size. Individual failures are reported per item.
func (a *Analyzer) AnalyzeBatch(ctx context.Context, reqs []Request) ([]BatchItem, error) {
	if len(reqs) == 0 {
		return nil, errors.New("empty batch")
	}
	if len(reqs) > a.maxBatch {
		return nil, fmt.Errorf("%d requests, max %d: %w", len(reqs), a.maxBatch, ErrBatchTooLarge)
	}
	items := make([]BatchItem, len(reqs))
	drafts := make([]*draft, len(reqs))
	var wg sync.WaitGroup
	for i, req := range reqs {
		items[i].Index = i
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := a.prepareQueued(ctx, req)
			switch {
			case err != nil:
				items[i].fail(err)
			case d.final:
				a.complete(ctx, d)
				items[i].Result = d.res
			default:
				drafts[i] = d
			}
		}()
	}
	wg.Wait()
	a.scoreBatch(ctx, items, drafts)
	return items, nil
}

func (it *BatchItem) fail(err error) {
	it.Error = err.Error()
	it.Code = ErrorCode(err)
}

// scoreBatch predicts every pending draft at once. An inference failure
// fails every item that reached the model.
func (a *Analyzer) scoreBatch(ctx context.Context, items []BatchItem, drafts []*draft) {
	var (
		idx  []int
		reps []fusion.Representation
	)
	for i, d := range drafts {
		if d != nil {
			idx = append(idx, i)
			reps = append(reps, d.rep)
		}
	}
	if len(reps) == 0 {
		return
	}
	preds, err := stage(ctx, a.tracer, "model.predict_batch", func(ctx context.Context) ([]model.PredictionSet, error) {
		return a.model.PredictBatch(ctx, reps)
	})
	if err == nil && len(preds) != len(reps) {
		err = fmt.Errorf("%d predictions for %d items: %w", len(preds), len(reps), model.ErrInference)
	}
	for k, i := range idx {
		d := drafts[i]
		ierr := err
		if ierr == nil {
			ierr = a.finish(ctx, d, preds[k])
		}
		if ierr != nil {
			a.fail(ctx, d.res.ID, ierr, a.now().Sub(d.start))
			items[i].fail(ierr)
			continue
		}
		a.complete(ctx, d)
		items[i].Result = d.res
	}
}

// prepareQueued retries admission briefly so a batch does not overload
// itself when it is larger than the queue.
func (a *Analyzer) prepareQueued(ctx context.Context, req Request) (*draft, error) {
	for {
		var d *draft
		err := a.admit(ctx, &req, func(ctx context.Context) error {
			var err error
			d, err = a.prepare(ctx, req)
			return err
		})
		if !errors.Is(err, ErrOverloaded) {
			return d, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

type metrics struct {
	duration metric.Float64Histogram
	requests metric.Int64Counter
	cacheOps metric.Int64Counter
}

func (a *Analyzer) initMetrics() error {
	meter := otel.Meter(instrumentation)
	var err error
	if a.metrics.duration, err = meter.Float64Histogram("speech.analysis.duration",
		metric.WithDescription("Analysis latency"), metric.WithUnit("s")); err != nil {
		return err
	}
	if a.metrics.requests, err = meter.Int64Counter("speech.analysis.requests",
		metric.WithDescription("Analyses by outcome")); err != nil {
		return err
	}
	if a.metrics.cacheOps, err = meter.Int64Counter("speech.features.cache",
		metric.WithDescription("Feature cache lookups")); err != nil {
		return err
	}
	inflight, err := meter.Int64ObservableGauge("speech.analysis.inflight",
		metric.WithDescription("Admitted analyses, running or queued"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(inflight, a.pending.Load())
		return nil
	}, inflight)
	return err
}

func (m metrics) record(ctx context.Context, status string, seconds float64) {
	attrs := metric.WithAttributes(attribute.String("status", status))
	if m.requests != nil {
		m.requests.Add(ctx, 1, attrs)
	}
	if m.duration != nil && seconds > 0 {
		m.duration.Record(ctx, seconds, attrs)
	}
}

func (m metrics) cache(ctx context.Context, hit bool) {
	if m.cacheOps == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheOps.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}
