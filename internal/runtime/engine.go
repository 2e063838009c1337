package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/featurecache"
	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/model"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
	pluginrt "github.com/loqalabs/loqa-speech/internal/plugins/runtime"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// Engine is the analysis core without any surface: model, streams, cache
// and analyzer. The CLI uses it directly; Runtime serves it.
type Engine struct {
	Analyzer *pipeline.Analyzer
	Model    *model.Model
	cache    featurecache.Cache
	plugins  *pluginrt.Runtime
	log      *slog.Logger
}

// NewEngine loads the model and builds the pipeline described by cfg.
func NewEngine(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Engine, error) {
	e := &Engine{log: logger}

	bundle, err := model.FromConfig(cfg.Model, cfg.Features)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	e.Model, err = model.New(bundle, model.Options{Device: cfg.Model.Device, BatchSize: cfg.Model.BatchSize})
	if err != nil {
		return nil, fmt.Errorf("compile model: %w", err)
	}

	if features.NeedsPlugins(cfg.Features) {
		e.plugins, err = pluginrt.New(ctx, pluginrt.HostBindings{Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("plugin runtime: %w", err)
		}
	}
	streams, err := features.BuildStreams(ctx, cfg.Features, cfg.Model.Seed, e.plugins)
	if err != nil {
		e.Close(ctx)
		return nil, fmt.Errorf("build streams: %w", err)
	}
	extractor, err := features.NewExtractor(streams, cfg.Features.Streams, logger)
	if err != nil {
		e.Close(ctx)
		return nil, err
	}

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		e.Close(ctx)
		return nil, fmt.Errorf("stt: %w", err)
	}
	opts := []audio.Option{audio.WithLogger(logger)}
	if recognizer != nil {
		opts = append(opts, audio.WithRecognizer(recognizer))
	}
	processor := audio.NewProcessor(cfg.Audio, opts...)

	e.cache, err = featurecache.New(cfg.Cache, logger)
	if err != nil {
		e.Close(ctx)
		return nil, fmt.Errorf("feature cache: %w", err)
	}

	e.Analyzer, err = pipeline.New(processor, extractor, e.Model, pipeline.Options{
		Analysis:    cfg.Analysis,
		Thresholds:  feedback.FromConfig(cfg.Feedback),
		Cache:       e.cache,
		Fingerprint: cfg.ExtractionFingerprint(),
		Logger:      logger,
	})
	if err != nil {
		e.Close(ctx)
		return nil, err
	}

	info := e.Model.Info()
	logger.Info("engine ready",
		slog.String("model_version", info.Version),
		slog.Int("parameters", info.Parameters),
		slog.String("device", info.Device),
		slog.Any("streams", cfg.Features.Streams),
		slog.String("cache", cfg.Cache.Mode))
	return e, nil
}

// Close releases the cache and the plugin runtime.
func (e *Engine) Close(ctx context.Context) error {
	var errs []error
	if e.cache != nil {
		if err := e.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if e.plugins != nil {
		if err := e.plugins.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close plugins: %w", err))
		}
	}
	return errors.Join(errs...)
}
