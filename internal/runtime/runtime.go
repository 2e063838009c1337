package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/fleet"
	"github.com/loqalabs/loqa-speech/internal/httpapi"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
	"github.com/loqalabs/loqa-speech/internal/service"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
	ready   atomic.Bool
	wg      sync.WaitGroup

	// closers run in reverse order on shutdown.
	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

// Ready reports whether every component has started.
func (r *Runtime) Ready() bool { return r.ready.Load() }

func (r *Runtime) onClose(name string, fn func(context.Context) error) {
	r.closers = append(r.closers, closer{name: name, fn: fn})
}

// Start wires every component, serves until ctx is done and then shuts
// down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err := r.build(ctx)
	if err == nil {
		r.ready.Store(true)
		r.logger.Info("runtime started", slog.String("version", r.version))
		<-ctx.Done()
		r.logger.Info("runtime stopping")
	}
	r.ready.Store(false)
	cancel()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for i := len(r.closers) - 1; i >= 0; i-- {
		c := r.closers[i]
		if cerr := c.fn(shutdownCtx); cerr != nil {
			r.logger.Error("shutdown error", slog.String("component", c.name), slogError(cerr))
		}
	}
	r.wg.Wait()
	return err
}

func (r *Runtime) build(ctx context.Context) error {
	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.onClose("telemetry", shutdownTelemetry)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.onClose("eventstore", func(context.Context) error { return store.Close() })
	r.schedulePrune(ctx, store)

	engine, err := NewEngine(ctx, r.cfg, r.logger)
	if err != nil {
		return err
	}
	r.onClose("engine", engine.Close)

	var (
		svc   *service.Service
		nodes *fleet.Registry
	)
	if r.cfg.Bus.Enabled {
		if svc, nodes, err = r.startBus(ctx, engine, store); err != nil {
			return err
		}
	}

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		r.serveMetrics(metricsHandler)
	}

	opts := httpapi.Options{
		BodyLimitMB: r.cfg.HTTP.BodyLimitMB,
		ModelInfo:   engine.Model.Info(),
		Metrics:     metricsHandler,
		Ready: func() bool {
			return r.ready.Load() && (svc == nil || svc.Healthy())
		},
		History: store,
		Logger:  r.logger,
	}
	if nodes != nil {
		opts.Nodes = func() []fleet.NodeInfo { return nodes.Nodes(nil) }
	}
	api := httpapi.New(engine.Analyzer, opts)
	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := api.Start(addr); err != nil {
			r.logger.Error("http server failed", slogError(err))
		}
	}()
	r.onClose("http", api.Shutdown)
	return nil
}

func (r *Runtime) startBus(ctx context.Context, engine *Engine, store *eventstore.Store) (*service.Service, *fleet.Registry, error) {
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return nil, nil, err
	}
	if embedded != nil {
		r.onClose("natsserver", func(context.Context) error {
			embedded.Shutdown()
			return nil
		})
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("connect bus: %w", err)
	}
	r.onClose("bus", func(context.Context) error {
		client.Close()
		return nil
	})

	svc := service.NewService(ctx, client, engine.Analyzer, store, service.Options{
		MaxBytes:      r.cfg.Audio.MaxBytes,
		RetainResults: busCfg.Embedded || busCfg.StoreDir != "",
		IdleTimeout:   time.Duration(r.cfg.Analysis.SessionIdleMS) * time.Millisecond,
		Logger:        r.logger,
	})
	if err := svc.Start(); err != nil {
		return nil, nil, fmt.Errorf("start speech service: %w", err)
	}
	r.onClose("service", func(context.Context) error {
		svc.Close()
		return nil
	})

	var streams []string
	for _, s := range engine.Analyzer.Layout() {
		if s.Enabled {
			streams = append(streams, s.Name)
		}
	}
	nodes, err := fleet.NewRegistry(ctx, r.cfg.Node, fleet.Local{
		Version:      r.version,
		ModelVersion: engine.Model.Version(),
		Streams:      streams,
		Capacity: fleet.Capacity{
			Workers:    r.cfg.Analysis.Workers,
			QueueDepth: r.cfg.Analysis.QueueDepth,
			MaxBatch:   r.cfg.Analysis.MaxBatch,
		},
		Pending: engine.Analyzer.Pending,
	}, client, r.logger)
	if err != nil {
		return nil, nil, fmt.Errorf("start fleet registry: %w", err)
	}
	r.onClose("fleet", func(context.Context) error {
		nodes.Close()
		return nil
	})
	return svc, nodes, nil
}

// serveMetrics exposes the Prometheus registry on its own listener so it can
// be scraped without reaching the API port.
func (r *Runtime) serveMetrics(handler http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Addr:              r.cfg.Telemetry.PrometheusBind,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.logger.Info("metrics listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error("metrics server failed", slogError(err))
		}
	}()
	r.onClose("metrics", srv.Shutdown)
}

func (r *Runtime) schedulePrune(ctx context.Context, store *eventstore.Store) {
	interval := time.Duration(r.cfg.EventStore.PruneIntervalMinutes) * time.Minute
	if interval <= 0 || r.cfg.EventStore.RetentionMode == "ephemeral" {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.Prune(ctx); err != nil && ctx.Err() == nil {
					r.logger.Warn("event store prune failed", slogError(err))
				}
			}
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
