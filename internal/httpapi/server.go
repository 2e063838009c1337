// Package httpapi exposes the analyzer over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/fleet"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/model"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
)

// StatusClientClosedRequest is reported when the caller went away.
const StatusClientClosedRequest = 499

// Analyzer is the subset of *pipeline.Analyzer the API uses.
type Analyzer interface {
	Analyze(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
	AnalyzeBatch(ctx context.Context, reqs []pipeline.Request) ([]pipeline.BatchItem, error)
	Layout() []features.StreamInfo
	Thresholds() feedback.Thresholds
	MaxBatch() int
}

// History stores and serves past analyses. *eventstore.Store satisfies it.
type History interface {
	RecordAnalysis(ctx context.Context, a eventstore.Analysis) error
	GetAnalysis(ctx context.Context, id string) (eventstore.Analysis, error)
	ListAnalyses(ctx context.Context, sessionID string, limit int) ([]eventstore.Analysis, error)
}

type Options struct {
	BodyLimitMB int
	ModelInfo   model.Info
	// Metrics serves /metrics when set.
	Metrics http.Handler
	// Ready reports readiness; nil means always ready.
	Ready   func() bool
	History History
	// Nodes lists the fleet; nil when the bus is disabled.
	Nodes  func() []fleet.NodeInfo
	Logger *slog.Logger
}

// ErrorResponse is the error envelope of every failed call.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type Server struct {
	e        *echo.Echo
	analyzer Analyzer
	opts     Options
	log      *slog.Logger
}

func New(analyzer Analyzer, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Ready == nil {
		opts.Ready = func() bool { return true }
	}
	s := &Server{
		e:        echo.New(),
		analyzer: analyzer,
		opts:     opts,
		log:      opts.Logger.With(slog.String("component", "http")),
	}
	s.e.HideBanner = true
	s.e.HidePort = true
	s.e.HTTPErrorHandler = s.handleError
	s.e.Use(middleware.Recover())
	s.e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:   true,
		LogURI:      true,
		LogStatus:   true,
		LogLatency:  true,
		LogError:    true,
		HandleError: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			s.log.Info("request", attrs...)
			return nil
		},
	}))
	if opts.BodyLimitMB > 0 {
		s.e.Use(middleware.BodyLimit(fmt.Sprintf("%dM", opts.BodyLimitMB)))
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.e.GET("/healthz", s.health)
	s.e.GET("/readyz", s.readiness)
	if s.opts.Metrics != nil {
		s.e.GET("/metrics", echo.WrapHandler(s.opts.Metrics))
	}

	v1 := s.e.Group("/v1")
	v1.GET("/model", s.modelInfo)
	v1.POST("/analyze", s.analyze)
	v1.POST("/analyze/batch", s.analyzeBatch)
	v1.GET("/analyses/:id", s.getAnalysis)
	v1.GET("/sessions/:id/analyses", s.listAnalyses)
	v1.GET("/nodes", s.listNodes)
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler { return s.e }

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	s.log.Info("http server listening", slog.String("addr", addr))
	if err := s.e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readiness(c echo.Context) error {
	if !s.opts.Ready() {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "ready"})
}

type modelResponse struct {
	Model      model.Info            `json:"model"`
	Streams    []features.StreamInfo `json:"streams"`
	Thresholds feedback.Thresholds   `json:"thresholds"`
	MaxBatch   int                   `json:"max_batch"`
	Categories []string              `json:"categories"`
}

func (s *Server) modelInfo(c echo.Context) error {
	return c.JSON(http.StatusOK, modelResponse{
		Model:      s.opts.ModelInfo,
		Streams:    s.analyzer.Layout(),
		Thresholds: s.analyzer.Thresholds(),
		MaxBatch:   s.analyzer.MaxBatch(),
		Categories: []string{
			feedback.General.String(),
			feedback.Technical.String(),
			feedback.Behavioral.String(),
			feedback.Situational.String(),
		},
	})
}

func (s *Server) listNodes(c echo.Context) error {
	if s.opts.Nodes == nil {
		return &apiError{code: codeBusDisabled, err: errors.New("the bus is disabled")}
	}
	return c.JSON(http.StatusOK, map[string]any{"nodes": s.opts.Nodes()})
}

// statusFor maps an error code to its HTTP status.
func statusFor(code string) int {
	switch code {
	case pipeline.CodeOverloaded, pipeline.CodeModelNotLoaded, pipeline.CodeDeviceUnavailable:
		return http.StatusServiceUnavailable
	case pipeline.CodeUnsupportedFormat:
		return http.StatusUnsupportedMediaType
	case pipeline.CodeTooLarge:
		return http.StatusRequestEntityTooLarge
	case pipeline.CodeTooLong, pipeline.CodeInvalidThreshold, pipeline.CodeUnknownCategory,
		pipeline.CodeBatchTooLarge, codeBadRequest:
		return http.StatusBadRequest
	case pipeline.CodeStreamUnavailable:
		return http.StatusBadGateway
	case pipeline.CodeCanceled:
		return StatusClientClosedRequest
	case pipeline.CodeTimeout:
		return http.StatusGatewayTimeout
	case codeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

const (
	codeBadRequest      = "bad_request"
	codeNotFound        = "not_found"
	codeHistoryDisabled = "history_disabled"
	codeBusDisabled     = "bus_disabled"
)

type apiError struct {
	code string
	err  error
}

func (e *apiError) Error() string { return e.err.Error() }
func (e *apiError) Unwrap() error { return e.err }

func badRequest(format string, args ...any) error {
	return &apiError{code: codeBadRequest, err: fmt.Errorf(format, args...)}
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := s.describe(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", slog.String("path", c.Path()), slog.String("error", err.Error()))
	}
	if werr := c.JSON(status, body); werr != nil {
		s.log.Warn("failed to write error response", slog.String("error", werr.Error()))
	}
}

func (s *Server) describe(err error) (int, ErrorResponse) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := codeBadRequest
		switch he.Code {
		case http.StatusRequestEntityTooLarge:
			code = pipeline.CodeTooLarge
		case http.StatusNotFound:
			code = codeNotFound
		case http.StatusMethodNotAllowed:
			code = "method_not_allowed"
		}
		return he.Code, ErrorResponse{Error: code, Message: fmt.Sprint(he.Message)}
	}
	var ae *apiError
	if errors.As(err, &ae) {
		if ae.code == codeHistoryDisabled || ae.code == codeBusDisabled {
			return http.StatusServiceUnavailable, ErrorResponse{Error: ae.code, Message: ae.Error()}
		}
		return statusFor(ae.code), ErrorResponse{Error: ae.code, Message: ae.Error()}
	}
	code := pipeline.ErrorCode(err)
	return statusFor(code), ErrorResponse{Error: code, Message: err.Error()}
}
