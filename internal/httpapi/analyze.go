package httpapi

import (
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/eventstore"
	"github.com/loqalabs/loqa-speech/internal/feedback"
	"github.com/loqalabs/loqa-speech/internal/pipeline"
)

const thresholdPrefix = "threshold_"

// params reads the shared query or form options of an analyze call.
type params struct {
	sessionID  string
	format     audio.Format
	sampleRate int
	channels   int
	category   feedback.Category
	overrides  map[string]float64
	features   bool
}

func readParams(c echo.Context) (params, error) {
	var p params
	values, err := c.FormParams()
	if err != nil {
		values = c.QueryParams()
	}
	// Query parameters apply to raw bodies; form fields win in multipart.
	get := func(key string) string {
		if v := values.Get(key); v != "" {
			return v
		}
		return c.QueryParam(key)
	}

	p.sessionID = get("session_id")
	p.format = audio.ParseFormat(get("format"))
	if p.sampleRate, err = intParam(get("sample_rate")); err != nil {
		return p, badRequest("sample_rate: %v", err)
	}
	if p.channels, err = intParam(get("channels")); err != nil {
		return p, badRequest("channels: %v", err)
	}
	if p.category, err = feedback.ParseCategory(get("category")); err != nil {
		return p, err
	}
	if v := get("features"); v != "" {
		if p.features, err = strconv.ParseBool(v); err != nil {
			return p, badRequest("features: %v", err)
		}
	}

	for _, src := range []map[string][]string{c.QueryParams(), values} {
		for key, vals := range src {
			if !strings.HasPrefix(key, thresholdPrefix) || len(vals) == 0 {
				continue
			}
			f, err := strconv.ParseFloat(vals[0], 64)
			if err != nil {
				return p, badRequest("%s: %v", key, err)
			}
			if p.overrides == nil {
				p.overrides = make(map[string]float64)
			}
			p.overrides[strings.TrimPrefix(key, thresholdPrefix)] = f
		}
	}
	return p, nil
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func (p params) request(data []byte) pipeline.Request {
	return pipeline.Request{
		SessionID:       p.sessionID,
		Audio:           data,
		Format:          p.format,
		SampleRate:      p.sampleRate,
		Channels:        p.channels,
		Category:        p.category,
		Overrides:       p.overrides,
		IncludeFeatures: p.features,
	}
}

func isMultipart(c echo.Context) bool {
	return strings.HasPrefix(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEMultipartForm)
}

func readPart(fh *multipart.FileHeader) ([]byte, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func (s *Server) analyze(c echo.Context) error {
	p, err := readParams(c)
	if err != nil {
		return err
	}
	var data []byte
	if isMultipart(c) {
		fh, ferr := c.FormFile("audio")
		if ferr != nil {
			return badRequest("multipart field \"audio\" is required")
		}
		if data, err = readPart(fh); err != nil {
			return badRequest("read audio: %v", err)
		}
	} else {
		if data, err = io.ReadAll(c.Request().Body); err != nil {
			return s.bodyError(err)
		}
	}

	ctx := c.Request().Context()
	res, err := s.analyzer.Analyze(ctx, p.request(data))
	if err != nil {
		return err
	}
	s.remember(c, res)
	return c.JSON(http.StatusOK, res)
}

type batchItem struct {
	Index  int              `json:"index"`
	Result *pipeline.Result `json:"result,omitempty"`
	Error  *ErrorResponse   `json:"error,omitempty"`
}

type batchResponse struct {
	Items []batchItem `json:"items"`
}

func (s *Server) analyzeBatch(c echo.Context) error {
	if !isMultipart(c) {
		return badRequest("batch requests must be multipart/form-data")
	}
	p, err := readParams(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return s.bodyError(err)
	}
	files := form.File["audio"]
	if len(files) == 0 {
		return badRequest("at least one multipart field \"audio\" is required")
	}
	if len(files) > s.analyzer.MaxBatch() {
		return pipeline.ErrBatchTooLarge
	}
	reqs := make([]pipeline.Request, len(files))
	for i, fh := range files {
		data, err := readPart(fh)
		if err != nil {
			return badRequest("read audio %d: %v", i, err)
		}
		reqs[i] = p.request(data)
	}

	items, err := s.analyzer.AnalyzeBatch(c.Request().Context(), reqs)
	if err != nil {
		return err
	}
	out := batchResponse{Items: make([]batchItem, len(items))}
	for i, it := range items {
		out.Items[i] = batchItem{Index: it.Index, Result: it.Result}
		if it.Error != "" {
			out.Items[i].Error = &ErrorResponse{Error: it.Code, Message: it.Error}
			continue
		}
		s.remember(c, it.Result)
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) bodyError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	if strings.Contains(err.Error(), "too large") {
		return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return badRequest("read body: %v", err)
}

// remember records res in the history store. Failures are logged only.
func (s *Server) remember(c echo.Context, res *pipeline.Result) {
	if s.opts.History == nil || res == nil {
		return
	}
	a, err := res.Record()
	if err == nil {
		err = s.opts.History.RecordAnalysis(c.Request().Context(), a)
	}
	if err != nil {
		s.log.Warn("failed to record analysis", slog.String("id", res.ID), slog.String("error", err.Error()))
	}
}

func (s *Server) getAnalysis(c echo.Context) error {
	if s.opts.History == nil {
		return &apiError{code: codeHistoryDisabled, err: errors.New("history is disabled")}
	}
	a, err := s.opts.History.GetAnalysis(c.Request().Context(), c.Param("id"))
	if errors.Is(err, eventstore.ErrNotFound) {
		return &apiError{code: codeNotFound, err: err}
	}
	if err != nil {
		return err
	}
	return c.JSONBlob(http.StatusOK, a.Result)
}

type historyEntry struct {
	ID           string  `json:"id"`
	Status       string  `json:"status"`
	Category     string  `json:"category"`
	ModelVersion string  `json:"model_version"`
	OverallScore float64 `json:"overall_score"`
	Passed       bool    `json:"passed"`
	CreatedAt    string  `json:"created_at"`
}

func (s *Server) listAnalyses(c echo.Context) error {
	if s.opts.History == nil {
		return &apiError{code: codeHistoryDisabled, err: errors.New("history is disabled")}
	}
	limit := 50
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return badRequest("limit must be a positive integer")
		}
		limit = n
	}
	list, err := s.opts.History.ListAnalyses(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return err
	}
	out := make([]historyEntry, 0, len(list))
	for _, a := range list {
		out = append(out, historyEntry{
			ID:           a.ID,
			Status:       a.Status,
			Category:     a.Category,
			ModelVersion: a.ModelVersion,
			OverallScore: a.OverallScore,
			Passed:       a.Passed,
			CreatedAt:    a.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"session_id": c.Param("id"), "analyses": out})
}
