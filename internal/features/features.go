// Package features computes the multi-stream feature vector of a processed
// clip. Every stream is independent; the extractor runs the enabled ones
// concurrently and zero-fills the rest so the layout never changes.
package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-speech/internal/audio"
)

// ErrStreamUnavailable marks a failure of an individual feature stream.
var ErrStreamUnavailable = errors.New("feature stream unavailable")

// StreamError reports which stream failed.
type StreamError struct {
	Stream string
	Err    error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("feature stream %s unavailable: %v", e.Stream, e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

func (e *StreamError) Is(target error) bool { return target == ErrStreamUnavailable }

// Vector maps stream names to their values.
type Vector map[string][]float64

// Clone returns a deep copy of v.
func (v Vector) Clone() Vector {
	out := make(Vector, len(v))
	for k, s := range v {
		out[k] = append([]float64(nil), s...)
	}
	return out
}

// Stream computes one named, fixed-width block of features.
type Stream interface {
	Name() string
	Dim() int
	Extract(ctx context.Context, p *audio.Processed) ([]float64, error)
}

// StreamInfo describes one slot of the layout.
type StreamInfo struct {
	Name    string `json:"name"`
	Dim     int    `json:"dim"`
	Enabled bool   `json:"enabled"`
}

// Extractor runs the enabled streams of a fixed layout.
type Extractor struct {
	streams []Stream
	enabled map[string]bool
	logger  *slog.Logger
}

// NewExtractor builds an extractor over streams. Names in enabled must refer
// to one of the streams.
func NewExtractor(streams []Stream, enabled []string, logger *slog.Logger) (*Extractor, error) {
	if logger == nil {
		logger = slog.Default()
	}
	known := make(map[string]bool, len(streams))
	for _, s := range streams {
		if known[s.Name()] {
			return nil, fmt.Errorf("duplicate stream %q", s.Name())
		}
		known[s.Name()] = true
	}
	on := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		if !known[name] {
			return nil, fmt.Errorf("unknown stream %q", name)
		}
		on[name] = true
	}
	return &Extractor{
		streams: streams,
		enabled: on,
		logger:  logger.With(slog.String("component", "features")),
	}, nil
}

// Layout lists the streams in order with their width and state.
func (e *Extractor) Layout() []StreamInfo {
	out := make([]StreamInfo, len(e.streams))
	for i, s := range e.streams {
		out[i] = StreamInfo{Name: s.Name(), Dim: s.Dim(), Enabled: e.enabled[s.Name()]}
	}
	return out
}

// Enabled returns the names of the enabled streams in layout order.
func (e *Extractor) Enabled() []string {
	var names []string
	for _, s := range e.streams {
		if e.enabled[s.Name()] {
			names = append(names, s.Name())
		}
	}
	return names
}

// Extract runs every enabled stream concurrently. The first failure cancels
// the others and is returned as a *StreamError.
func (e *Extractor) Extract(ctx context.Context, p *audio.Processed) (Vector, error) {
	results := make([][]float64, len(e.streams))
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range e.streams {
		if !e.enabled[s.Name()] {
			continue
		}
		g.Go(func() error {
			v, err := s.Extract(gctx, p)
			if err != nil {
				return &StreamError{Stream: s.Name(), Err: err}
			}
			if len(v) != s.Dim() {
				return &StreamError{Stream: s.Name(), Err: fmt.Errorf("returned %d values, want %d", len(v), s.Dim())}
			}
			for _, x := range v {
				if math.IsNaN(x) || math.IsInf(x, 0) {
					return &StreamError{Stream: s.Name(), Err: fmt.Errorf("non-finite value")}
				}
			}
			results[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		e.logger.Warn("feature extraction failed", slog.String("error", err.Error()))
		return nil, err
	}

	out := make(Vector, len(e.streams))
	for i, s := range e.streams {
		if results[i] == nil {
			results[i] = make([]float64, s.Dim())
		}
		out[s.Name()] = results[i]
	}
	return out, nil
}
