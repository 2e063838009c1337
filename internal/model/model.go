// Package model runs the sequence network that scores a fused representation
// on five delivery dimensions.
package model

import (
	"context"
	"errors"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"

	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/fusion"
)

var (
	// ErrModelNotLoaded is returned when predicting without parameters.
	ErrModelNotLoaded = errors.New("model not loaded")
	// ErrInference is returned when the network produces a non-finite or
	// out of range score. Scores are never clamped.
	ErrInference = errors.New("inference failed")
	// ErrDeviceUnavailable is returned for devices this build cannot use.
	ErrDeviceUnavailable = errors.New("device unavailable")
)

const (
	DeviceCPU         = "cpu"
	DeviceAccelerator = "accelerator"
)

var headNames = []string{"nervousness", "confidence", "fluency", "pace", "tone"}

// PredictionSet holds the five scores, each in [0,1].
type PredictionSet struct {
	Nervousness float64 `json:"nervousness"`
	Confidence  float64 `json:"confidence"`
	Fluency     float64 `json:"fluency"`
	Pace        float64 `json:"pace"`
	Tone        float64 `json:"tone"`
}

// Values returns the scores in head order.
func (p PredictionSet) Values() []float64 {
	return []float64{p.Nervousness, p.Confidence, p.Fluency, p.Pace, p.Tone}
}

func predictionFrom(values []float64) PredictionSet {
	return PredictionSet{
		Nervousness: values[0],
		Confidence:  values[1],
		Fluency:     values[2],
		Pace:        values[3],
		Tone:        values[4],
	}
}

type Options struct {
	Device    string
	BatchSize int
}

// Model is an immutable handle over a compiled bundle, safe to share.
type Model struct {
	bundle *Bundle
	fuser  *fusion.Fuser
	net    *network
	opts   Options
}

// New compiles b for inference.
func New(b *Bundle, opts Options) (*Model, error) {
	if b == nil {
		return nil, ErrModelNotLoaded
	}
	switch opts.Device {
	case DeviceCPU, "":
		opts.Device = DeviceCPU
	case DeviceAccelerator:
		return nil, fmt.Errorf("%s: no accelerator runtime in this build: %w", opts.Device, ErrDeviceUnavailable)
	default:
		return nil, fmt.Errorf("unknown device %q: %w", opts.Device, ErrDeviceUnavailable)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if err := b.Spec.validate(); err != nil {
		return nil, fmt.Errorf("bundle %s: %v: %w", b.Version, err, ErrModelNotLoaded)
	}
	if b.Fusion.Dim != b.Spec.FusionDim {
		return nil, fmt.Errorf("bundle %s: fusion dim %d, spec %d: %w", b.Version, b.Fusion.Dim, b.Spec.FusionDim, ErrModelNotLoaded)
	}
	fuser, err := fusion.New(b.Fusion)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %v: %w", b.Version, err, ErrModelNotLoaded)
	}
	net, err := compileNetwork(b.Network, b.Spec)
	if err != nil {
		return nil, fmt.Errorf("bundle %s: %v: %w", b.Version, err, ErrModelNotLoaded)
	}
	return &Model{bundle: b, fuser: fuser, net: net, opts: opts}, nil
}

// Version identifies the parameters for caching.
func (m *Model) Version() string {
	if m == nil || m.bundle == nil {
		return ""
	}
	return m.bundle.Version
}

// Fuse applies the bundle's fusion layer.
func (m *Model) Fuse(v features.Vector) (fusion.Representation, error) {
	if m == nil || m.fuser == nil {
		return fusion.Representation{}, ErrModelNotLoaded
	}
	return m.fuser.Fuse(v)
}

// Predict scores rep. The stream tokens form the sequence that the BiLSTM
// and attention layers run over.
func (m *Model) Predict(ctx context.Context, rep fusion.Representation) (PredictionSet, error) {
	if m == nil || m.net == nil {
		return PredictionSet{}, ErrModelNotLoaded
	}
	steps := len(m.bundle.Spec.Streams)
	dim := m.bundle.Spec.FusionDim
	if len(rep.Tokens) != steps {
		return PredictionSet{}, fmt.Errorf("%d tokens, want %d: %w", len(rep.Tokens), steps, fusion.ErrDimensionMismatch)
	}
	x := mat.NewDense(steps, dim, nil)
	mask := make([]bool, steps)
	anyPresent := false
	for i, tok := range rep.Tokens {
		if len(tok) != dim {
			return PredictionSet{}, fmt.Errorf("token %d has %d values, want %d: %w", i, len(tok), dim, fusion.ErrDimensionMismatch)
		}
		x.SetRow(i, tok)
		if i < len(rep.Weights) && rep.Weights[i] > 0 {
			mask[i] = true
			anyPresent = true
		}
	}
	if !anyPresent {
		for i := range mask {
			mask[i] = true
		}
	}

	values, err := m.net.forward(ctx, x, mask)
	if err != nil {
		return PredictionSet{}, err
	}
	for i, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 || v > 1 {
			return PredictionSet{}, fmt.Errorf("%s score %v: %w", headNames[i], v, ErrInference)
		}
	}
	return predictionFrom(values), nil
}

// PredictBatch scores reps with at most BatchSize running at once.
func (m *Model) PredictBatch(ctx context.Context, reps []fusion.Representation) ([]PredictionSet, error) {
	if m == nil || m.net == nil {
		return nil, ErrModelNotLoaded
	}
	out := make([]PredictionSet, len(reps))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.BatchSize)
	for i, rep := range reps {
		g.Go(func() error {
			p, err := m.Predict(gctx, rep)
			if err != nil {
				return fmt.Errorf("item %d: %w", i, err)
			}
			out[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (n *network) forward(ctx context.Context, x *mat.Dense, mask []bool) ([]float64, error) {
	h := n.input.apply(x)
	for _, layer := range n.lstm {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		fwd := layer[0].run(h, false)
		bwd := layer[1].run(h, true)
		steps, hsz := fwd.Dims()
		next := mat.NewDense(steps, 2*hsz, nil)
		for t := 0; t < steps; t++ {
			row := next.RawRowView(t)
			copy(row[:hsz], fwd.RawRowView(t))
			copy(row[hsz:], bwd.RawRowView(t))
		}
		h = next
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	att := n.attention.apply(h, mask)
	att.Add(att, h)
	n.norm1.apply(att)

	ff := n.ffn1.apply(att)
	relu(ff)
	ff = n.ffn2.apply(ff)
	ff.Add(ff, att)
	n.norm2.apply(ff)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	steps, width := ff.Dims()
	pooled := mat.NewDense(1, width, nil)
	row := pooled.RawRowView(0)
	count := 0
	for t := 0; t < steps; t++ {
		if !mask[t] {
			continue
		}
		for j, v := range ff.RawRowView(t) {
			row[j] += v
		}
		count++
	}
	for j := range row {
		row[j] /= float64(count)
	}

	values := make([]float64, len(n.heads))
	for i, hd := range n.heads {
		hidden := hd.hidden.apply(pooled)
		relu(hidden)
		values[i] = sigmoid(hd.out.apply(hidden).At(0, 0))
	}
	return values, nil
}

// Info describes the loaded model.
type Info struct {
	Version      string         `json:"version"`
	Architecture string         `json:"architecture"`
	Device       string         `json:"device"`
	BatchSize    int            `json:"batch_size"`
	Seed         uint64         `json:"seed"`
	Parameters   int            `json:"parameters"`
	FusionDim    int            `json:"fusion_dim"`
	HiddenSize   int            `json:"hidden_size"`
	NumLayers    int            `json:"num_layers"`
	Heads        int            `json:"attention_heads"`
	Streams      []fusion.Input `json:"streams"`
	Outputs      []string       `json:"outputs"`
}

func (m *Model) Info() Info {
	if m == nil || m.bundle == nil {
		return Info{}
	}
	s := m.bundle.Spec
	return Info{
		Version:      m.bundle.Version,
		Architecture: fmt.Sprintf("fusion(%d) > bilstm(%dx%d) > mha(%d) > ffn > heads(%d)", s.FusionDim, s.NumLayers, s.HiddenSize, s.AttentionHeads, len(headNames)),
		Device:       m.opts.Device,
		BatchSize:    m.opts.BatchSize,
		Seed:         m.bundle.Seed,
		Parameters:   m.bundle.Count(),
		FusionDim:    s.FusionDim,
		HiddenSize:   s.HiddenSize,
		NumLayers:    s.NumLayers,
		Heads:        s.AttentionHeads,
		Streams:      append([]fusion.Input(nil), s.Streams...),
		Outputs:      append([]string(nil), headNames...),
	}
}
