package features

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/dsp"
)

// Pooling strategies for frame level embeddings. Pooling never keeps only
// the last frame.
const (
	PoolMean      = "mean"
	PoolAttention = "attention"
)

const encoderHidden = 256

// Encoder is a deterministic two layer frame encoder over normalized log-mel
// features. Its weights derive from the seed and the stream name, so the same
// configuration always yields the same embedding.
type Encoder struct {
	name    string
	dim     int
	pooling string
	w1      *mat.Dense // hidden x mels
	b1      []float64
	w2      *mat.Dense // dim x hidden
	b2      []float64
	query   []float64
}

func NewEncoder(name string, dim int, pooling string, seed uint64) (*Encoder, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("embedding dim must be positive")
	}
	switch pooling {
	case PoolMean, PoolAttention:
	case "":
		pooling = PoolMean
	default:
		return nil, fmt.Errorf("unknown pooling %q", pooling)
	}
	h := fnv.New64a()
	h.Write([]byte(name))
	rng := rand.New(rand.NewPCG(seed, h.Sum64()))

	mels := dsp.DefaultMelConfig(16000).NumMels
	e := &Encoder{
		name:    name,
		dim:     dim,
		pooling: pooling,
		w1:      xavier(rng, encoderHidden, mels),
		b1:      make([]float64, encoderHidden),
		w2:      xavier(rng, dim, encoderHidden),
		b2:      make([]float64, dim),
		query:   make([]float64, dim),
	}
	limit := 1 / math.Sqrt(float64(dim))
	for i := range e.query {
		e.query[i] = (rng.Float64()*2 - 1) * limit
	}
	return e, nil
}

func (e *Encoder) Name() string { return e.name }
func (e *Encoder) Dim() int     { return e.dim }

func (e *Encoder) Extract(ctx context.Context, p *audio.Processed) ([]float64, error) {
	out := make([]float64, e.dim)
	cfg := dsp.DefaultMelConfig(p.SampleRate)
	feats := dsp.LogMel(speechSamples(p), cfg)
	if len(feats) == 0 {
		return out, nil
	}
	dsp.CMVN(feats)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_, mels := e.w1.Dims()
	t := len(feats)
	flat := make([]float64, 0, t*mels)
	for _, row := range feats {
		flat = append(flat, row[:mels]...)
	}
	x := mat.NewDense(t, mels, flat)

	var hidden mat.Dense
	hidden.Mul(x, e.w1.T())
	hidden.Apply(func(_, j int, v float64) float64 { return math.Tanh(v + e.b1[j]) }, &hidden)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var frames mat.Dense
	frames.Mul(&hidden, e.w2.T())
	frames.Apply(func(_, j int, v float64) float64 { return math.Tanh(v + e.b2[j]) }, &frames)

	weights := make([]float64, t)
	switch e.pooling {
	case PoolAttention:
		scale := 1 / math.Sqrt(float64(e.dim))
		q := mat.NewVecDense(e.dim, e.query)
		for i := 0; i < t; i++ {
			weights[i] = mat.Dot(frames.RowView(i), q) * scale
		}
		softmax(weights)
	default:
		for i := range weights {
			weights[i] = 1 / float64(t)
		}
	}
	for i := 0; i < t; i++ {
		row := frames.RawRowView(i)
		for j := range out {
			out[j] += weights[i] * row[j]
		}
	}
	return out, nil
}

func xavier(rng *rand.Rand, rows, cols int) *mat.Dense {
	limit := math.Sqrt(6 / float64(rows+cols))
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = (rng.Float64()*2 - 1) * limit
	}
	return mat.NewDense(rows, cols, data)
}

func softmax(x []float64) {
	if len(x) == 0 {
		return
	}
	top := x[0]
	for _, v := range x[1:] {
		if v > top {
			top = v
		}
	}
	var sum float64
	for i, v := range x {
		x[i] = math.Exp(v - top)
		sum += x[i]
	}
	for i := range x {
		x[i] /= sum
	}
}
