// Package fusion projects each feature stream into a shared space and
// combines the projections with content dependent weights.
package fusion

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/loqalabs/loqa-speech/internal/features"
)

// ErrDimensionMismatch is returned for unknown streams or wrong widths.
var ErrDimensionMismatch = errors.New("feature dimension mismatch")

// Input describes one stream the fuser accepts.
type Input struct {
	Name string `msgpack:"name" json:"name"`
	Dim  int    `msgpack:"dim" json:"dim"`
}

// StreamParams are the learned parameters of one stream. W is row-major
// with Dim rows and InDim columns.
type StreamParams struct {
	Name     string    `msgpack:"name"`
	InDim    int       `msgpack:"in_dim"`
	W        []float64 `msgpack:"w"`
	B        []float64 `msgpack:"b"`
	Gate     []float64 `msgpack:"gate"`
	GateBias float64   `msgpack:"gate_bias"`
}

type Params struct {
	Dim     int            `msgpack:"dim"`
	Streams []StreamParams `msgpack:"streams"`
}

// Init draws Xavier uniform projections and small gate vectors.
func Init(dim int, layout []Input, rng *rand.Rand) Params {
	p := Params{Dim: dim}
	for _, in := range layout {
		limit := math.Sqrt(6 / float64(dim+in.Dim))
		sp := StreamParams{
			Name:  in.Name,
			InDim: in.Dim,
			W:     make([]float64, dim*in.Dim),
			B:     make([]float64, dim),
			Gate:  make([]float64, dim),
		}
		for i := range sp.W {
			sp.W[i] = (rng.Float64()*2 - 1) * limit
		}
		gl := 1 / math.Sqrt(float64(dim))
		for i := range sp.Gate {
			sp.Gate[i] = (rng.Float64()*2 - 1) * gl
		}
		p.Streams = append(p.Streams, sp)
	}
	return p
}

// Count returns the number of scalar parameters.
func (p Params) Count() int {
	n := 0
	for _, s := range p.Streams {
		n += len(s.W) + len(s.B) + len(s.Gate) + 1
	}
	return n
}

type projection struct {
	name     string
	in       int
	w        *mat.Dense
	b        *mat.VecDense
	gate     *mat.VecDense
	gateBias float64
}

// Fuser is immutable and safe for concurrent use.
type Fuser struct {
	dim     int
	streams []projection
	index   map[string]int
}

func New(p Params) (*Fuser, error) {
	if p.Dim <= 0 {
		return nil, fmt.Errorf("fusion dim must be positive")
	}
	f := &Fuser{dim: p.Dim, index: make(map[string]int, len(p.Streams))}
	for i, s := range p.Streams {
		if s.InDim <= 0 || len(s.W) != p.Dim*s.InDim || len(s.B) != p.Dim || len(s.Gate) != p.Dim {
			return nil, fmt.Errorf("stream %s parameters: %w", s.Name, ErrDimensionMismatch)
		}
		if _, dup := f.index[s.Name]; dup {
			return nil, fmt.Errorf("duplicate stream %s", s.Name)
		}
		f.index[s.Name] = i
		f.streams = append(f.streams, projection{
			name:     s.Name,
			in:       s.InDim,
			w:        mat.NewDense(p.Dim, s.InDim, append([]float64(nil), s.W...)),
			b:        mat.NewVecDense(p.Dim, append([]float64(nil), s.B...)),
			gate:     mat.NewVecDense(p.Dim, append([]float64(nil), s.Gate...)),
			gateBias: s.GateBias,
		})
	}
	return f, nil
}

// Dim is the width of every token and of the fused vector.
func (f *Fuser) Dim() int { return f.dim }

// Inputs lists the accepted streams in order.
func (f *Fuser) Inputs() []Input {
	out := make([]Input, len(f.streams))
	for i, s := range f.streams {
		out[i] = Input{Name: s.name, Dim: s.in}
	}
	return out
}

// Representation is the fused output. Tokens has one row per stream in
// layout order; absent streams have a zero row and zero weight.
type Representation struct {
	Streams []string
	Tokens  [][]float64
	Vector  []float64
	Weights []float64
}

// WeightMap returns the stream weights keyed by name.
func (r Representation) WeightMap() map[string]float64 {
	out := make(map[string]float64, len(r.Streams))
	for i, name := range r.Streams {
		out[name] = r.Weights[i]
	}
	return out
}

// Fuse combines v into a Representation whose shape depends only on the
// fuser. Missing and all-zero streams are treated as absent.
func (f *Fuser) Fuse(v features.Vector) (Representation, error) {
	for name := range v {
		if _, ok := f.index[name]; !ok {
			return Representation{}, fmt.Errorf("unknown stream %s: %w", name, ErrDimensionMismatch)
		}
	}

	n := len(f.streams)
	rep := Representation{
		Streams: make([]string, n),
		Tokens:  make([][]float64, n),
		Vector:  make([]float64, f.dim),
		Weights: make([]float64, n),
	}
	projs := make([]*mat.VecDense, n)
	scores := make([]float64, 0, n)
	present := make([]int, 0, n)
	for i, s := range f.streams {
		rep.Streams[i] = s.name
		rep.Tokens[i] = make([]float64, f.dim)
		x, ok := v[s.name]
		if !ok {
			continue
		}
		if len(x) != s.in {
			return Representation{}, fmt.Errorf("stream %s has %d values, want %d: %w", s.name, len(x), s.in, ErrDimensionMismatch)
		}
		if allZero(x) {
			continue
		}
		proj := mat.NewVecDense(f.dim, nil)
		proj.MulVec(s.w, mat.NewVecDense(s.in, x))
		proj.AddVec(proj, s.b)
		projs[i] = proj

		act := mat.NewVecDense(f.dim, nil)
		for j := 0; j < f.dim; j++ {
			act.SetVec(j, math.Tanh(proj.AtVec(j)))
		}
		scores = append(scores, mat.Dot(s.gate, act)+s.gateBias)
		present = append(present, i)
	}
	if len(present) == 0 {
		return rep, nil
	}

	softmax(scores)
	for k, i := range present {
		w := scores[k]
		rep.Weights[i] = w
		for j := 0; j < f.dim; j++ {
			t := w * projs[i].AtVec(j)
			rep.Tokens[i][j] = t
			rep.Vector[j] += t
		}
	}
	return rep, nil
}

func allZero(x []float64) bool {
	for _, v := range x {
		if v != 0 {
			return false
		}
	}
	return true
}

func softmax(x []float64) {
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
