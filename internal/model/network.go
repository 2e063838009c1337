package model

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// Linear is a dense layer; W is row-major Out x In.
type Linear struct {
	In  int       `msgpack:"in"`
	Out int       `msgpack:"out"`
	W   []float64 `msgpack:"w"`
	B   []float64 `msgpack:"b"`
}

// LSTMCell holds one direction of one layer, gates ordered i, f, g, o.
type LSTMCell struct {
	In     int       `msgpack:"in"`
	Hidden int       `msgpack:"hidden"`
	Wx     []float64 `msgpack:"wx"` // 4H x In
	Wh     []float64 `msgpack:"wh"` // 4H x H
	B      []float64 `msgpack:"b"`
}

type LSTMLayer struct {
	Forward  LSTMCell `msgpack:"forward"`
	Backward LSTMCell `msgpack:"backward"`
}

type Attention struct {
	Heads int    `msgpack:"heads"`
	Q     Linear `msgpack:"q"`
	K     Linear `msgpack:"k"`
	V     Linear `msgpack:"v"`
	O     Linear `msgpack:"o"`
}

type LayerNorm struct {
	Gamma []float64 `msgpack:"gamma"`
	Beta  []float64 `msgpack:"beta"`
}

// Head maps the pooled sequence to one score.
type Head struct {
	Name   string `msgpack:"name"`
	Hidden Linear `msgpack:"hidden"`
	Out    Linear `msgpack:"out"`
}

// Network is the serialized parameter set of the sequence model.
type Network struct {
	Input     Linear      `msgpack:"input"`
	LSTM      []LSTMLayer `msgpack:"lstm"`
	Attention Attention   `msgpack:"attention"`
	Norm1     LayerNorm   `msgpack:"norm1"`
	FFN1      Linear      `msgpack:"ffn1"`
	FFN2      Linear      `msgpack:"ffn2"`
	Norm2     LayerNorm   `msgpack:"norm2"`
	Heads     []Head      `msgpack:"heads"`
}

func initLinear(rng *rand.Rand, in, out int) Linear {
	limit := math.Sqrt(6 / float64(in+out))
	l := Linear{In: in, Out: out, W: make([]float64, in*out), B: make([]float64, out)}
	for i := range l.W {
		l.W[i] = (rng.Float64()*2 - 1) * limit
	}
	return l
}

func initLSTMCell(rng *rand.Rand, in, hidden int) LSTMCell {
	k := 1 / math.Sqrt(float64(hidden))
	c := LSTMCell{
		In:     in,
		Hidden: hidden,
		Wx:     make([]float64, 4*hidden*in),
		Wh:     make([]float64, 4*hidden*hidden),
		B:      make([]float64, 4*hidden),
	}
	for _, w := range [][]float64{c.Wx, c.Wh} {
		for i := range w {
			w[i] = (rng.Float64()*2 - 1) * k
		}
	}
	// forget gate starts open
	for i := hidden; i < 2*hidden; i++ {
		c.B[i] = 1
	}
	return c
}

func initLayerNorm(n int) LayerNorm {
	ln := LayerNorm{Gamma: make([]float64, n), Beta: make([]float64, n)}
	for i := range ln.Gamma {
		ln.Gamma[i] = 1
	}
	return ln
}

func initNetwork(spec Spec, rng *rand.Rand) Network {
	h := spec.HiddenSize
	h2 := 2 * h
	n := Network{
		Input: initLinear(rng, spec.FusionDim, h),
		Attention: Attention{
			Heads: spec.AttentionHeads,
			Q:     initLinear(rng, h2, h2),
			K:     initLinear(rng, h2, h2),
			V:     initLinear(rng, h2, h2),
			O:     initLinear(rng, h2, h2),
		},
		Norm1: initLayerNorm(h2),
		FFN1:  initLinear(rng, h2, 2*h2),
		FFN2:  initLinear(rng, 2*h2, h2),
		Norm2: initLayerNorm(h2),
	}
	in := h
	for l := 0; l < spec.NumLayers; l++ {
		n.LSTM = append(n.LSTM, LSTMLayer{
			Forward:  initLSTMCell(rng, in, h),
			Backward: initLSTMCell(rng, in, h),
		})
		in = h2
	}
	for _, name := range headNames {
		n.Heads = append(n.Heads, Head{
			Name:   name,
			Hidden: initLinear(rng, h2, h),
			Out:    initLinear(rng, h, 1),
		})
	}
	return n
}

func (l Linear) count() int   { return len(l.W) + len(l.B) }
func (c LSTMCell) count() int { return len(c.Wx) + len(c.Wh) + len(c.B) }

func (n Network) count() int {
	total := n.Input.count() + n.FFN1.count() + n.FFN2.count()
	total += n.Attention.Q.count() + n.Attention.K.count() + n.Attention.V.count() + n.Attention.O.count()
	total += 2*len(n.Norm1.Gamma) + 2*len(n.Norm2.Gamma)
	for _, l := range n.LSTM {
		total += l.Forward.count() + l.Backward.count()
	}
	for _, hd := range n.Heads {
		total += hd.Hidden.count() + hd.Out.count()
	}
	return total
}

// Compiled forms used at inference time.

type linear struct {
	w *mat.Dense
	b []float64
}

func compileLinear(name string, l Linear, in, out int) (linear, error) {
	if l.In != in || l.Out != out || len(l.W) != in*out || len(l.B) != out {
		return linear{}, fmt.Errorf("%s: expected %dx%d", name, out, in)
	}
	return linear{w: mat.NewDense(out, in, l.W), b: l.B}, nil
}

// apply computes x W^T + b for every row of x.
func (l linear) apply(x *mat.Dense) *mat.Dense {
	rows, _ := x.Dims()
	out, _ := l.w.Dims()
	y := mat.NewDense(rows, out, nil)
	y.Mul(x, l.w.T())
	for i := 0; i < rows; i++ {
		row := y.RawRowView(i)
		for j := range row {
			row[j] += l.b[j]
		}
	}
	return y
}

type lstmCell struct {
	hidden int
	wx, wh *mat.Dense
	b      []float64
}

func compileLSTM(name string, c LSTMCell, in, hidden int) (lstmCell, error) {
	if c.In != in || c.Hidden != hidden || len(c.Wx) != 4*hidden*in || len(c.Wh) != 4*hidden*hidden || len(c.B) != 4*hidden {
		return lstmCell{}, fmt.Errorf("%s: expected input %d hidden %d", name, in, hidden)
	}
	return lstmCell{
		hidden: hidden,
		wx:     mat.NewDense(4*hidden, in, c.Wx),
		wh:     mat.NewDense(4*hidden, hidden, c.Wh),
		b:      c.B,
	}, nil
}

// run returns the hidden state at every step, in input order.
func (c lstmCell) run(x *mat.Dense, reverse bool) *mat.Dense {
	steps, _ := x.Dims()
	hsz := c.hidden
	out := mat.NewDense(steps, hsz, nil)
	h := mat.NewVecDense(hsz, nil)
	cell := make([]float64, hsz)
	zx := mat.NewVecDense(4*hsz, nil)
	zh := mat.NewVecDense(4*hsz, nil)
	for s := 0; s < steps; s++ {
		t := s
		if reverse {
			t = steps - 1 - s
		}
		zx.MulVec(c.wx, x.RowView(t))
		zh.MulVec(c.wh, h)
		next := make([]float64, hsz)
		for j := 0; j < hsz; j++ {
			i := sigmoid(zx.AtVec(j) + zh.AtVec(j) + c.b[j])
			f := sigmoid(zx.AtVec(hsz+j) + zh.AtVec(hsz+j) + c.b[hsz+j])
			g := math.Tanh(zx.AtVec(2*hsz+j) + zh.AtVec(2*hsz+j) + c.b[2*hsz+j])
			o := sigmoid(zx.AtVec(3*hsz+j) + zh.AtVec(3*hsz+j) + c.b[3*hsz+j])
			cell[j] = f*cell[j] + i*g
			next[j] = o * math.Tanh(cell[j])
		}
		h = mat.NewVecDense(hsz, next)
		out.SetRow(t, next)
	}
	return out
}

type layerNorm struct {
	gamma, beta []float64
}

func compileLayerNorm(name string, ln LayerNorm, n int) (layerNorm, error) {
	if len(ln.Gamma) != n || len(ln.Beta) != n {
		return layerNorm{}, fmt.Errorf("%s: expected width %d", name, n)
	}
	return layerNorm{gamma: ln.Gamma, beta: ln.Beta}, nil
}

func (ln layerNorm) apply(x *mat.Dense) {
	rows, cols := x.Dims()
	for i := 0; i < rows; i++ {
		row := x.RawRowView(i)
		var mean float64
		for _, v := range row {
			mean += v
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+1e-5)
		for j, v := range row {
			row[j] = (v-mean)*inv*ln.gamma[j] + ln.beta[j]
		}
	}
}

type attention struct {
	heads      int
	q, k, v, o linear
}

// apply is multi-head self attention. Keys outside mask are ignored.
func (a attention) apply(x *mat.Dense, mask []bool) *mat.Dense {
	steps, width := x.Dims()
	q, k, v := a.q.apply(x), a.k.apply(x), a.v.apply(x)
	dh := width / a.heads
	scale := 1 / math.Sqrt(float64(dh))
	ctx := mat.NewDense(steps, width, nil)
	scores := make([]float64, steps)
	for hd := 0; hd < a.heads; hd++ {
		lo := hd * dh
		for i := 0; i < steps; i++ {
			qi := q.RawRowView(i)[lo : lo+dh]
			for j := 0; j < steps; j++ {
				if !mask[j] {
					scores[j] = math.Inf(-1)
					continue
				}
				kj := k.RawRowView(j)[lo : lo+dh]
				var dot float64
				for d := range qi {
					dot += qi[d] * kj[d]
				}
				scores[j] = dot * scale
			}
			softmax(scores)
			out := ctx.RawRowView(i)[lo : lo+dh]
			for j := 0; j < steps; j++ {
				if scores[j] == 0 {
					continue
				}
				vj := v.RawRowView(j)[lo : lo+dh]
				for d := range out {
					out[d] += scores[j] * vj[d]
				}
			}
		}
	}
	return a.o.apply(ctx)
}

type head struct {
	name        string
	hidden, out linear
}

// network is the compiled, read-only form of Network.
type network struct {
	input     linear
	lstm      [][2]lstmCell
	attention attention
	norm1     layerNorm
	ffn1      linear
	ffn2      linear
	norm2     layerNorm
	heads     []head
}

func compileNetwork(n Network, spec Spec) (*network, error) {
	h := spec.HiddenSize
	h2 := 2 * h
	var out network
	var err error
	if out.input, err = compileLinear("input", n.Input, spec.FusionDim, h); err != nil {
		return nil, err
	}
	if len(n.LSTM) != spec.NumLayers {
		return nil, fmt.Errorf("lstm: expected %d layers, got %d", spec.NumLayers, len(n.LSTM))
	}
	in := h
	for i, layer := range n.LSTM {
		fwd, err := compileLSTM(fmt.Sprintf("lstm[%d].forward", i), layer.Forward, in, h)
		if err != nil {
			return nil, err
		}
		bwd, err := compileLSTM(fmt.Sprintf("lstm[%d].backward", i), layer.Backward, in, h)
		if err != nil {
			return nil, err
		}
		out.lstm = append(out.lstm, [2]lstmCell{fwd, bwd})
		in = h2
	}
	a := n.Attention
	if a.Heads <= 0 || h2%a.Heads != 0 {
		return nil, fmt.Errorf("attention: %d heads do not divide %d", a.Heads, h2)
	}
	out.attention.heads = a.Heads
	for _, p := range []struct {
		name string
		src  Linear
		dst  *linear
	}{
		{"attention.q", a.Q, &out.attention.q},
		{"attention.k", a.K, &out.attention.k},
		{"attention.v", a.V, &out.attention.v},
		{"attention.o", a.O, &out.attention.o},
	} {
		if *p.dst, err = compileLinear(p.name, p.src, h2, h2); err != nil {
			return nil, err
		}
	}
	if out.norm1, err = compileLayerNorm("norm1", n.Norm1, h2); err != nil {
		return nil, err
	}
	if out.ffn1, err = compileLinear("ffn1", n.FFN1, h2, 2*h2); err != nil {
		return nil, err
	}
	if out.ffn2, err = compileLinear("ffn2", n.FFN2, 2*h2, h2); err != nil {
		return nil, err
	}
	if out.norm2, err = compileLayerNorm("norm2", n.Norm2, h2); err != nil {
		return nil, err
	}
	if len(n.Heads) != len(headNames) {
		return nil, fmt.Errorf("heads: expected %d, got %d", len(headNames), len(n.Heads))
	}
	for i, hd := range n.Heads {
		if hd.Name != headNames[i] {
			return nil, fmt.Errorf("head %d: expected %s, got %s", i, headNames[i], hd.Name)
		}
		hidden, err := compileLinear(hd.Name+".hidden", hd.Hidden, h2, h)
		if err != nil {
			return nil, err
		}
		o, err := compileLinear(hd.Name+".out", hd.Out, h, 1)
		if err != nil {
			return nil, err
		}
		out.heads = append(out.heads, head{name: hd.Name, hidden: hidden, out: o})
	}
	return &out, nil
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }

func relu(x *mat.Dense) {
	x.Apply(func(_, _ int, v float64) float64 { return math.Max(v, 0) }, x)
}

// softmax normalizes x in place; -Inf entries get zero weight.
func softmax(x []float64) {
	top := math.Inf(-1)
	for _, v := range x {
		if v > top {
			top = v
		}
	}
	if math.IsInf(top, -1) {
		for i := range x {
			x[i] = 0
		}
		return
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
