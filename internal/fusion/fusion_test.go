package fusion

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/features"
)

var testLayout = []Input{{Name: "a", Dim: 4}, {Name: "b", Dim: 3}, {Name: "c", Dim: 2}}

func newFuser(t *testing.T) *Fuser {
	t.Helper()
	f, err := New(Init(6, testLayout, rand.New(rand.NewPCG(1, 1))))
	if err != nil {
		t.Fatalf("new fuser: %v", err)
	}
	return f
}

func sampleVector() features.Vector {
	return features.Vector{
		"a": {0.1, -0.2, 0.3, 0.4},
		"b": {1, 0.5, -0.5},
		"c": {0.2, 0.9},
	}
}

func TestFuseWeightsSumToOne(t *testing.T) {
	rep, err := newFuser(t).Fuse(sampleVector())
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	var sum float64
	for _, w := range rep.Weights {
		if w < 0 || w > 1 {
			t.Fatalf("weight out of range: %v", rep.Weights)
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		t.Fatalf("weights sum to %v", sum)
	}
	if len(rep.Tokens) != 3 || len(rep.Vector) != 6 {
		t.Fatalf("unexpected shape %d tokens, %d dims", len(rep.Tokens), len(rep.Vector))
	}
	for j := range rep.Vector {
		var col float64
		for i := range rep.Tokens {
			col += rep.Tokens[i][j]
		}
		if math.Abs(col-rep.Vector[j]) > 1e-12 {
			t.Fatalf("vector is not the sum of tokens")
		}
	}
}

func TestAbsentStreamEqualsZeroFill(t *testing.T) {
	f := newFuser(t)
	missing := sampleVector()
	delete(missing, "b")
	zeroed := sampleVector()
	zeroed["b"] = make([]float64, 3)

	r1, err := f.Fuse(missing)
	if err != nil {
		t.Fatalf("fuse missing: %v", err)
	}
	r2, err := f.Fuse(zeroed)
	if err != nil {
		t.Fatalf("fuse zeroed: %v", err)
	}
	if r1.WeightMap()["b"] != 0 {
		t.Fatalf("absent stream must have zero weight")
	}
	for j := range r1.Vector {
		if r1.Vector[j] != r2.Vector[j] {
			t.Fatalf("missing and zero-filled streams must fuse identically")
		}
	}
	for _, v := range r1.Tokens[1] {
		if v != 0 {
			t.Fatalf("absent stream token must be zero")
		}
	}
	full, _ := f.Fuse(sampleVector())
	if len(full.Vector) != len(r1.Vector) || len(full.Tokens) != len(r1.Tokens) {
		t.Fatalf("shape must not depend on presence")
	}
}

func TestFuseRejectsBadInput(t *testing.T) {
	f := newFuser(t)
	v := sampleVector()
	v["a"] = []float64{1, 2}
	if _, err := f.Fuse(v); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for width, got %v", err)
	}
	v = sampleVector()
	v["z"] = []float64{1}
	if _, err := f.Fuse(v); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch for unknown stream, got %v", err)
	}
}

func TestFuseDeterministic(t *testing.T) {
	f1 := newFuser(t)
	f2 := newFuser(t)
	a, _ := f1.Fuse(sampleVector())
	b, _ := f2.Fuse(sampleVector())
	for j := range a.Vector {
		if a.Vector[j] != b.Vector[j] {
			t.Fatalf("fusion is not deterministic")
		}
	}
}

func TestNothingPresent(t *testing.T) {
	rep, err := newFuser(t).Fuse(features.Vector{})
	if err != nil {
		t.Fatalf("fuse: %v", err)
	}
	for _, w := range rep.Weights {
		if w != 0 {
			t.Fatalf("expected zero weights")
		}
	}
}

func TestNewRejectsMalformedParams(t *testing.T) {
	p := Init(4, testLayout, rand.New(rand.NewPCG(1, 1)))
	p.Streams[0].W = p.Streams[0].W[:3]
	if _, err := New(p); !errors.Is(err, ErrDimensionMismatch) {
		t.Fatalf("expected ErrDimensionMismatch, got %v", err)
	}
}
