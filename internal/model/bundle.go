package model

import (
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"os"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/features"
	"github.com/loqalabs/loqa-speech/internal/fusion"
)

// Spec fixes the architecture of a bundle.
type Spec struct {
	FusionDim      int            `msgpack:"fusion_dim" json:"fusion_dim"`
	HiddenSize     int            `msgpack:"hidden_size" json:"hidden_size"`
	NumLayers      int            `msgpack:"num_layers" json:"num_layers"`
	AttentionHeads int            `msgpack:"attention_heads" json:"attention_heads"`
	Streams        []fusion.Input `msgpack:"streams" json:"streams"`
}

// SpecFromConfig derives the architecture from configuration.
func SpecFromConfig(mc config.ModelConfig, fc config.FeaturesConfig) Spec {
	dims := features.Dims(fc.EmbeddingDim)
	spec := Spec{
		FusionDim:      mc.FusionDim,
		HiddenSize:     mc.HiddenSize,
		NumLayers:      mc.NumLayers,
		AttentionHeads: mc.AttentionHeads,
	}
	for _, name := range config.StreamLayout {
		spec.Streams = append(spec.Streams, fusion.Input{Name: name, Dim: dims[name]})
	}
	return spec
}

func (s Spec) validate() error {
	if s.FusionDim <= 0 || s.HiddenSize <= 0 || s.NumLayers <= 0 {
		return fmt.Errorf("fusion_dim, hidden_size and num_layers must be positive")
	}
	if s.AttentionHeads <= 0 || (2*s.HiddenSize)%s.AttentionHeads != 0 {
		return fmt.Errorf("attention_heads %d must divide %d", s.AttentionHeads, 2*s.HiddenSize)
	}
	if len(s.Streams) == 0 {
		return fmt.Errorf("no input streams")
	}
	return nil
}

// Bundle is everything needed to run inference: the fusion parameters and
// the sequence network, tagged with a version used in cache keys.
type Bundle struct {
	Version string        `msgpack:"version"`
	Seed    uint64        `msgpack:"seed"`
	Spec    Spec          `msgpack:"spec"`
	Fusion  fusion.Params `msgpack:"fusion"`
	Network Network       `msgpack:"network"`
}

// Init builds a bundle with Xavier initialized weights. The same spec and
// seed always produce identical parameters.
func Init(spec Spec, seed uint64) (*Bundle, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%+v", spec)
	rng := rand.New(rand.NewPCG(seed, h.Sum64()))
	return &Bundle{
		Version: fmt.Sprintf("init-%d-%x", seed, h.Sum64()&0xffffffff),
		Seed:    seed,
		Spec:    spec,
		Fusion:  fusion.Init(spec.FusionDim, spec.Streams, rng),
		Network: initNetwork(spec, rng),
	}, nil
}

// Load reads a msgpack bundle from path.
func Load(path string) (*Bundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}
	var b Bundle
	if err := msgpack.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle %s: %w", path, err)
	}
	if b.Version == "" {
		b.Version = fmt.Sprintf("file-%x", fnv64(data))
	}
	return &b, nil
}

// Save writes the bundle to path as msgpack.
func (b *Bundle) Save(path string) error {
	data, err := msgpack.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode bundle: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write bundle: %w", err)
	}
	return nil
}

// Count returns the number of scalar parameters.
func (b *Bundle) Count() int {
	return b.Fusion.Count() + b.Network.count()
}

// FromConfig loads the bundle at mc.WeightsPath, or initializes one from
// the seed when no path is configured.
func FromConfig(mc config.ModelConfig, fc config.FeaturesConfig) (*Bundle, error) {
	if mc.WeightsPath != "" {
		return Load(mc.WeightsPath)
	}
	return Init(SpecFromConfig(mc, fc), mc.Seed)
}

func fnv64(data []byte) uint64 {
	h := fnv.New64a()
	h.Write(data)
	return h.Sum64()
}
