package features

import (
	"context"
	"fmt"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/plugins/manifest"
	pluginrt "github.com/loqalabs/loqa-speech/internal/plugins/runtime"
)

// BuildStreams constructs every stream of the layout, enabled or not, in
// layout order. plugins may be nil when no embedding uses the wasm backend.
func BuildStreams(ctx context.Context, cfg config.FeaturesConfig, seed uint64, plugins *pluginrt.Runtime) ([]Stream, error) {
	a, err := embeddingStream(ctx, config.StreamEmbeddingA, cfg.EmbeddingDim, cfg.EmbeddingA, seed, plugins)
	if err != nil {
		return nil, err
	}
	b, err := embeddingStream(ctx, config.StreamEmbeddingB, cfg.EmbeddingDim, cfg.EmbeddingB, seed, plugins)
	if err != nil {
		return nil, err
	}
	return []Stream{a, b, Acoustic{}, Mel{}, Prosodic{}}, nil
}

// Dims returns the width of every stream in the layout.
func Dims(embeddingDim int) map[string]int {
	return map[string]int{
		config.StreamEmbeddingA: embeddingDim,
		config.StreamEmbeddingB: embeddingDim,
		config.StreamAcoustic:   acousticDim,
		config.StreamMel:        melDim,
		config.StreamProsodic:   prosodicDim,
	}
}

// NeedsPlugins reports whether any embedding is served by a wasm plugin.
func NeedsPlugins(cfg config.FeaturesConfig) bool {
	return cfg.EmbeddingA.Backend == "wasm" || cfg.EmbeddingB.Backend == "wasm"
}

func embeddingStream(ctx context.Context, name string, dim int, cfg config.EmbeddingConfig, seed uint64, plugins *pluginrt.Runtime) (Stream, error) {
	switch cfg.Backend {
	case "builtin", "":
		return NewEncoder(name, dim, cfg.Pooling, seed)
	case "exec":
		return NewExecStream(name, dim, cfg.Command)
	case "wasm":
		if plugins == nil {
			return nil, fmt.Errorf("%s: wasm backend requires a plugin runtime", name)
		}
		m, err := manifest.Load(cfg.Manifest)
		if err != nil {
			return nil, fmt.Errorf("%s: load plugin manifest: %w", name, err)
		}
		if m.Stream.Name != name {
			return nil, fmt.Errorf("%s: plugin produces stream %q", name, m.Stream.Name)
		}
		if m.Stream.Dim != dim {
			return nil, fmt.Errorf("%s: plugin dim %d does not match %d", name, m.Stream.Dim, dim)
		}
		plugin, err := plugins.Load(ctx, m)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		return NewPluginStream(name, dim, plugin), nil
	default:
		return nil, fmt.Errorf("%s: unknown backend %q", name, cfg.Backend)
	}
}
