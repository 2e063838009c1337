package runtime

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"os"

	"github.com/loqalabs/loqa-speech/internal/plugins/manifest"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Runtime wraps a wazero runtime for executing feature plugins.
type Runtime struct {
	rt     wazero.Runtime
	logger *slog.Logger
}

// HostBindings are the capabilities exposed to plugins.
type HostBindings struct {
	Logger *slog.Logger
}

// New creates a plugin runtime with the env host module and WASI.
func New(ctx context.Context, host HostBindings) (*Runtime, error) {
	logger := host.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "plugins"))

	rt := wazero.NewRuntime(ctx)
	if err := instantiateHostModule(ctx, rt, logger); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate host module: %w", err)
	}
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("instantiate WASI: %w", err)
	}
	return &Runtime{rt: rt, logger: logger}, nil
}

// Close releases resources held by the runtime and every plugin loaded from it.
func (r *Runtime) Close(ctx context.Context) error {
	if r == nil || r.rt == nil {
		return nil
	}
	return r.rt.Close(ctx)
}

// Plugin is a compiled embedding module. Each call runs in a fresh
// instance, so a Plugin is safe for concurrent use.
type Plugin struct {
	Manifest manifest.Manifest
	rt       wazero.Runtime
	compiled wazero.CompiledModule
}

// Load compiles a plugin and checks that its exports match the manifest.
func (r *Runtime) Load(ctx context.Context, m manifest.Manifest) (*Plugin, error) {
	if r == nil || r.rt == nil {
		return nil, fmt.Errorf("runtime not initialized")
	}
	if err := manifest.Validate(m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	wasmBytes, err := os.ReadFile(m.ModulePath())
	if err != nil {
		return nil, fmt.Errorf("read wasm module: %w", err)
	}
	compiled, err := r.rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	exports := compiled.ExportedFunctions()
	for _, name := range []string{m.Runtime.Alloc, m.Runtime.Entrypoint} {
		if _, ok := exports[name]; !ok {
			compiled.Close(ctx)
			return nil, fmt.Errorf("export %q not found", name)
		}
	}
	if len(compiled.ExportedMemories()) == 0 {
		compiled.Close(ctx)
		return nil, fmt.Errorf("module exports no memory")
	}
	r.logger.Info("plugin loaded",
		slog.String("plugin", m.Metadata.Name),
		slog.String("stream", m.Stream.Name),
		slog.Int("dim", m.Stream.Dim),
	)
	return &Plugin{Manifest: m, rt: r.rt, compiled: compiled}, nil
}

// Close releases the compiled module.
func (p *Plugin) Close(ctx context.Context) error {
	if p == nil || p.compiled == nil {
		return nil
	}
	return p.compiled.Close(ctx)
}

// Embed passes mono samples to the plugin and reads back Stream.Dim values.
// Samples cross the boundary as little-endian float32.
func (p *Plugin) Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error) {
	if p == nil || p.compiled == nil {
		return nil, fmt.Errorf("plugin not loaded")
	}
	// Reactor modules expose _initialize; command style _start is not run.
	cfg := wazero.NewModuleConfig().WithName("").WithStartFunctions("_initialize")
	mod, err := p.rt.InstantiateModule(ctx, p.compiled, cfg)
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	defer mod.Close(ctx)

	alloc := mod.ExportedFunction(p.Manifest.Runtime.Alloc)
	embed := mod.ExportedFunction(p.Manifest.Runtime.Entrypoint)
	mem := mod.Memory()
	if alloc == nil || embed == nil || mem == nil {
		return nil, fmt.Errorf("plugin exports missing")
	}

	size := uint32(len(samples) * 4)
	res, err := alloc.Call(ctx, uint64(size))
	if err != nil {
		return nil, fmt.Errorf("alloc: %w", err)
	}
	ptr := api.DecodeU32(res[0])
	buf := make([]byte, size)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(s))
	}
	if !mem.Write(ptr, buf) {
		return nil, fmt.Errorf("write %d bytes at %d out of range", size, ptr)
	}

	res, err = embed.Call(ctx, uint64(ptr), uint64(len(samples)), uint64(sampleRate))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.Manifest.Runtime.Entrypoint, err)
	}
	outPtr := api.DecodeU32(res[0])
	if outPtr == 0 {
		return nil, fmt.Errorf("%s returned a null pointer", p.Manifest.Runtime.Entrypoint)
	}
	dim := p.Manifest.Stream.Dim
	data, ok := mem.Read(outPtr, uint32(dim*4))
	if !ok {
		return nil, fmt.Errorf("read %d values at %d out of range", dim, outPtr)
	}
	out := make([]float32, dim)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}

func instantiateHostModule(ctx context.Context, rt wazero.Runtime, logger *slog.Logger) error {
	builder := rt.NewHostModuleBuilder("env")
	hostLogFn := api.GoModuleFunc(func(_ context.Context, mod api.Module, stack []uint64) {
		ptr := api.DecodeU32(stack[0])
		length := api.DecodeU32(stack[1])
		if length == 0 {
			return
		}
		mem := mod.Memory()
		if mem == nil {
			logger.Warn("host_log: module has no memory", slog.Uint64("ptr", uint64(ptr)))
			return
		}
		data, ok := mem.Read(ptr, length)
		if !ok {
			logger.Warn("host_log: unable to read memory", slog.Uint64("ptr", uint64(ptr)), slog.Uint64("len", uint64(length)))
			return
		}
		logger.Info("plugin log", slog.String("module", mod.Name()), slog.String("message", string(data)))
	})
	builder.NewFunctionBuilder().
		WithGoModuleFunction(hostLogFn, []api.ValueType{api.ValueTypeI32, api.ValueTypeI32}, nil).
		WithName("host_log").
		Export("host_log")

	_, err := builder.Instantiate(ctx)
	return err
}
