package runtime_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/loqalabs/loqa-speech/internal/plugins/manifest"
	runtime "github.com/loqalabs/loqa-speech/internal/plugins/runtime"
)

const sampleManifest = `metadata:
  name: echo
  version: 0.0.1
  description: returns the leading samples
  author: test
stream:
  name: embedding-b
  dim: %d
runtime:
  mode: wasm
  module: %s
  host_version: v1
`

// echoModule exports memory, alloc(size) returning 1024 and embed(ptr, n,
// rate) returning ptr, so the embedding is the first dim input samples.
var echoModule = []byte{
	0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00,
	// types: (i32)->i32, (i32 i32 i32)->i32
	0x01, 0x0d, 0x02, 0x60, 0x01, 0x7f, 0x01, 0x7f, 0x60, 0x03, 0x7f, 0x7f, 0x7f, 0x01, 0x7f,
	// functions
	0x03, 0x03, 0x02, 0x00, 0x01,
	// memory: one page
	0x05, 0x03, 0x01, 0x00, 0x01,
	// exports
	0x07, 0x1a, 0x03,
	0x06, 'm', 'e', 'm', 'o', 'r', 'y', 0x02, 0x00,
	0x05, 'a', 'l', 'l', 'o', 'c', 0x00, 0x00,
	0x05, 'e', 'm', 'b', 'e', 'd', 0x00, 0x01,
	// code
	0x0a, 0x0c, 0x02,
	0x05, 0x00, 0x41, 0x80, 0x08, 0x0b,
	0x04, 0x00, 0x20, 0x00, 0x0b,
}

func writePlugin(t *testing.T, dim int, module []byte) manifest.Manifest {
	t.Helper()
	dir := t.TempDir()
	modulePath := "missing.wasm"
	if module != nil {
		modulePath = "echo.wasm"
		if err := os.WriteFile(filepath.Join(dir, modulePath), module, 0o644); err != nil {
			t.Fatalf("write module: %v", err)
		}
	}
	manifestPath := filepath.Join(dir, "manifest.yaml")
	if err := os.WriteFile(manifestPath, []byte(fmt.Sprintf(sampleManifest, dim, modulePath)), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	mf, err := manifest.Load(manifestPath)
	if err != nil {
		t.Fatalf("load manifest: %v", err)
	}
	return mf
}

func newRuntime(t *testing.T) *runtime.Runtime {
	t.Helper()
	ctx := context.Background()
	rt, err := runtime.New(ctx, runtime.HostBindings{})
	if err != nil {
		t.Fatalf("create runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close(ctx) })
	return rt
}

func TestRuntimeLoadMissingFile(t *testing.T) {
	rt := newRuntime(t)
	if _, err := rt.Load(context.Background(), writePlugin(t, 4, nil)); err == nil {
		t.Fatalf("expected error for missing module")
	}
}

func TestRuntimeEmbed(t *testing.T) {
	ctx := context.Background()
	rt := newRuntime(t)
	plugin, err := rt.Load(ctx, writePlugin(t, 4, echoModule))
	if err != nil {
		t.Fatalf("load plugin: %v", err)
	}
	t.Cleanup(func() { plugin.Close(ctx) })

	in := []float32{0.5, -0.25, 1, 2, 3, 4}
	// two calls exercise the fresh instance per invocation
	for i := 0; i < 2; i++ {
		out, err := plugin.Embed(ctx, in, 16000)
		if err != nil {
			t.Fatalf("embed: %v", err)
		}
		if len(out) != 4 {
			t.Fatalf("expected 4 values, got %d", len(out))
		}
		for j := range out {
			if out[j] != in[j] {
				t.Fatalf("value %d: expected %v, got %v", j, in[j], out[j])
			}
		}
	}
}

func TestRuntimeRejectsMissingExport(t *testing.T) {
	rt := newRuntime(t)
	mf := writePlugin(t, 4, echoModule)
	mf.Runtime.Entrypoint = "encode"
	if _, err := rt.Load(context.Background(), mf); err == nil {
		t.Fatalf("expected error for missing entrypoint export")
	}
}
