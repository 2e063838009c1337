package manifest

import (
	"os"
	"path/filepath"
	"testing"
)

const validYAML = `metadata:
  name: energy-embed
  version: 0.1.0
  description: Frame energy embedding
  author: Loqa Labs
stream:
  name: embedding-b
  dim: 768
runtime:
  mode: wasm
  module: build/energy.wasm
  host_version: v1
`

func TestValidateValidManifest(t *testing.T) {
	tmp := t.TempDir()
	path := filepath.Join(tmp, "plugin.yaml")
	if err := os.WriteFile(path, []byte(validYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	m, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if m.Runtime.Entrypoint != "embed" || m.Runtime.Alloc != "alloc" {
		t.Fatalf("expected default exports, got %q/%q", m.Runtime.Entrypoint, m.Runtime.Alloc)
	}
	if want := filepath.Join(tmp, "build", "energy.wasm"); m.ModulePath() != want {
		t.Fatalf("expected module path %s, got %s", want, m.ModulePath())
	}
}

func TestValidateMissingFields(t *testing.T) {
	m := Manifest{}
	if err := Validate(m); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestValidateUnsupportedMode(t *testing.T) {
	m := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Stream:   StreamSpec{Name: "embedding-a", Dim: 8},
		Runtime:  RuntimeSpec{Mode: "python", Entrypoint: "embed", Alloc: "alloc"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error for unsupported runtime")
	}
}

func TestValidateRejectsZeroDim(t *testing.T) {
	m := Manifest{
		Metadata: Metadata{Name: "x", Version: "1"},
		Stream:   StreamSpec{Name: "embedding-a"},
		Runtime:  RuntimeSpec{Mode: "wasm", Module: "x.wasm", Entrypoint: "embed", Alloc: "alloc"},
	}
	if err := Validate(m); err == nil {
		t.Fatalf("expected error for missing dim")
	}
}

func TestExampleManifest(t *testing.T) {
	path := filepath.Join("..", "..", "..", "plugins", "examples", "band-energy", "manifest.yaml")
	m, err := Load(path)
	if err != nil {
		t.Fatalf("load example: %v", err)
	}
	if err := Validate(m); err != nil {
		t.Fatalf("example manifest invalid: %v", err)
	}
	if m.Stream.Dim != 768 || m.Runtime.Entrypoint != "embed" {
		t.Fatalf("unexpected example manifest %+v", m)
	}
	if want := filepath.Join(filepath.Dir(path), "band-energy.wasm"); m.ModulePath() != want {
		t.Fatalf("module path %s, want %s", m.ModulePath(), want)
	}
}
