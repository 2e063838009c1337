package manifest

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Manifest describes a WASM feature plugin.
type Manifest struct {
	Metadata Metadata    `yaml:"metadata"`
	Stream   StreamSpec  `yaml:"stream"`
	Runtime  RuntimeSpec `yaml:"runtime"`

	// dir is the directory the manifest was loaded from.
	dir string
}

type Metadata struct {
	Name        string   `yaml:"name"`
	Version     string   `yaml:"version"`
	Description string   `yaml:"description"`
	Author      string   `yaml:"author"`
	Tags        []string `yaml:"tags,omitempty"`
}

// StreamSpec names the feature stream a plugin produces and its width.
type StreamSpec struct {
	Name string `yaml:"name"`
	Dim  int    `yaml:"dim"`
}

type RuntimeSpec struct {
	Mode        string `yaml:"mode"`
	Module      string `yaml:"module"`
	Entrypoint  string `yaml:"entrypoint"`
	Alloc       string `yaml:"alloc"`
	HostVersion string `yaml:"host_version"`
}

// Load reads a manifest from disk and fills runtime defaults.
func Load(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, err
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if m.Runtime.Entrypoint == "" {
		m.Runtime.Entrypoint = "embed"
	}
	if m.Runtime.Alloc == "" {
		m.Runtime.Alloc = "alloc"
	}
	m.dir = filepath.Dir(path)
	return m, nil
}

// ModulePath resolves the module relative to the manifest location.
func (m Manifest) ModulePath() string {
	if filepath.IsAbs(m.Runtime.Module) || m.dir == "" {
		return m.Runtime.Module
	}
	return filepath.Join(m.dir, m.Runtime.Module)
}

// Validate ensures manifest contains required fields.
func Validate(m Manifest) error {
	if m.Metadata.Name == "" {
		return fmt.Errorf("metadata.name is required")
	}
	if m.Metadata.Version == "" {
		return fmt.Errorf("metadata.version is required")
	}
	if m.Stream.Name == "" {
		return fmt.Errorf("stream.name is required")
	}
	if m.Stream.Dim <= 0 {
		return fmt.Errorf("stream.dim must be positive")
	}
	if m.Runtime.Mode == "" {
		return fmt.Errorf("runtime.mode is required")
	}
	switch m.Runtime.Mode {
	case "wasm":
		if m.Runtime.Module == "" {
			return fmt.Errorf("runtime.module is required for wasm")
		}
		if m.Runtime.Entrypoint == "" {
			return fmt.Errorf("runtime.entrypoint is required for wasm")
		}
		if m.Runtime.Alloc == "" {
			return fmt.Errorf("runtime.alloc is required for wasm")
		}
	default:
		return fmt.Errorf("runtime.mode %q not supported", m.Runtime.Mode)
	}
	return nil
}
