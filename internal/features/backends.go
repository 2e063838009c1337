package features

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/mattn/go-shellwords"

	"github.com/loqalabs/loqa-speech/internal/audio"
	"github.com/loqalabs/loqa-speech/internal/stt"
)

// ExecStream delegates an embedding to an external command. The command gets
// `--audio <file.wav> --dim <n>` appended and prints {"embedding": [...]}.
type ExecStream struct {
	name string
	dim  int
	cmd  []string
}

type execResult struct {
	Embedding []float64 `json:"embedding"`
}

func NewExecStream(name string, dim int, command string) (*ExecStream, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse %s command: %w", name, err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("%s command is empty", name)
	}
	return &ExecStream{name: name, dim: dim, cmd: args}, nil
}

func (s *ExecStream) Name() string { return s.name }
func (s *ExecStream) Dim() int     { return s.dim }

func (s *ExecStream) Extract(ctx context.Context, p *audio.Processed) ([]float64, error) {
	file, err := os.CreateTemp("", "speechd_embed_*.wav")
	if err != nil {
		return nil, fmt.Errorf("temp file: %w", err)
	}
	defer os.Remove(file.Name())
	defer file.Close()

	if err := stt.WritePCMToWav(file, audio.EncodePCM16(speechSamples(p)), p.SampleRate, 1); err != nil {
		return nil, err
	}

	args := append([]string{}, s.cmd[1:]...)
	args = append(args, "--audio", file.Name(), "--dim", strconv.Itoa(s.dim))
	command := exec.CommandContext(ctx, s.cmd[0], args...)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr
	if err := command.Run(); err != nil {
		return nil, fmt.Errorf("embedding command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	return resp.Embedding, nil
}

// Embedder is the plugin side of a WASM stream.
type Embedder interface {
	Embed(ctx context.Context, samples []float32, sampleRate int) ([]float32, error)
}

// PluginStream runs an embedding inside a WASM plugin.
type PluginStream struct {
	name   string
	dim    int
	plugin Embedder
}

func NewPluginStream(name string, dim int, plugin Embedder) *PluginStream {
	return &PluginStream{name: name, dim: dim, plugin: plugin}
}

func (s *PluginStream) Name() string { return s.name }
func (s *PluginStream) Dim() int     { return s.dim }

func (s *PluginStream) Extract(ctx context.Context, p *audio.Processed) ([]float64, error) {
	x := speechSamples(p)
	in := make([]float32, len(x))
	for i, v := range x {
		in[i] = float32(v)
	}
	res, err := s.plugin.Embed(ctx, in, p.SampleRate)
	if err != nil {
		return nil, err
	}
	out := make([]float64, len(res))
	for i, v := range res {
		out[i] = float64(v)
	}
	return out, nil
}
