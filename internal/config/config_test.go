package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Audio.TargetSampleRate != 16000 {
		t.Fatalf("expected 16 kHz target rate, got %d", cfg.Audio.TargetSampleRate)
	}
	if len(cfg.Features.Streams) != len(StreamLayout) {
		t.Fatalf("expected all streams enabled by default, got %v", cfg.Features.Streams)
	}
	if cfg.Feedback.ConfidenceThreshold != 0.7 || cfg.Feedback.NervousnessThreshold != 0.6 {
		t.Fatalf("unexpected default thresholds: %+v", cfg.Feedback)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SPEECHD_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SPEECHD_BUS_USERNAME", "alice")
	t.Setenv("SPEECHD_BUS_PASSWORD", "secret")
	t.Setenv("SPEECHD_BUS_TLS_INSECURE", "true")
	t.Setenv("SPEECHD_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SPEECHD_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SPEECHD_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SPEECHD_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SPEECHD_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("SPEECHD_EVENT_STORE_VACUUM_ON_START", "true")
	t.Setenv("SPEECHD_FEATURES_STREAMS", "mel, prosodic")
	t.Setenv("SPEECHD_FEEDBACK_CONFIDENCE_THRESHOLD", "0.9")
	t.Setenv("SPEECHD_MODEL_SEED", "7")
	t.Setenv("SPEECHD_ANALYSIS_WORKERS", "2")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" {
		t.Fatalf("expected event store path override")
	}
	if cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store retention mode override")
	}
	if cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store retention days override")
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if !cfg.EventStore.VacuumOnStart {
		t.Fatalf("expected event store vacuum flag override")
	}
	if len(cfg.Features.Streams) != 2 || !cfg.Features.Enabled(StreamMel) || cfg.Features.Enabled(StreamAcoustic) {
		t.Fatalf("expected stream override, got %v", cfg.Features.Streams)
	}
	if cfg.Feedback.ConfidenceThreshold != 0.9 {
		t.Fatalf("expected confidence threshold override, got %v", cfg.Feedback.ConfidenceThreshold)
	}
	if cfg.Model.Seed != 7 {
		t.Fatalf("expected seed override, got %d", cfg.Model.Seed)
	}
	if cfg.Analysis.Workers != 2 {
		t.Fatalf("expected workers override, got %d", cfg.Analysis.Workers)
	}
}

func TestInvalidThresholdRejectedAtLoad(t *testing.T) {
	t.Setenv("SPEECHD_FEEDBACK_PACE_THRESHOLD", "1.5")
	_, err := Load("")
	if err == nil {
		t.Fatal("expected invalid threshold error")
	}
	if !errors.Is(err, ErrInvalidThreshold) {
		t.Fatalf("expected ErrInvalidThreshold, got %v", err)
	}
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "speechd.yaml")
	yml := `runtime_name: test-speechd
features:
  streams: [acoustic, mel]
model:
  device: cpu
  hidden_size: 32
  attention_heads: 4
feedback:
  tone_threshold: 0.4
`
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "test-speechd" {
		t.Fatalf("expected runtime name from file, got %q", cfg.RuntimeName)
	}
	if cfg.Model.HiddenSize != 32 || cfg.Model.AttentionHeads != 4 {
		t.Fatalf("unexpected model config %+v", cfg.Model)
	}
	if cfg.Feedback.ToneThreshold != 0.4 || cfg.Feedback.ConfidenceThreshold != 0.7 {
		t.Fatalf("expected partial override of feedback thresholds, got %+v", cfg.Feedback)
	}
}

func TestValidateRejectsBadModelAndStreams(t *testing.T) {
	cfg := Default()
	cfg.Model.AttentionHeads = 7
	if err := validate(cfg); err == nil {
		t.Fatal("expected head count error")
	}

	cfg = Default()
	cfg.Features.Streams = []string{"acoustic", "spectral"}
	if err := validate(cfg); err == nil {
		t.Fatal("expected unknown stream error")
	}

	cfg = Default()
	cfg.Model.Device = "tpu"
	if err := validate(cfg); err == nil {
		t.Fatal("expected device error")
	}
}

func TestMissingConfigFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNodeSettings(t *testing.T) {
	t.Setenv("SPEECHD_NODE_ID", "edge-7")
	t.Setenv("SPEECHD_NODE_HEARTBEAT_INTERVAL_MS", "500")
	t.Setenv("SPEECHD_NODE_HEARTBEAT_TIMEOUT_MS", "1500")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Node.ID != "edge-7" || cfg.Node.HeartbeatInterval != 500 || cfg.Node.HeartbeatTimeout != 1500 {
		t.Fatalf("node overrides not applied: %+v", cfg.Node)
	}

	cfg = Default()
	cfg.Bus.Enabled = true
	cfg.Node.HeartbeatTimeout = cfg.Node.HeartbeatInterval
	if err := validate(cfg); err == nil {
		t.Fatal("expected heartbeat timeout error")
	}

	cfg.Bus.Enabled = false
	if err := validate(cfg); err != nil {
		t.Fatalf("node settings should be ignored without a bus: %v", err)
	}
}

func TestExtractionFingerprint(t *testing.T) {
	base := Default()
	if base.ExtractionFingerprint() != Default().ExtractionFingerprint() {
		t.Fatal("fingerprint should be stable")
	}

	other := Default()
	other.Feedback.ConfidenceThreshold = 0.9
	other.Analysis.Workers = 9
	if other.ExtractionFingerprint() != base.ExtractionFingerprint() {
		t.Fatal("thresholds and workers do not shape features")
	}

	louder := Default()
	louder.Audio.TargetRMSDB = -35
	if louder.ExtractionFingerprint() == base.ExtractionFingerprint() {
		t.Fatal("audio settings should change the fingerprint")
	}

	pooled := Default()
	pooled.Features.EmbeddingA.Pooling = "attention"
	if pooled.ExtractionFingerprint() == base.ExtractionFingerprint() {
		t.Fatal("embedding settings should change the fingerprint")
	}
}
