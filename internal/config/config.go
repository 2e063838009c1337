package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidThreshold is returned when a feedback threshold lies outside [0,1].
var ErrInvalidThreshold = errors.New("invalid threshold")

// Stream identifiers in fusion order.
const (
	StreamEmbeddingA = "embedding-a"
	StreamEmbeddingB = "embedding-b"
	StreamAcoustic   = "acoustic"
	StreamMel        = "mel"
	StreamProsodic   = "prosodic"
)

// StreamLayout is the fixed order in which feature streams are laid out.
var StreamLayout = []string{StreamEmbeddingA, StreamEmbeddingB, StreamAcoustic, StreamMel, StreamProsodic}

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind        string `yaml:"bind"`
	Port        int    `yaml:"port"`
	BodyLimitMB int    `yaml:"body_limit_mb"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Node        NodeConfig       `yaml:"node"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Features    FeaturesConfig   `yaml:"features"`
	Model       ModelConfig      `yaml:"model"`
	Feedback    FeedbackConfig   `yaml:"feedback"`
	Analysis    AnalysisConfig   `yaml:"analysis"`
	STT         STTConfig        `yaml:"stt"`
	Cache       CacheConfig      `yaml:"cache"`
}

// NodeConfig identifies this instance to its peers on the bus.
type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeout  int    `yaml:"heartbeat_timeout_ms"`
}

type BusConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path                 string `yaml:"path"`
	RetentionMode        string `yaml:"retention_mode"`
	RetentionDays        int    `yaml:"retention_days"`
	MaxSessions          int    `yaml:"max_sessions"`
	VacuumOnStart        bool   `yaml:"vacuum_on_start"`
	PruneIntervalMinutes int    `yaml:"prune_interval_minutes"`
}

// AudioConfig controls decoding, voice activity detection and normalization.
type AudioConfig struct {
	TargetSampleRate int      `yaml:"target_sample_rate"`
	MinVoicedMS      int      `yaml:"min_voiced_ms"`
	MaxDurationS     int      `yaml:"max_duration_s"`
	MaxBytes         int      `yaml:"max_bytes"`
	FrameMS          int      `yaml:"frame_ms"`
	MinSegmentMS     int      `yaml:"min_segment_ms"`
	MergeGapMS       int      `yaml:"merge_gap_ms"`
	VADThresholdDB   float64  `yaml:"vad_threshold_db"`
	TargetRMSDB      float64  `yaml:"target_rms_db"`
	PeakCeiling      float64  `yaml:"peak_ceiling"`
	MaxGainDB        float64  `yaml:"max_gain_db"`
	FillerLexicon    []string `yaml:"filler_lexicon"`
}

// EmbeddingConfig selects the backend of a neural embedding stream.
type EmbeddingConfig struct {
	Backend  string `yaml:"backend"` // builtin, exec, wasm
	Command  string `yaml:"command"`
	Manifest string `yaml:"manifest"`
	Pooling  string `yaml:"pooling"` // mean, attention
}

type FeaturesConfig struct {
	Streams      []string        `yaml:"streams"`
	EmbeddingDim int             `yaml:"embedding_dim"`
	EmbeddingA   EmbeddingConfig `yaml:"embedding_a"`
	EmbeddingB   EmbeddingConfig `yaml:"embedding_b"`
}

// Enabled reports whether the named stream is switched on.
func (f FeaturesConfig) Enabled(name string) bool {
	for _, s := range f.Streams {
		if s == name {
			return true
		}
	}
	return false
}

// ExtractionFingerprint digests the audio, feature and STT settings. Two
// configs with the same fingerprint extract identical feature vectors from
// the same input.
func (c Config) ExtractionFingerprint() string {
	b, err := yaml.Marshal(struct {
		Audio    AudioConfig    `yaml:"audio"`
		Features FeaturesConfig `yaml:"features"`
		STT      STTConfig      `yaml:"stt"`
	}{c.Audio, c.Features, c.STT})
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

type ModelConfig struct {
	WeightsPath    string `yaml:"weights_path"`
	Seed           uint64 `yaml:"seed"`
	Device         string `yaml:"device"` // cpu, accelerator
	BatchSize      int    `yaml:"batch_size"`
	FusionDim      int    `yaml:"fusion_dim"`
	HiddenSize     int    `yaml:"hidden_size"`
	NumLayers      int    `yaml:"num_layers"`
	AttentionHeads int    `yaml:"attention_heads"`
}

type FeedbackConfig struct {
	ConfidenceThreshold  float64 `yaml:"confidence_threshold"`
	NervousnessThreshold float64 `yaml:"nervousness_threshold"`
	FluencyThreshold     float64 `yaml:"fluency_threshold"`
	PaceThreshold        float64 `yaml:"pace_threshold"`
	ToneThreshold        float64 `yaml:"tone_threshold"`
	OverallThreshold     float64 `yaml:"overall_threshold"`
}

type AnalysisConfig struct {
	Workers    int `yaml:"workers"`
	QueueDepth int `yaml:"queue_depth"`
	TimeoutMS  int `yaml:"timeout_ms"`
	MaxBatch   int `yaml:"max_batch"`
	// SessionIdleMS drops streamed sessions with no frame for this long;
	// zero keeps them until their final frame.
	SessionIdleMS int `yaml:"session_idle_ms"`
}

type STTConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Mode      string `yaml:"mode"`
	Command   string `yaml:"command"`
	ModelPath string `yaml:"model_path"`
	Language  string `yaml:"language"`
}

type CacheConfig struct {
	Mode       string `yaml:"mode"` // off, memory, disk
	Path       string `yaml:"path"`
	Size       int    `yaml:"size"`
	TTLMinutes int    `yaml:"ttl_minutes"`
}

func Default() Config {
	return Config{
		RuntimeName: "speechd",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind:        "0.0.0.0",
			Port:        8080,
			BodyLimitMB: 60,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Node: NodeConfig{
			ID:                "speechd-1",
			HeartbeatInterval: 2000,
			HeartbeatTimeout:  6000,
		},
		Bus: BusConfig{
			Enabled:        false,
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:                 "./data/speech-events.db",
			RetentionMode:        "session",
			RetentionDays:        30,
			MaxSessions:          10000,
			PruneIntervalMinutes: 60,
		},
		Audio: AudioConfig{
			TargetSampleRate: 16000,
			MinVoicedMS:      1000,
			MaxDurationS:     300,
			MaxBytes:         50 * 1024 * 1024,
			FrameMS:          30,
			MinSegmentMS:     250,
			MergeGapMS:       300,
			VADThresholdDB:   -45,
			TargetRMSDB:      -20,
			PeakCeiling:      0.95,
			MaxGainDB:        30,
			FillerLexicon:    []string{"um", "uh", "er", "ah", "hmm", "like", "you know", "i mean", "sort of", "kind of"},
		},
		Features: FeaturesConfig{
			Streams:      append([]string(nil), StreamLayout...),
			EmbeddingDim: 768,
			EmbeddingA:   EmbeddingConfig{Backend: "builtin", Pooling: "mean"},
			EmbeddingB:   EmbeddingConfig{Backend: "builtin", Pooling: "attention"},
		},
		Model: ModelConfig{
			Seed:           42,
			Device:         "cpu",
			BatchSize:      8,
			FusionDim:      256,
			HiddenSize:     256,
			NumLayers:      2,
			AttentionHeads: 8,
		},
		Feedback: FeedbackConfig{
			ConfidenceThreshold:  0.7,
			NervousnessThreshold: 0.6,
			FluencyThreshold:     0.6,
			PaceThreshold:        0.5,
			ToneThreshold:        0.5,
			OverallThreshold:     0.6,
		},
		Analysis: AnalysisConfig{
			Workers:       4,
			QueueDepth:    16,
			TimeoutMS:     60000,
			MaxBatch:      10,
			SessionIdleMS: 120000,
		},
		STT: STTConfig{
			Enabled: false,
			Mode:    "mock",
		},
		Cache: CacheConfig{
			Mode:       "memory",
			Path:       "./data/feature-cache",
			Size:       256,
			TTLMinutes: 60,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SPEECHD_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SPEECHD_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SPEECHD_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SPEECHD_HTTP_PORT")
	overrideInt(&cfg.HTTP.BodyLimitMB, "SPEECHD_HTTP_BODY_LIMIT_MB")
	overrideString(&cfg.Telemetry.LogLevel, "SPEECHD_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SPEECHD_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SPEECHD_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SPEECHD_TELEMETRY_PROMETHEUS_BIND")
	overrideString(&cfg.Node.ID, "SPEECHD_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SPEECHD_NODE_HEARTBEAT_INTERVAL_MS")
	overrideInt(&cfg.Node.HeartbeatTimeout, "SPEECHD_NODE_HEARTBEAT_TIMEOUT_MS")
	overrideBool(&cfg.Bus.Enabled, "SPEECHD_BUS_ENABLED")
	overrideBool(&cfg.Bus.Embedded, "SPEECHD_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SPEECHD_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SPEECHD_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SPEECHD_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SPEECHD_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SPEECHD_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SPEECHD_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SPEECHD_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SPEECHD_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "SPEECHD_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SPEECHD_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SPEECHD_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SPEECHD_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SPEECHD_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.EventStore.PruneIntervalMinutes, "SPEECHD_EVENT_STORE_PRUNE_INTERVAL_MINUTES")
	overrideInt(&cfg.Audio.TargetSampleRate, "SPEECHD_AUDIO_TARGET_SAMPLE_RATE")
	overrideInt(&cfg.Audio.MinVoicedMS, "SPEECHD_AUDIO_MIN_VOICED_MS")
	overrideInt(&cfg.Audio.MaxDurationS, "SPEECHD_AUDIO_MAX_DURATION_S")
	overrideInt(&cfg.Audio.MaxBytes, "SPEECHD_AUDIO_MAX_BYTES")
	overrideInt(&cfg.Audio.FrameMS, "SPEECHD_AUDIO_FRAME_MS")
	overrideInt(&cfg.Audio.MinSegmentMS, "SPEECHD_AUDIO_MIN_SEGMENT_MS")
	overrideInt(&cfg.Audio.MergeGapMS, "SPEECHD_AUDIO_MERGE_GAP_MS")
	overrideFloat(&cfg.Audio.VADThresholdDB, "SPEECHD_AUDIO_VAD_THRESHOLD_DB")
	overrideFloat(&cfg.Audio.TargetRMSDB, "SPEECHD_AUDIO_TARGET_RMS_DB")
	overrideFloat(&cfg.Audio.PeakCeiling, "SPEECHD_AUDIO_PEAK_CEILING")
	overrideFloat(&cfg.Audio.MaxGainDB, "SPEECHD_AUDIO_MAX_GAIN_DB")
	overrideStringSlice(&cfg.Audio.FillerLexicon, "SPEECHD_AUDIO_FILLER_LEXICON")
	overrideStringSlice(&cfg.Features.Streams, "SPEECHD_FEATURES_STREAMS")
	overrideInt(&cfg.Features.EmbeddingDim, "SPEECHD_FEATURES_EMBEDDING_DIM")
	overrideString(&cfg.Features.EmbeddingA.Backend, "SPEECHD_FEATURES_EMBEDDING_A_BACKEND")
	overrideString(&cfg.Features.EmbeddingA.Command, "SPEECHD_FEATURES_EMBEDDING_A_COMMAND")
	overrideString(&cfg.Features.EmbeddingA.Manifest, "SPEECHD_FEATURES_EMBEDDING_A_MANIFEST")
	overrideString(&cfg.Features.EmbeddingA.Pooling, "SPEECHD_FEATURES_EMBEDDING_A_POOLING")
	overrideString(&cfg.Features.EmbeddingB.Backend, "SPEECHD_FEATURES_EMBEDDING_B_BACKEND")
	overrideString(&cfg.Features.EmbeddingB.Command, "SPEECHD_FEATURES_EMBEDDING_B_COMMAND")
	overrideString(&cfg.Features.EmbeddingB.Manifest, "SPEECHD_FEATURES_EMBEDDING_B_MANIFEST")
	overrideString(&cfg.Features.EmbeddingB.Pooling, "SPEECHD_FEATURES_EMBEDDING_B_POOLING")
	overrideString(&cfg.Model.WeightsPath, "SPEECHD_MODEL_WEIGHTS_PATH")
	overrideUint(&cfg.Model.Seed, "SPEECHD_MODEL_SEED")
	overrideString(&cfg.Model.Device, "SPEECHD_MODEL_DEVICE")
	overrideInt(&cfg.Model.BatchSize, "SPEECHD_MODEL_BATCH_SIZE")
	overrideInt(&cfg.Model.FusionDim, "SPEECHD_MODEL_FUSION_DIM")
	overrideInt(&cfg.Model.HiddenSize, "SPEECHD_MODEL_HIDDEN_SIZE")
	overrideInt(&cfg.Model.NumLayers, "SPEECHD_MODEL_NUM_LAYERS")
	overrideInt(&cfg.Model.AttentionHeads, "SPEECHD_MODEL_ATTENTION_HEADS")
	overrideFloat(&cfg.Feedback.ConfidenceThreshold, "SPEECHD_FEEDBACK_CONFIDENCE_THRESHOLD")
	overrideFloat(&cfg.Feedback.NervousnessThreshold, "SPEECHD_FEEDBACK_NERVOUSNESS_THRESHOLD")
	overrideFloat(&cfg.Feedback.FluencyThreshold, "SPEECHD_FEEDBACK_FLUENCY_THRESHOLD")
	overrideFloat(&cfg.Feedback.PaceThreshold, "SPEECHD_FEEDBACK_PACE_THRESHOLD")
	overrideFloat(&cfg.Feedback.ToneThreshold, "SPEECHD_FEEDBACK_TONE_THRESHOLD")
	overrideFloat(&cfg.Feedback.OverallThreshold, "SPEECHD_FEEDBACK_OVERALL_THRESHOLD")
	overrideInt(&cfg.Analysis.Workers, "SPEECHD_ANALYSIS_WORKERS")
	overrideInt(&cfg.Analysis.QueueDepth, "SPEECHD_ANALYSIS_QUEUE_DEPTH")
	overrideInt(&cfg.Analysis.TimeoutMS, "SPEECHD_ANALYSIS_TIMEOUT_MS")
	overrideInt(&cfg.Analysis.MaxBatch, "SPEECHD_ANALYSIS_MAX_BATCH")
	overrideInt(&cfg.Analysis.SessionIdleMS, "SPEECHD_ANALYSIS_SESSION_IDLE_MS")
	overrideBool(&cfg.STT.Enabled, "SPEECHD_STT_ENABLED")
	overrideString(&cfg.STT.Mode, "SPEECHD_STT_MODE")
	overrideString(&cfg.STT.Command, "SPEECHD_STT_COMMAND")
	overrideString(&cfg.STT.ModelPath, "SPEECHD_STT_MODEL_PATH")
	overrideString(&cfg.STT.Language, "SPEECHD_STT_LANGUAGE")
	overrideString(&cfg.Cache.Mode, "SPEECHD_CACHE_MODE")
	overrideString(&cfg.Cache.Path, "SPEECHD_CACHE_PATH")
	overrideInt(&cfg.Cache.Size, "SPEECHD_CACHE_SIZE")
	overrideInt(&cfg.Cache.TTLMinutes, "SPEECHD_CACHE_TTL_MINUTES")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideUint(target *uint64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseUint(value, 10, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.HTTP.BodyLimitMB <= 0 {
		return errors.New("http.body_limit_mb must be positive")
	}
	if cfg.Bus.Enabled {
		if cfg.Bus.Embedded {
			// -1 asks the embedded server for a random port.
			if cfg.Bus.Port == 0 || cfg.Bus.Port < -1 || cfg.Bus.Port > 65535 {
				return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
			}
		} else if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
		if cfg.Node.ID == "" {
			return errors.New("node.id must not be empty")
		}
		if cfg.Node.HeartbeatInterval <= 0 {
			return errors.New("node.heartbeat_interval_ms must be positive")
		}
		if cfg.Node.HeartbeatTimeout <= cfg.Node.HeartbeatInterval {
			return errors.New("node.heartbeat_timeout_ms must be greater than heartbeat_interval_ms")
		}
	}
	if cfg.EventStore.Path == "" && cfg.EventStore.RetentionMode != "ephemeral" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if err := validateAudio(cfg.Audio); err != nil {
		return err
	}
	if err := validateFeatures(cfg.Features); err != nil {
		return err
	}
	if err := validateModel(cfg.Model); err != nil {
		return err
	}
	if err := ValidateFeedback(cfg.Feedback); err != nil {
		return err
	}
	if cfg.Analysis.Workers <= 0 {
		return errors.New("analysis.workers must be >= 1")
	}
	if cfg.Analysis.QueueDepth < 0 {
		return errors.New("analysis.queue_depth must be >= 0")
	}
	if cfg.Analysis.MaxBatch <= 0 {
		return errors.New("analysis.max_batch must be >= 1")
	}
	if cfg.Analysis.SessionIdleMS < 0 {
		return errors.New("analysis.session_idle_ms must be >= 0")
	}
	if cfg.STT.Enabled {
		switch cfg.STT.Mode {
		case "mock", "exec":
		default:
			return errors.New("stt.mode must be one of mock|exec")
		}
		if cfg.STT.Mode == "exec" && cfg.STT.Command == "" {
			return errors.New("stt.command must be set when mode=exec")
		}
	}
	switch cfg.Cache.Mode {
	case "off", "":
	case "memory":
		if cfg.Cache.Size <= 0 {
			return errors.New("cache.size must be positive when mode=memory")
		}
	case "disk":
		if cfg.Cache.Path == "" {
			return errors.New("cache.path must be set when mode=disk")
		}
	default:
		return errors.New("cache.mode must be one of off|memory|disk")
	}
	return nil
}

func validateAudio(a AudioConfig) error {
	if a.TargetSampleRate < 8000 || a.TargetSampleRate > 96000 {
		return errors.New("audio.target_sample_rate must be between 8000 and 96000")
	}
	if a.MinVoicedMS < 0 {
		return errors.New("audio.min_voiced_ms must be >= 0")
	}
	if a.MaxDurationS <= 0 {
		return errors.New("audio.max_duration_s must be positive")
	}
	if a.MaxBytes <= 0 {
		return errors.New("audio.max_bytes must be positive")
	}
	if a.FrameMS < 10 || a.FrameMS > 100 {
		return errors.New("audio.frame_ms must be between 10 and 100")
	}
	if a.MinSegmentMS < 0 || a.MergeGapMS < 0 {
		return errors.New("audio.min_segment_ms and audio.merge_gap_ms must be >= 0")
	}
	if a.PeakCeiling <= 0 || a.PeakCeiling > 1 {
		return errors.New("audio.peak_ceiling must be in (0,1]")
	}
	if a.TargetRMSDB >= 0 {
		return errors.New("audio.target_rms_db must be negative")
	}
	return nil
}

func validateFeatures(f FeaturesConfig) error {
	if len(f.Streams) == 0 {
		return errors.New("features.streams must enable at least one stream")
	}
	known := make(map[string]struct{}, len(StreamLayout))
	for _, name := range StreamLayout {
		known[name] = struct{}{}
	}
	seen := make(map[string]struct{}, len(f.Streams))
	for _, name := range f.Streams {
		if _, ok := known[name]; !ok {
			return fmt.Errorf("features.streams: unknown stream %q", name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("features.streams: duplicate stream %q", name)
		}
		seen[name] = struct{}{}
	}
	if f.EmbeddingDim <= 0 {
		return errors.New("features.embedding_dim must be positive")
	}
	for key, emb := range map[string]EmbeddingConfig{"embedding_a": f.EmbeddingA, "embedding_b": f.EmbeddingB} {
		switch emb.Backend {
		case "builtin":
		case "exec":
			if emb.Command == "" {
				return fmt.Errorf("features.%s.command must be set when backend=exec", key)
			}
		case "wasm":
			if emb.Manifest == "" {
				return fmt.Errorf("features.%s.manifest must be set when backend=wasm", key)
			}
		default:
			return fmt.Errorf("features.%s.backend must be one of builtin|exec|wasm", key)
		}
		switch emb.Pooling {
		case "", "mean", "attention":
		default:
			return fmt.Errorf("features.%s.pooling must be one of mean|attention", key)
		}
	}
	return nil
}

func validateModel(m ModelConfig) error {
	switch m.Device {
	case "cpu", "accelerator":
	default:
		return errors.New("model.device must be one of cpu|accelerator")
	}
	if m.BatchSize <= 0 {
		return errors.New("model.batch_size must be >= 1")
	}
	if m.FusionDim <= 0 || m.HiddenSize <= 0 || m.NumLayers <= 0 {
		return errors.New("model.fusion_dim, model.hidden_size and model.num_layers must be positive")
	}
	if m.AttentionHeads <= 0 || (2*m.HiddenSize)%m.AttentionHeads != 0 {
		return errors.New("model.attention_heads must divide 2*hidden_size")
	}
	return nil
}

// ValidateFeedback checks that every threshold lies in [0,1].
func ValidateFeedback(f FeedbackConfig) error {
	checks := []struct {
		name  string
		value float64
	}{
		{"confidence_threshold", f.ConfidenceThreshold},
		{"nervousness_threshold", f.NervousnessThreshold},
		{"fluency_threshold", f.FluencyThreshold},
		{"pace_threshold", f.PaceThreshold},
		{"tone_threshold", f.ToneThreshold},
		{"overall_threshold", f.OverallThreshold},
	}
	for _, c := range checks {
		if c.value < 0 || c.value > 1 || c.value != c.value {
			return fmt.Errorf("feedback.%s=%v: %w", c.name, c.value, ErrInvalidThreshold)
		}
	}
	return nil
}
