// Package featurecache memoizes extracted feature vectors keyed by a digest
// of the audio and the extraction setup.
package featurecache

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/features"
)

// Cache stores feature vectors. Get reports a miss with ok=false; a decode
// failure is an error and the caller treats it as a miss.
type Cache interface {
	Get(ctx context.Context, key string) (features.Vector, bool, error)
	Set(ctx context.Context, key string, v features.Vector) error
	Close() error
}

// KeyParts identify an extraction.
type KeyParts struct {
	Audio        []byte
	Format       string
	SampleRate   int
	Channels     int
	Streams      []string
	ModelVersion string
	// Setup fingerprints the processing and extraction settings.
	Setup string
}

// Key returns the hex sha256 of parts. Variable-length fields are length
// prefixed so adjacent fields cannot collide.
func Key(p KeyParts) string {
	h := sha256.New()
	writeField := func(b []byte) {
		var n [8]byte
		binary.LittleEndian.PutUint64(n[:], uint64(len(b)))
		h.Write(n[:])
		h.Write(b)
	}
	writeField(p.Audio)
	writeField([]byte(p.Format))
	writeField([]byte(fmt.Sprintf("%d/%d", p.SampleRate, p.Channels)))
	for _, s := range p.Streams {
		writeField([]byte(s))
	}
	writeField([]byte(p.ModelVersion))
	writeField([]byte(p.Setup))
	return hex.EncodeToString(h.Sum(nil))
}

// New builds the cache selected by cfg.Mode.
func New(cfg config.CacheConfig, logger *slog.Logger) (Cache, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "featurecache"), slog.String("mode", cfg.Mode))
	ttl := time.Duration(cfg.TTLMinutes) * time.Minute
	switch cfg.Mode {
	case "", "off":
		return Off{}, nil
	case "memory":
		return NewMemory(cfg.Size, ttl), nil
	case "disk":
		return OpenDisk(cfg.Path, ttl, logger)
	default:
		return nil, fmt.Errorf("unknown cache mode %q", cfg.Mode)
	}
}

// Off never stores anything.
type Off struct{}

func (Off) Get(context.Context, string) (features.Vector, bool, error) { return nil, false, nil }
func (Off) Set(context.Context, string, features.Vector) error         { return nil }
func (Off) Close() error                                               { return nil }

func encode(v features.Vector) ([]byte, error) {
	return msgpack.Marshal(map[string][]float64(v))
}

func decode(b []byte) (features.Vector, error) {
	var m map[string][]float64
	if err := msgpack.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode cached features: %w", err)
	}
	return features.Vector(m), nil
}
