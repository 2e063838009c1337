package featurecache

import (
	"context"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/features"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func sampleVector() features.Vector {
	return features.Vector{
		"acoustic": {0.1, 0.2, 0.3},
		"mel":      {-0.5, 0.25},
	}
}

func roundTrip(t *testing.T, c Cache) {
	t.Helper()
	ctx := context.Background()
	if _, ok, err := c.Get(ctx, "missing"); ok || err != nil {
		t.Fatalf("expected miss, got ok=%v err=%v", ok, err)
	}
	if err := c.Set(ctx, "k", sampleVector()); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := c.Get(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !reflect.DeepEqual(got, sampleVector()) {
		t.Fatalf("round trip mismatch: %v", got)
	}
	got["mel"][0] = 99
	again, _, _ := c.Get(ctx, "k")
	if again["mel"][0] != -0.5 {
		t.Fatalf("cached value was aliased")
	}
}

func TestMemoryRoundTrip(t *testing.T) {
	c := NewMemory(4, time.Minute)
	defer c.Close()
	roundTrip(t, c)
}

func TestMemoryEvicts(t *testing.T) {
	c := NewMemory(2, 0)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		if err := c.Set(ctx, k, sampleVector()); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", c.Len())
	}
	if _, ok, _ := c.Get(ctx, "a"); ok {
		t.Fatalf("oldest entry should be evicted")
	}
}

func TestDiskRoundTrip(t *testing.T) {
	c, err := OpenDisk(t.TempDir(), time.Hour, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer c.Close()
	roundTrip(t, c)
}

func TestDiskPersists(t *testing.T) {
	dir := t.TempDir()
	c, err := OpenDisk(dir, time.Hour, quietLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := c.Set(context.Background(), "k", sampleVector()); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	c, err = OpenDisk(dir, time.Hour, quietLogger())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer c.Close()
	if _, ok, err := c.Get(context.Background(), "k"); !ok || err != nil {
		t.Fatalf("expected persisted entry, ok=%v err=%v", ok, err)
	}
}

func TestNewModes(t *testing.T) {
	off, err := New(config.CacheConfig{Mode: "off"}, quietLogger())
	if err != nil {
		t.Fatalf("off: %v", err)
	}
	if err := off.Set(context.Background(), "k", sampleVector()); err != nil {
		t.Fatalf("off set: %v", err)
	}
	if _, ok, _ := off.Get(context.Background(), "k"); ok {
		t.Fatalf("off cache should never hit")
	}
	mem, err := New(config.CacheConfig{Mode: "memory", Size: 8, TTLMinutes: 1}, quietLogger())
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	if _, ok := mem.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", mem)
	}
	if _, err := New(config.CacheConfig{Mode: "redis"}, quietLogger()); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestKey(t *testing.T) {
	base := KeyParts{Audio: []byte{1, 2, 3}, Format: "wav", SampleRate: 16000, Channels: 1,
		Streams: []string{"acoustic", "mel"}, ModelVersion: "v1"}
	k := Key(base)
	if len(k) != 64 || Key(base) != k {
		t.Fatalf("key should be a stable hex sha256, got %q", k)
	}
	other := base
	other.Streams = []string{"acoustic"}
	if Key(other) == k {
		t.Fatalf("stream set must change the key")
	}
	other = base
	other.ModelVersion = "v2"
	if Key(other) == k {
		t.Fatalf("model version must change the key")
	}
	other = base
	other.Setup = "louder"
	if Key(other) == k {
		t.Fatalf("extraction setup must change the key")
	}
	// field boundaries
	a := KeyParts{Format: "wa", ModelVersion: "v"}
	b := KeyParts{Format: "w", ModelVersion: "av"}
	if Key(a) == Key(b) {
		t.Fatalf("adjacent fields collided")
	}
}
