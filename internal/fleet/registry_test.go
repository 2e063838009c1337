package fleet

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
	"github.com/loqalabs/loqa-speech/internal/natsserver"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func startServer(t *testing.T) string {
	t.Helper()
	srv, err := natsserver.Start(config.BusConfig{Embedded: true, Port: -1, StoreDir: t.TempDir()}, quietLogger())
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(srv.Shutdown)
	return srv.ClientURL()
}

func startNode(t *testing.T, url, id string, local Local) *Registry {
	t.Helper()
	client, err := bus.Connect(context.Background(), config.BusConfig{Servers: []string{url}, ConnectTimeout: 2000}, quietLogger())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(client.Close)
	cfg := config.NodeConfig{ID: id, HeartbeatInterval: 50, HeartbeatTimeout: 200}
	r, err := NewRegistry(context.Background(), cfg, local, client, quietLogger())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestNodesDiscoverEachOther(t *testing.T) {
	url := startServer(t)
	var load atomic.Int64
	load.Store(3)
	a := startNode(t, url, "a", Local{
		ModelVersion: "m1",
		Streams:      []string{"acoustic", "mel"},
		Capacity:     Capacity{Workers: 2, QueueDepth: 4, MaxBatch: 10},
		Pending:      load.Load,
	})
	b := startNode(t, url, "b", Local{
		ModelVersion: "m2",
		Streams:      []string{"prosodic"},
		Capacity:     Capacity{Workers: 1, QueueDepth: 0, MaxBatch: 1},
	})

	waitFor(t, func() bool { return len(a.Nodes(nil)) == 2 && len(b.Nodes(nil)) == 2 })

	if !a.Healthy() || !b.Healthy() {
		t.Fatalf("nodes should report themselves healthy")
	}
	seen := b.Nodes(WithModelVersion("m1"))
	if len(seen) != 1 || seen[0].ID != "a" || seen[0].Capacity.Workers != 2 {
		t.Fatalf("b has wrong view of a: %+v", seen)
	}
	waitFor(t, func() bool {
		n := b.Nodes(WithStream("mel"))
		return len(n) == 1 && n[0].Pending == 3
	})
	if got := b.Nodes(WithModelVersion("m1"))[0].Free(); got != 3 {
		t.Fatalf("expected 3 free slots on a, got %d", got)
	}
	if len(a.Nodes(WithStream("embedding-a"))) != 0 {
		t.Fatalf("no node serves embedding-a")
	}
}

func TestSilentPeerBecomesUnhealthy(t *testing.T) {
	url := startServer(t)
	a := startNode(t, url, "a", Local{})
	b := startNode(t, url, "b", Local{})
	waitFor(t, func() bool { return len(a.Nodes(HealthyOnly)) == 2 })

	b.Close()
	waitFor(t, func() bool {
		nodes := a.Nodes(HealthyOnly)
		return len(nodes) == 1 && nodes[0].ID == "a"
	})
	if !a.Healthy() {
		t.Fatalf("local node must stay healthy")
	}
}
