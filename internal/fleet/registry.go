// Package fleet tracks the speechd nodes sharing a bus. Each node announces
// what it can analyze and heartbeats its load; peers that stop
// heartbeating are marked unhealthy.
package fleet

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-speech/internal/bus"
	"github.com/loqalabs/loqa-speech/internal/config"
)

const (
	SubjectAnnounce        = "speech.node.announce"
	SubjectHeartbeatPrefix = "speech.node.heartbeat"
)

// Capacity describes what a node can take on.
type Capacity struct {
	Workers    int `json:"workers"`
	QueueDepth int `json:"queue_depth"`
	MaxBatch   int `json:"max_batch"`
}

// NodeInfo is the registry's view of one node.
type NodeInfo struct {
	ID           string    `json:"id"`
	Version      string    `json:"version"`
	ModelVersion string    `json:"model_version"`
	Streams      []string  `json:"streams"`
	Capacity     Capacity  `json:"capacity"`
	Pending      int64     `json:"pending"`
	LastSeen     time.Time `json:"last_seen"`
	Healthy      bool      `json:"healthy"`
}

// Free is the number of requests the node can still admit.
func (n NodeInfo) Free() int64 {
	return int64(n.Capacity.Workers+n.Capacity.QueueDepth) - n.Pending
}

// Local describes this node.
type Local struct {
	Version      string
	ModelVersion string
	Streams      []string
	Capacity     Capacity
	// Pending reports the current load; nil reports zero.
	Pending func() int64
}

type announceMessage struct {
	NodeID       string    `json:"node_id"`
	Version      string    `json:"version"`
	ModelVersion string    `json:"model_version"`
	Streams      []string  `json:"streams"`
	Capacity     Capacity  `json:"capacity"`
	Timestamp    time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	NodeID    string    `json:"node_id"`
	Pending   int64     `json:"pending"`
	Timestamp time.Time `json:"timestamp"`
}

type Registry struct {
	cfg   config.NodeConfig
	local Local
	log   *slog.Logger
	bus   *bus.Client
	now   func() time.Time

	mu     sync.RWMutex
	nodes  map[string]*NodeInfo
	cancel context.CancelFunc
	wg     sync.WaitGroup
	subs   []*nats.Subscription
}

func NewRegistry(ctx context.Context, cfg config.NodeConfig, local Local, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	if local.Pending == nil {
		local.Pending = func() int64 { return 0 }
	}
	r := &Registry{
		cfg:    cfg,
		local:  local,
		log:    log.With(slog.String("component", "fleet"), slog.String("node_id", cfg.ID)),
		bus:    busClient,
		now:    func() time.Time { return time.Now().UTC() },
		nodes:  make(map[string]*NodeInfo),
		cancel: cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	if err := r.subscribe(); err != nil {
		cancel()
		return nil, err
	}
	if err := r.announce(); err != nil {
		r.log.Warn("failed to announce node", slog.String("error", err.Error()))
	}

	r.wg.Add(1)
	go r.run(ctx)
	return r, nil
}

func (r *Registry) Close() {
	r.cancel()
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
	r.wg.Wait()
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(SubjectAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(SubjectHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		_ = announceSub.Drain()
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)
	return nil
}

// run heartbeats on the configured interval and re-evaluates peer health
// once a second.
func (r *Registry) run(ctx context.Context) {
	defer r.wg.Done()
	heartbeat := time.NewTicker(time.Duration(r.cfg.HeartbeatInterval) * time.Millisecond)
	defer heartbeat.Stop()
	health := time.NewTicker(time.Second)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if err := r.publishHeartbeat(); err != nil {
				r.log.Warn("failed to publish heartbeat", slog.String("error", err.Error()))
			}
		case <-health.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) announce() error {
	msg := announceMessage{
		NodeID:       r.cfg.ID,
		Version:      r.local.Version,
		ModelVersion: r.local.ModelVersion,
		Streams:      r.local.Streams,
		Capacity:     r.local.Capacity,
		Timestamp:    r.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	r.applyAnnounce(msg)
	return r.bus.Conn().Publish(SubjectAnnounce, payload)
}

func (r *Registry) publishHeartbeat() error {
	msg := heartbeatMessage{
		NodeID:    r.cfg.ID,
		Pending:   r.local.Pending(),
		Timestamp: r.now(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(SubjectHeartbeatPrefix+"."+r.cfg.ID, payload)
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var a announceMessage
	if err := json.Unmarshal(msg.Data, &a); err != nil || a.NodeID == "" {
		r.log.Warn("invalid announce message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = r.now()
	}
	known := r.applyAnnounce(a)
	// A new peer has not heard from us yet; answer so both sides converge.
	if !known && a.NodeID != r.cfg.ID {
		if err := r.announce(); err != nil {
			r.log.Warn("failed to re-announce node", slog.String("error", err.Error()))
		}
	}
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil || hb.NodeID == "" {
		r.log.Warn("invalid heartbeat message", slog.Int("bytes", len(msg.Data)))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = r.now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[hb.NodeID]
	if !ok {
		node = &NodeInfo{ID: hb.NodeID}
		r.nodes[hb.NodeID] = node
	}
	node.Pending = hb.Pending
	node.LastSeen = hb.Timestamp
	node.Healthy = true
}

// applyAnnounce records a and reports whether the node was already known.
func (r *Registry) applyAnnounce(a announceMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	node, ok := r.nodes[a.NodeID]
	if !ok {
		node = &NodeInfo{ID: a.NodeID}
		r.nodes[a.NodeID] = node
	}
	node.Version = a.Version
	node.ModelVersion = a.ModelVersion
	node.Streams = append([]string(nil), a.Streams...)
	node.Capacity = a.Capacity
	node.LastSeen = a.Timestamp
	node.Healthy = true
	return ok
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := r.now()
	for id, node := range r.nodes {
		if id == r.cfg.ID {
			node.LastSeen = now
			continue
		}
		if now.Sub(node.LastSeen) > timeout {
			if node.Healthy {
				r.log.Warn("node missed heartbeats", slog.String("peer", id))
			}
			node.Healthy = false
		}
	}
}

// Healthy reports whether this node is registered.
func (r *Registry) Healthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	node, ok := r.nodes[r.cfg.ID]
	return ok && node.Healthy
}

// Nodes returns every known node matching filter, sorted by id. The local
// node reports its live load.
func (r *Registry) Nodes(filter func(NodeInfo) bool) []NodeInfo {
	pending := r.local.Pending()
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []NodeInfo
	for id, node := range r.nodes {
		n := *node
		n.Streams = append([]string(nil), node.Streams...)
		if id == r.cfg.ID {
			n.Pending = pending
		}
		if filter == nil || filter(n) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// WithModelVersion keeps nodes serving version.
func WithModelVersion(version string) func(NodeInfo) bool {
	return func(n NodeInfo) bool { return n.ModelVersion == version }
}

// WithStream keeps nodes that have stream enabled.
func WithStream(stream string) func(NodeInfo) bool {
	return func(n NodeInfo) bool {
		for _, s := range n.Streams {
			if s == stream {
				return true
			}
		}
		return false
	}
}

// HealthyOnly keeps nodes that heartbeat within the timeout.
func HealthyOnly(n NodeInfo) bool { return n.Healthy }

func (r *Registry) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/loqa-speech/internal/fleet")
	nodes, err := meter.Int64ObservableGauge("speech.fleet.nodes", metric.WithDescription("Number of healthy speechd nodes"))
	if err != nil {
		return err
	}
	free, err := meter.Int64ObservableGauge("speech.fleet.free_slots", metric.WithDescription("Admission slots free across healthy nodes"))
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var count, slots int64
		for _, n := range r.Nodes(HealthyOnly) {
			count++
			if f := n.Free(); f > 0 {
				slots += f
			}
		}
		obs.ObserveInt64(nodes, count)
		obs.ObserveInt64(free, slots)
		return nil
	}, nodes, free)
	return err
}
