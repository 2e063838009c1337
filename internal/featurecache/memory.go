package featurecache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/loqalabs/loqa-speech/internal/features"
)

// Memory is an in-process LRU whose entries expire after ttl. Values are
// kept msgpack-encoded so callers can never alias cached slices.
type Memory struct {
	lru *expirable.LRU[string, []byte]
}

// NewMemory creates a cache holding at most size entries. A zero ttl
// disables expiry.
func NewMemory(size int, ttl time.Duration) *Memory {
	if size <= 0 {
		size = 1
	}
	return &Memory{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (m *Memory) Get(_ context.Context, key string) (features.Vector, bool, error) {
	b, ok := m.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	v, err := decode(b)
	if err != nil {
		m.lru.Remove(key)
		return nil, false, err
	}
	return v, true, nil
}

func (m *Memory) Set(_ context.Context, key string, v features.Vector) error {
	b, err := encode(v)
	if err != nil {
		return err
	}
	m.lru.Add(key, b)
	return nil
}

func (m *Memory) Len() int { return m.lru.Len() }

func (m *Memory) Close() error {
	m.lru.Purge()
	return nil
}
