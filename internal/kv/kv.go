package kv

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned when a key does not exist or its TTL has elapsed.
var ErrNotFound = errors.New("kv: not found")

// Store is the shared key-value store backing presence. Implementations must
// be safe for concurrent use; per-key operations are atomic.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// Expired returns the keys whose TTL elapsed since the last call and
	// removes them. Used by background sweeps, not request paths.
	Expired(ctx context.Context) ([]string, error)
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// Memory is the in-process Store used by the single-node deployment.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	now  func() time.Time
}

func NewMemory() *Memory {
	return NewMemoryWithNow(time.Now)
}

func NewMemoryWithNow(now func() time.Time) *Memory {
	return &Memory{data: make(map[string]entry), now: now}
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = e
	return nil
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	if !e.expiresAt.IsZero() && m.now().After(e.expiresAt) {
		delete(m.data, key)
		return nil, ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Expired(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for key, e := range m.data {
		if !e.expiresAt.IsZero() && now.After(e.expiresAt) {
			expired = append(expired, key)
			delete(m.data, key)
		}
	}
	return expired, nil
}
