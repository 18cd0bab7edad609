package store_test

import (
	"context"
	"sync"
	"time"

	"wisefido-carelink/internal/store"
)

// memKV 内存 KV；过期按注入的时钟判断，测试可直接拨动时间
type memKV struct {
	mu      sync.Mutex
	now     time.Time
	values  map[string]string
	expires map[string]time.Time
}

func newMemKV() *memKV {
	return &memKV{
		now:     time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC),
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
	}
}

func (m *memKV) advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

func (m *memKV) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if exp, ok := m.expires[key]; ok && !m.now.Before(exp) {
		delete(m.values, key)
		delete(m.expires, key)
	}
	v, ok := m.values[key]
	if !ok {
		return "", store.ErrMiss
	}
	return v, nil
}

func (m *memKV) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	if ttl > 0 {
		m.expires[key] = m.now.Add(ttl)
	} else {
		delete(m.expires, key)
	}
	return nil
}

func (m *memKV) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.values, k)
		delete(m.expires, k)
	}
	return nil
}
