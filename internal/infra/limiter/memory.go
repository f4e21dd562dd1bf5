package limiter

import (
	"context"
	"sync"
	"time"
)

// Memory is the in-process fallback when no redis is configured.
type Memory struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	now    func() time.Time
	hits   map[string]*window
}

type window struct {
	count int
	until time.Time
}

func NewMemory(maxAttempts int, win time.Duration) *Memory {
	return &Memory{max: maxAttempts, window: win, now: time.Now, hits: make(map[string]*window)}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.live(key)
	return w == nil || w.count < m.max, nil
}

func (m *Memory) Fail(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := m.live(key)
	if w == nil {
		w = &window{until: m.now().Add(m.window)}
		m.hits[key] = w
	}
	w.count++
	return nil
}

func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.hits, key)
	return nil
}

// Prune drops expired windows.
func (m *Memory) Prune() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for k, w := range m.hits {
		if !now.Before(w.until) {
			delete(m.hits, k)
		}
	}
}

// live returns the unexpired window for key; callers hold mu.
func (m *Memory) live(key string) *window {
	w := m.hits[key]
	if w == nil {
		return nil
	}
	if !m.now().Before(w.until) {
		delete(m.hits, key)
		return nil
	}
	return w
}
