package storage

import (
	"context"
	"sync"

	"github.com/developingchet/guestbookd/internal/identity"
)

// MemCounterStore is an in-memory CounterStore for unit tests. It is exported
// so that other packages' tests can use it without touching the disk.
type MemCounterStore struct {
	mu       sync.Mutex
	counters map[string]Counter // sanitized IP → counter
}

// NewMemCounterStore creates an empty in-memory counter store.
func NewMemCounterStore() *MemCounterStore {
	return &MemCounterStore{counters: make(map[string]Counter)}
}

func (m *MemCounterStore) Consume(_ context.Context, ip string, fn func(c *Counter) bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := identity.Sanitize(ip)
	c := m.counters[key]
	if !fn(&c) {
		return false, nil
	}
	m.counters[key] = c
	return true, nil
}

// Get returns the stored counter for ip.
func (m *MemCounterStore) Get(ip string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[identity.Sanitize(ip)]
}

// Path is empty for the in-memory store.
func (m *MemCounterStore) Path() string { return "" }

// Close is a no-op for the in-memory store.
func (m *MemCounterStore) Close() error { return nil }
