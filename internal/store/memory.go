package store

import (
	"sync"
	"time"
)

// Memory is the in-process Store backend. It is the default for tests and
// for single-process runs that do not need coordination state to survive
// a restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]map[string]Entry // namespace -> key -> entry
	version int64
	closed  bool

	notifier *subscribers
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries:  make(map[string]map[string]Entry),
		notifier: newSubscribers(),
	}
}

// Put implements Store.
func (m *Memory) Put(namespace, key, value string) (int64, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrUnavailable
	}

	m.version++
	ns, ok := m.entries[namespace]
	if !ok {
		ns = make(map[string]Entry)
		m.entries[namespace] = ns
	}
	ns[key] = Entry{Value: value, Version: m.version, WrittenAt: time.Now()}
	version := m.version
	m.mu.Unlock()

	m.notifier.notify()
	return version, nil
}

// Get implements Store.
func (m *Memory) Get(namespace, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Entry{}, false, ErrUnavailable
	}
	entry, ok := m.entries[namespace][key]
	return entry, ok, nil
}

// Delete implements Store.
func (m *Memory) Delete(namespace, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrUnavailable
	}
	delete(m.entries[namespace], key)
	return nil
}

// Dirty implements Store. The dirty counter is the global write version.
func (m *Memory) Dirty() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.version
}

// Subscribe implements Store.
func (m *Memory) Subscribe() (<-chan struct{}, func()) {
	return m.notifier.subscribe()
}

// Close implements Store. Subsequent operations fail with ErrUnavailable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
