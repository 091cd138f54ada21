package credstore

import (
	"context"
	"maps"
	"sync"
)

// MemoryBackend keeps the record in process memory. Stores sharing one
// MemoryBackend see each other's writes and are notified of them. The zero
// value is an empty medium ready to use.
type MemoryBackend struct {
	mu      sync.Mutex
	record  map[string]string
	watches map[int]func()
	nextID  int
}

// NewMemoryBackend returns an empty in-memory medium.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{watches: make(map[int]func())}
}

func (m *MemoryBackend) Load() (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return maps.Clone(m.record), nil
}

func (m *MemoryBackend) Save(record map[string]string) error {
	m.mu.Lock()
	m.record = maps.Clone(record)
	m.mu.Unlock()
	m.notify()
	return nil
}

func (m *MemoryBackend) Delete() error {
	m.mu.Lock()
	m.record = nil
	m.mu.Unlock()
	m.notify()
	return nil
}

// Watch registers onChange until ctx is done. Notifications run on the
// writer's goroutine.
func (m *MemoryBackend) Watch(ctx context.Context, onChange func()) error {
	m.mu.Lock()
	if m.watches == nil {
		m.watches = make(map[int]func())
	}
	id := m.nextID
	m.nextID++
	m.watches[id] = onChange
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.watches, id)
		m.mu.Unlock()
	}()
	return nil
}

func (m *MemoryBackend) notify() {
	m.mu.Lock()
	fns := make([]func(), 0, len(m.watches))
	for _, fn := range m.watches {
		fns = append(fns, fn)
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
