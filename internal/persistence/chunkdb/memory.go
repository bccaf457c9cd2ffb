package chunkdb

import (
	"context"
	"sort"
	"sync"
)

// Memory keeps chunks in process. Used by tests and -db=memory runs.
type Memory struct {
	mu     sync.Mutex
	data   map[string][]byte
	reads  uint64
	hits   uint64
	writes uint64
}

func NewMemory() *Memory {
	return &Memory{data: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	b, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	m.hits++
	return append([]byte(nil), b...), true, nil
}

func (m *Memory) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.data[key] = append([]byte(nil), data...)
}

func (m *Memory) Keys(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.data))
	for k := range m.data {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Backend: "memory", Reads: m.reads, Hits: m.hits, Writes: m.writes}
}

func (m *Memory) Close() error { return nil }
