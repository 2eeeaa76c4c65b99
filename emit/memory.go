package emit

import (
	"context"
	"sync"
)

// Memory is an Output that keeps records in memory. It backs dry runs and
// tests.
type Memory struct {
	mu       sync.Mutex
	records  []Record
	progress int
}

// Write implements Output.
func (m *Memory) Write(_ context.Context, _ string, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// Progress implements Output.
func (m *Memory) Progress() {
	m.mu.Lock()
	m.progress++
	m.mu.Unlock()
}

// Records returns a copy of what was written.
func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, len(m.records))
	copy(out, m.records)
	return out
}

// Progressed returns the number of progress signals received.
func (m *Memory) Progressed() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.progress
}
