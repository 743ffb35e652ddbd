package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Memory keeps run records in process memory, bounded to the most recent
// maxRuns entries.
type Memory struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	order   []string
	maxRuns int
}

// NewMemory creates an in-memory ledger. maxRuns <= 0 keeps everything.
func NewMemory(maxRuns int) *Memory {
	return &Memory{
		runs:    make(map[string]*Run),
		maxRuns: maxRuns,
	}
}

// Save inserts or replaces a run record
func (m *Memory) Save(_ context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run must have an ID")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; !exists {
		m.order = append(m.order, run.ID)
	}
	m.runs[run.ID] = run.clone()

	// Evict oldest records beyond the bound
	for m.maxRuns > 0 && len(m.order) > m.maxRuns {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.runs, oldest)
	}

	return nil
}

// Get retrieves a run by ID
func (m *Memory) Get(_ context.Context, id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, exists := m.runs[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	return run.clone(), nil
}

// List returns runs filtered by status, newest first
func (m *Memory) List(_ context.Context, status Status, limit, offset int) ([]*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		all = append(all, run.clone())
	}

	return paginate(all, status, limit, offset), nil
}

// Stats returns run counts by status
func (m *Memory) Stats(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]*Run, 0, len(m.runs))
	for _, run := range m.runs {
		all = append(all, run)
	}

	return stats(all), nil
}

// Close is a no-op for the in-memory ledger
func (m *Memory) Close() error {
	return nil
}
