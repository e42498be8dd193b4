package notify

import (
	"context"
	"sort"
	"sync"
)

// MemoryCenter is a Center that records calls, for tests.
type MemoryCenter struct {
	mu      sync.Mutex
	pending map[string]Request
	added   []Request
	removed []string

	// AddErr, when set, is consulted before each Add.
	AddErr func(Request) error
}

// NewMemoryCenter creates an empty MemoryCenter.
func NewMemoryCenter() *MemoryCenter {
	return &MemoryCenter{pending: make(map[string]Request)}
}

func (m *MemoryCenter) Add(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.AddErr != nil {
		if err := m.AddErr(req); err != nil {
			return err
		}
	}
	m.added = append(m.added, req)
	if !req.Immediate() {
		m.pending[req.ID] = req
	}
	return nil
}

func (m *MemoryCenter) RemovePending(ids []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed = append(m.removed, ids...)
	for _, id := range ids {
		delete(m.pending, id)
	}
}

// Added returns every request passed to Add, in call order.
func (m *MemoryCenter) Added() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Request(nil), m.added...)
}

// Removed returns every ID passed to RemovePending, in call order.
func (m *MemoryCenter) Removed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.removed...)
}

// PendingIDs returns the sorted IDs of requests still pending.
func (m *MemoryCenter) PendingIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Reset forgets recorded calls but keeps pending requests.
func (m *MemoryCenter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = nil
	m.removed = nil
}
