package violation

import (
	"context"
	"sort"
	"sync"

	"github.com/banshee-data/redlight/internal/traffic"
)

// MemoryStore is an in-process Store. It is used when no durable store is
// configured and in tests.
type MemoryStore struct {
	mu sync.Mutex

	// AddError, if set, is returned by every AddViolation call.
	AddError error

	records []traffic.Violation
	adds    int
}

// AddViolation implements Store.
func (m *MemoryStore) AddViolation(_ context.Context, v traffic.Violation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.adds++
	if m.AddError != nil {
		return m.AddError
	}
	m.records = append(m.records, v)
	return nil
}

// RecentViolations implements Store.
func (m *MemoryStore) RecentViolations(_ context.Context, n int) ([]traffic.Violation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]traffic.Violation(nil), m.records...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CapturedAt.After(out[j].CapturedAt) })
	if n >= 0 && len(out) > n {
		out = out[:n]
	}
	return out, nil
}

// Adds returns the number of AddViolation calls, including failed ones.
func (m *MemoryStore) Adds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.adds
}

// Records returns the stored violations in insertion order.
func (m *MemoryStore) Records() []traffic.Violation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]traffic.Violation(nil), m.records...)
}
