package store

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrRejected is reported by the in-memory store when a write is refused by
// its Reject hook.
var ErrRejected = errors.New("write rejected")

// Authoritative is the system of record behind the cache. Implementations
// wrap a database, an ORM or an external service; values cross the boundary
// as serialized bytes keyed by the full cache key.
type Authoritative interface {
	// FindByID loads one record. found=false with a nil error means the
	// record does not exist.
	FindByID(ctx context.Context, id string) (data []byte, found bool, err error)

	// Save persists one record.
	Save(ctx context.Context, id string, data []byte) error

	// SaveAll persists a batch and returns the ids that were durably
	// written. A partial failure returns the successful subset together
	// with the error.
	SaveAll(ctx context.Context, records map[string][]byte) (saved []string, err error)

	// ExistsByID reports whether a record exists without loading it.
	ExistsByID(ctx context.Context, id string) (bool, error)
}

// Memory is an in-process Authoritative implementation for examples and
// tests. The Reject hook makes individual ids fail, which exercises the
// partial-failure path of batch flushes.
type Memory struct {
	mu      sync.RWMutex
	records map[string][]byte

	// Reject, when set, refuses writes for ids it returns true for.
	Reject func(id string) bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string][]byte)}
}

func (m *Memory) FindByID(_ context.Context, id string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

func (m *Memory) Save(_ context.Context, id string, data []byte) error {
	if m.Reject != nil && m.Reject(id) {
		return ErrRejected
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(data))
	copy(stored, data)
	m.records[id] = stored
	return nil
}

func (m *Memory) SaveAll(ctx context.Context, records map[string][]byte) ([]string, error) {
	// Deterministic order so partial-failure results are reproducible.
	ids := make([]string, 0, len(records))
	for id := range records {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	saved := make([]string, 0, len(ids))
	var firstErr error
	for _, id := range ids {
		if err := m.Save(ctx, id, records[id]); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		saved = append(saved, id)
	}
	return saved, firstErr
}

func (m *Memory) ExistsByID(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.records[id]
	return ok, nil
}

// Len reports the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
