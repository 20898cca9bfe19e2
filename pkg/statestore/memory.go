package statestore

import (
	"context"
	"fmt"
	"strconv"
	"sync"
)

// Compile-time interface check.
var _ Store = (*MemoryStore)(nil)

// MemoryStore keeps collections in process memory. It suits tests and a
// single-process deployment where every actor shares one instance.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry, 8)}
}

func (m *MemoryStore) Start(_ context.Context) error { return nil }

func (m *MemoryStore) Stop() error { return nil }

func (m *MemoryStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return cloneEntry(m.entries[key]), nil
}

func (m *MemoryStore) Put(
	_ context.Context, key string, value []byte, expected int64,
) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.entries[key]
	if expected != AnyVersion && cur.Version != expected {
		return 0, fmt.Errorf(
			"writing %s at version %d (stored %d): %w",
			key, expected, cur.Version, ErrVersionMismatch,
		)
	}

	next := Entry{Value: cloneBytes(value), Version: cur.Version + 1}
	m.entries[key] = next

	return next.Version, nil
}

func (m *MemoryStore) Increment(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.entries[key]

	var n int64

	if cur.Exists() {
		parsed, err := strconv.ParseInt(string(cur.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing counter %s: %w", key, err)
		}

		n = parsed
	}

	n++

	m.entries[key] = Entry{
		Value:   []byte(strconv.FormatInt(n, 10)),
		Version: cur.Version + 1,
	}

	return n, nil
}

func (m *MemoryStore) Snapshot(
	_ context.Context, keys ...string,
) (map[string]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Entry, len(m.entries))

	if len(keys) == 0 {
		for k, e := range m.entries {
			out[k] = cloneEntry(e)
		}

		return out, nil
	}

	for _, k := range keys {
		if e, ok := m.entries[k]; ok {
			out[k] = cloneEntry(e)
		}
	}

	return out, nil
}

func (m *MemoryStore) Replace(_ context.Context, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k, v := range values {
		m.entries[k] = Entry{
			Value:   cloneBytes(v),
			Version: m.entries[k].Version + 1,
		}
	}

	return nil
}

func cloneEntry(e Entry) Entry {
	return Entry{Value: cloneBytes(e.Value), Version: e.Version}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}

	out := make([]byte, len(b))
	copy(out, b)

	return out
}
