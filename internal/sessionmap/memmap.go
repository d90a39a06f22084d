package sessionmap

import "sync"

// memMap is an in-process Map implementation guarded by a single RWMutex,
// following the guarded-map CRUD idiom used throughout the rule manager's
// ancestor (a single map, copy-out reads, no iterator invalidation). It
// backs unit tests and serves as the runtime fallback when the host lacks
// the privileges (or the kernel support) to create real eBPF maps.
type memMap struct {
	mu      sync.RWMutex
	entries map[Key]Value
}

// NewMemMap returns a Map backed by an in-process Go map.
func NewMemMap() Map {
	return &memMap{entries: make(map[Key]Value)}
}

func (m *memMap) Lookup(key Key) (Value, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *memMap) Upsert(key Key, value Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = value
	return nil
}

func (m *memMap) Delete(key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *memMap) DeleteBatch(keys []Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Iterate takes a point-in-time snapshot of the key set under RLock, then
// invokes fn outside the lock so fn may itself call back into the map
// (e.g. Delete) without deadlocking — matching the "restartable, tolerant
// of concurrent mutation" contract in spec §4.1.
func (m *memMap) Iterate(fn func(Entry) error) error {
	m.mu.RLock()
	snapshot := make([]Entry, 0, len(m.entries))
	for k, v := range m.entries {
		snapshot = append(snapshot, Entry{Key: k, Value: v})
	}
	m.mu.RUnlock()

	for _, e := range snapshot {
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (m *memMap) Close() error {
	return nil
}
