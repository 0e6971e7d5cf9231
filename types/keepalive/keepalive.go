// Package keepalive provides a keyed Acquire and Release mechanism to make
// sure values are kept alive (strongly referenced) in between.
//
// This is used to hold on to objects whose liveness is managed by a different
// runtime than the one driving execution: neither side's collector can be
// trusted to keep them around for exactly the span they are needed, so the
// span is made explicit.
//
// Example: the code guarantees that `node` stays alive from the moment its
// producer finishes until its consumer runs, whatever either runtime thinks
// of its reachability:
//
//	table.Acquire(key, node)
//	...
//	node, found := table.Release(key)
//
// The Table also provides Len and Keys to investigate leaks (values acquired
// but never released).
package keepalive

import "sync"

// Table keeps strong references to values, keyed by a comparable key, from
// Acquire until the matching Release.
//
// It is safe for concurrent use.
type Table[K comparable, V any] struct {
	mu   sync.Mutex
	refs map[K]V
}

// NewTable creates an empty Table.
func NewTable[K comparable, V any]() *Table[K, V] {
	return &Table[K, V]{refs: make(map[K]V)}
}

// Acquire stores value under key, keeping it alive until Release(key).
// Acquiring an already acquired key overwrites the previous value and returns true.
func (t *Table[K, V]) Acquire(key K, value V) (replaced bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, replaced = t.refs[key]
	t.refs[key] = value
	return
}

// Get returns the value acquired under key, if any.
func (t *Table[K, V]) Get(key K) (value V, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, found = t.refs[key]
	return
}

// Release drops the reference acquired under key, returning the value that
// was being kept alive. After this the Table no longer contributes to the
// value's liveness.
func (t *Table[K, V]) Release(key K) (value V, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	value, found = t.refs[key]
	if found {
		delete(t.refs, key)
	}
	return
}

// Len returns the number of values currently being kept alive.
func (t *Table[K, V]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// Keys returns the keys currently acquired, in no particular order.
func (t *Table[K, V]) Keys() []K {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys := make([]K, 0, len(t.refs))
	for key := range t.refs {
		keys = append(keys, key)
	}
	return keys
}
