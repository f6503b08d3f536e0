// Package rcumap implements the read-mostly, write-rarely map the
// registry is built on: a read map that lookups never block on, backed
// by a mutex-guarded dirty map that absorbs writes until enough read
// misses accumulate to justify promoting it.
package rcumap

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowmesh/discovery/internal/retire"
)

type entry[V any] struct {
	value    atomic.Pointer[V]
	usedTime atomic.Int64 // unix nanos, last Get/Update touch
}

// Map is a generic read-mostly map. The zero value is not usable; use
// New. K must be comparable; V is the value type stored by pointer, one
// heap allocation per write.
type Map[K comparable, V any] struct {
	read atomic.Pointer[map[K]*entry[V]]

	mu        sync.Mutex
	dirty     map[K]*entry[V]
	missCount int
	dirtyFlag bool // true once dirty has entries the read map lacks

	retiredValues retire.Queue[*V]
	retiredMaps   retire.Queue[map[K]*entry[V]]

	now func() time.Time
}

func New[K comparable, V any]() *Map[K, V] {
	m := &Map[K, V]{
		dirty: make(map[K]*entry[V]),
		now:   time.Now,
	}
	empty := make(map[K]*entry[V])
	m.read.Store(&empty)
	return m
}

// Get returns the value for key and whether it was present. A read-map
// hit never takes the mutex; a miss falls through to the dirty map,
// counted toward promotion.
func (m *Map[K, V]) Get(key K) (V, bool) {
	var zero V
	current := *m.read.Load()
	if e, ok := current[key]; ok {
		e.usedTime.Store(m.now().UnixNano())
		if v := e.value.Load(); v != nil {
			return *v, true
		}
		return zero, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirtyFlag {
		return zero, false
	}
	e, ok := m.dirty[key]
	if !ok {
		return zero, false
	}
	e.usedTime.Store(m.now().UnixNano())
	m.missCount++
	m.checkPromoteLocked()
	if v := e.value.Load(); v != nil {
		return *v, true
	}
	return zero, false
}

// checkPromoteLocked swaps the dirty map into the read slot once
// misses against it have reached its size. Caller holds m.mu.
func (m *Map[K, V]) checkPromoteLocked() {
	if m.missCount < len(m.dirty) {
		return
	}
	old := *m.read.Load()
	promoted := make(map[K]*entry[V], len(m.dirty))
	for k, v := range m.dirty {
		promoted[k] = v
	}
	m.read.Store(&promoted)
	m.retiredMaps.Add(old, m.now())
	m.missCount = 0
	m.dirtyFlag = false
}

// Update unconditionally sets key to value.
func (m *Map[K, V]) Update(key K, value V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if e, ok := m.dirty[key]; ok {
		if old := e.value.Load(); old != nil {
			m.retiredValues.Add(old, now)
		}
		e.usedTime.Store(now.UnixNano())
		v := value
		e.value.Store(&v)
		return
	}
	e := &entry[V]{}
	e.usedTime.Store(now.UnixNano())
	v := value
	e.value.Store(&v)
	m.dirty[key] = e
	m.dirtyFlag = true
}

// ConditionalUpdate applies updater to the current value (nil, false if
// absent) when predicate(current) is true, or unconditionally when the
// key is absent. It returns the value now stored.
func (m *Map[K, V]) ConditionalUpdate(key K, updater func(current *V, present bool) V, predicate func(current V) bool) V {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.dirty[key]
	if !ok {
		nv := updater(nil, false)
		ne := &entry[V]{}
		ne.usedTime.Store(now.UnixNano())
		ne.value.Store(&nv)
		m.dirty[key] = ne
		m.dirtyFlag = true
		return nv
	}
	cur := e.value.Load()
	if cur != nil && predicate(*cur) {
		nv := updater(cur, true)
		m.retiredValues.Add(cur, now)
		e.usedTime.Store(now.UnixNano())
		e.value.Store(&nv)
		return nv
	}
	if cur != nil {
		return *cur
	}
	var zero V
	return zero
}

// CreateOrGet returns the existing value for key, or calls creator and
// stores its result if key is absent. created reports whether creator
// ran.
func (m *Map[K, V]) CreateOrGet(key K, creator func() V) (value V, created bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.dirty[key]; ok {
		if v := e.value.Load(); v != nil {
			return *v, false
		}
	}
	v := creator()
	e := &entry[V]{}
	e.usedTime.Store(m.now().UnixNano())
	e.value.Store(&v)
	m.dirty[key] = e
	m.dirtyFlag = true
	return v, true
}

// Delete removes keys from the map. Any removal promotes the dirty
// map into the read slot immediately: deletes cannot wait for the
// miss-count threshold, since a deleted key must stop being visible to
// readers right away.
func (m *Map[K, V]) Delete(keys ...K) {
	if len(keys) == 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	changed := false
	for _, k := range keys {
		if _, ok := m.dirty[k]; ok {
			delete(m.dirty, k)
			changed = true
		}
	}
	if !changed {
		return
	}
	old := *m.read.Load()
	promoted := make(map[K]*entry[V], len(m.dirty))
	for k, v := range m.dirty {
		promoted[k] = v
	}
	m.read.Store(&promoted)
	m.retiredMaps.Add(old, m.now())
	m.missCount = 0
	m.dirtyFlag = false
}

// CollectGarbage drops retired values and retired read-map snapshots
// whose retirement time is before safeBefore, the value returned by an
// epoch tracker's MinTime. Once dropped, nothing in the map still
// references them and Go's garbage collector can reclaim the memory.
func (m *Map[K, V]) CollectGarbage(safeBefore time.Time) {
	m.retiredValues.Drain(safeBefore)
	m.retiredMaps.Drain(safeBefore)
}

// CollectExpired returns every key whose entry has not been touched
// since before minAccessTime.
func (m *Map[K, V]) CollectExpired(minAccessTime time.Time) []K {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := minAccessTime.UnixNano()
	var expired []K
	for k, e := range m.dirty {
		if e.usedTime.Load() <= cutoff {
			expired = append(expired, k)
		}
	}
	return expired
}

// Len returns the number of keys currently tracked (dirty map size,
// which always dominates the read map).
func (m *Map[K, V]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.dirty)
}

// Range calls fn for every key/value pair in the map. fn must not call
// back into m.
func (m *Map[K, V]) Range(fn func(key K, value V)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.dirty {
		if v := e.value.Load(); v != nil {
			fn(k, *v)
		}
	}
}
