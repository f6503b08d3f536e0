package router

import (
	"sync"

	"github.com/flowmesh/discovery/internal/model"
)

// cacheKey is the memoization key every filter's cache shares: the
// input set's pointer identity, the circuit-breaker version observed at
// the start of the filter's CalculateResult, the per-call router flags,
// and a filter-specific discriminator (matched rule id, canary tag,
// metadata signature, ...). Holding the key's *model.InstancesSet
// keeps a strong reference to the input for as long as the cache entry
// lives, so the pointer stays a stable identity regardless of
// downstream drops; the GC does the rest instead of a hand-rolled
// refcount.
type cacheKey struct {
	input          *model.InstancesSet
	breakerVersion uint64
	flags          model.RouterFlags
	extra          string
}

type cacheEntry struct {
	output *model.InstancesSet
}

// cacheCap bounds each filter's memo so a long-running process with
// many distinct request shapes doesn't grow the map without limit; a
// miss beyond capacity simply evicts in FIFO order.
const cacheCap = 4096

// filterCache is the per-filter memo: a bounded map keyed on (input
// set identity, breaker version, flags, filter-specific inputs). A
// version bump or a flag change is not detected by invalidation; it
// naturally produces a new key, so stale entries just age out via the
// FIFO cap.
type filterCache struct {
	mu      sync.Mutex
	entries map[cacheKey]*cacheEntry
	order   []cacheKey
}

func newFilterCache() *filterCache {
	return &filterCache{entries: make(map[cacheKey]*cacheEntry)}
}

// includeFlags encodes the per-call health/breaker inclusion flags as a
// cache-key component for filters whose partitioning depends on them.
func includeFlags(info *model.RouteInfo) string {
	switch {
	case info.IncludeUnhealthy && info.IncludeCircuitOpen:
		return "uo"
	case info.IncludeUnhealthy:
		return "u"
	case info.IncludeCircuitOpen:
		return "o"
	default:
		return ""
	}
}

func (c *filterCache) get(key cacheKey) (*model.InstancesSet, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	return e.output, true
}

func (c *filterCache) put(key cacheKey, output *model.InstancesSet) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[key]; !exists {
		if len(c.order) >= cacheCap {
			oldest := c.order[0]
			c.order = c.order[1:]
			delete(c.entries, oldest)
		}
		c.order = append(c.order, key)
	}
	c.entries[key] = &cacheEntry{output: output}
}
