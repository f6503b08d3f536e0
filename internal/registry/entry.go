package registry

import (
	"sync"

	"github.com/flowmesh/discovery/internal/model"
)

// entry is the registry's per-(ServiceKey, DataKind) subscription slot.
// It implements model.DataWaiter so a RouteInfoNotify can hold one
// directly. Its zero value is not ready for use; see newEntry.
type entry struct {
	mu   sync.Mutex
	data *model.ServiceData

	ready      chan struct{}
	readyOnce  sync.Once
}

func newEntry() *entry {
	return &entry{ready: make(chan struct{})}
}

// Ready reports whether the entry holds usable data: anything synced
// from the server, a not-found determination, or (if allowDisk) data
// loaded from the persisted cache while waiting on the first live fetch.
func (e *entry) Ready(allowDisk bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data == nil {
		return false
	}
	switch e.data.Status {
	case model.StatusSyncing, model.StatusNotFound:
		return true
	case model.StatusInitFromDisk:
		return allowDisk
	default:
		return false
	}
}

func (e *entry) Done() <-chan struct{} {
	return e.ready
}

func (e *entry) Result() (*model.ServiceData, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.data == nil {
		return nil, false
	}
	return e.data, true
}

// publish swaps in data, returning the value it displaced (nil if this
// is the first publish). The ready channel closes the first time any
// status is published, including StatusInitFromDisk; a disk-seeded
// entry is immediately "ready" for an allowDisk caller even before a
// live fetch completes.
func (e *entry) publish(data *model.ServiceData) (old *model.ServiceData) {
	e.mu.Lock()
	old = e.data
	e.data = data
	e.mu.Unlock()
	e.readyOnce.Do(func() { close(e.ready) })
	return old
}
