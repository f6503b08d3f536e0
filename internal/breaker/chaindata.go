package breaker

import "sync"

const noOwner = -1

// instanceState is the shared per-instance row: overall status, owning
// plugin index, change sequence.
type instanceState struct {
	status    Status
	owner     int
	changeSeq uint64
}

// ChainData is the shared table guarded by one mutex: instance id to
// state row, plus the current version (bumped on every accepted
// transition) and the last published version (to detect when the chain
// needs to republish to the registry).
type ChainData struct {
	mu               sync.Mutex
	states           map[string]*instanceState
	currentVersion   uint64
	lastPublished    uint64
}

func NewChainData() *ChainData {
	return &ChainData{states: make(map[string]*instanceState)}
}

func (d *ChainData) stateOf(id string) *instanceState {
	st, ok := d.states[id]
	if !ok {
		st = &instanceState{status: StatusClosed, owner: noOwner}
		d.states[id] = st
	}
	return st
}

// TranslateStatus is the transition rule: a plugin P may move instance
// I from from->to iff I's current owner is P or none, I's current
// status equals from, and from != to. Accepted transitions bump
// currentVersion; moving to StatusClosed clears the owner.
func (d *ChainData) TranslateStatus(pluginIndex int, instanceID string, from, to Status) bool {
	if from == to {
		return false
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	st := d.stateOf(instanceID)
	if st.status != from {
		return false
	}
	if st.owner != noOwner && st.owner != pluginIndex {
		return false
	}

	st.status = to
	st.changeSeq++
	if to == StatusClosed {
		st.owner = noOwner
	} else {
		st.owner = pluginIndex
	}
	d.currentVersion++
	return true
}

// StatusOf returns the current status and owning plugin index (noOwner
// if none) for instanceID.
func (d *ChainData) StatusOf(instanceID string) (Status, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[instanceID]
	if !ok {
		return StatusClosed, noOwner
	}
	return st.status, st.owner
}

// CurrentVersion returns the chain's monotonic transition counter.
func (d *ChainData) CurrentVersion() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentVersion
}

// NeedsPublish reports whether currentVersion has advanced past
// lastPublished, and if so returns the version to publish as.
func (d *ChainData) NeedsPublish() (uint64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.currentVersion == d.lastPublished {
		return 0, false
	}
	return d.currentVersion, true
}

func (d *ChainData) MarkPublished(version uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if version > d.lastPublished {
		d.lastPublished = version
	}
}

// Snapshot returns every instance currently Open or HalfOpen, for
// building the registry's BreakerSnapshot.
func (d *ChainData) Snapshot() (open []string, halfOpen []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id, st := range d.states {
		switch st.status {
		case StatusOpen:
			open = append(open, id)
		case StatusHalfOpen:
			halfOpen = append(halfOpen, id)
		}
	}
	return open, halfOpen
}

// Purge drops state for any instance id for which exists returns
// false, called by the timing cycle so long-gone instances don't
// accumulate forever.
func (d *ChainData) Purge(exists func(id string) bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for id := range d.states {
		if !exists(id) {
			delete(d.states, id)
		}
	}
}
