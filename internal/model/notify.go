package model

import (
	"context"
	"time"
)

// DataWaiter is the minimal surface RouteInfoNotify needs from a single
// (ServiceKey, DataKind) subscription; internal/registry is the concrete
// implementation, kept out of this package to avoid an import cycle
// (registry depends on model, not the other way around).
type DataWaiter interface {
	// Ready reports whether the data is usable now: fully synced, or (if
	// allowDisk) loaded from the on-disk cache.
	Ready(allowDisk bool) bool
	// Done is closed when the waiter transitions to ready or not-found.
	Done() <-chan struct{}
	// Result returns the current snapshot (nil if not-found) and whether
	// one has been published at all.
	Result() (*ServiceData, bool)
}

// slot names which of the three subscriptions a DataWaiter fills.
type slot int

const (
	slotTargetInstances slot = iota
	slotTargetRules
	slotSourceRules
	slotCount
)

// RouteInfoNotify is the asynchronous readiness handle behind
// non-blocking lookups: up to three pending (ServiceKey, DataKind)
// subscriptions that a caller can poll or block on.
type RouteInfoNotify struct {
	waiters [slotCount]DataWaiter
}

func NewRouteInfoNotify() *RouteInfoNotify {
	return &RouteInfoNotify{}
}

func (n *RouteInfoNotify) SetTargetInstances(w DataWaiter) { n.waiters[slotTargetInstances] = w }
func (n *RouteInfoNotify) SetTargetRules(w DataWaiter)     { n.waiters[slotTargetRules] = w }
func (n *RouteInfoNotify) SetSourceRules(w DataWaiter)     { n.waiters[slotSourceRules] = w }

// IsReady reports true iff every registered waiter is ready.
func (n *RouteInfoNotify) IsReady(allowDisk bool) bool {
	for _, w := range n.waiters {
		if w == nil {
			continue
		}
		if !w.Ready(allowDisk) {
			return false
		}
	}
	return true
}

// WaitUntil parks until either every waiter resolves or deadline passes.
// It always returns by the deadline; a timeout leaves the waiters intact
// so a later retry can observe them complete. There is no cooperative
// cancellation API; timed-out calls are simply abandoned.
func (n *RouteInfoNotify) WaitUntil(deadline time.Time) bool {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()
	for _, w := range n.waiters {
		if w == nil {
			continue
		}
		select {
		case <-w.Done():
		case <-ctx.Done():
			return n.IsReady(true)
		}
	}
	return n.IsReady(true)
}

// DrainInto moves the resolved snapshots into info, taking an additional
// reference on each (RouteInfo.Release drops them later) and clears this
// notify so it cannot be drained twice.
func (n *RouteInfoNotify) DrainInto(info *RouteInfo) {
	if d, ok := resultOrNil(n.waiters[slotTargetInstances]); ok {
		info.InstancesData = d
	}
	if d, ok := resultOrNil(n.waiters[slotTargetRules]); ok {
		info.RouteRuleData = d
	}
	if d, ok := resultOrNil(n.waiters[slotSourceRules]); ok {
		info.SourceRuleData = d
	}
	n.waiters = [slotCount]DataWaiter{}
}

func resultOrNil(w DataWaiter) (*ServiceData, bool) {
	if w == nil {
		return nil, false
	}
	d, published := w.Result()
	if !published || d == nil {
		return nil, false
	}
	d.AddRef()
	return d, true
}
