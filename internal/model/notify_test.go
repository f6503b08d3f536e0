package model

import (
	"testing"
	"time"
)

// fakeWaiter is a hand-driven DataWaiter for exercising the notify
// object without a registry.
type fakeWaiter struct {
	data  *ServiceData
	ready bool
	disk  bool
	done  chan struct{}
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{done: make(chan struct{})}
}

func (w *fakeWaiter) Ready(allowDisk bool) bool {
	if w.disk {
		return allowDisk
	}
	return w.ready
}

func (w *fakeWaiter) Done() <-chan struct{} { return w.done }

func (w *fakeWaiter) Result() (*ServiceData, bool) {
	return w.data, w.data != nil
}

func (w *fakeWaiter) resolve(data *ServiceData) {
	w.data = data
	w.ready = true
	close(w.done)
}

func TestIsReadyRequiresEveryWaiter(t *testing.T) {
	n := NewRouteInfoNotify()
	a, b := newFakeWaiter(), newFakeWaiter()
	n.SetTargetInstances(a)
	n.SetTargetRules(b)

	if n.IsReady(false) {
		t.Fatal("not ready while both waiters pend")
	}
	a.resolve(NewServiceData(DataKey{}, "r1", StatusSyncing, nil, nil))
	if n.IsReady(false) {
		t.Fatal("not ready while one waiter pends")
	}
	b.resolve(NewServiceData(DataKey{}, "r1", StatusSyncing, nil, nil))
	if !n.IsReady(false) {
		t.Fatal("ready once every waiter resolved")
	}
}

func TestIsReadyDiskGating(t *testing.T) {
	n := NewRouteInfoNotify()
	w := newFakeWaiter()
	w.disk = true
	n.SetTargetInstances(w)

	if n.IsReady(false) {
		t.Fatal("disk-loaded data must not count when allowDisk=false")
	}
	if !n.IsReady(true) {
		t.Fatal("disk-loaded data counts when allowDisk=true")
	}
}

func TestWaitUntilReturnsByDeadline(t *testing.T) {
	n := NewRouteInfoNotify()
	n.SetTargetInstances(newFakeWaiter())

	start := time.Now()
	if n.WaitUntil(time.Now().Add(50 * time.Millisecond)) {
		t.Fatal("unresolved waiter should time out")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("WaitUntil overshot its deadline by %v", elapsed)
	}
}

func TestWaitUntilTimeoutLeavesWaitersIntact(t *testing.T) {
	n := NewRouteInfoNotify()
	w := newFakeWaiter()
	n.SetTargetInstances(w)

	if n.WaitUntil(time.Now().Add(10 * time.Millisecond)) {
		t.Fatal("should time out")
	}

	// A later resolution is observed by a retry on the same notify.
	w.resolve(NewServiceData(DataKey{}, "r1", StatusSyncing, nil, nil))
	if !n.WaitUntil(time.Now().Add(time.Second)) {
		t.Fatal("retry after timeout should observe the resolution")
	}
}

func TestDrainIntoTakesReferencesAndClears(t *testing.T) {
	n := NewRouteInfoNotify()
	w := newFakeWaiter()
	data := NewServiceData(DataKey{}, "r1", StatusSyncing, nil, nil)
	w.resolve(data)
	n.SetTargetInstances(w)

	before := data.RefCount()
	info := &RouteInfo{}
	n.DrainInto(info)

	if info.InstancesData != data {
		t.Fatal("resolved snapshot not moved into route info")
	}
	if data.RefCount() != before+1 {
		t.Fatalf("DrainInto should take one reference, refcount %d -> %d", before, data.RefCount())
	}

	// Draining twice must be a no-op.
	info2 := &RouteInfo{}
	n.DrainInto(info2)
	if info2.InstancesData != nil {
		t.Fatal("second drain should find nothing")
	}

	info.Release()
	if data.RefCount() != before {
		t.Fatalf("Release should drop the drained reference, refcount %d", data.RefCount())
	}
}
