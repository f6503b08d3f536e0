// Package scheduler implements the background reactors: a
// single-threaded run loop per named executor, each owning a private
// min-heap of timing tasks that re-arm themselves through a
// next-run-time hook, driving GC of retired objects, service-entry
// expiry, periodic breaker evaluation, and client-location
// re-reporting.
package scheduler

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// Task is a unit of recurring background work. Run executes one
// invocation; NextInterval returns the delay until the next one (a
// constant for a fixed-period task, but the hook lets a task change its
// own cadence, e.g. faster retries after a failure).
type Task interface {
	Name() string
	Run(ctx context.Context)
	NextInterval() time.Duration
}

// FuncTask adapts a plain function and fixed interval into a Task,
// covering the common case where no dynamic re-arming is needed.
type FuncTask struct {
	TaskName string
	Interval time.Duration
	Fn       func(ctx context.Context)
}

func (f FuncTask) Name() string                   { return f.TaskName }
func (f FuncTask) Run(ctx context.Context)         { f.Fn(ctx) }
func (f FuncTask) NextInterval() time.Duration     { return f.Interval }

type scheduledTask struct {
	task    Task
	dueAt   time.Time
	index   int
}

type taskHeap []*scheduledTask

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].dueAt.Before(h[j].dueAt) }
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *taskHeap) Push(x any) {
	st := x.(*scheduledTask)
	st.index = len(*h)
	*h = append(*h, st)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Executor is one named background reactor: a single goroutine
// draining a min-heap of timing tasks, with no work-stealing and no
// goroutine-per-service.
type Executor struct {
	name string

	mu   sync.Mutex
	heap taskHeap
	wake chan struct{}
}

func NewExecutor(name string) *Executor {
	return &Executor{name: name, wake: make(chan struct{}, 1)}
}

func (e *Executor) Name() string { return e.name }

// Schedule adds task to the heap, due after its first NextInterval.
func (e *Executor) Schedule(task Task) {
	e.mu.Lock()
	heap.Push(&e.heap, &scheduledTask{task: task, dueAt: time.Now().Add(task.NextInterval())})
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Run drives the heap until ctx is cancelled. Intended to be started
// in its own goroutine, one per Executor.
func (e *Executor) Run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		e.mu.Lock()
		var wait time.Duration
		if e.heap.Len() == 0 {
			wait = time.Hour
		} else {
			wait = time.Until(e.heap[0].dueAt)
			if wait < 0 {
				wait = 0
			}
		}
		e.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			e.runDue(ctx)
		case <-e.wake:
		}
	}
}

func (e *Executor) runDue(ctx context.Context) {
	now := time.Now()
	for {
		e.mu.Lock()
		if e.heap.Len() == 0 || e.heap[0].dueAt.After(now) {
			e.mu.Unlock()
			return
		}
		st := heap.Pop(&e.heap).(*scheduledTask)
		e.mu.Unlock()

		st.task.Run(ctx)
		st.dueAt = now.Add(st.task.NextInterval())
		e.mu.Lock()
		heap.Push(&e.heap, st)
		e.mu.Unlock()
	}
}
