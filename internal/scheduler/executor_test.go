package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestExecutorRunsScheduledTask(t *testing.T) {
	e := NewExecutor("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(ctx)

	var runs atomic.Int64
	e.Schedule(FuncTask{TaskName: "tick", Interval: 10 * time.Millisecond, Fn: func(context.Context) {
		runs.Add(1)
	}})

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if runs.Load() < 3 {
		t.Fatalf("task ran %d times, want at least 3", runs.Load())
	}
}

func TestExecutorStopsOnCancel(t *testing.T) {
	e := NewExecutor("test")
	ctx, cancel := context.WithCancel(context.Background())

	var runs atomic.Int64
	e.Schedule(FuncTask{TaskName: "tick", Interval: 5 * time.Millisecond, Fn: func(context.Context) {
		runs.Add(1)
	}})
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	after := runs.Load()
	time.Sleep(30 * time.Millisecond)
	if runs.Load() != after {
		t.Fatal("task kept running after the executor stopped")
	}
}

func TestTasksRunInDeadlineOrder(t *testing.T) {
	e := NewExecutor("test")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	order := make(chan string, 2)
	e.Schedule(FuncTask{TaskName: "late", Interval: 80 * time.Millisecond, Fn: func(context.Context) {
		select {
		case order <- "late":
		default:
		}
	}})
	e.Schedule(FuncTask{TaskName: "early", Interval: 20 * time.Millisecond, Fn: func(context.Context) {
		select {
		case order <- "early":
		default:
		}
	}})
	go e.Run(ctx)

	first := <-order
	if first != "early" {
		t.Fatalf("first task run = %s, want early", first)
	}
}
