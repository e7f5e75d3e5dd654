package schedule

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRuns(t *testing.T) {
	var n atomic.Int32
	task := Every(5*time.Millisecond, func(context.Context) { n.Add(1) })
	defer task.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for n.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("task ran %d times, want >= 3", n.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStopWaitsForInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	task := Every(time.Millisecond, func(context.Context) {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(20 * time.Millisecond)
		finished.Store(true)
	})

	<-started
	task.Stop()
	if !finished.Load() {
		t.Error("Stop returned before the in-flight run finished")
	}
}

func TestNoRunAfterStop(t *testing.T) {
	var n atomic.Int32
	task := Every(time.Millisecond, func(context.Context) { n.Add(1) })
	time.Sleep(10 * time.Millisecond)
	task.Stop()

	after := n.Load()
	time.Sleep(20 * time.Millisecond)
	if n.Load() != after {
		t.Errorf("task ran %d times after Stop", n.Load()-after)
	}
}

func TestStopIdempotent(t *testing.T) {
	task := Every(time.Millisecond, func(context.Context) {})
	task.Stop()
	task.Stop()

	select {
	case <-task.Done():
	default:
		t.Error("Done not closed after Stop")
	}
}

func TestDisabledInterval(t *testing.T) {
	for _, d := range []time.Duration{0, -time.Second} {
		task := Every(d, func(context.Context) { t.Error("disabled task ran") })
		if task != nil {
			t.Errorf("Every(%v) = %v, want nil", d, task)
		}
		task.Stop()
		<-task.Done()
	}
}
