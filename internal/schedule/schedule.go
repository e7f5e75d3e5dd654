// Package schedule runs cancellable periodic tasks. [Task.Stop] cancels and
// waits, so once it returns the task function will not run again.
package schedule

import (
	"context"
	"sync"
	"time"
)

// Task runs fn every interval on its own goroutine until stopped.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every starts a task that calls fn every interval. fn receives a context
// that is cancelled when [Task.Stop] is called. A non-positive interval
// returns nil; Stop on a nil Task is a no-op.
func Every(interval time.Duration, fn func(ctx context.Context)) *Task {
	if interval <= 0 {
		return nil
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go t.loop(ctx, interval, fn)
	return t
}

func (t *Task) loop(ctx context.Context, interval time.Duration, fn func(ctx context.Context)) {
	defer close(t.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A tick and a cancel can be ready together; cancel wins.
			if ctx.Err() != nil {
				return
			}
			fn(ctx)
		}
	}
}

// Stop cancels the task and blocks until any in-flight run has returned.
// It is safe to call more than once and from multiple goroutines, but not
// from inside fn.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.once.Do(t.cancel)
	<-t.done
}

// Done is closed once the task goroutine has exited.
func (t *Task) Done() <-chan struct{} {
	if t == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return t.done
}
