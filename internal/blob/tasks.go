package blob

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultTaskTimeout bounds each background task.
const DefaultTaskTimeout = 30 * time.Second

// Tasks runs best-effort background work. Failures are logged and counted.
type Tasks struct {
	wg       sync.WaitGroup
	timeout  time.Duration
	failures atomic.Int64
}

// NewTasks returns a runner giving each task at most timeout to finish.
func NewTasks(timeout time.Duration) *Tasks {
	if timeout <= 0 {
		timeout = DefaultTaskTimeout
	}
	return &Tasks{timeout: timeout}
}

// Go runs fn in the background, detached from any request context.
func (t *Tasks) Go(name string, fn func(ctx context.Context) error) {
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()

		if err := fn(ctx); err != nil {
			t.failures.Add(1)
			slog.Warn("Background task failed", "task", name, "error", err)
		}
	}()
}

// Wait blocks until every started task finishes or ctx is done.
func (t *Tasks) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		t.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Failures is the number of tasks that returned an error.
func (t *Tasks) Failures() int64 {
	return t.failures.Load()
}
