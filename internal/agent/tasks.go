package agent

import (
	"context"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// TaskSet tracks in-flight script runs. It never limits concurrency and
// never cancels its tasks; Wait only lets shutdown drain them.
type TaskSet struct {
	group errgroup.Group
	count atomic.Int64
}

// Go runs fn in a new goroutine and counts it until it returns.
func (t *TaskSet) Go(fn func()) {
	t.count.Add(1)
	t.group.Go(func() error {
		defer t.count.Add(-1)
		fn()
		return nil
	})
}

// Len reports how many tasks are running.
func (t *TaskSet) Len() int {
	return int(t.count.Load())
}

// Wait blocks until every task has returned or ctx is done.
func (t *TaskSet) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		_ = t.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "%d scripts still running", t.Len())
	}
}
