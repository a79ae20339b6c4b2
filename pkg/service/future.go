package service

import (
	"context"
	"sync"
)

// Future is returned by Deploy (spec §4.7: "deploy(spec) → Future<void>").
// It resolves once the deployment record has been durably persisted to
// the System Cache; it does not wait for any instance to actually start,
// since convergence happens asynchronously as assignments propagate.
type Future struct {
	done chan struct{}
	err  error
	once sync.Once
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) complete(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

// Wait blocks until the future resolves or ctx is done.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the future has resolved, without blocking.
func (f *Future) Done() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}
