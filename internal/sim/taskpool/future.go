package taskpool

import (
	"context"
	"sync"
)

// Future is the pending result of one submitted task.
//
// A future may never settle: a disposed pool or a faulted worker (without a
// watchdog) leaves it pending forever, so callers must race Done against their
// own cancellation.
type Future[R any] struct {
	id   uint64
	done chan struct{}

	mu      sync.Mutex
	settled bool
	val     R
	err     error
	then    []func(R, error)
}

func newFuture[R any](id uint64) *Future[R] {
	return &Future[R]{id: id, done: make(chan struct{})}
}

// ID is the request id correlating this future with its worker reply.
func (f *Future[R]) ID() uint64 { return f.id }

func (f *Future[R]) Done() <-chan struct{} { return f.done }

// Then registers fn to run when the future settles. Continuations run on the
// goroutine that settles the future (the pool mailbox when one is set); if the
// future already settled, fn runs immediately on the caller.
func (f *Future[R]) Then(fn func(R, error)) {
	f.mu.Lock()
	if f.settled {
		v, err := f.val, f.err
		f.mu.Unlock()
		fn(v, err)
		return
	}
	f.then = append(f.then, fn)
	f.mu.Unlock()
}

func (f *Future[R]) Wait(ctx context.Context) (R, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.val, f.err
	case <-ctx.Done():
		var zero R
		return zero, ctx.Err()
	}
}

func (f *Future[R]) settle(v R, err error) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	f.settled = true
	f.val = v
	f.err = err
	then := f.then
	f.then = nil
	close(f.done)
	f.mu.Unlock()

	for _, fn := range then {
		fn(v, err)
	}
}
