package world

import (
	"context"
	"errors"
)

// LoadRequest is a cancellation token shared between the code that issued an
// async fetch or mesh and its continuation. Control goroutine only.
type LoadRequest struct {
	cancelled bool
}

func (r *LoadRequest) Cancel()         { r.cancelled = true }
func (r *LoadRequest) Cancelled() bool { return r.cancelled }

// loop is the control goroutine's work queue. Worker goroutines post
// completions to mail; code already on the control goroutine defers work with
// later so it never re-enters the caller.
type loop struct {
	mail   chan func()
	cmds   chan func()
	soon   []func()
	closed chan struct{}

	// Async operations whose completion has not been applied yet.
	inflight int
}

func newLoop() *loop {
	return &loop{
		mail:   make(chan func(), 4096),
		cmds:   make(chan func(), 64),
		closed: make(chan struct{}),
	}
}

// Post queues fn for the control goroutine. Safe from any goroutine; dropped
// once the world is disposed.
func (l *loop) Post(fn func()) {
	select {
	case l.mail <- fn:
	case <-l.closed:
	}
}

func (l *loop) later(fn func()) { l.soon = append(l.soon, fn) }

func (l *loop) track(delta int) { l.inflight += delta }

func (l *loop) runSoon() int {
	n := 0
	for len(l.soon) > 0 {
		batch := l.soon
		l.soon = nil
		for _, fn := range batch {
			fn()
			n++
		}
	}
	return n
}

// Pump applies every completion that has already arrived without blocking and
// returns how many callbacks ran. Call it once per frame when driving the
// world from an external loop.
func (w *World) Pump() int {
	n := w.loop.runSoon()
	for {
		select {
		case fn := <-w.loop.mail:
			fn()
			n++
			n += w.loop.runSoon()
		default:
			return n
		}
	}
}

// Settle applies completions until no async work is outstanding. A faulted
// worker without a watchdog leaves work outstanding forever, so ctx bounds
// the wait.
func (w *World) Settle(ctx context.Context) error {
	for {
		w.Pump()
		if w.disposed || (w.loop.inflight == 0 && len(w.loop.mail) == 0 && len(w.loop.soon) == 0) {
			return nil
		}
		select {
		case fn := <-w.loop.mail:
			fn()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Run makes the calling goroutine the control goroutine until ctx is done or
// the world is disposed. Other goroutines reach the world through Do.
func (w *World) Run(ctx context.Context) error {
	for {
		w.loop.runSoon()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-w.loop.closed:
			return nil
		case fn := <-w.loop.mail:
			fn()
		case fn := <-w.loop.cmds:
			fn()
		}
	}
}

// Do runs fn on the control goroutine while Run is active and waits for it.
// It is safe to call from other goroutines (e.g. HTTP handlers).
func (w *World) Do(ctx context.Context, fn func(w *World)) error {
	if w == nil {
		return errors.New("world not available")
	}
	select {
	case <-w.loop.closed:
		return ErrDisposed
	default:
	}
	done := make(chan struct{})
	cmd := func() {
		defer close(done)
		fn(w)
	}
	select {
	case w.loop.cmds <- cmd:
	case <-w.loop.closed:
		return ErrDisposed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-w.loop.closed:
		// fn may itself have disposed the world.
		select {
		case <-done:
			return nil
		default:
			return ErrDisposed
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
