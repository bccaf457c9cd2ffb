package taskpool

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"
)

var (
	ErrTaskTimeout = errors.New("taskpool: task timed out")
	ErrWorkerFault = errors.New("taskpool: worker fault")
)

// Program is one long-lived compute instance. Each worker owns exactly one and
// calls it sequentially; scratch is the worker's staging buffer (nil when the
// pool has no scratch configured).
type Program[P, R any] interface {
	Run(payload P, scratch []byte) R
}

// ProgramFunc adapts a plain function to Program.
type ProgramFunc[P, R any] func(payload P, scratch []byte) R

func (f ProgramFunc[P, R]) Run(payload P, scratch []byte) R { return f(payload, scratch) }

// Factory builds a worker's program. It runs on the worker goroutine, so slow
// setup does not block Submit.
type Factory[P, R any] func() (Program[P, R], error)

// Mailbox executes pool callbacks (readiness, completion, re-dispatch and
// future settlement) on the owner's goroutine.
type Mailbox interface {
	Post(fn func())
}

type MailboxFunc func(fn func())

func (f MailboxFunc) Post(fn func()) { f(fn) }

type Options[P any] struct {
	Name    string
	Workers int

	// ScratchSize > 0 gives every worker a reusable buffer. Stage copies a
	// payload into it right before dispatch.
	ScratchSize int
	Stage       func(payload P, scratch []byte)

	Mailbox Mailbox

	// Watchdog > 0 fails tasks that run longer than this (or whose program
	// panics) and replaces the worker. Zero keeps the stall-forever behavior.
	Watchdog time.Duration

	Logger *log.Logger
}

type Stats struct {
	Workers   int    `json:"workers"`
	Ready     int    `json:"ready"`
	Busy      int    `json:"busy"`
	Queued    int    `json:"queued"`
	Submitted uint64 `json:"submitted"`
	Completed uint64 `json:"completed"`
	Faults    uint64 `json:"faults"`
	Timeouts  uint64 `json:"timeouts"`
}

type task[P, R any] struct {
	id      uint64
	payload P
	fut     *Future[R]
}

type job[P any] struct {
	id      uint64
	payload P
	scratch []byte
}

type worker[P, R any] struct {
	slot int
	gen  uint64

	jobs    chan job[P]
	scratch []byte

	ready bool
	dead  bool
	cur   *task[P, R]
	timer *time.Timer
}

func (w *worker[P, R]) idle() bool { return w.ready && !w.dead && w.cur == nil }

// Pool runs tasks on a fixed set of workers, queueing overflow in FIFO order.
type Pool[P, R any] struct {
	opts    Options[P]
	factory Factory[P, R]
	log     *log.Logger

	mu       sync.Mutex
	workers  []*worker[P, R]
	queue    []*task[P, R]
	nextID   uint64
	nextGen  uint64
	disposed bool
	gone     chan struct{}

	submitted uint64
	completed uint64
	faults    uint64
	timeouts  uint64
}

func New[P, R any](factory Factory[P, R], opts Options[P]) *Pool[P, R] {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Name == "" {
		opts.Name = "pool"
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	p := &Pool[P, R]{
		opts:    opts,
		factory: factory,
		log:     logger,
		workers: make([]*worker[P, R], opts.Workers),
		gone:    make(chan struct{}),
	}
	p.mu.Lock()
	for i := range p.workers {
		p.spawnLocked(i)
	}
	p.mu.Unlock()
	return p
}

// Submit enqueues payload and hands it to the first idle worker, if any.
func (p *Pool[P, R]) Submit(payload P) *Future[R] {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	t := &task[P, R]{id: p.nextID, payload: payload, fut: newFuture[R](p.nextID)}
	if p.disposed {
		return t.fut
	}
	p.submitted++
	p.queue = append(p.queue, t)
	for _, w := range p.workers {
		if w.idle() {
			p.dispatchLocked(w)
			break
		}
	}
	return t.fut
}

// Dispose terminates every worker. Pending futures are never settled.
func (p *Pool[P, R]) Dispose() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed {
		return
	}
	p.disposed = true
	for _, w := range p.workers {
		p.retireLocked(w)
	}
	p.queue = nil
	close(p.gone)
}

// Disposed is closed once Dispose has run.
func (p *Pool[P, R]) Disposed() <-chan struct{} { return p.gone }

func (p *Pool[P, R]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		Workers:   len(p.workers),
		Queued:    len(p.queue),
		Submitted: p.submitted,
		Completed: p.completed,
		Faults:    p.faults,
		Timeouts:  p.timeouts,
	}
	for _, w := range p.workers {
		if w.ready && !w.dead {
			st.Ready++
		}
		if w.cur != nil {
			st.Busy++
		}
	}
	return st
}

func (p *Pool[P, R]) post(fn func()) {
	if p.opts.Mailbox != nil {
		p.opts.Mailbox.Post(fn)
		return
	}
	fn()
}

func (p *Pool[P, R]) spawnLocked(slot int) {
	p.nextGen++
	w := &worker[P, R]{
		slot: slot,
		gen:  p.nextGen,
		jobs: make(chan job[P], 1),
	}
	if p.opts.ScratchSize > 0 {
		w.scratch = make([]byte, p.opts.ScratchSize)
	}
	p.workers[slot] = w
	go p.runWorker(w)
}

func (p *Pool[P, R]) retireLocked(w *worker[P, R]) {
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if !w.dead {
		w.dead = true
		close(w.jobs)
	}
}

func (p *Pool[P, R]) runWorker(w *worker[P, R]) {
	prog, err := p.factory()
	p.post(func() { p.onReady(w, err) })
	if err != nil {
		return
	}
	for j := range w.jobs {
		res, fault := p.execute(prog, j)
		scratch := j.scratch
		id := j.id
		p.post(func() { p.onComplete(w, id, res, scratch, fault) })
		if fault != nil {
			return
		}
	}
}

func (p *Pool[P, R]) execute(prog Program[P, R], j job[P]) (res R, fault error) {
	defer func() {
		if r := recover(); r != nil {
			fault = fmt.Errorf("%w: %v", ErrWorkerFault, r)
		}
	}()
	return prog.Run(j.payload, j.scratch), nil
}

func (p *Pool[P, R]) onReady(w *worker[P, R], err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || p.workers[w.slot] != w {
		return
	}
	if err != nil {
		p.log.Printf("[%s] worker %d init failed: %v", p.opts.Name, w.slot, err)
		w.dead = true
		return
	}
	w.ready = true
	p.dispatchLocked(w)
}

func (p *Pool[P, R]) onComplete(w *worker[P, R], id uint64, res R, scratch []byte, fault error) {
	p.mu.Lock()
	if p.disposed || p.workers[w.slot] != w || w.cur == nil || w.cur.id != id {
		// Stale reply from a retired worker.
		p.mu.Unlock()
		return
	}
	t := w.cur
	w.cur = nil
	w.scratch = scratch
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}

	if fault != nil {
		p.faults++
		p.log.Printf("[%s] worker %d task %d: %v", p.opts.Name, w.slot, id, fault)
		w.dead = true
		if p.opts.Watchdog <= 0 {
			p.mu.Unlock()
			return
		}
		p.spawnLocked(w.slot)
		p.mu.Unlock()
		var zero R
		t.fut.settle(zero, fault)
		return
	}

	p.completed++
	p.dispatchLocked(w)
	p.mu.Unlock()

	t.fut.settle(res, nil)
}

func (p *Pool[P, R]) onTimeout(w *worker[P, R], id uint64) {
	p.mu.Lock()
	if p.disposed || p.workers[w.slot] != w || w.cur == nil || w.cur.id != id {
		p.mu.Unlock()
		return
	}
	t := w.cur
	w.cur = nil
	p.timeouts++
	p.log.Printf("[%s] worker %d task %d: no reply after %s, respawning", p.opts.Name, w.slot, id, p.opts.Watchdog)
	p.retireLocked(w)
	p.spawnLocked(w.slot)
	p.mu.Unlock()

	var zero R
	t.fut.settle(zero, ErrTaskTimeout)
}

// dispatchLocked hands the queue head to w if w is idle.
func (p *Pool[P, R]) dispatchLocked(w *worker[P, R]) {
	if !w.idle() || len(p.queue) == 0 {
		return
	}
	t := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	if len(p.queue) == 0 {
		p.queue = nil
	}

	w.cur = t
	scratch := w.scratch
	if scratch != nil && p.opts.Stage != nil {
		p.opts.Stage(t.payload, scratch)
	}
	// The scratch buffer travels with the job and comes back with the reply.
	w.scratch = nil
	w.jobs <- job[P]{id: t.id, payload: t.payload, scratch: scratch}

	if p.opts.Watchdog > 0 {
		id := t.id
		w.timer = time.AfterFunc(p.opts.Watchdog, func() {
			p.post(func() { p.onTimeout(w, id) })
		})
	}
}

// StageBuffers returns a Stage func that copies each buffer of a multi-buffer
// payload into scratch at offset i*stride.
func StageBuffers(stride int) func(bufs [][]byte, scratch []byte) {
	return func(bufs [][]byte, scratch []byte) {
		for i, b := range bufs {
			copy(scratch[i*stride:(i+1)*stride], b)
		}
	}
}
