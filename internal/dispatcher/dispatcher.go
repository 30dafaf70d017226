// Package dispatcher runs tasks serially on one worker goroutine and hands
// their callbacks back to a home goroutine.
//
// The home goroutine is whichever goroutine drains the callback queue through
// RunHome, Drain, WaitForTask or Shutdown. Callbacks are executed one at a
// time, in the order the worker posted them.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/crueladdict/ori/apps/ori-runner/internal/pkg/logctx"
)

const (
	DefaultQueueSize      = 64
	DefaultCallbackBuffer = 256

	idleInterval = 50 * time.Millisecond
)

type workerKey struct{}

// Option tunes a dispatcher at construction.
type Option func(*Dispatcher)

// WithQueueSize bounds the work queue.
func WithQueueSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.queueSize = n
		}
	}
}

// WithCallbackBuffer bounds the callback queue.
func WithCallbackBuffer(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.callbackSize = n
		}
	}
}

// WithIdleHook installs a function pumped periodically while the home
// goroutine waits, e.g. to flush buffered output.
func WithIdleHook(fn func()) Option {
	return func(d *Dispatcher) { d.idle = fn }
}

// Dispatcher owns one worker goroutine and two bounded queues: work flowing to
// the worker and callbacks flowing back home.
type Dispatcher struct {
	name         string
	base         context.Context
	queueSize    int
	callbackSize int
	idle         func()

	queue      chan *Task
	callbacks  chan func()
	stopping   chan struct{}
	workerDone chan struct{}
	homeGone   chan struct{}

	submitMu sync.RWMutex
	closed   bool
	stopOnce sync.Once
	goneOnce sync.Once

	homeMu     sync.Mutex
	homeActive atomic.Int32
	current    atomic.Pointer[Task]
}

// New starts a dispatcher. Tasks run under ctx, which should outlive every
// request that submits work.
func New(ctx context.Context, name string, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		name:         name,
		queueSize:    DefaultQueueSize,
		callbackSize: DefaultCallbackBuffer,
		stopping:     make(chan struct{}),
		workerDone:   make(chan struct{}),
		homeGone:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.queue = make(chan *Task, d.queueSize)
	d.callbacks = make(chan func(), d.callbackSize)
	d.base = context.WithValue(ctx, workerKey{}, d)

	go d.work()
	return d
}

func (d *Dispatcher) Name() string { return d.name }

// OnWorker reports whether ctx belongs to a task running on this dispatcher.
func (d *Dispatcher) OnWorker(ctx context.Context) bool {
	owner, _ := ctx.Value(workerKey{}).(*Dispatcher)
	return owner == d
}

// Current returns the task running on the worker, if any.
func (d *Dispatcher) Current() *Task { return d.current.Load() }

// Submit queues t. Called from a task running on this dispatcher, the sub-task
// runs inline before Submit returns so the worker never waits on itself.
func (d *Dispatcher) Submit(ctx context.Context, t *Task) error {
	if t == nil || t.terminate {
		return errors.New("dispatcher: invalid task")
	}
	if d.OnWorker(ctx) {
		if err := t.claim(d); err != nil {
			return err
		}
		t.Retain()
		d.execute(logctx.WithTask(ctx, t.id), t)
		return nil
	}

	d.submitMu.RLock()
	defer d.submitMu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	if err := t.claim(d); err != nil {
		return err
	}
	t.attrs = logctx.Attrs(ctx)
	t.Retain()

	select {
	case d.queue <- t:
		return nil
	case <-ctx.Done():
		t.unclaim()
		t.Release()
		return ctx.Err()
	case <-d.stopping:
		t.unclaim()
		t.Release()
		return ErrClosed
	}
}

// Cancel asks t to stop. A queued task is skipped; a running task only sees
// the flag through Cancelled. Finished tasks are left untouched.
func (d *Dispatcher) Cancel(t *Task) bool {
	if t == nil || t.Dispatcher() != d {
		return false
	}
	return t.requestCancel()
}

// Post schedules fn on the home goroutine after everything posted before it.
func (d *Dispatcher) Post(fn func()) {
	if fn != nil {
		d.post(fn)
	}
}

// RunHome drains callbacks until the dispatcher shut down or ctx ends.
func (d *Dispatcher) RunHome(ctx context.Context) error {
	d.homeActive.Add(1)
	defer d.homeActive.Add(-1)
	tick, stop := d.idleTicker()
	defer stop()
	for {
		select {
		case fn := <-d.callbacks:
			d.invoke(fn)
		case <-tick:
			d.runIdle()
		case <-d.homeGone:
			d.Drain()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Drain runs every queued callback without blocking and returns how many ran.
func (d *Dispatcher) Drain() int {
	n := 0
	for {
		select {
		case fn := <-d.callbacks:
			d.invoke(fn)
			n++
		default:
			return n
		}
	}
}

// WaitForTask blocks until t delivered its terminal callback, running
// callbacks and the idle hook meanwhile. While a RunHome loop is active the
// callbacks are left to it and WaitForTask only waits. It must not be called
// from a callback or from the worker.
func (d *Dispatcher) WaitForTask(ctx context.Context, t *Task) error {
	if t.Dispatcher() != d {
		return errors.New("dispatcher: task belongs to another dispatcher")
	}
	if d.OnWorker(ctx) {
		return errors.New("dispatcher: cannot wait on the worker")
	}
	tick, stop := d.idleTicker()
	defer stop()
	for {
		cbs, recheck := d.callbackSource()
		select {
		case <-t.done:
			return nil
		case <-recheck:
		case fn := <-cbs:
			d.invoke(fn)
		case <-tick:
			d.runIdle()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown queues the terminate sentinel behind pending work and blocks until
// the worker exited, draining callbacks so the worker never stalls on them.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	if d.OnWorker(ctx) {
		return errors.New("dispatcher: cannot shut down from the worker")
	}
	first := false
	d.stopOnce.Do(func() {
		first = true
		close(d.stopping)
		d.submitMu.Lock()
		d.closed = true
		d.submitMu.Unlock()
	})

	if first {
		sentinel := &Task{name: "terminate", terminate: true, done: make(chan struct{})}
	enqueue:
		for {
			cbs, recheck := d.callbackSource()
			select {
			case d.queue <- sentinel:
				break enqueue
			case <-recheck:
			case fn := <-cbs:
				d.invoke(fn)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	for {
		cbs, recheck := d.callbackSource()
		select {
		case <-d.workerDone:
			if d.homeActive.Load() == 0 {
				d.Drain()
			}
			d.goneOnce.Do(func() { close(d.homeGone) })
			slog.DebugContext(ctx, "dispatcher stopped", slog.String("dispatcher", d.name))
			return nil
		case <-recheck:
		case fn := <-cbs:
			d.invoke(fn)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// callbackSource returns the callback queue unless a RunHome loop owns it.
// In that case recheck fires so a waiter notices when the loop exits.
func (d *Dispatcher) callbackSource() (cbs <-chan func(), recheck <-chan time.Time) {
	if d.homeActive.Load() > 0 {
		return nil, time.After(idleInterval)
	}
	return d.callbacks, nil
}

func (d *Dispatcher) work() {
	defer close(d.workerDone)
	for {
		t := <-d.queue
		if t.terminate {
			return
		}
		ctx := logctx.WithTask(logctx.WithAttrs(d.base, t.attrs...), t.id)
		d.execute(ctx, t)
	}
}

func (d *Dispatcher) execute(ctx context.Context, t *Task) {
	if t.Cancelled() && t.transition(StatePending, StateCancelled) {
		slog.DebugContext(ctx, "task skipped", slog.String("name", t.name))
		t.setOutcome(nil, ErrCancelled)
		d.post(func() {
			if t.cb.Failed != nil {
				t.cb.Failed(t, ErrCancelled)
			}
			d.finish(t)
		})
		return
	}
	if !t.transition(StatePending, StateRunning) {
		slog.WarnContext(ctx, "task not pending", slog.String("name", t.name), slog.String("state", t.State().String()))
		d.post(func() { d.finish(t) })
		return
	}

	prev := d.current.Swap(t)
	defer d.current.Store(prev)

	if t.cb.Started != nil {
		d.post(func() { t.cb.Started(t) })
	}

	start := time.Now()
	result, err := t.run(ctx)
	t.setOutcome(result, err)

	switch {
	case err == nil:
		t.state.Store(int32(StateCompleted))
		d.post(func() {
			if t.cb.Finished != nil {
				t.cb.Finished(t, result)
			}
			d.finish(t)
		})
	default:
		if errors.Is(err, ErrCancelled) {
			t.state.Store(int32(StateCancelled))
		} else {
			t.state.Store(int32(StateFailed))
		}
		d.post(func() {
			if t.cb.Failed != nil {
				t.cb.Failed(t, err)
			}
			d.finish(t)
		})
	}

	slog.DebugContext(ctx, "task finished",
		slog.String("name", t.name),
		slog.String("state", t.State().String()),
		slog.Duration("duration", time.Since(start)))
}

// finish runs on the home goroutine after the terminal callback.
func (d *Dispatcher) finish(t *Task) {
	close(t.done)
	t.Release()
}

func (d *Dispatcher) post(fn func()) {
	select {
	case d.callbacks <- fn:
	case <-d.homeGone:
		slog.Warn("callback dropped after shutdown", slog.String("dispatcher", d.name))
	}
}

func (d *Dispatcher) invoke(fn func()) {
	d.homeMu.Lock()
	defer d.homeMu.Unlock()
	fn()
}

func (d *Dispatcher) runIdle() {
	if d.idle == nil {
		return
	}
	d.homeMu.Lock()
	defer d.homeMu.Unlock()
	d.idle()
}

func (d *Dispatcher) idleTicker() (<-chan time.Time, func()) {
	if d.idle == nil {
		return nil, func() {}
	}
	ticker := time.NewTicker(idleInterval)
	return ticker.C, ticker.Stop
}
