package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

var (
	// ErrAlreadySubmitted is returned when a task is handed to a dispatcher twice.
	ErrAlreadySubmitted = errors.New("task already submitted")
	// ErrCancelled marks work that stopped because someone asked it to.
	ErrCancelled = errors.New("task cancelled")
	// ErrClosed is returned when submitting to a dispatcher that shut down.
	ErrClosed = errors.New("dispatcher closed")
	// ErrPanic wraps a panic recovered from a task function.
	ErrPanic = errors.New("task panicked")
)

// State is the lifecycle position of a task.
type State int32

const (
	StatePending State = iota
	StateRunning
	StateCancelled
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCancelled:
		return "cancelled"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// Func is the body of a task. It runs on the dispatcher worker and must check
// t.Cancelled() cooperatively when it runs for long.
type Func func(ctx context.Context, t *Task) (any, error)

// Callbacks are invoked on the home goroutine in the order
// Started, Progress*, then exactly one of Finished or Failed. A task skipped
// because it was cancelled before starting only receives Failed.
type Callbacks struct {
	Started  func(t *Task)
	Progress func(t *Task, message string)
	Finished func(t *Task, result any)
	Failed   func(t *Task, err error)
}

// Task is a unit of background work with shared ownership. New returns a task
// holding one reference for the submitter; the dispatcher takes its own on
// Submit and drops it after the terminal callback ran on the home goroutine.
// Release hooks run once the last reference is gone.
type Task struct {
	id   string
	name string
	fn   Func
	cb   Callbacks

	state     atomic.Int32
	cancelled atomic.Bool
	refs      atomic.Int32

	mu        sync.Mutex
	owner     *Dispatcher
	result    any
	err       error
	onRelease []func()

	// attrs are the submitter's log fields, replayed on the worker.
	attrs     []slog.Attr
	done      chan struct{}
	terminate bool
}

// NewTask creates a pending task owned by the caller.
func NewTask(name string, fn Func, cb Callbacks) *Task {
	t := &Task{
		id:   uuid.NewString(),
		name: name,
		fn:   fn,
		cb:   cb,
		done: make(chan struct{}),
	}
	t.refs.Store(1)
	return t
}

func (t *Task) ID() string   { return t.id }
func (t *Task) Name() string { return t.name }

// State returns the current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// Cancelled reports whether cancellation was requested.
func (t *Task) Cancelled() bool { return t.cancelled.Load() }

// Done is closed after the terminal callback was delivered.
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the value and error the task finished with. The value is
// kept for failed tasks too, so partial output stays observable.
func (t *Task) Result() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result, t.err
}

// Dispatcher returns the dispatcher the task was submitted to, if any.
func (t *Task) Dispatcher() *Dispatcher {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.owner
}

// Progress posts a progress message to the home goroutine.
func (t *Task) Progress(message string) {
	d := t.Dispatcher()
	if d == nil || t.cb.Progress == nil {
		return
	}
	d.post(func() { t.cb.Progress(t, message) })
}

// Retain adds a reference and returns the task for chaining.
func (t *Task) Retain() *Task {
	if t.refs.Add(1) <= 1 {
		panic("dispatcher: retain of released task " + t.id)
	}
	return t
}

// Release drops a reference. The last release runs the release hooks.
func (t *Task) Release() {
	n := t.refs.Add(-1)
	switch {
	case n == 0:
		t.mu.Lock()
		hooks := t.onRelease
		t.onRelease = nil
		t.mu.Unlock()
		for i := len(hooks) - 1; i >= 0; i-- {
			hooks[i]()
		}
	case n < 0:
		panic("dispatcher: release of released task " + t.id)
	}
}

// Refs returns the current reference count.
func (t *Task) Refs() int32 { return t.refs.Load() }

// OnRelease registers fn to run when the last reference is dropped.
func (t *Task) OnRelease(fn func()) {
	t.mu.Lock()
	t.onRelease = append(t.onRelease, fn)
	t.mu.Unlock()
}

func (t *Task) claim(d *Dispatcher) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.owner != nil {
		return fmt.Errorf("%w: %s", ErrAlreadySubmitted, t.id)
	}
	t.owner = d
	return nil
}

func (t *Task) unclaim() {
	t.mu.Lock()
	t.owner = nil
	t.mu.Unlock()
}

func (t *Task) setOutcome(result any, err error) {
	t.mu.Lock()
	t.result = result
	t.err = err
	t.mu.Unlock()
}

// transition moves the task from one state to another, failing if another
// goroutine moved it first.
func (t *Task) transition(from, to State) bool {
	return t.state.CompareAndSwap(int32(from), int32(to))
}

// requestCancel sets the cancel flag unless the task already finished.
func (t *Task) requestCancel() bool {
	if t.State().Terminal() {
		return false
	}
	t.cancelled.Store(true)
	return true
}

func (t *Task) run(ctx context.Context) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %s: %v", ErrPanic, t.name, r)
		}
	}()
	if t.fn == nil {
		return nil, nil
	}
	return t.fn(ctx, t)
}
