// Package loop provides the host execution context: a queue of callbacks
// run one at a time by whichever goroutine drives the Loop.
//
// Any goroutine may Post. Only the driver (Run or RunPending) executes
// callbacks, so state touched exclusively from callbacks needs no locking.
// Posting never blocks; there is no back pressure.
package loop

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/farhan-ahmed1/exportd/internal/logger"
)

var (
	// ErrClosed is returned by Post after Close.
	ErrClosed = errors.New("loop closed")

	// ErrReentrant is the panic value when two goroutines drive a Loop at once.
	ErrReentrant = errors.New("loop is already being driven")
)

// Loop runs posted callbacks sequentially.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}

	driving     atomic.Bool
	dispatching atomic.Bool
	processed   atomic.Int64

	backlogWarning int
	logger         *logger.Logger
}

// Config holds loop settings
type Config struct {
	// Log a warning each time the pending queue grows past a multiple of this.
	// Zero disables the warning.
	BacklogWarning int
	Logger         *logger.Logger
}

// New creates an idle loop. Nothing runs until Run or RunPending is called.
func New(cfg Config) *Loop {
	l := cfg.Logger
	if l == nil {
		l = logger.Component("loop")
	}
	return &Loop{
		wake:           make(chan struct{}, 1),
		done:           make(chan struct{}),
		backlogWarning: cfg.BacklogWarning,
		logger:         l,
	}
}

// Post schedules fn to run on the loop. Safe for concurrent use.
func (l *Loop) Post(fn func()) error {
	if fn == nil {
		return errors.New("loop: nil callback")
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.pending = append(l.pending, fn)
	n := len(l.pending)
	l.mu.Unlock()

	if l.backlogWarning > 0 && n%l.backlogWarning == 0 {
		l.logger.Warn("Loop backlog growing", logger.Fields{
			"pending": n,
		})
	}

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return nil
}

// Run drives the loop on the calling goroutine until ctx is done or Close is
// called. After Close, callbacks already posted are run before Run returns
// nil. A panicking callback propagates out of Run.
func (l *Loop) Run(ctx context.Context) error {
	l.acquire()
	defer l.driving.Store(false)

	l.logger.Debug("Loop started")
	defer l.logger.Debug("Loop stopped", logger.Fields{"processed": l.processed.Load()})

	for {
		l.drain()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.done:
			l.drain()
			return nil
		case <-l.wake:
		}
	}
}

// RunPending runs callbacks on the calling goroutine until the queue is
// empty, including callbacks posted while it runs, and returns how many ran.
func (l *Loop) RunPending() int {
	l.acquire()
	defer l.driving.Store(false)
	return l.drain()
}

// Close stops accepting callbacks and makes Run return once the queue is
// drained. Close is idempotent.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.done)
}

// Done is closed when Close is called.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Call posts fn and waits until it has run. It must not be called from a
// loop callback, which would wait on itself.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if err := l.Post(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispatching reports whether a callback is executing right now.
func (l *Loop) Dispatching() bool {
	return l.dispatching.Load()
}

// Pending returns the number of callbacks waiting to run.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Processed returns the number of callbacks run so far.
func (l *Loop) Processed() int64 {
	return l.processed.Load()
}

func (l *Loop) acquire() {
	if !l.driving.CompareAndSwap(false, true) {
		panic(ErrReentrant)
	}
}

func (l *Loop) drain() int {
	ran := 0
	for {
		l.mu.Lock()
		if len(l.pending) == 0 {
			l.pending = nil
			l.mu.Unlock()
			return ran
		}
		fn := l.pending[0]
		l.pending[0] = nil
		l.pending = l.pending[1:]
		l.mu.Unlock()

		l.dispatch(fn)
		ran++
	}
}

func (l *Loop) dispatch(fn func()) {
	l.dispatching.Store(true)
	defer l.dispatching.Store(false)
	fn()
	l.processed.Add(1)
}
