// Package eventloop runs handlers one at a time, in the order they were posted.
//
// Producers on any goroutine Post closures; a single consumer executes them to
// completion before taking the next. State owned by the consumer needs no
// locking as long as it is only touched from posted handlers.
package eventloop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
)

const defaultQueueSize = 256

// ErrStopped is returned when work is offered to a loop that is no longer running.
var ErrStopped = errors.New("event loop stopped")

// Loop is a FIFO queue of handlers drained by Run.
type Loop struct {
	queue    chan func()
	stopped  chan struct{}
	stopOnce sync.Once
	log      *slog.Logger
}

// New constructs a loop with the given queue capacity.
func New(size int, logger *slog.Logger) *Loop {
	if size <= 0 {
		size = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		queue:   make(chan func(), size),
		stopped: make(chan struct{}),
		log:     logger,
	}
}

// Post enqueues fn. It blocks while the queue is full and reports false once
// the loop has stopped, in which case fn will never run.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.stopped:
		return false
	default:
	}
	select {
	case l.queue <- fn:
		return true
	case <-l.stopped:
		return false
	}
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a handler.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-l.stopped:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopped is closed once Run has returned.
func (l *Loop) Stopped() <-chan struct{} {
	return l.stopped
}

// Run dispatches handlers until ctx is done. Queued handlers that have not
// started when ctx ends are discarded.
func (l *Loop) Run(ctx context.Context) error {
	defer l.stopOnce.Do(func() { close(l.stopped) })
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-l.queue:
			l.dispatch(fn)
		}
	}
}

func (l *Loop) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("event handler panicked", "error", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	fn()
}
