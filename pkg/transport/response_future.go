// Package transport carries the legacy per-destination asynchronous response
// future consumed by scatter/gather callers of the single-stage path. A
// future reaches exactly one terminal state among cancelled, error and
// success; the first terminal signal wins and later ones are no-ops.
package transport

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrCancelled is reported by Get when the future was cancelled before a
// response or error arrived.
var ErrCancelled = errors.New("response future cancelled")

type terminalState int

const (
	statePending terminalState = iota
	stateSuccess
	stateError
	stateCancelled
)

// ResponseFuture is a single-destination response holder supporting
// cancel/error/success races and one-shot listener delivery. The zero value
// is not usable; construct with NewResponseFuture.
type ResponseFuture[T any] struct {
	mu        sync.Mutex
	state     terminalState
	payload   T
	err       error
	done      chan struct{}
	listeners []func()
}

func NewResponseFuture[T any]() *ResponseFuture[T] {
	return &ResponseFuture[T]{done: make(chan struct{})}
}

// Cancel moves the future to the cancelled state. It reports whether this
// call performed the terminal transition; a future that already completed is
// left untouched. mayInterrupt is accepted for contract compatibility; the
// in-flight operation is at best interrupted cooperatively.
func (f *ResponseFuture[T]) Cancel(_ bool) bool {
	return f.complete(stateCancelled, func(*ResponseFuture[T]) {})
}

// OnSuccess delivers the response payload. Reports whether this call won the
// terminal transition.
func (f *ResponseFuture[T]) OnSuccess(payload T) bool {
	return f.complete(stateSuccess, func(f *ResponseFuture[T]) { f.payload = payload })
}

// OnError delivers a failure. Reports whether this call won the terminal
// transition.
func (f *ResponseFuture[T]) OnError(err error) bool {
	return f.complete(stateError, func(f *ResponseFuture[T]) { f.err = err })
}

func (f *ResponseFuture[T]) complete(state terminalState, assign func(*ResponseFuture[T])) bool {
	f.mu.Lock()
	if f.state != statePending {
		f.mu.Unlock()
		return false
	}
	f.state = state
	assign(f)
	listeners := f.listeners
	f.listeners = nil
	close(f.done)
	f.mu.Unlock()

	// Listener delivery is asynchronous on the terminal transition and must
	// fire exactly once per listener.
	for _, l := range listeners {
		go l()
	}
	return true
}

// Get blocks until the future is terminal. It returns the payload on
// success, the delivered error on error, and the zero value with
// ErrCancelled on cancellation.
func (f *ResponseFuture[T]) Get(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-f.done:
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case stateSuccess:
		return f.payload, nil
	case stateError:
		return zero, f.err
	default:
		return zero, ErrCancelled
	}
}

// Done reports whether the future reached any terminal state.
func (f *ResponseFuture[T]) Done() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state != statePending
}

// Cancelled reports whether cancellation won the terminal transition.
func (f *ResponseFuture[T]) Cancelled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == stateCancelled
}

// Err returns the delivered error, or nil if the future succeeded, was
// cancelled, or is still pending.
func (f *ResponseFuture[T]) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == stateError {
		return f.err
	}
	return nil
}

// AddListener registers fn to run exactly once after the future becomes
// terminal: immediately (synchronously) when it already is, asynchronously
// on the terminal transition otherwise.
func (f *ResponseFuture[T]) AddListener(fn func()) {
	f.mu.Lock()
	if f.state == statePending {
		f.listeners = append(f.listeners, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	fn()
}
