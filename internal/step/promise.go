package step

import (
	"context"
	"sync"
)

// Promise is a handle to a value still being produced in the
// background. Complete fulfills it exactly once; Wait blocks until
// then. The zero value is not usable, construct with NewPromise, Go,
// Resolve or Reject.
type Promise[T any] struct {
	done chan struct{}
	once sync.Once

	val T
	err error
}

// NewPromise returns an unfulfilled promise.
func NewPromise[T any]() *Promise[T] {
	return &Promise[T]{done: make(chan struct{})}
}

// Go runs fn in a new goroutine and returns a promise for its result.
func Go[T any](fn func() (T, error)) *Promise[T] {
	p := NewPromise[T]()
	go func() {
		p.Complete(fn())
	}()
	return p
}

// Resolve returns a promise already completed with v.
func Resolve[T any](v T) *Promise[T] {
	p := NewPromise[T]()
	p.Complete(v, nil)
	return p
}

// Reject returns a promise already completed with err.
func Reject[T any](err error) *Promise[T] {
	p := NewPromise[T]()
	var zero T
	p.Complete(zero, err)
	return p
}

// Complete fulfills the promise. Calls after the first are ignored.
func (p *Promise[T]) Complete(v T, err error) {
	p.once.Do(func() {
		p.val, p.err = v, err
		close(p.done)
	})
}

// Wait blocks until the promise is fulfilled or ctx is cancelled.
func (p *Promise[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-p.done:
		return p.val, p.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
