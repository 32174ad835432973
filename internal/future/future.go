// Package future provides a single-assignment result that can be awaited,
// composed and cancelled.
package future

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCancelled is the error of a cancelled future.
	ErrCancelled = errors.New("future cancelled")
	// ErrTimeout is returned when a bounded wait elapses.
	ErrTimeout = errors.New("future wait timed out")
)

// Future holds a value or an error that becomes available once.
type Future[T any] struct {
	done chan struct{}
	once sync.Once

	val T
	err error
}

// New returns an unresolved future.
func New[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

// Resolved returns a future already completed with v.
func Resolved[T any](v T) *Future[T] {
	f := New[T]()
	f.Resolve(v)
	return f
}

// Failed returns a future already completed with err.
func Failed[T any](err error) *Future[T] {
	f := New[T]()
	f.Fail(err)
	return f
}

// Resolve completes the future with v. Returns false if it was already complete.
func (f *Future[T]) Resolve(v T) bool {
	return f.complete(v, nil)
}

// Fail completes the future with err. Returns false if it was already complete.
func (f *Future[T]) Fail(err error) bool {
	var zero T
	return f.complete(zero, err)
}

// Cancel completes the future with ErrCancelled unless it already completed.
func (f *Future[T]) Cancel() bool {
	return f.Fail(ErrCancelled)
}

func (f *Future[T]) complete(v T, err error) bool {
	ok := false
	f.once.Do(func() {
		f.val = v
		f.err = err
		ok = true
		close(f.done)
	})
	return ok
}

// Done is closed when the future completes.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// IsDone reports whether the future completed.
func (f *Future[T]) IsDone() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Cancelled reports whether the future completed through Cancel.
func (f *Future[T]) Cancelled() bool {
	return f.IsDone() && errors.Is(f.err, ErrCancelled)
}

// Wait blocks until the future completes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// WaitTimeout blocks for at most d. It returns ErrTimeout when d elapses first.
func (f *Future[T]) WaitTimeout(d time.Duration) (T, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.val, f.err
	case <-timer.C:
		var zero T
		return zero, ErrTimeout
	}
}

// Then runs fn with the value of f once it resolves and returns the future fn produces.
// A failure of f propagates without calling fn.
func Then[T, U any](f *Future[T], fn func(T) *Future[U]) *Future[U] {
	out := New[U]()
	go func() {
		<-f.done
		if f.err != nil {
			out.Fail(f.err)
			return
		}
		next := fn(f.val)
		<-next.done
		out.complete(next.val, next.err)
	}()
	return out
}

// Map transforms the value of f. Failures propagate unchanged.
func Map[T, U any](f *Future[T], fn func(T, error) (U, error)) *Future[U] {
	out := New[U]()
	go func() {
		<-f.done
		v, err := fn(f.val, f.err)
		out.complete(v, err)
	}()
	return out
}

// WaitAll waits for every future, bounded by timeout (0 means no bound) and ctx.
// It returns the number of futures that completed and ErrTimeout or the
// context error when the wait stopped early.
func WaitAll[T any](ctx context.Context, timeout time.Duration, futures ...*Future[T]) (int, error) {
	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	completed := 0
	for _, f := range futures {
		select {
		case <-f.done:
			completed++
		case <-deadline:
			return completed, ErrTimeout
		case <-ctx.Done():
			return completed, ctx.Err()
		}
	}
	return completed, nil
}
