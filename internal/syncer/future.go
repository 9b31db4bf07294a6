package syncer

import "context"

// Future is the completion handle of a remote call running on its own
// goroutine.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// runRemote starts fn on a worker goroutine and returns immediately.
func runRemote[T any](ctx context.Context, fn func(context.Context) (T, error)) *Future[T] {
	f := &Future[T]{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		f.val, f.err = fn(ctx)
	}()
	return f
}

// Await blocks until the call finishes or ctx is done. A cancelled wait
// abandons the call; its result is discarded.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// remote runs fn on a worker and waits for it.
func remote[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	return runRemote(ctx, fn).Await(ctx)
}

// remoteErr is remote for calls that only return an error.
func remoteErr(ctx context.Context, fn func(context.Context) error) error {
	_, err := remote(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}
