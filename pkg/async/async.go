package async

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Future represents the result of an asynchronous computation.
type Future[U any] struct {
	result U
	err    error
	once   sync.Once
	done   chan struct{}
}

// Await waits for the asynchronous function to complete and returns its result and error.
func (f *Future[U]) Await() (U, error) {
	<-f.done
	return f.result, f.err
}

// AwaitWithTimeout waits for completion up to the given timeout.
// Returns ErrTimeout if the deadline passes first.
func (f *Future[U]) AwaitWithTimeout(timeout time.Duration) (U, error) {
	select {
	case <-f.done:
		return f.result, f.err
	case <-time.After(timeout):
		var zero U
		return zero, ErrTimeout
	}
}

// IsComplete checks for completion without blocking.
func (f *Future[U]) IsComplete() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Run executes fn asynchronously and returns a Future for its result.
func Run[U any](ctx context.Context, fn func(context.Context) (U, error)) *Future[U] {
	f := &Future[U]{done: make(chan struct{})}

	go func() {
		defer close(f.done)

		// Early exit prevents goroutine leak when context is pre-canceled.
		select {
		case <-ctx.Done():
			f.err = ctx.Err()
			return
		default:
		}

		res, err := fn(ctx)
		f.once.Do(func() {
			f.result = res
			f.err = err
		})
	}()

	return f
}

// Detach runs fn as a fire-and-forget background task. Errors are logged,
// never propagated; the caller's response does not depend on the outcome.
// Used for webhook processing after the acknowledgment has been sent and
// for notification dispatch.
func Detach(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) {
	if log == nil {
		log = slog.Default()
	}

	go func() {
		if err := fn(ctx); err != nil {
			log.ErrorContext(ctx, "detached task failed",
				slog.String("task", name),
				slog.String("error", err.Error()))
		}
	}()
}
