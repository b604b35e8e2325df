package breaker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/talentkit/entitlement/core"
	"github.com/talentkit/entitlement/pkg/retry"
)

// Result reports how an execution was satisfied.
type Result struct {
	Success      bool
	FallbackUsed bool
	PrimaryError error
}

// Executor routes operations through the per-dependency breakers,
// optionally falling back when the primary path is unavailable or fails.
type Executor struct {
	registry *Registry
	retrier  *retry.Executor
	log      *slog.Logger
}

// NewExecutor creates an executor over the given registry. The retrier is
// used only by ExecuteIdempotent; pass nil to disable in-call retries.
func NewExecutor(registry *Registry, retrier *retry.Executor, log *slog.Logger) *Executor {
	if registry == nil {
		panic("breaker: registry is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Executor{registry: registry, retrier: retrier, log: log}
}

// Execute runs primary through the dependency's breaker. When the circuit is
// open and a fallback exists the fallback is run instead; with no fallback
// the call fails fast with a service_unavailable error carrying a
// retry-after hint. A primary failure records against the breaker and, if a
// fallback exists, is absorbed by running it.
func (e *Executor) Execute(ctx context.Context, dep Dependency, primary, fallback func(context.Context) error) (Result, error) {
	cb := e.registry.Get(dep)
	if cb == nil {
		return Result{}, fmt.Errorf("%w: unknown dependency", core.ErrInternal)
	}

	if !cb.Allow() {
		if fallback != nil {
			e.log.WarnContext(ctx, "circuit open, using fallback",
				slog.String("dependency", dep.String()))
			if err := fallback(ctx); err != nil {
				return Result{FallbackUsed: true}, err
			}
			return Result{Success: true, FallbackUsed: true}, nil
		}
		return Result{}, core.RetryAfterError{RetryAfter: cb.RetryAfter()}
	}

	err := e.call(ctx, dep, primary)
	if err == nil {
		cb.RecordSuccess()
		return Result{Success: true}, nil
	}

	cb.RecordFailure()
	e.log.WarnContext(ctx, "dependency call failed",
		slog.String("dependency", dep.String()),
		slog.String("state", cb.State().String()),
		slog.String("error", err.Error()))

	if fallback != nil {
		if fbErr := fallback(ctx); fbErr != nil {
			return Result{FallbackUsed: true, PrimaryError: err}, fbErr
		}
		return Result{Success: true, FallbackUsed: true, PrimaryError: err}, nil
	}

	return Result{PrimaryError: err}, err
}

// call runs fn under the dependency's per-call deadline when one is
// configured, so a hung collaborator surfaces as a deadline error instead of
// stalling the caller. The deadline error then records as a breaker failure.
func (e *Executor) call(ctx context.Context, dep Dependency, fn func(context.Context) error) error {
	if timeout := e.registry.CallTimeout(dep); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx)
}

// ExecuteIdempotent behaves like Execute but drives the primary through the
// bounded retry executor inside this single call. Only for operations known
// safe to repeat, e.g. read-modify reconciliation. The breaker records one
// outcome per Execute call regardless of inner attempts.
func (e *Executor) ExecuteIdempotent(ctx context.Context, dep Dependency, op string, primary func(context.Context) error) (Result, error) {
	wrapped := primary
	if e.retrier != nil {
		wrapped = func(ctx context.Context) error {
			return e.retrier.Do(ctx, op, primary)
		}
	}
	return e.Execute(ctx, dep, wrapped, nil)
}
