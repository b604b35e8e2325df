package notify

import (
	"context"
	"log/slog"

	"github.com/talentkit/entitlement/pkg/breaker"
)

// Resilient wraps a Notifier with the notifications circuit breaker. When the
// circuit is open, or delivery fails, the notification is dropped with a log
// line; lifecycle state changes must never hinge on email delivery.
type Resilient struct {
	inner    Notifier
	breakers *breaker.Executor
	log      *slog.Logger
}

// NewResilient wraps the notifier. Panics on nil dependencies.
func NewResilient(inner Notifier, breakers *breaker.Executor, log *slog.Logger) *Resilient {
	if inner == nil {
		panic("notify: inner notifier is required")
	}
	if breakers == nil {
		panic("notify: breaker executor is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Resilient{inner: inner, breakers: breakers, log: log}
}

// Send delivers through the breaker. The fallback is a skip: the message is
// logged and dropped, and Send reports success to the caller.
func (r *Resilient) Send(ctx context.Context, msg Message) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	skip := func(ctx context.Context) error {
		r.log.WarnContext(ctx, "notification skipped",
			slog.String("kind", string(msg.Kind)),
			slog.String("recipient", msg.Recipient))
		return nil
	}

	_, err := r.breakers.Execute(ctx, breaker.DependencyNotifications, func(ctx context.Context) error {
		return r.inner.Send(ctx, msg)
	}, skip)
	return err
}
