package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talentkit/entitlement/core"
	"github.com/talentkit/entitlement/pkg/billing"
	"github.com/talentkit/entitlement/pkg/breaker"
	"github.com/talentkit/entitlement/pkg/entitlement"
)

// CheckoutSession is what a client needs to complete payment.
type CheckoutSession struct {
	CheckoutURL          string
	PendingTransactionID string
}

// Snapshot is the current subscription view for one account.
type Snapshot struct {
	Account      *entitlement.Account
	Subscription *entitlement.Subscription // nil when the account never subscribed
}

// Service drives the subscription lifecycle: checkout initiation, local
// status transitions fed by webhook events, cancellation, and applying
// authoritative remote state during reconciliation. All processor calls go
// through the billing circuit breaker.
type Service interface {
	// StartCheckout begins a hosted checkout for upgrading the account.
	StartCheckout(ctx context.Context, accountID uuid.UUID, priceID, successURL string) (*CheckoutSession, error)

	// CancelAtPeriodEnd schedules cancellation; paid access continues until
	// the period ends.
	CancelAtPeriodEnd(ctx context.Context, accountID uuid.UUID) error

	// CancelNow cancels remotely and downgrades the account immediately.
	CancelNow(ctx context.Context, accountID uuid.UUID) error

	// ApplyEvent folds a normalized billing event into local state. The
	// account tier/status and the subscription row change in one transaction.
	ApplyEvent(ctx context.Context, event *billing.Event) error

	// ApplyRemoteState overwrites local state with the processor's
	// authoritative view. Used by reconciliation, where remote always wins.
	ApplyRemoteState(ctx context.Context, accountID uuid.UUID, remote *billing.RemoteSubscription) error

	// Get returns the account and its active subscription, if any.
	Get(ctx context.Context, accountID uuid.UUID) (*Snapshot, error)
}

type service struct {
	store     entitlement.Store
	processor billing.Processor
	breakers  *breaker.Executor
	log       *slog.Logger
	now       func() time.Time
}

// ServiceOption configures optional service settings.
type ServiceOption func(*service)

// WithClock overrides the service time source. Intended for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *service) { s.now = now }
}

// NewService creates the subscription service. Panics on nil required
// dependencies to fail fast during initialization.
func NewService(store entitlement.Store, processor billing.Processor, breakers *breaker.Executor, log *slog.Logger, opts ...ServiceOption) Service {
	if store == nil {
		panic("subscription: entitlement store is required")
	}
	if processor == nil {
		panic("subscription: billing processor is required")
	}
	if breakers == nil {
		panic("subscription: breaker executor is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &service{
		store:     store,
		processor: processor,
		breakers:  breakers,
		log:       log,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *service) StartCheckout(ctx context.Context, accountID uuid.UUID, priceID, successURL string) (*CheckoutSession, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Entitled(s.now().UTC()) {
		return nil, ErrAlreadySubscribed
	}

	var remote *billing.RemoteSubscription
	_, err = s.breakers.Execute(ctx, breaker.DependencyBilling, func(ctx context.Context) error {
		var callErr error
		remote, callErr = s.processor.CreateSubscription(ctx, billing.CreateSubscriptionRequest{
			AccountID:  account.ID.String(),
			Email:      account.Email,
			PriceID:    priceID,
			SuccessURL: successURL,
		})
		return callErr
	}, nil)
	if err != nil {
		var retryAfter core.RetryAfterError
		if errors.As(err, &retryAfter) {
			return nil, err
		}
		return nil, errors.Join(ErrCheckoutUnavailable, err)
	}

	s.log.InfoContext(ctx, "checkout started",
		slog.String("account_id", account.ID.String()),
		slog.String("transaction_id", remote.ExternalSubscriptionID))

	return &CheckoutSession{
		CheckoutURL:          remote.CheckoutURL,
		PendingTransactionID: remote.ExternalSubscriptionID,
	}, nil
}

func (s *service) CancelAtPeriodEnd(ctx context.Context, accountID uuid.UUID) error {
	sub, err := s.store.GetActiveSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			return ErrNoActiveSubscription
		}
		return err
	}

	if _, err := s.breakers.Execute(ctx, breaker.DependencyBilling, func(ctx context.Context) error {
		return s.processor.CancelSubscription(ctx, sub.ExternalSubscriptionID, false)
	}, nil); err != nil {
		return err
	}

	now := s.now().UTC()
	return s.store.WithinTx(ctx, func(ctx context.Context, tx entitlement.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		current, err := tx.GetActiveSubscription(ctx, accountID)
		if err != nil {
			return err
		}

		current.CancelAtPeriodEnd = true
		current.UpdatedAt = now
		account.CancelAtPeriodEnd = true
		account.UpdatedAt = now

		if err := tx.UpdateSubscription(ctx, current); err != nil {
			return err
		}
		return tx.UpdateAccount(ctx, account)
	})
}

func (s *service) CancelNow(ctx context.Context, accountID uuid.UUID) error {
	sub, err := s.store.GetActiveSubscription(ctx, accountID)
	if err != nil {
		if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
			return ErrNoActiveSubscription
		}
		return err
	}

	if _, err := s.breakers.Execute(ctx, breaker.DependencyBilling, func(ctx context.Context) error {
		return s.processor.CancelSubscription(ctx, sub.ExternalSubscriptionID, true)
	}, nil); err != nil {
		return err
	}

	return s.transition(ctx, accountID, sub.ExternalSubscriptionID, transitionInput{
		status:     entitlement.StatusCanceled,
		canceledAt: true,
	})
}

func (s *service) ApplyEvent(ctx context.Context, event *billing.Event) error {
	if event.ExternalSubscriptionID == "" {
		return fmt.Errorf("%w: event has no subscription reference", billing.ErrInvalidEventPayload)
	}

	sub, err := s.store.GetSubscriptionByExternalID(ctx, event.ExternalSubscriptionID)
	switch {
	case errors.Is(err, entitlement.ErrSubscriptionNotFound):
		return s.createFromEvent(ctx, event)
	case err != nil:
		return err
	}

	input := transitionInput{
		status:            s.statusForEvent(event, sub.Status),
		periodStart:       event.PeriodStart,
		periodEnd:         event.PeriodEnd,
		cancelAtPeriodEnd: &event.CancelAtPeriodEnd,
	}
	if input.status == entitlement.StatusCanceled {
		input.canceledAt = true
	}
	return s.transition(ctx, sub.AccountID, sub.ExternalSubscriptionID, input)
}

func (s *service) ApplyRemoteState(ctx context.Context, accountID uuid.UUID, remote *billing.RemoteSubscription) error {
	return s.transition(ctx, accountID, remote.ExternalSubscriptionID, transitionInput{
		status:            remote.Status,
		periodStart:       remote.PeriodStart,
		periodEnd:         remote.PeriodEnd,
		cancelAtPeriodEnd: &remote.CancelAtPeriodEnd,
		canceledAt:        remote.Status == entitlement.StatusCanceled,
		force:             true,
	})
}

func (s *service) Get(ctx context.Context, accountID uuid.UUID) (*Snapshot, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	sub, err := s.store.GetActiveSubscription(ctx, accountID)
	if err != nil && !errors.Is(err, entitlement.ErrSubscriptionNotFound) {
		return nil, err
	}
	return &Snapshot{Account: account, Subscription: sub}, nil
}

// statusForEvent maps payment events onto subscription statuses; subscription
// events carry the status directly.
func (s *service) statusForEvent(event *billing.Event, current entitlement.Status) entitlement.Status {
	switch event.Type {
	case billing.EventPaymentSucceeded:
		return entitlement.StatusActive
	case billing.EventPaymentFailed:
		return entitlement.StatusPastDue
	case billing.EventSubscriptionCanceled:
		return entitlement.StatusCanceled
	default:
		if event.Status != "" {
			return event.Status
		}
		return current
	}
}

// createFromEvent materializes the local subscription row the first time the
// processor tells us about it. The account is resolved from the custom-data
// account ID the checkout round-tripped.
func (s *service) createFromEvent(ctx context.Context, event *billing.Event) error {
	if event.AccountID == "" {
		return fmt.Errorf("%w: unknown subscription with no account reference", billing.ErrInvalidEventPayload)
	}
	accountID, err := uuid.Parse(event.AccountID)
	if err != nil {
		return fmt.Errorf("%w: malformed account ID %q", billing.ErrInvalidEventPayload, event.AccountID)
	}

	status := event.Status
	if status == "" {
		status = entitlement.StatusIncomplete
	}
	now := s.now().UTC()

	return s.store.WithinTx(ctx, func(ctx context.Context, tx entitlement.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}

		sub := &entitlement.Subscription{
			ID:                     uuid.New(),
			AccountID:              accountID,
			ExternalSubscriptionID: event.ExternalSubscriptionID,
			ExternalCustomerID:     event.ExternalCustomerID,
			Tier:                   entitlement.TierPro,
			Status:                 status,
			PeriodStart:            event.PeriodStart,
			PeriodEnd:              event.PeriodEnd,
			CancelAtPeriodEnd:      event.CancelAtPeriodEnd,
			CreatedAt:              now,
			UpdatedAt:              now,
		}
		if err := tx.CreateSubscription(ctx, sub); err != nil {
			return err
		}

		applyStatusToAccount(account, status)
		account.PeriodStart = event.PeriodStart
		account.PeriodEnd = event.PeriodEnd
		account.CancelAtPeriodEnd = event.CancelAtPeriodEnd
		account.UpdatedAt = now
		return tx.UpdateAccount(ctx, account)
	})
}

type transitionInput struct {
	status            entitlement.Status
	periodStart       *time.Time
	periodEnd         *time.Time
	cancelAtPeriodEnd *bool
	canceledAt        bool
	// force skips transition validation; reconciliation applies whatever the
	// processor reports, even moves the event machine would reject.
	force bool
}

// transition applies a status change to the subscription row and the account
// in a single transaction so no caller can observe a PRO account whose
// subscription row already says canceled, or the reverse.
func (s *service) transition(ctx context.Context, accountID uuid.UUID, externalSubscriptionID string, in transitionInput) error {
	now := s.now().UTC()

	return s.store.WithinTx(ctx, func(ctx context.Context, tx entitlement.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		sub, err := tx.GetSubscriptionByExternalID(ctx, externalSubscriptionID)
		if err != nil {
			return err
		}

		if sub.Status.IsTerminal() && sub.Status != in.status {
			return fmt.Errorf("%w: %s", ErrSubscriptionRowImmutable, sub.Status)
		}
		if !in.force {
			if err := ValidateTransition(sub.Status, in.status); err != nil {
				return err
			}
		}

		sub.Status = in.status
		if in.periodStart != nil {
			sub.PeriodStart = in.periodStart
		}
		if in.periodEnd != nil {
			sub.PeriodEnd = in.periodEnd
		}
		if in.cancelAtPeriodEnd != nil {
			sub.CancelAtPeriodEnd = *in.cancelAtPeriodEnd
		}
		if in.canceledAt && sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		sub.UpdatedAt = now

		applyStatusToAccount(account, in.status)
		if in.periodStart != nil {
			account.PeriodStart = in.periodStart
		}
		if in.periodEnd != nil {
			account.PeriodEnd = in.periodEnd
		}
		if in.cancelAtPeriodEnd != nil {
			account.CancelAtPeriodEnd = *in.cancelAtPeriodEnd
		}
		account.UpdatedAt = now

		if err := tx.UpdateSubscription(ctx, sub); err != nil {
			return err
		}
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		s.log.InfoContext(ctx, "subscription transitioned",
			slog.String("account_id", accountID.String()),
			slog.String("subscription_id", externalSubscriptionID),
			slog.String("status", string(in.status)),
			slog.String("tier", string(account.Tier)))
		return nil
	})
}

// applyStatusToAccount derives the account tier from the subscription status.
// Non-paying statuses downgrade to FREE in the same write; PAST_DUE keeps the
// PRO tier so the grace period preserves access.
func applyStatusToAccount(account *entitlement.Account, status entitlement.Status) {
	account.Status = status
	if status.ImpliesNonPaying() {
		account.Tier = entitlement.TierFree
		account.PeriodStart = nil
		account.PeriodEnd = nil
		account.CancelAtPeriodEnd = false
		return
	}
	if status == entitlement.StatusActive || status == entitlement.StatusTrialing || status == entitlement.StatusPastDue {
		account.Tier = entitlement.TierPro
	}
}
