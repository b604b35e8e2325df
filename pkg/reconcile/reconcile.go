package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talentkit/entitlement/pkg/async"
	"github.com/talentkit/entitlement/pkg/billing"
	"github.com/talentkit/entitlement/pkg/breaker"
	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/notify"
	"github.com/talentkit/entitlement/pkg/subscription"
)

// Action names what the reconciler decided to do for one account. The table
// is deterministic: the same local/remote pair always yields the same action.
type Action string

const (
	ActionNone            Action = "none"
	ActionSyncToActive    Action = "sync_to_active"
	ActionMarkPastDue     Action = "mark_past_due"
	ActionMarkIncomplete  Action = "mark_incomplete"
	ActionDowngradeToFree Action = "downgrade_to_free"
	ActionSyncToRemote    Action = "sync_to_remote"
	ActionSkipped         Action = "skipped"
)

// Outcome reports what one reconciliation pass did for an account.
type Outcome struct {
	AccountID    uuid.UUID
	Action       Action
	LocalStatus  entitlement.Status
	RemoteStatus entitlement.Status
}

// Reconciler resolves drift between local subscription state and the billing
// processor's authoritative state. Remote always wins; local divergence is
// assumed to come from lost webhooks.
type Reconciler struct {
	store     entitlement.Store
	processor billing.Processor
	subs      subscription.Service
	breakers  *breaker.Executor
	notifier  notify.Notifier
	log       *slog.Logger
	now       func() time.Time
}

// New creates a reconciler. The notifier may be nil to disable notifications.
func New(store entitlement.Store, processor billing.Processor, subs subscription.Service, breakers *breaker.Executor, notifier notify.Notifier, log *slog.Logger) *Reconciler {
	if store == nil {
		panic("reconcile: entitlement store is required")
	}
	if processor == nil {
		panic("reconcile: billing processor is required")
	}
	if subs == nil {
		panic("reconcile: subscription service is required")
	}
	if breakers == nil {
		panic("reconcile: breaker executor is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{
		store:     store,
		processor: processor,
		subs:      subs,
		breakers:  breakers,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the reconciler time source. Intended for tests.
func (r *Reconciler) WithClock(now func() time.Time) *Reconciler {
	r.now = now
	return r
}

// ReconcileAccount compares one account's local subscription against the
// processor and applies the decided action in a single transaction. When the
// processor is unreachable (breaker open or call failing through retries) the
// local state is kept and the outcome says skipped.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID uuid.UUID) (*Outcome, error) {
	var sub *entitlement.Subscription
	_, err := r.breakers.ExecuteIdempotent(ctx, breaker.DependencyDatastore, "get_active_subscription",
		func(ctx context.Context) error {
			found, callErr := r.store.GetActiveSubscription(ctx, accountID)
			if callErr != nil {
				if errors.Is(callErr, entitlement.ErrSubscriptionNotFound) {
					// Not a datastore fault; sub stays nil.
					return nil
				}
				return callErr
			}
			sub = found
			return nil
		})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return &Outcome{AccountID: accountID, Action: ActionNone}, nil
	}

	var remote *billing.RemoteSubscription
	_, err = r.breakers.ExecuteIdempotent(ctx, breaker.DependencyBilling, "get_subscription_status",
		func(ctx context.Context) error {
			var callErr error
			remote, callErr = r.processor.GetSubscriptionStatus(ctx, sub.ExternalSubscriptionID)
			return callErr
		})
	if err != nil {
		if errors.Is(err, billing.ErrSubscriptionNotFound) {
			// A subscription the processor no longer knows about is canceled.
			remote = &billing.RemoteSubscription{
				ExternalSubscriptionID: sub.ExternalSubscriptionID,
				Status:                 entitlement.StatusCanceled,
			}
		} else {
			r.log.WarnContext(ctx, "reconciliation skipped, processor unavailable",
				slog.String("account_id", accountID.String()),
				slog.String("error", err.Error()))
			return &Outcome{AccountID: accountID, Action: ActionSkipped, LocalStatus: sub.Status}, nil
		}
	}

	action := decide(sub, remote)
	outcome := &Outcome{
		AccountID:    accountID,
		Action:       action,
		LocalStatus:  sub.Status,
		RemoteStatus: remote.Status,
	}
	if action == ActionNone {
		return outcome, nil
	}

	applied := remote
	if action == ActionMarkPastDue && remote.Status == entitlement.StatusUnpaid {
		// UNPAID enters the grace path as PAST_DUE; the grace sweep decides
		// when paid access actually ends.
		cp := *remote
		cp.Status = entitlement.StatusPastDue
		applied = &cp
	}
	if err := r.subs.ApplyRemoteState(ctx, accountID, applied); err != nil {
		return nil, fmt.Errorf("failed to apply remote state: %w", err)
	}

	r.log.InfoContext(ctx, "account reconciled",
		slog.String("account_id", accountID.String()),
		slog.String("action", string(action)),
		slog.String("local_status", string(sub.Status)),
		slog.String("remote_status", string(remote.Status)))

	r.notifyTransition(ctx, accountID, action)
	return outcome, nil
}

// reconcileParallelism bounds concurrent processor lookups during a sweep.
const reconcileParallelism = 8

// ReconcileAll walks every locally active subscription. Accounts are
// reconciled concurrently with bounded parallelism; per-account failures are
// logged and counted, never aborting the sweep.
func (r *Reconciler) ReconcileAll(ctx context.Context) (applied, skipped, failed int, err error) {
	var subs []*entitlement.Subscription
	if _, err := r.breakers.ExecuteIdempotent(ctx, breaker.DependencyDatastore, "list_active_subscriptions",
		func(ctx context.Context) error {
			var callErr error
			subs, callErr = r.store.ListActiveSubscriptions(ctx)
			return callErr
		}); err != nil {
		return 0, 0, 0, err
	}

	sem := make(chan struct{}, reconcileParallelism)
	futures := make([]*async.Future[*Outcome], 0, len(subs))
	for _, sub := range subs {
		futures = append(futures, async.Run(ctx, func(ctx context.Context) (*Outcome, error) {
			sem <- struct{}{}
			defer func() { <-sem }()
			return r.ReconcileAccount(ctx, sub.AccountID)
		}))
	}

	for i, f := range futures {
		outcome, err := f.Await()
		switch {
		case err != nil:
			failed++
			r.log.ErrorContext(ctx, "reconciliation failed",
				slog.String("account_id", subs[i].AccountID.String()),
				slog.String("error", err.Error()))
		case outcome.Action == ActionSkipped:
			skipped++
		case outcome.Action != ActionNone:
			applied++
		}
	}
	return applied, skipped, failed, nil
}

// decide is the reconciliation action table. Remote state is authoritative.
func decide(local *entitlement.Subscription, remote *billing.RemoteSubscription) Action {
	if local.Status == remote.Status {
		if periodsDiffer(local, remote) || local.CancelAtPeriodEnd != remote.CancelAtPeriodEnd {
			return ActionSyncToRemote
		}
		return ActionNone
	}

	switch remote.Status {
	case entitlement.StatusActive:
		return ActionSyncToActive
	case entitlement.StatusPastDue, entitlement.StatusUnpaid:
		// Both mean payment trouble; the grace sweep owns the eventual
		// downgrade, so a local PAST_DUE is already where it should be.
		if local.Status == entitlement.StatusPastDue {
			return ActionNone
		}
		return ActionMarkPastDue
	case entitlement.StatusIncomplete:
		return ActionMarkIncomplete
	case entitlement.StatusCanceled, entitlement.StatusIncompleteExpired:
		return ActionDowngradeToFree
	default:
		return ActionSyncToRemote
	}
}

func periodsDiffer(local *entitlement.Subscription, remote *billing.RemoteSubscription) bool {
	return !timesEqual(local.PeriodStart, remote.PeriodStart) || !timesEqual(local.PeriodEnd, remote.PeriodEnd)
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// notifyTransition dispatches lifecycle notifications for transitions a
// customer should hear about. Fire-and-forget; reconciliation never waits on
// or fails because of delivery.
func (r *Reconciler) notifyTransition(ctx context.Context, accountID uuid.UUID, action Action) {
	if r.notifier == nil {
		return
	}

	var kind notify.Kind
	switch action {
	case ActionDowngradeToFree:
		kind = notify.KindDowngradeNotice
	case ActionMarkPastDue:
		kind = notify.KindPaymentFailed
	case ActionSyncToActive:
		kind = notify.KindSubscriptionRestored
	default:
		return
	}

	account, err := r.store.GetAccount(ctx, accountID)
	if err != nil {
		r.log.WarnContext(ctx, "notification lookup failed",
			slog.String("account_id", accountID.String()),
			slog.String("error", err.Error()))
		return
	}

	msg := notify.Message{Kind: kind, Recipient: account.Email}
	async.Detach(context.WithoutCancel(ctx), r.log, "reconcile_notify", func(ctx context.Context) error {
		return r.notifier.Send(ctx, msg)
	})
}
