package entitlement

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// AccountStore persists accounts.
type AccountStore interface {
	// GetAccount retrieves an account by ID.
	// Returns ErrAccountNotFound if no account exists.
	GetAccount(ctx context.Context, id uuid.UUID) (*Account, error)

	// CreateAccount persists a new account.
	CreateAccount(ctx context.Context, account *Account) error

	// UpdateAccount persists changes to an existing account.
	UpdateAccount(ctx context.Context, account *Account) error

	// ListAccountsByStatus returns accounts in the given status.
	ListAccountsByStatus(ctx context.Context, status Status) ([]*Account, error)

	// ListAccountsWithStaleUsageWindow returns accounts whose weekly usage
	// window started at or before the cutoff and still has usage recorded.
	ListAccountsWithStaleUsageWindow(ctx context.Context, cutoff time.Time) ([]*Account, error)

	// ListExpiredProAccounts returns PRO accounts whose period has ended and
	// which are flagged cancel-at-period-end or already in a non-paying status.
	ListExpiredProAccounts(ctx context.Context, now time.Time) ([]*Account, error)

	// ListAccountsRenewingBetween returns ACTIVE PRO accounts whose period
	// end falls inside the half-open interval [from, to).
	ListAccountsRenewingBetween(ctx context.Context, from, to time.Time) ([]*Account, error)
}

// SubscriptionStore persists subscription rows.
type SubscriptionStore interface {
	// GetActiveSubscription returns the account's single live (non-terminal)
	// row. Returns ErrSubscriptionNotFound if none exists.
	GetActiveSubscription(ctx context.Context, accountID uuid.UUID) (*Subscription, error)

	// GetSubscriptionByExternalID resolves a subscription by the billing
	// processor's identifier.
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)

	// CreateSubscription persists a new subscription row.
	CreateSubscription(ctx context.Context, sub *Subscription) error

	// UpdateSubscription persists changes to an existing row.
	UpdateSubscription(ctx context.Context, sub *Subscription) error

	// ListActiveSubscriptions returns every live (non-terminal) subscription.
	ListActiveSubscriptions(ctx context.Context) ([]*Subscription, error)
}

// UsageRecordStore persists the append-only usage log.
type UsageRecordStore interface {
	// InsertUsageRecord appends one consumption record.
	InsertUsageRecord(ctx context.Context, rec *UsageRecord) error

	// PurgeUsageRecordsBefore removes records older than the cutoff and
	// returns how many were removed.
	PurgeUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// WebhookEventStore persists inbound billing event tracking rows.
type WebhookEventStore interface {
	// GetWebhookEvent retrieves an event by its external dedup key.
	// Returns ErrWebhookEventNotFound if no event exists.
	GetWebhookEvent(ctx context.Context, externalEventID string) (*WebhookEvent, error)

	// CreateWebhookEvent persists a newly received event.
	CreateWebhookEvent(ctx context.Context, event *WebhookEvent) error

	// UpdateWebhookEvent persists a status transition.
	UpdateWebhookEvent(ctx context.Context, event *WebhookEvent) error

	// ListWebhookEventsByStatus returns events in the given status, for the
	// manual-intervention surface over FAILED_TERMINAL events.
	ListWebhookEventsByStatus(ctx context.Context, status EventStatus) ([]*WebhookEvent, error)

	// PurgeWebhookEventsBefore removes completed events received before the
	// cutoff. Failed events are audit rows and use the separate, longer
	// failedCutoff.
	PurgeWebhookEventsBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error)
}

// ReminderStore tracks dispatched renewal reminders so each threshold fires
// exactly once per billing period.
type ReminderStore interface {
	ReminderSent(ctx context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) (bool, error)
	MarkReminderSent(ctx context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) error
}

// Store is the engine's durable representation of accounts, subscriptions,
// usage, and webhook events. Its implementation (memory, SQL) is an
// external collaborator; the engine consumes it as plain CRUD.
type Store interface {
	AccountStore
	SubscriptionStore
	UsageRecordStore
	WebhookEventStore
	ReminderStore

	// WithinTx runs fn against a transactional view of the store. Mutations
	// touching Account and Subscription together must go through it so no
	// intermediate state is externally observable.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
