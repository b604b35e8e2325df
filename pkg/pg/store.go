package pg

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// querier is the subset of pgx satisfied by both *pgxpool.Pool and pgx.Tx,
// so the same query methods serve pooled and transactional stores.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the PostgreSQL implementation of the entitlement store.
type Store struct {
	pool *pgxpool.Pool
	q    querier
}

// NewStore creates a store over the connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, q: pool}
}

// WithinTx runs fn against a transactional store. The inner store reuses the
// open transaction, so nested calls compose into the outermost one.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx entitlement.Store) error) error {
	if s.pool == nil {
		// Already inside a transaction.
		return fn(ctx, s)
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &Store{q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const accountColumns = `id, email, tier, status, period_start, period_end, cancel_at_period_end,
	weekly_usage_count, weekly_usage_reset_at, lifetime_usage_count, created_at, updated_at`

func scanAccount(row pgx.Row) (*entitlement.Account, error) {
	var a entitlement.Account
	err := row.Scan(&a.ID, &a.Email, &a.Tier, &a.Status, &a.PeriodStart, &a.PeriodEnd,
		&a.CancelAtPeriodEnd, &a.WeeklyUsageCount, &a.WeeklyUsageResetAt,
		&a.LifetimeUsageCount, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, entitlement.ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

func collectAccounts(rows pgx.Rows) ([]*entitlement.Account, error) {
	defer rows.Close()
	var out []*entitlement.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) GetAccount(ctx context.Context, id uuid.UUID) (*entitlement.Account, error) {
	return scanAccount(s.q.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
}

func (s *Store) CreateAccount(ctx context.Context, a *entitlement.Account) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO accounts (`+accountColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.Email, a.Tier, a.Status, a.PeriodStart, a.PeriodEnd, a.CancelAtPeriodEnd,
		a.WeeklyUsageCount, a.WeeklyUsageResetAt, a.LifetimeUsageCount, a.CreatedAt, a.UpdatedAt)
	if IsDuplicateKeyError(err) {
		return entitlement.ErrAccountAlreadyExists
	}
	return err
}

func (s *Store) UpdateAccount(ctx context.Context, a *entitlement.Account) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE accounts SET email = $2, tier = $3, status = $4, period_start = $5,
			period_end = $6, cancel_at_period_end = $7, weekly_usage_count = $8,
			weekly_usage_reset_at = $9, lifetime_usage_count = $10, updated_at = $11
		WHERE id = $1`,
		a.ID, a.Email, a.Tier, a.Status, a.PeriodStart, a.PeriodEnd, a.CancelAtPeriodEnd,
		a.WeeklyUsageCount, a.WeeklyUsageResetAt, a.LifetimeUsageCount, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrAccountNotFound
	}
	return nil
}

func (s *Store) ListAccountsByStatus(ctx context.Context, status entitlement.Status) ([]*entitlement.Account, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (s *Store) ListAccountsWithStaleUsageWindow(ctx context.Context, cutoff time.Time) ([]*entitlement.Account, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE weekly_usage_reset_at <= $1 AND weekly_usage_count > 0
		ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (s *Store) ListExpiredProAccounts(ctx context.Context, now time.Time) ([]*entitlement.Account, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE tier = 'pro' AND period_end IS NOT NULL AND period_end < $1
			AND (cancel_at_period_end OR status IN ('canceled', 'unpaid', 'incomplete_expired'))
		ORDER BY created_at`, now)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

func (s *Store) ListAccountsRenewingBetween(ctx context.Context, from, to time.Time) ([]*entitlement.Account, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+accountColumns+` FROM accounts
		WHERE tier = 'pro' AND status = 'active' AND NOT cancel_at_period_end
			AND period_end >= $1 AND period_end < $2
		ORDER BY created_at`, from, to)
	if err != nil {
		return nil, err
	}
	return collectAccounts(rows)
}

const subscriptionColumns = `id, account_id, external_subscription_id, external_customer_id,
	tier, status, period_start, period_end, cancel_at_period_end, canceled_at, created_at, updated_at`

func scanSubscription(row pgx.Row) (*entitlement.Subscription, error) {
	var sub entitlement.Subscription
	err := row.Scan(&sub.ID, &sub.AccountID, &sub.ExternalSubscriptionID, &sub.ExternalCustomerID,
		&sub.Tier, &sub.Status, &sub.PeriodStart, &sub.PeriodEnd, &sub.CancelAtPeriodEnd,
		&sub.CanceledAt, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, entitlement.ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func (s *Store) GetActiveSubscription(ctx context.Context, accountID uuid.UUID) (*entitlement.Subscription, error) {
	return scanSubscription(s.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE account_id = $1 AND status NOT IN ('canceled', 'incomplete_expired')`, accountID))
}

func (s *Store) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*entitlement.Subscription, error) {
	return scanSubscription(s.q.QueryRow(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE external_subscription_id = $1`, externalID))
}

func (s *Store) CreateSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO subscriptions (`+subscriptionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		sub.ID, sub.AccountID, sub.ExternalSubscriptionID, sub.ExternalCustomerID,
		sub.Tier, sub.Status, sub.PeriodStart, sub.PeriodEnd, sub.CancelAtPeriodEnd,
		sub.CanceledAt, sub.CreatedAt, sub.UpdatedAt)
	if IsDuplicateKeyError(err) {
		return entitlement.ErrSubscriptionAlreadyExists
	}
	return err
}

func (s *Store) UpdateSubscription(ctx context.Context, sub *entitlement.Subscription) error {
	tag, err := s.q.Exec(ctx, `
		UPDATE subscriptions SET external_customer_id = $2, tier = $3, status = $4,
			period_start = $5, period_end = $6, cancel_at_period_end = $7,
			canceled_at = $8, updated_at = $9
		WHERE id = $1`,
		sub.ID, sub.ExternalCustomerID, sub.Tier, sub.Status, sub.PeriodStart,
		sub.PeriodEnd, sub.CancelAtPeriodEnd, sub.CanceledAt, sub.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return entitlement.ErrSubscriptionNotFound
	}
	return nil
}

func (s *Store) ListActiveSubscriptions(ctx context.Context) ([]*entitlement.Subscription, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+subscriptionColumns+` FROM subscriptions
		WHERE status NOT IN ('canceled', 'incomplete_expired')
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entitlement.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *Store) InsertUsageRecord(ctx context.Context, rec *entitlement.UsageRecord) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO usage_records (id, account_id, usage_type, count, occurred_at, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rec.ID, rec.AccountID, rec.UsageType, rec.Count, rec.OccurredAt, rec.CorrelationID)
	return err
}

func (s *Store) PurgeUsageRecordsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `DELETE FROM usage_records WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const webhookEventColumns = `id, external_event_id, event_type, payload, payload_hash,
	status, attempt_count, last_error, received_at, completed_at`

func scanWebhookEvent(row pgx.Row) (*entitlement.WebhookEvent, error) {
	var e entitlement.WebhookEvent
	err := row.Scan(&e.ID, &e.ExternalEventID, &e.EventType, &e.Payload, &e.PayloadHash,
		&e.Status, &e.AttemptCount, &e.LastError, &e.ReceivedAt, &e.CompletedAt)
	if err != nil {
		if IsNotFoundError(err) {
			return nil, entitlement.ErrWebhookEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

func (s *Store) GetWebhookEvent(ctx context.Context, externalEventID string) (*entitlement.WebhookEvent, error) {
	return scanWebhookEvent(s.q.QueryRow(ctx,
		`SELECT `+webhookEventColumns+` FROM webhook_events WHERE external_event_id = $1`, externalEventID))
}

func (s *Store) CreateWebhookEvent(ctx context.Context, e *entitlement.WebhookEvent) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO webhook_events (`+webhookEventColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		e.ID, e.ExternalEventID, e.EventType, e.Payload, e.PayloadHash,
		e.Status, e.AttemptCount, e.LastError, e.ReceivedAt, e.CompletedAt)
	if IsDuplicateKeyError(err) {
		return entitlement.ErrWebhookEventAlreadyExists
	}
	return err
}

func (s *Store) UpdateWebhookEvent(ctx context.Context, e *entitlement.WebhookEvent) error {
	// Terminal rows are immutable; the guard lives in the WHERE clause so
	// concurrent processors cannot both complete the same event.
	tag, err := s.q.Exec(ctx, `
		UPDATE webhook_events SET status = $2, attempt_count = $3, last_error = $4, completed_at = $5
		WHERE external_event_id = $1 AND status NOT IN ('succeeded', 'failed_terminal')`,
		e.ExternalEventID, e.Status, e.AttemptCount, e.LastError, e.CompletedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetWebhookEvent(ctx, e.ExternalEventID); getErr != nil {
			return getErr
		}
		return entitlement.ErrWebhookEventImmutable
	}
	return nil
}

func (s *Store) ListWebhookEventsByStatus(ctx context.Context, status entitlement.EventStatus) ([]*entitlement.WebhookEvent, error) {
	rows, err := s.q.Query(ctx, `
		SELECT `+webhookEventColumns+` FROM webhook_events
		WHERE status = $1 ORDER BY received_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*entitlement.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) PurgeWebhookEventsBefore(ctx context.Context, cutoff, failedCutoff time.Time) (int64, error) {
	tag, err := s.q.Exec(ctx, `
		DELETE FROM webhook_events
		WHERE (status = 'succeeded' AND received_at < $1)
			OR (status = 'failed_terminal' AND received_at < $2)`,
		cutoff, failedCutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ReminderSent(ctx context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) (bool, error) {
	var exists bool
	err := s.q.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM reminders WHERE account_id = $1 AND kind = $2 AND period_end = $3
		)`, accountID, kind, periodEnd).Scan(&exists)
	return exists, err
}

func (s *Store) MarkReminderSent(ctx context.Context, accountID uuid.UUID, kind string, periodEnd time.Time) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO reminders (account_id, kind, period_end)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, kind, period_end) DO NOTHING`,
		accountID, kind, periodEnd)
	return err
}

var _ entitlement.Store = (*Store)(nil)
