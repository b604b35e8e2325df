package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// downgradeAccount moves the account to FREE with the given non-paying
// status and cancels its live subscription row, all in one transaction.
// The row goes to CANCELED regardless of the account status so it stops
// counting as live and a later re-subscription can create a fresh row.
// Idempotent: already-downgraded accounts are a no-op.
func downgradeAccount(ctx context.Context, store entitlement.Store, accountID uuid.UUID, status entitlement.Status, now time.Time) error {
	return store.WithinTx(ctx, func(ctx context.Context, tx entitlement.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if account.Tier == entitlement.TierFree && account.Status == status {
			return nil
		}

		account.Tier = entitlement.TierFree
		account.Status = status
		account.PeriodStart = nil
		account.PeriodEnd = nil
		account.CancelAtPeriodEnd = false
		account.UpdatedAt = now
		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		sub, err := tx.GetActiveSubscription(ctx, accountID)
		if err != nil {
			if errors.Is(err, entitlement.ErrSubscriptionNotFound) {
				return nil
			}
			return err
		}
		sub.Status = entitlement.StatusCanceled
		if sub.CanceledAt == nil {
			sub.CanceledAt = &now
		}
		sub.UpdatedAt = now
		return tx.UpdateSubscription(ctx, sub)
	})
}
