package usage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

// CheckResult reports whether a feature may be used and how much quota is left.
type CheckResult struct {
	CanUse    bool
	Remaining int64
	Limit     int64
	Reason    string
}

// Denial reasons carried into 402/429 responses.
const (
	ReasonQuotaExhausted     = "usage_limit_exceeded"
	ReasonFeatureUnavailable = "subscription_required"
	ReasonUnknownFeature     = "unknown_feature"
)

// Meter computes remaining quota for an account/feature pair and records
// consumption. FREE accounts get a fixed weekly quota per feature family;
// PRO accounts (by tier, so grace-period PAST_DUE retains access) are
// unlimited.
type Meter struct {
	store    entitlement.Store
	quotas   Quotas
	window   time.Duration
	maxCount int64
	log      *slog.Logger
	now      func() time.Time
}

// NewMeter creates a meter over the given store and quota source.
func NewMeter(ctx context.Context, store entitlement.Store, src Source, cfg Config, log *slog.Logger) (*Meter, error) {
	if store == nil {
		panic("usage: entitlement store is required")
	}
	if src == nil {
		src = NewSource(cfg)
	}
	if log == nil {
		log = slog.Default()
	}

	quotas, err := src.Load(ctx)
	if err != nil {
		return nil, errors.Join(ErrFailedToLoadQuotas, err)
	}

	window := cfg.Window
	if window <= 0 {
		window = 7 * 24 * time.Hour
	}
	maxCount := cfg.MaxCountPerRecord
	if maxCount <= 0 {
		maxCount = 100
	}

	return &Meter{
		store:    store,
		quotas:   quotas,
		window:   window,
		maxCount: maxCount,
		log:      log,
		now:      time.Now,
	}, nil
}

// WithClock overrides the meter's time source. Intended for tests.
func (m *Meter) WithClock(now func() time.Time) *Meter {
	m.now = now
	return m
}

// Check reports whether the account can consume one unit of the feature.
// The weekly window is reset lazily: if it has elapsed, counters are zeroed
// and persisted before quota evaluation, so idle accounts need no cron to
// regain quota. The passed account is updated in place on reset.
func (m *Meter) Check(ctx context.Context, account *entitlement.Account, feature entitlement.UsageType) (CheckResult, error) {
	now := m.now().UTC()

	if err := m.maybeResetWindow(ctx, account, now); err != nil {
		return CheckResult{}, err
	}

	if account.Tier == entitlement.TierPro {
		return CheckResult{CanUse: true, Remaining: Unlimited, Limit: Unlimited}, nil
	}

	limit, ok := m.quotas[feature]
	if !ok {
		return CheckResult{Reason: ReasonUnknownFeature}, ErrUnknownFeature
	}

	if limit == Unlimited {
		return CheckResult{CanUse: true, Remaining: Unlimited, Limit: Unlimited}, nil
	}

	// Zero limit means the feature family is PRO-only regardless of quota.
	if limit == 0 {
		return CheckResult{CanUse: false, Remaining: 0, Limit: 0, Reason: ReasonFeatureUnavailable}, nil
	}

	remaining := limit - account.WeeklyUsageCount
	if remaining <= 0 {
		return CheckResult{CanUse: false, Remaining: 0, Limit: limit, Reason: ReasonQuotaExhausted}, nil
	}

	return CheckResult{CanUse: true, Remaining: remaining, Limit: limit}, nil
}

// Record appends a usage record and bumps the denormalized weekly and
// lifetime counters in the same transaction. Count is clamped to
// [0, maxCount] so malformed input degrades instead of failing the request.
func (m *Meter) Record(ctx context.Context, accountID uuid.UUID, feature entitlement.UsageType, count int64, correlationID string) error {
	if count < 0 {
		count = 0
	}
	if count > m.maxCount {
		count = m.maxCount
	}

	now := m.now().UTC()

	return m.store.WithinTx(ctx, func(ctx context.Context, tx entitlement.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}

		if now.Sub(account.WeeklyUsageResetAt) >= m.window {
			account.WeeklyUsageCount = 0
			account.WeeklyUsageResetAt = now
		}

		account.WeeklyUsageCount += count
		account.LifetimeUsageCount += count
		account.UpdatedAt = now

		if err := tx.UpdateAccount(ctx, account); err != nil {
			return err
		}

		return tx.InsertUsageRecord(ctx, &entitlement.UsageRecord{
			ID:            uuid.New(),
			AccountID:     accountID,
			UsageType:     feature,
			Count:         count,
			OccurredAt:    now,
			CorrelationID: correlationID,
		})
	})
}

// ResetWindow proactively zeroes the weekly counters for an idle account.
// The periodic usage-reset job calls this; request-path resets happen
// lazily inside Check.
func (m *Meter) ResetWindow(ctx context.Context, accountID uuid.UUID) error {
	now := m.now().UTC()
	return m.store.WithinTx(ctx, func(ctx context.Context, tx entitlement.Store) error {
		account, err := tx.GetAccount(ctx, accountID)
		if err != nil {
			return err
		}
		if now.Sub(account.WeeklyUsageResetAt) < m.window {
			return nil
		}
		account.WeeklyUsageCount = 0
		account.WeeklyUsageResetAt = now
		account.UpdatedAt = now
		return tx.UpdateAccount(ctx, account)
	})
}

// Window returns the configured usage window length.
func (m *Meter) Window() time.Duration {
	return m.window
}

// Quota returns the FREE-tier weekly limit for a feature.
func (m *Meter) Quota(feature entitlement.UsageType) (int64, bool) {
	limit, ok := m.quotas[feature]
	return limit, ok
}

func (m *Meter) maybeResetWindow(ctx context.Context, account *entitlement.Account, now time.Time) error {
	if now.Sub(account.WeeklyUsageResetAt) < m.window {
		return nil
	}

	account.WeeklyUsageCount = 0
	account.WeeklyUsageResetAt = now
	account.UpdatedAt = now

	if err := m.store.UpdateAccount(ctx, account); err != nil {
		return err
	}

	m.log.DebugContext(ctx, "weekly usage window reset",
		slog.String("account_id", account.ID.String()))
	return nil
}
