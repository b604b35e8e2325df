package jobs_test

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/jobs"
	"github.com/talentkit/entitlement/pkg/notify"
	"github.com/talentkit/entitlement/pkg/usage"
)

var (
	testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clock   = func() time.Time { return testNow }
	testLog = slog.New(slog.DiscardHandler)
)

type accountSpec struct {
	tier              entitlement.Tier
	status            entitlement.Status
	periodEnd         *time.Time
	cancelAtPeriodEnd bool
	weeklyUsage       int64
	usageResetAt      time.Time
}

func seed(t *testing.T, store entitlement.Store, spec accountSpec) *entitlement.Account {
	t.Helper()
	resetAt := spec.usageResetAt
	if resetAt.IsZero() {
		resetAt = testNow
	}
	account := &entitlement.Account{
		ID:                 uuid.New(),
		Email:              "user@example.com",
		Tier:               spec.tier,
		Status:             spec.status,
		PeriodEnd:          spec.periodEnd,
		CancelAtPeriodEnd:  spec.cancelAtPeriodEnd,
		WeeklyUsageCount:   spec.weeklyUsage,
		WeeklyUsageResetAt: resetAt,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	return account
}

func seedSub(t *testing.T, store entitlement.Store, accountID uuid.UUID, status entitlement.Status) {
	t.Helper()
	require.NoError(t, store.CreateSubscription(context.Background(), &entitlement.Subscription{
		ID:                     uuid.New(),
		AccountID:              accountID,
		ExternalSubscriptionID: "sub_" + accountID.String()[:8],
		Tier:                   entitlement.TierPro,
		Status:                 status,
		CreatedAt:              testNow,
		UpdatedAt:              testNow,
	}))
}

func hoursAgo(h int) *time.Time {
	t := testNow.Add(-time.Duration(h) * time.Hour)
	return &t
}

func daysAhead(d int) *time.Time {
	t := testNow.Add(time.Duration(d) * 24 * time.Hour)
	return &t
}

func TestGraceSweepJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newJob := func(store entitlement.Store, notifier notify.Notifier) *jobs.GraceSweepJob {
		return &jobs.GraceSweepJob{
			Store:       store,
			Notifier:    notifier,
			GracePeriod: 72 * time.Hour,
			Log:         testLog,
			Now:         clock,
		}
	}

	t.Run("early grace sends a payment reminder once", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		account := seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusPastDue, periodEnd: hoursAgo(12),
		})

		job := newJob(store, notifier)
		require.NoError(t, job.Run(ctx))
		require.NoError(t, job.Run(ctx))

		assert.Len(t, notifier.ByKind(notify.KindPaymentFailed), 1, "reminder fires once per period")

		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierPro, got.Tier, "grace period keeps the paid tier")
	})

	t.Run("last day sends the final warning", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusPastDue, periodEnd: hoursAgo(60),
		})

		job := newJob(store, notifier)
		require.NoError(t, job.Run(ctx))
		require.NoError(t, job.Run(ctx))

		warnings := notifier.ByKind(notify.KindFinalWarning)
		require.Len(t, warnings, 1)
		assert.Equal(t, "12", warnings[0].Data["hours_remaining"])
	})

	t.Run("exhausted grace cancels the subscription and downgrades", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		account := seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusPastDue, periodEnd: hoursAgo(80),
		})
		seedSub(t, store, account.ID, entitlement.StatusPastDue)

		require.NoError(t, newJob(store, notifier).Run(ctx))

		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierFree, got.Tier)
		assert.Equal(t, entitlement.StatusUnpaid, got.Status)
		assert.Len(t, notifier.ByKind(notify.KindDowngradeNotice), 1)

		sub, err := store.GetSubscriptionByExternalID(ctx, "sub_"+account.ID.String()[:8])
		require.NoError(t, err)
		assert.Equal(t, entitlement.StatusCanceled, sub.Status)
		assert.NotNil(t, sub.CanceledAt)

		// The canceled row no longer counts as live, so the customer can
		// subscribe again.
		_, err = store.GetActiveSubscription(ctx, account.ID)
		assert.ErrorIs(t, err, entitlement.ErrSubscriptionNotFound)
		assert.NoError(t, store.CreateSubscription(ctx, &entitlement.Subscription{
			ID:                     uuid.New(),
			AccountID:              account.ID,
			ExternalSubscriptionID: "sub_resubscribed",
			Tier:                   entitlement.TierPro,
			Status:                 entitlement.StatusActive,
			CreatedAt:              testNow,
			UpdatedAt:              testNow,
		}))
	})

	t.Run("accounts without period end are skipped", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusPastDue,
		})

		require.NoError(t, newJob(store, notifier).Run(ctx))
		assert.Empty(t, notifier.Messages())
	})
}

func TestExpiryDowngradeJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("expired cancel-at-period-end accounts downgrade", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		account := seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusActive,
			periodEnd: hoursAgo(2), cancelAtPeriodEnd: true,
		})
		seedSub(t, store, account.ID, entitlement.StatusActive)

		job := &jobs.ExpiryDowngradeJob{Store: store, Notifier: notifier, Log: testLog, Now: clock}
		require.NoError(t, job.Run(ctx))

		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierFree, got.Tier)
		assert.Equal(t, entitlement.StatusCanceled, got.Status)
		assert.Len(t, notifier.ByKind(notify.KindDowngradeNotice), 1)
	})

	t.Run("active accounts within their period are untouched", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		account := seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusActive, periodEnd: daysAhead(10),
		})

		job := &jobs.ExpiryDowngradeJob{Store: store, Log: testLog, Now: clock}
		require.NoError(t, job.Run(ctx))

		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierPro, got.Tier)
	})

	t.Run("expired but renewing accounts are left to the processor", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		account := seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusActive, periodEnd: hoursAgo(1),
		})

		job := &jobs.ExpiryDowngradeJob{Store: store, Log: testLog, Now: clock}
		require.NoError(t, job.Run(ctx))

		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierPro, got.Tier, "renewal webhook may still arrive")
	})
}

func TestRenewalReminderJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	newJob := func(store entitlement.Store, notifier notify.Notifier) *jobs.RenewalReminderJob {
		return &jobs.RenewalReminderJob{Store: store, Notifier: notifier, Log: testLog, Now: clock}
	}

	t.Run("sends the tightest unsent threshold once", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusActive, periodEnd: daysAhead(2),
		})

		job := newJob(store, notifier)
		require.NoError(t, job.Run(ctx))
		require.NoError(t, job.Run(ctx))

		reminders := notifier.ByKind(notify.KindRenewalReminder)
		require.Len(t, reminders, 1)
		assert.Equal(t, "3", reminders[0].Data["days_remaining"])
	})

	t.Run("fires again as the renewal draws closer", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		periodEnd := testNow.Add(6 * 24 * time.Hour)
		account := seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusActive, periodEnd: &periodEnd,
		})

		job := newJob(store, notifier)
		require.NoError(t, job.Run(ctx))
		require.Len(t, notifier.ByKind(notify.KindRenewalReminder), 1)

		// Same period, closer to the end: the 1-day threshold is still unsent.
		job.Now = func() time.Time { return periodEnd.Add(-12 * time.Hour) }
		require.NoError(t, job.Run(ctx))

		reminders := notifier.ByKind(notify.KindRenewalReminder)
		require.Len(t, reminders, 2)
		assert.Equal(t, "1", reminders[1].Data["days_remaining"])

		_ = account
	})

	t.Run("cancel-at-period-end accounts get no renewal reminder", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		notifier := notify.NewMemoryNotifier()
		seed(t, store, accountSpec{
			tier: entitlement.TierPro, status: entitlement.StatusActive,
			periodEnd: daysAhead(2), cancelAtPeriodEnd: true,
		})

		require.NoError(t, newJob(store, notifier).Run(ctx))
		assert.Empty(t, notifier.Messages())
	})
}

func TestUsageResetJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := entitlement.NewMemoryStore()
	meter, err := usage.NewMeter(ctx, store, nil, usage.Config{
		ProcessingWeeklyLimit: 5,
		Window:                7 * 24 * time.Hour,
		MaxCountPerRecord:     100,
	}, testLog)
	require.NoError(t, err)
	meter.WithClock(clock)

	stale := seed(t, store, accountSpec{
		tier: entitlement.TierFree, status: entitlement.StatusCanceled,
		weeklyUsage: 5, usageResetAt: testNow.Add(-8 * 24 * time.Hour),
	})
	fresh := seed(t, store, accountSpec{
		tier: entitlement.TierFree, status: entitlement.StatusCanceled,
		weeklyUsage: 3, usageResetAt: testNow.Add(-time.Hour),
	})

	job := &jobs.UsageResetJob{Store: store, Meter: meter, Log: testLog, Now: clock}
	require.NoError(t, job.Run(ctx))

	gotStale, err := store.GetAccount(ctx, stale.ID)
	require.NoError(t, err)
	assert.Zero(t, gotStale.WeeklyUsageCount)

	gotFresh, err := store.GetAccount(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), gotFresh.WeeklyUsageCount)
}

func TestRetentionCleanupJob(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := entitlement.NewMemoryStore()

	require.NoError(t, store.InsertUsageRecord(ctx, &entitlement.UsageRecord{
		ID: uuid.New(), AccountID: uuid.New(),
		UsageType: entitlement.UsageProcessing, Count: 1,
		OccurredAt: testNow.Add(-100 * 24 * time.Hour),
	}))
	require.NoError(t, store.InsertUsageRecord(ctx, &entitlement.UsageRecord{
		ID: uuid.New(), AccountID: uuid.New(),
		UsageType: entitlement.UsageProcessing, Count: 1,
		OccurredAt: testNow.Add(-24 * time.Hour),
	}))
	require.NoError(t, store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
		ID: uuid.New(), ExternalEventID: "evt_old",
		Status: entitlement.EventSucceeded, ReceivedAt: testNow.Add(-40 * 24 * time.Hour),
	}))
	require.NoError(t, store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
		ID: uuid.New(), ExternalEventID: "evt_dead",
		Status: entitlement.EventFailedTerminal, ReceivedAt: testNow.Add(-40 * 24 * time.Hour),
	}))

	job := &jobs.RetentionCleanupJob{
		Store:                store,
		UsageRetention:       90 * 24 * time.Hour,
		EventRetention:       30 * 24 * time.Hour,
		FailedEventRetention: 180 * 24 * time.Hour,
		Log:                  testLog,
		Now:                  clock,
	}
	require.NoError(t, job.Run(ctx))

	_, err := store.GetWebhookEvent(ctx, "evt_old")
	assert.ErrorIs(t, err, entitlement.ErrWebhookEventNotFound)

	_, err = store.GetWebhookEvent(ctx, "evt_dead")
	assert.NoError(t, err, "failed events use the longer retention window")
}
