package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/ingest"
	"github.com/talentkit/entitlement/pkg/notify"
	"github.com/talentkit/entitlement/pkg/reconcile"
	"github.com/talentkit/entitlement/pkg/usage"
)

// StatusSyncJob pulls authoritative status for every live subscription and
// reconciles local state against it.
type StatusSyncJob struct {
	Reconciler *reconcile.Reconciler
	Log        *slog.Logger
}

func (j *StatusSyncJob) Name() string { return "status_sync" }

func (j *StatusSyncJob) Run(ctx context.Context) error {
	applied, skipped, failed, err := j.Reconciler.ReconcileAll(ctx)
	if err != nil {
		return err
	}
	j.Log.InfoContext(ctx, "status sync completed",
		slog.Int("applied", applied),
		slog.Int("skipped", skipped),
		slog.Int("failed", failed))
	if failed > 0 {
		return fmt.Errorf("status sync: %d accounts failed", failed)
	}
	return nil
}

// UsageResetJob proactively resets weekly counters for idle accounts whose
// window elapsed. Active accounts reset lazily on their next quota check;
// this keeps dormant ones from showing stale counts.
type UsageResetJob struct {
	Store entitlement.Store
	Meter *usage.Meter
	Log   *slog.Logger
	Now   func() time.Time
}

func (j *UsageResetJob) Name() string { return "usage_reset" }

func (j *UsageResetJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	accounts, err := j.Store.ListAccountsWithStaleUsageWindow(ctx, now.Add(-j.Meter.Window()))
	if err != nil {
		return err
	}

	var reset int
	for _, account := range accounts {
		if err := j.Meter.ResetWindow(ctx, account.ID); err != nil {
			j.Log.ErrorContext(ctx, "usage reset failed",
				slog.String("account_id", account.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		reset++
	}
	j.Log.InfoContext(ctx, "usage reset completed", slog.Int("reset", reset))
	return nil
}

func (j *UsageResetJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// Grace-sweep reminder kinds, keyed with the period end so each fires once
// per billing period.
const (
	reminderGraceNotice  = "grace_notice"
	reminderGraceFinal   = "grace_final_warning"
	reminderRenewalDays7 = "renewal_7d"
	reminderRenewalDays3 = "renewal_3d"
	reminderRenewalDays1 = "renewal_1d"
)

// GraceSweepJob escalates PAST_DUE accounts: a payment reminder first, a
// final warning a day before the grace period runs out, then downgrade.
type GraceSweepJob struct {
	Store       entitlement.Store
	Notifier    notify.Notifier
	GracePeriod time.Duration
	Log         *slog.Logger
	Now         func() time.Time
}

func (j *GraceSweepJob) Name() string { return "grace_sweep" }

func (j *GraceSweepJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	accounts, err := j.Store.ListAccountsByStatus(ctx, entitlement.StatusPastDue)
	if err != nil {
		return err
	}

	grace := j.GracePeriod
	if grace <= 0 {
		grace = 72 * time.Hour
	}
	finalWarningAt := grace - 24*time.Hour

	for _, account := range accounts {
		elapsed := account.PastDueFor(now)
		if elapsed <= 0 {
			continue
		}

		switch {
		case elapsed >= grace:
			if err := downgradeAccount(ctx, j.Store, account.ID, entitlement.StatusUnpaid, now); err != nil {
				j.Log.ErrorContext(ctx, "grace downgrade failed",
					slog.String("account_id", account.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
			j.send(ctx, account, notify.KindDowngradeNotice, nil)
		case elapsed >= finalWarningAt:
			j.sendOnce(ctx, account, reminderGraceFinal, notify.KindFinalWarning, map[string]string{
				"hours_remaining": fmt.Sprintf("%.0f", (grace - elapsed).Hours()),
			})
		default:
			j.sendOnce(ctx, account, reminderGraceNotice, notify.KindPaymentFailed, nil)
		}
	}
	return nil
}

func (j *GraceSweepJob) send(ctx context.Context, account *entitlement.Account, kind notify.Kind, data map[string]string) {
	if j.Notifier == nil {
		return
	}
	if err := j.Notifier.Send(ctx, notify.Message{Kind: kind, Recipient: account.Email, Data: data}); err != nil {
		j.Log.WarnContext(ctx, "notification failed",
			slog.String("kind", string(kind)),
			slog.String("account_id", account.ID.String()),
			slog.String("error", err.Error()))
	}
}

func (j *GraceSweepJob) sendOnce(ctx context.Context, account *entitlement.Account, reminderKind string, kind notify.Kind, data map[string]string) {
	if account.PeriodEnd == nil {
		return
	}
	sent, err := j.Store.ReminderSent(ctx, account.ID, reminderKind, *account.PeriodEnd)
	if err != nil {
		j.Log.ErrorContext(ctx, "reminder lookup failed",
			slog.String("account_id", account.ID.String()),
			slog.String("error", err.Error()))
		return
	}
	if sent {
		return
	}
	j.send(ctx, account, kind, data)
	if err := j.Store.MarkReminderSent(ctx, account.ID, reminderKind, *account.PeriodEnd); err != nil {
		j.Log.ErrorContext(ctx, "reminder mark failed",
			slog.String("account_id", account.ID.String()),
			slog.String("error", err.Error()))
	}
}

func (j *GraceSweepJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// ExpiryDowngradeJob downgrades PRO accounts whose paid period has ended and
// which are flagged cancel-at-period-end or already non-paying remotely.
type ExpiryDowngradeJob struct {
	Store    entitlement.Store
	Notifier notify.Notifier
	Log      *slog.Logger
	Now      func() time.Time
}

func (j *ExpiryDowngradeJob) Name() string { return "expiry_downgrade" }

func (j *ExpiryDowngradeJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	accounts, err := j.Store.ListExpiredProAccounts(ctx, now)
	if err != nil {
		return err
	}

	var downgraded int
	for _, account := range accounts {
		if err := downgradeAccount(ctx, j.Store, account.ID, entitlement.StatusCanceled, now); err != nil {
			j.Log.ErrorContext(ctx, "expiry downgrade failed",
				slog.String("account_id", account.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		downgraded++
		if j.Notifier != nil {
			if err := j.Notifier.Send(ctx, notify.Message{
				Kind:      notify.KindDowngradeNotice,
				Recipient: account.Email,
			}); err != nil {
				j.Log.WarnContext(ctx, "downgrade notice failed",
					slog.String("account_id", account.ID.String()),
					slog.String("error", err.Error()))
			}
		}
	}
	if downgraded > 0 {
		j.Log.InfoContext(ctx, "expiry downgrade completed", slog.Int("downgraded", downgraded))
	}
	return nil
}

func (j *ExpiryDowngradeJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// RenewalReminderJob notifies ACTIVE PRO accounts renewing in 7, 3, and 1
// days, exactly once per threshold per billing period.
type RenewalReminderJob struct {
	Store    entitlement.Store
	Notifier notify.Notifier
	Log      *slog.Logger
	Now      func() time.Time
}

func (j *RenewalReminderJob) Name() string { return "renewal_reminders" }

var renewalThresholds = []struct {
	days int
	kind string
}{
	{7, reminderRenewalDays7},
	{3, reminderRenewalDays3},
	{1, reminderRenewalDays1},
}

func (j *RenewalReminderJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	accounts, err := j.Store.ListAccountsRenewingBetween(ctx, now, now.Add(7*24*time.Hour))
	if err != nil {
		return err
	}

	for _, account := range accounts {
		if account.PeriodEnd == nil {
			continue
		}
		remaining := account.PeriodEnd.Sub(now)

		// The tightest matching threshold wins, so an account first seen two
		// days out gets the 3-day reminder, not the 7-day one.
		var days int
		var kind string
		for _, threshold := range renewalThresholds {
			if remaining <= time.Duration(threshold.days)*24*time.Hour {
				days = threshold.days
				kind = threshold.kind
			}
		}
		if kind == "" {
			continue
		}

		sent, err := j.Store.ReminderSent(ctx, account.ID, kind, *account.PeriodEnd)
		if err != nil {
			j.Log.ErrorContext(ctx, "reminder lookup failed",
				slog.String("account_id", account.ID.String()),
				slog.String("error", err.Error()))
			continue
		}
		if sent {
			continue
		}
		if j.Notifier != nil {
			if err := j.Notifier.Send(ctx, notify.Message{
				Kind:      notify.KindRenewalReminder,
				Recipient: account.Email,
				Data: map[string]string{
					"days_remaining": fmt.Sprintf("%d", days),
					"renews_at":      account.PeriodEnd.Format(time.RFC3339),
				},
			}); err != nil {
				j.Log.WarnContext(ctx, "renewal reminder failed",
					slog.String("account_id", account.ID.String()),
					slog.String("error", err.Error()))
				continue
			}
		}
		if err := j.Store.MarkReminderSent(ctx, account.ID, kind, *account.PeriodEnd); err != nil {
			j.Log.ErrorContext(ctx, "reminder mark failed",
				slog.String("account_id", account.ID.String()),
				slog.String("error", err.Error()))
		}
	}
	return nil
}

func (j *RenewalReminderJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// RetentionCleanupJob purges old usage rows and completed webhook events.
// Terminally failed events are audit rows and use the longer window.
type RetentionCleanupJob struct {
	Store                entitlement.Store
	UsageRetention       time.Duration
	EventRetention       time.Duration
	FailedEventRetention time.Duration
	Log                  *slog.Logger
	Now                  func() time.Time
}

func (j *RetentionCleanupJob) Name() string { return "retention_cleanup" }

func (j *RetentionCleanupJob) Run(ctx context.Context) error {
	now := j.now().UTC()

	usagePurged, err := j.Store.PurgeUsageRecordsBefore(ctx, now.Add(-j.UsageRetention))
	if err != nil {
		return err
	}
	eventsPurged, err := j.Store.PurgeWebhookEventsBefore(ctx,
		now.Add(-j.EventRetention), now.Add(-j.FailedEventRetention))
	if err != nil {
		return err
	}

	j.Log.InfoContext(ctx, "retention cleanup completed",
		slog.Int64("usage_purged", usagePurged),
		slog.Int64("events_purged", eventsPurged))
	return nil
}

func (j *RetentionCleanupJob) now() time.Time {
	if j.Now != nil {
		return j.Now()
	}
	return time.Now()
}

// EventRetryJob re-drives webhook events parked as failed_retryable.
type EventRetryJob struct {
	Ingestor *ingest.Ingestor
	Log      *slog.Logger
}

func (j *EventRetryJob) Name() string { return "event_retry" }

func (j *EventRetryJob) Run(ctx context.Context) error {
	processed, failed, err := j.Ingestor.ProcessPending(ctx)
	if err != nil {
		return err
	}
	if processed > 0 || failed > 0 {
		j.Log.InfoContext(ctx, "event retry sweep completed",
			slog.Int("processed", processed),
			slog.Int("failed", failed))
	}
	if failed > 0 {
		return errors.New("event retry sweep had failures")
	}
	return nil
}
