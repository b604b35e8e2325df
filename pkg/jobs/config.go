package jobs

import "time"

// Config holds schedules and policy windows for the lifecycle jobs.
type Config struct {
	StatusSyncInterval      time.Duration `env:"JOBS_STATUS_SYNC_INTERVAL" envDefault:"1h"`
	UsageResetInterval      time.Duration `env:"JOBS_USAGE_RESET_INTERVAL" envDefault:"1h"`
	GraceSweepInterval      time.Duration `env:"JOBS_GRACE_SWEEP_INTERVAL" envDefault:"6h"`
	ExpiryInterval          time.Duration `env:"JOBS_EXPIRY_INTERVAL" envDefault:"1h"`
	RenewalReminderInterval time.Duration `env:"JOBS_RENEWAL_REMINDER_INTERVAL" envDefault:"12h"`
	RetentionInterval       time.Duration `env:"JOBS_RETENTION_INTERVAL" envDefault:"24h"`
	EventRetryInterval      time.Duration `env:"JOBS_EVENT_RETRY_INTERVAL" envDefault:"5m"`

	// GracePeriod is how long a PAST_DUE account keeps PRO access after its
	// period end before the sweep downgrades it.
	GracePeriod time.Duration `env:"JOBS_GRACE_PERIOD" envDefault:"72h"`

	// UsageRetention bounds how long consumption rows are kept.
	UsageRetention time.Duration `env:"JOBS_USAGE_RETENTION" envDefault:"2160h"` // 90 days
	// EventRetention bounds completed webhook event rows.
	EventRetention time.Duration `env:"JOBS_EVENT_RETENTION" envDefault:"720h"` // 30 days
	// FailedEventRetention bounds failed-payment audit rows, kept longer.
	FailedEventRetention time.Duration `env:"JOBS_FAILED_EVENT_RETENTION" envDefault:"4320h"` // 180 days
}
