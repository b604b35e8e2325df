package engine

import (
	"github.com/talentkit/entitlement/pkg/breaker"
	"github.com/talentkit/entitlement/pkg/gate"
	"github.com/talentkit/entitlement/pkg/httpserver"
	"github.com/talentkit/entitlement/pkg/ingest"
	"github.com/talentkit/entitlement/pkg/jobs"
	"github.com/talentkit/entitlement/pkg/retry"
	"github.com/talentkit/entitlement/pkg/usage"
)

// Driver names select pluggable collaborators at startup.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"

	BillingPaddle = "paddle"
	BillingMemory = "memory"

	NotifierPostmark = "postmark"
	NotifierDev      = "dev"
)

// Config is the engine's root configuration. Driver selection decides which
// collaborator configs are loaded on top of it.
type Config struct {
	Environment string `env:"APP_ENV" envDefault:"development"`

	StorageDriver  string `env:"STORAGE_DRIVER" envDefault:"postgres"`
	BillingDriver  string `env:"BILLING_DRIVER" envDefault:"paddle"`
	NotifierDriver string `env:"NOTIFIER_DRIVER" envDefault:"dev"`
	// RedisDedup enables the Redis fast-path dedup cache for webhooks.
	RedisDedup bool `env:"REDIS_DEDUP_ENABLED" envDefault:"false"`

	// MemoryWebhookSecret signs webhooks for the memory billing driver.
	MemoryWebhookSecret string `env:"MEMORY_WEBHOOK_SECRET" envDefault:"dev-secret"`

	HTTP     httpserver.Config
	Breakers breaker.RegistryConfig
	Retry    retry.Config
	Usage    usage.Config
	Ingest   ingest.Config
	Jobs     jobs.Config
	Gate     gate.Config
}
