package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"

	"github.com/talentkit/entitlement/pkg/billing"
	"github.com/talentkit/entitlement/pkg/breaker"
	"github.com/talentkit/entitlement/pkg/config"
	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/gate"
	"github.com/talentkit/entitlement/pkg/httpserver"
	"github.com/talentkit/entitlement/pkg/ingest"
	"github.com/talentkit/entitlement/pkg/jobs"
	"github.com/talentkit/entitlement/pkg/logger"
	"github.com/talentkit/entitlement/pkg/notify"
	"github.com/talentkit/entitlement/pkg/pg"
	"github.com/talentkit/entitlement/pkg/reconcile"
	"github.com/talentkit/entitlement/pkg/redis"
	"github.com/talentkit/entitlement/pkg/retry"
	"github.com/talentkit/entitlement/pkg/subscription"
	"github.com/talentkit/entitlement/pkg/usage"
)

// Engine composes the entitlement and billing-resilience services behind one
// HTTP surface and one job runner.
type Engine struct {
	Config    Config
	Log       *slog.Logger
	Store     entitlement.Store
	Processor billing.Processor
	Registry  *breaker.Registry
	Breakers  *breaker.Executor
	Meter     *usage.Meter
	Subs      subscription.Service
	Notifier  notify.Notifier
	Recon     *reconcile.Reconciler
	Ingestor  *ingest.Ingestor
	Gate      *gate.Gate
	Runner    *jobs.Runner
	Router    chi.Router

	pool        *pgxpool.Pool
	redisClient *goredis.Client
	server      *httpserver.Server
}

// New loads configuration from the environment and wires the engine.
func New(ctx context.Context) (*Engine, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return nil, err
	}

	log := newLogger(cfg)
	logger.SetAsDefault(log)

	e := &Engine{Config: cfg, Log: log}

	if err := e.wireStore(ctx, cfg); err != nil {
		return nil, err
	}
	if err := e.wireProcessor(cfg); err != nil {
		return nil, err
	}
	if err := e.wireNotifier(cfg, log); err != nil {
		return nil, err
	}

	e.Registry = breaker.NewRegistry(cfg.Breakers)
	retrier := retry.NewExecutor(cfg.Retry, log)
	e.Breakers = breaker.NewExecutor(e.Registry, retrier, log)

	meter, err := usage.NewMeter(ctx, e.Store, nil, cfg.Usage, log)
	if err != nil {
		return nil, err
	}
	e.Meter = meter

	e.Subs = subscription.NewService(e.Store, e.Processor, e.Breakers, log)

	var deduper ingest.Deduper
	if e.redisClient != nil {
		deduper = redis.NewDedupCache(e.redisClient)
	}
	e.Ingestor = ingest.New(e.Store, e.Processor, e.Subs, retrier, deduper, cfg.Ingest, log)

	g, err := gate.New(defaultRules(), meter, gate.HeaderResolver{Store: e.Store}, cfg.Gate, log)
	if err != nil {
		return nil, err
	}
	e.Gate = g

	if err := e.wireJobs(cfg, log); err != nil {
		return nil, err
	}

	e.Router = e.routes()
	return e, nil
}

func newLogger(cfg Config) *slog.Logger {
	if cfg.Environment == "production" {
		return logger.New(logger.WithProduction("entitlement-engine"))
	}
	return logger.New(logger.WithDevelopment("entitlement-engine"))
}

func (e *Engine) wireStore(ctx context.Context, cfg Config) error {
	switch cfg.StorageDriver {
	case StorageMemory:
		e.Store = entitlement.NewMemoryStore()
	case StoragePostgres:
		var pgCfg pg.Config
		if err := config.Load(&pgCfg); err != nil {
			return err
		}
		pool, err := pg.Connect(ctx, pgCfg)
		if err != nil {
			return err
		}
		if err := pg.Migrate(ctx, pool, pgCfg, e.Log); err != nil {
			pool.Close()
			return err
		}
		e.pool = pool
		e.Store = pg.NewStore(pool)
	default:
		return fmt.Errorf("unknown storage driver %q", cfg.StorageDriver)
	}

	if cfg.RedisDedup {
		var redisCfg redis.Config
		if err := config.Load(&redisCfg); err != nil {
			return err
		}
		client, err := redis.Connect(ctx, redisCfg)
		if err != nil {
			return err
		}
		e.redisClient = client
	}
	return nil
}

func (e *Engine) wireProcessor(cfg Config) error {
	switch cfg.BillingDriver {
	case BillingMemory:
		e.Processor = billing.NewMemoryProcessor(cfg.MemoryWebhookSecret)
		return nil
	case BillingPaddle:
		var paddleCfg billing.PaddleConfig
		if err := config.Load(&paddleCfg); err != nil {
			return err
		}
		processor, err := billing.NewPaddleProcessor(paddleCfg)
		if err != nil {
			return err
		}
		e.Processor = processor
		return nil
	default:
		return fmt.Errorf("unknown billing driver %q", cfg.BillingDriver)
	}
}

func (e *Engine) wireNotifier(cfg Config, log *slog.Logger) error {
	var inner notify.Notifier
	switch cfg.NotifierDriver {
	case NotifierDev:
		inner = notify.NewDevNotifier(log)
	case NotifierPostmark:
		var notifyCfg notify.Config
		if err := config.Load(&notifyCfg); err != nil {
			return err
		}
		notifier, err := notify.NewPostmarkNotifier(notifyCfg)
		if err != nil {
			return err
		}
		inner = notifier
	default:
		return fmt.Errorf("unknown notifier driver %q", cfg.NotifierDriver)
	}
	// Wrapping happens after the breaker executor exists.
	e.Notifier = inner
	return nil
}

func (e *Engine) wireJobs(cfg Config, log *slog.Logger) error {
	// Notifications from here on go through the notifications breaker.
	e.Notifier = notify.NewResilient(e.Notifier, e.Breakers, log)
	e.Recon = reconcile.New(e.Store, e.Processor, e.Subs, e.Breakers, e.Notifier, log)

	runner := jobs.NewRunner(log)
	jc := cfg.Jobs

	register := func(job jobs.Job, interval time.Duration) error {
		return runner.Register(job, interval)
	}
	if err := errors.Join(
		register(&jobs.StatusSyncJob{Reconciler: e.Recon, Log: log}, jc.StatusSyncInterval),
		register(&jobs.UsageResetJob{Store: e.Store, Meter: e.Meter, Log: log}, jc.UsageResetInterval),
		register(&jobs.GraceSweepJob{Store: e.Store, Notifier: e.Notifier, GracePeriod: jc.GracePeriod, Log: log}, jc.GraceSweepInterval),
		register(&jobs.ExpiryDowngradeJob{Store: e.Store, Notifier: e.Notifier, Log: log}, jc.ExpiryInterval),
		register(&jobs.RenewalReminderJob{Store: e.Store, Notifier: e.Notifier, Log: log}, jc.RenewalReminderInterval),
		register(&jobs.RetentionCleanupJob{
			Store:                e.Store,
			UsageRetention:       jc.UsageRetention,
			EventRetention:       jc.EventRetention,
			FailedEventRetention: jc.FailedEventRetention,
			Log:                  log,
		}, jc.RetentionInterval),
		register(&jobs.EventRetryJob{Ingestor: e.Ingestor, Log: log}, jc.EventRetryInterval),
	); err != nil {
		return err
	}

	e.Runner = runner
	return nil
}

// Start launches the job runner and the HTTP server. Blocks until the server
// stops or the context is canceled.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.Runner.Start(ctx); err != nil {
		return err
	}

	e.server = httpserver.NewFromConfig(e.Config.HTTP,
		httpserver.WithLogger(e.Log),
		httpserver.WithStartHook(func(log *slog.Logger) {
			log.Info("engine started", slog.String("addr", e.Config.HTTP.Addr))
		}),
	)
	return e.server.Run(ctx, e.Router)
}

// Close stops jobs and releases connections.
func (e *Engine) Close() {
	if e.Runner != nil {
		e.Runner.Stop()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	if e.redisClient != nil {
		_ = e.redisClient.Close()
	}
}

// defaultRules is the ordered route policy. First match wins.
func defaultRules() []gate.Rule {
	return []gate.Rule{
		{Pattern: "/health", Class: gate.ClassBypassed},
		{Pattern: "/webhooks/**", Class: gate.ClassBypassed},
		{Pattern: "/api/admin/**", Class: gate.ClassAdminOnly},
		{Pattern: "/api/pro/**", Class: gate.ClassProOnly},
		{Method: http.MethodPost, Pattern: "/api/process", Class: gate.ClassUsageMetered,
			Feature: entitlement.UsageProcessing, DenyHeavyMode: true},
		{Method: http.MethodPost, Pattern: "/api/bulk/**", Class: gate.ClassUsageMetered,
			Feature: entitlement.UsageBulk},
		{Method: http.MethodPost, Pattern: "/api/cover-letter", Class: gate.ClassUsageMetered,
			Feature: entitlement.UsageCoverLetter},
	}
}
