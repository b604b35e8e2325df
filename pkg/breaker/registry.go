package breaker

import "time"

// Dependency identifies an external collaborator guarded by a breaker.
// The set is fixed at compile time rather than keyed by arbitrary strings
// so a typo cannot silently create an unguarded breaker.
type Dependency int

const (
	DependencyBilling Dependency = iota
	DependencyDatastore
	DependencyNotifications

	dependencyCount
)

// String returns the dependency name for logging and metrics.
func (d Dependency) String() string {
	switch d {
	case DependencyBilling:
		return "billing"
	case DependencyDatastore:
		return "datastore"
	case DependencyNotifications:
		return "notifications"
	default:
		return "unknown"
	}
}

// RegistryConfig carries per-dependency thresholds and call deadlines from
// the environment.
type RegistryConfig struct {
	BillingFailureThreshold int           `env:"BREAKER_BILLING_FAILURE_THRESHOLD" envDefault:"3"`
	BillingSuccessThreshold int           `env:"BREAKER_BILLING_SUCCESS_THRESHOLD" envDefault:"3"`
	BillingCooldown         time.Duration `env:"BREAKER_BILLING_COOLDOWN" envDefault:"120s"`
	BillingCallTimeout      time.Duration `env:"BREAKER_BILLING_CALL_TIMEOUT" envDefault:"10s"`

	DatastoreFailureThreshold int           `env:"BREAKER_DATASTORE_FAILURE_THRESHOLD" envDefault:"2"`
	DatastoreSuccessThreshold int           `env:"BREAKER_DATASTORE_SUCCESS_THRESHOLD" envDefault:"2"`
	DatastoreCooldown         time.Duration `env:"BREAKER_DATASTORE_COOLDOWN" envDefault:"30s"`
	DatastoreCallTimeout      time.Duration `env:"BREAKER_DATASTORE_CALL_TIMEOUT" envDefault:"5s"`

	NotificationsFailureThreshold int           `env:"BREAKER_NOTIFICATIONS_FAILURE_THRESHOLD" envDefault:"5"`
	NotificationsSuccessThreshold int           `env:"BREAKER_NOTIFICATIONS_SUCCESS_THRESHOLD" envDefault:"2"`
	NotificationsCooldown         time.Duration `env:"BREAKER_NOTIFICATIONS_COOLDOWN" envDefault:"60s"`
	NotificationsCallTimeout      time.Duration `env:"BREAKER_NOTIFICATIONS_CALL_TIMEOUT" envDefault:"10s"`
}

// Registry holds one breaker per known dependency. Breakers are created at
// construction and never replaced, so lookups are lock-free.
type Registry struct {
	breakers [dependencyCount]*CircuitBreaker
	timeouts [dependencyCount]time.Duration
}

// NewRegistry creates breakers for every dependency from the given config.
func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{}
	r.breakers[DependencyBilling] = New(Config{
		FailureThreshold: cfg.BillingFailureThreshold,
		SuccessThreshold: cfg.BillingSuccessThreshold,
		Cooldown:         cfg.BillingCooldown,
	})
	r.breakers[DependencyDatastore] = New(Config{
		FailureThreshold: cfg.DatastoreFailureThreshold,
		SuccessThreshold: cfg.DatastoreSuccessThreshold,
		Cooldown:         cfg.DatastoreCooldown,
	})
	r.breakers[DependencyNotifications] = New(Config{
		FailureThreshold: cfg.NotificationsFailureThreshold,
		SuccessThreshold: cfg.NotificationsSuccessThreshold,
		Cooldown:         cfg.NotificationsCooldown,
	})
	r.timeouts[DependencyBilling] = cfg.BillingCallTimeout
	r.timeouts[DependencyDatastore] = cfg.DatastoreCallTimeout
	r.timeouts[DependencyNotifications] = cfg.NotificationsCallTimeout
	return r
}

// CallTimeout returns the per-call deadline for the dependency. Zero means
// the caller's context alone bounds the call.
func (r *Registry) CallTimeout(dep Dependency) time.Duration {
	if dep < 0 || dep >= dependencyCount {
		return 0
	}
	return r.timeouts[dep]
}

// Get returns the breaker for the given dependency.
func (r *Registry) Get(dep Dependency) *CircuitBreaker {
	if dep < 0 || dep >= dependencyCount {
		return nil
	}
	return r.breakers[dep]
}

// IsAvailable reports whether calls to the dependency may proceed.
// An open circuit past its cooldown transitions to half-open here.
func (r *Registry) IsAvailable(dep Dependency) bool {
	cb := r.Get(dep)
	if cb == nil {
		return false
	}
	return cb.Allow()
}

// Stats returns the breaker statistics keyed by dependency name.
func (r *Registry) Stats() map[string]Stats {
	out := make(map[string]Stats, dependencyCount)
	for dep := Dependency(0); dep < dependencyCount; dep++ {
		out[dep.String()] = r.breakers[dep].Stats()
	}
	return out
}
