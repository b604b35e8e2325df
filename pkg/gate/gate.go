package gate

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/usage"
)

// Request is the descriptor the gate evaluates.
type Request struct {
	Method    string
	Path      string
	HeavyMode bool
	Identity  *Identity
}

// Decision is the gate's verdict for one request.
type Decision struct {
	Allow  bool
	Status int
	Reason string
	// Meter asks the caller to record one unit of Feature after the
	// downstream handler succeeds.
	Meter     bool
	Feature   entitlement.UsageType
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

func allow() Decision {
	return Decision{Allow: true, Status: http.StatusOK}
}

// Config holds gate settings surfaced in denial responses.
type Config struct {
	UpgradeURL string `env:"GATE_UPGRADE_URL" envDefault:"/billing/upgrade"`
}

// Gate evaluates policy for each request from the compiled rule set, the
// caller's entitlement, and remaining quota. Internal evaluation errors fail
// open: traffic passes and the error goes to the log, never to the caller.
type Gate struct {
	rules    []compiledRule
	meter    *usage.Meter
	resolver IdentityResolver
	config   Config
	log      *slog.Logger
	now      func() time.Time
}

// New compiles the rule set and creates the gate.
func New(rules []Rule, meter *usage.Meter, resolver IdentityResolver, cfg Config, log *slog.Logger) (*Gate, error) {
	if meter == nil {
		panic("gate: usage meter is required")
	}
	if resolver == nil {
		resolver = ContextResolver{}
	}
	if log == nil {
		log = slog.Default()
	}
	compiled, err := Compile(rules)
	if err != nil {
		return nil, err
	}
	return &Gate{
		rules:    compiled,
		meter:    meter,
		resolver: resolver,
		config:   cfg,
		log:      log,
		now:      time.Now,
	}, nil
}

// WithClock overrides the gate time source. Intended for tests.
func (g *Gate) WithClock(now func() time.Time) *Gate {
	g.now = now
	return g
}

// Evaluate runs the resolution order: bypass, anonymous pass-through, admin
// override, pro-only entitlement, usage metering, heavy-mode restriction.
func (g *Gate) Evaluate(ctx context.Context, req Request) Decision {
	rule := classify(g.rules, req.Method, req.Path)
	class := ClassUnrestricted
	if rule != nil {
		class = rule.Class
	}

	if class == ClassBypassed {
		return allow()
	}

	// Anonymous requests pass through; authentication is the identity
	// layer's concern, not this gate's.
	if req.Identity == nil || req.Identity.Account == nil {
		return allow()
	}
	account := req.Identity.Account
	now := g.now().UTC()

	// Admin override allows everything but still meters for audit.
	if req.Identity.Admin {
		d := allow()
		if class == ClassUsageMetered {
			d.Meter = true
			d.Feature = rule.Feature
		}
		return d
	}

	if class == ClassAdminOnly {
		return Decision{Status: http.StatusForbidden, Reason: "admin_required"}
	}

	if class == ClassProOnly {
		if !account.Entitled(now) {
			return Decision{Status: http.StatusPaymentRequired, Reason: usage.ReasonFeatureUnavailable}
		}
		return allow()
	}

	if class != ClassUsageMetered {
		return allow()
	}

	check, err := g.meter.Check(ctx, account, rule.Feature)
	if err != nil {
		// Fail open. A broken policy path must not block traffic.
		g.log.ErrorContext(ctx, "gate evaluation failed open",
			slog.String("path", req.Path),
			slog.String("feature", string(rule.Feature)),
			slog.String("error", err.Error()))
		return allow()
	}

	if !check.CanUse {
		status := http.StatusTooManyRequests
		if check.Reason == usage.ReasonFeatureUnavailable {
			status = http.StatusPaymentRequired
		}
		return Decision{
			Status:    status,
			Reason:    check.Reason,
			Feature:   rule.Feature,
			Limit:     check.Limit,
			Remaining: check.Remaining,
			ResetAt:   account.WeeklyUsageResetAt.Add(g.meter.Window()),
		}
	}

	// Heavy processing mode stays behind entitlement even when the basic
	// route is within quota.
	if rule.DenyHeavyMode && req.HeavyMode && !account.Entitled(now) {
		return Decision{Status: http.StatusPaymentRequired, Reason: usage.ReasonFeatureUnavailable, Feature: rule.Feature}
	}

	return Decision{
		Allow:     true,
		Status:    http.StatusOK,
		Meter:     true,
		Feature:   rule.Feature,
		Limit:     check.Limit,
		Remaining: check.Remaining,
		ResetAt:   account.WeeklyUsageResetAt.Add(g.meter.Window()),
	}
}

// UpgradeURL is surfaced in subscription_required denials.
func (g *Gate) UpgradeURL() string {
	return g.config.UpgradeURL
}
