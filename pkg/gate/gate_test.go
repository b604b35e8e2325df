package gate_test

import (
	"context"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/gate"
	"github.com/talentkit/entitlement/pkg/usage"
)

var testNow = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

func testRules() []gate.Rule {
	return []gate.Rule{
		{Pattern: "/health", Class: gate.ClassBypassed},
		{Pattern: "/webhooks/**", Class: gate.ClassBypassed},
		{Pattern: "/api/admin/**", Class: gate.ClassAdminOnly},
		{Pattern: "/api/pro/**", Class: gate.ClassProOnly},
		{Method: http.MethodPost, Pattern: "/api/process", Class: gate.ClassUsageMetered, Feature: entitlement.UsageProcessing, DenyHeavyMode: true},
		{Method: http.MethodPost, Pattern: "/api/bulk/**", Class: gate.ClassUsageMetered, Feature: entitlement.UsageBulk},
	}
}

func newGate(t *testing.T, store entitlement.Store) *gate.Gate {
	t.Helper()

	meter, err := usage.NewMeter(context.Background(), store, nil, usage.Config{
		ProcessingWeeklyLimit: 5,
		Window:                7 * 24 * time.Hour,
		MaxCountPerRecord:     100,
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	meter.WithClock(func() time.Time { return testNow })

	g, err := gate.New(testRules(), meter, gate.HeaderResolver{Store: store}, gate.Config{UpgradeURL: "/billing/upgrade"}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return g.WithClock(func() time.Time { return testNow })
}

func seedAccount(t *testing.T, store entitlement.Store, tier entitlement.Tier, status entitlement.Status) *entitlement.Account {
	t.Helper()
	account := &entitlement.Account{
		ID:                 uuid.New(),
		Email:              "user@example.com",
		Tier:               tier,
		Status:             status,
		WeeklyUsageResetAt: testNow,
		CreatedAt:          testNow,
		UpdatedAt:          testNow,
	}
	require.NoError(t, store.CreateAccount(context.Background(), account))
	return account
}

func TestCompile(t *testing.T) {
	t.Parallel()

	t.Run("valid rules compile", func(t *testing.T) {
		t.Parallel()
		_, err := gate.Compile(testRules())
		assert.NoError(t, err)
	})

	t.Run("pattern must start with a slash", func(t *testing.T) {
		t.Parallel()
		_, err := gate.Compile([]gate.Rule{{Pattern: "health", Class: gate.ClassBypassed}})
		assert.ErrorIs(t, err, gate.ErrInvalidRule)
	})

	t.Run("metered rules need a feature", func(t *testing.T) {
		t.Parallel()
		_, err := gate.Compile([]gate.Rule{{Pattern: "/api/process", Class: gate.ClassUsageMetered}})
		assert.ErrorIs(t, err, gate.ErrInvalidRule)
	})

	t.Run("partial wildcards are rejected", func(t *testing.T) {
		t.Parallel()
		_, err := gate.Compile([]gate.Rule{{Pattern: "/api/pro*", Class: gate.ClassProOnly}})
		assert.ErrorIs(t, err, gate.ErrInvalidRule)
	})
}

func TestGate_Evaluate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	request := func(method, path string, account *entitlement.Account, admin bool) gate.Request {
		req := gate.Request{Method: method, Path: path}
		if account != nil {
			req.Identity = &gate.Identity{Account: account, Admin: admin}
		}
		return req
	}

	t.Run("bypassed routes skip every check", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)

		d := g.Evaluate(ctx, request(http.MethodGet, "/health", nil, false))
		assert.True(t, d.Allow)

		d = g.Evaluate(ctx, request(http.MethodPost, "/webhooks/billing", nil, false))
		assert.True(t, d.Allow)
	})

	t.Run("anonymous requests pass through", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)

		d := g.Evaluate(ctx, request(http.MethodPost, "/api/process", nil, false))
		assert.True(t, d.Allow)
		assert.False(t, d.Meter)
	})

	t.Run("admin bypasses restrictions but metered routes still count", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		admin := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		d := g.Evaluate(ctx, request(http.MethodGet, "/api/admin/events", admin, true))
		assert.True(t, d.Allow)

		d = g.Evaluate(ctx, request(http.MethodPost, "/api/process", admin, true))
		assert.True(t, d.Allow)
		assert.True(t, d.Meter, "admin usage is still recorded for audit")
		assert.Equal(t, entitlement.UsageProcessing, d.Feature)
	})

	t.Run("admin-only routes deny regular accounts", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierPro, entitlement.StatusActive)

		d := g.Evaluate(ctx, request(http.MethodGet, "/api/admin/events", account, false))
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusForbidden, d.Status)
		assert.Equal(t, "admin_required", d.Reason)
	})

	t.Run("pro-only routes demand entitlement", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)

		free := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)
		d := g.Evaluate(ctx, request(http.MethodGet, "/api/pro/export", free, false))
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusPaymentRequired, d.Status)
		assert.Equal(t, usage.ReasonFeatureUnavailable, d.Reason)

		pro := seedAccount(t, store, entitlement.TierPro, entitlement.StatusActive)
		d = g.Evaluate(ctx, request(http.MethodGet, "/api/pro/export", pro, false))
		assert.True(t, d.Allow)
	})

	t.Run("metered route within quota allows and asks to meter", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		d := g.Evaluate(ctx, request(http.MethodPost, "/api/process", account, false))
		assert.True(t, d.Allow)
		assert.True(t, d.Meter)
		assert.Equal(t, int64(5), d.Limit)
		assert.Equal(t, int64(5), d.Remaining)
		assert.Equal(t, testNow.Add(7*24*time.Hour), d.ResetAt)
	})

	t.Run("exhausted quota denies with 429 and reset info", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)
		account.WeeklyUsageCount = 5
		require.NoError(t, store.UpdateAccount(ctx, account))

		d := g.Evaluate(ctx, request(http.MethodPost, "/api/process", account, false))
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusTooManyRequests, d.Status)
		assert.Equal(t, usage.ReasonQuotaExhausted, d.Reason)
		assert.Equal(t, int64(5), d.Limit)
		assert.Zero(t, d.Remaining)
		assert.False(t, d.ResetAt.IsZero())
	})

	t.Run("zero-limit feature denies with 402", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		d := g.Evaluate(ctx, request(http.MethodPost, "/api/bulk/import", account, false))
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusPaymentRequired, d.Status)
		assert.Equal(t, usage.ReasonFeatureUnavailable, d.Reason)
	})

	t.Run("heavy mode needs entitlement even within quota", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		req := request(http.MethodPost, "/api/process", account, false)
		req.HeavyMode = true
		d := g.Evaluate(ctx, req)
		assert.False(t, d.Allow)
		assert.Equal(t, http.StatusPaymentRequired, d.Status)

		pro := seedAccount(t, store, entitlement.TierPro, entitlement.StatusActive)
		req = request(http.MethodPost, "/api/process", pro, false)
		req.HeavyMode = true
		d = g.Evaluate(ctx, req)
		assert.True(t, d.Allow)
	})

	t.Run("method narrows the match", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		d := g.Evaluate(ctx, request(http.MethodGet, "/api/process", account, false))
		assert.True(t, d.Allow)
		assert.False(t, d.Meter, "GET does not match the POST metering rule")
	})

	t.Run("unmatched routes are unrestricted", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		d := g.Evaluate(ctx, request(http.MethodGet, "/api/profile", account, false))
		assert.True(t, d.Allow)
	})
}
