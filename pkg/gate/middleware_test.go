package gate_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentkit/entitlement/pkg/entitlement"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestGate_Middleware(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("allowed metered request records one unit after success", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.Middleware(okHandler()).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1), got.WeeklyUsageCount)
	})

	t.Run("failed downstream handler is not charged", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.Middleware(failing).ServeHTTP(rec, req)

		require.Equal(t, http.StatusInternalServerError, rec.Code)
		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Zero(t, got.WeeklyUsageCount)
	})

	t.Run("quota denial returns 429 with reset details", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)
		account.WeeklyUsageCount = 5
		require.NoError(t, store.UpdateAccount(ctx, account))

		req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.Middleware(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
		assert.Contains(t, rec.Body.String(), "usage_limit_exceeded")
		assert.Contains(t, rec.Body.String(), "resets_at")
	})

	t.Run("entitlement denial returns 402 with upgrade url", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		req := httptest.NewRequest(http.MethodPost, "/api/bulk/import", nil)
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.Middleware(okHandler()).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
		assert.Contains(t, rec.Body.String(), "/billing/upgrade")
	})

	t.Run("heavy mode sniffed from json body", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		var sawBody string
		echo := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			sawBody = string(b)
			w.WriteHeader(http.StatusOK)
		})

		body := `{"mode":"heavy","input":"doc.pdf"}`
		req := httptest.NewRequest(http.MethodPost, "/api/process", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.Middleware(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code, "free account denied heavy mode")

		// Entitled accounts pass, and the handler still sees the full body.
		pro := seedAccount(t, store, entitlement.TierPro, entitlement.StatusActive)
		req = httptest.NewRequest(http.MethodPost, "/api/process", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Account-ID", pro.ID.String())
		rec = httptest.NewRecorder()

		g.Middleware(echo).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, body, sawBody)
	})

	t.Run("heavy mode via query parameter", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		req := httptest.NewRequest(http.MethodPost, "/api/process?mode=heavy", nil)
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.Middleware(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	})

	t.Run("unknown account header fails open", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)

		req := httptest.NewRequest(http.MethodPost, "/api/process", nil)
		req.Header.Set("X-Account-ID", "not-a-uuid")
		rec := httptest.NewRecorder()

		g.Middleware(okHandler()).ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	})
}

func TestGate_SnapshotHandler(t *testing.T) {
	t.Parallel()

	t.Run("reports entitlement and per-feature quota", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)
		account := seedAccount(t, store, entitlement.TierFree, entitlement.StatusCanceled)

		req := httptest.NewRequest(http.MethodGet, "/entitlements", nil)
		req.Header.Set("X-Account-ID", account.ID.String())
		rec := httptest.NewRecorder()

		g.SnapshotHandler().ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, `"tier":"free"`)
		assert.Contains(t, body, `"entitled":false`)
		assert.Contains(t, body, `"feature":"processing"`)
	})

	t.Run("anonymous callers get 401", func(t *testing.T) {
		t.Parallel()

		store := entitlement.NewMemoryStore()
		g := newGate(t, store)

		req := httptest.NewRequest(http.MethodGet, "/entitlements", nil)
		rec := httptest.NewRecorder()

		g.SnapshotHandler().ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
