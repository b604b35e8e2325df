package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/talentkit/entitlement/core"
	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/gate"
	"github.com/talentkit/entitlement/pkg/httpserver"
	"github.com/talentkit/entitlement/pkg/ingest"
	"github.com/talentkit/entitlement/pkg/pg"
	"github.com/talentkit/entitlement/pkg/redis"
	"github.com/talentkit/entitlement/pkg/subscription"
)

func (e *Engine) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", httpserver.HealthCheckHandler(context.Background(), e.Log))
	r.Get("/ready", httpserver.HealthCheckHandler(context.Background(), e.Log, e.readinessChecks()...))
	r.Mount("/webhooks", ingest.Routes(e.Ingestor, e.Log))

	r.Route("/api", func(r chi.Router) {
		r.Use(e.Gate.Middleware)

		r.Post("/accounts", e.handleCreateAccount)
		r.Get("/entitlements", e.Gate.SnapshotHandler())

		r.Route("/billing", func(r chi.Router) {
			r.Get("/subscription", e.handleGetSubscription)
			r.Post("/checkout", e.handleCheckout)
			r.Post("/cancel", e.handleCancel)
		})

		// Gated product surface. The engine owns policy; these handlers
		// stand in for the downstream feature services.
		r.Post("/process", acceptedHandler("processing"))
		r.Post("/bulk/import", acceptedHandler("bulk_import"))
		r.Post("/cover-letter", acceptedHandler("cover_letter"))

		r.Route("/admin", func(r chi.Router) {
			r.Get("/events/failed", e.handleFailedEvents)
			r.Get("/breakers", e.handleBreakerStats)
		})
	})

	return r
}

func (e *Engine) readinessChecks() []func(context.Context) error {
	var checks []func(context.Context) error
	if e.pool != nil {
		checks = append(checks, pg.Healthcheck(e.pool))
	}
	if e.redisClient != nil {
		checks = append(checks, redis.Healthcheck(e.redisClient))
	}
	return checks
}

func acceptedHandler(feature string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		core.WriteJSON(w, http.StatusAccepted, core.JSONResponse{
			Code: "accepted",
			Data: map[string]string{"feature": feature},
		})
	}
}

func (e *Engine) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" {
		core.WriteJSON(w, http.StatusBadRequest, core.JSONResponse{
			Code:  "invalid_request",
			Error: &core.ErrorDetail{Code: "invalid_request", Message: "email is required"},
		})
		return
	}

	now := time.Now().UTC()
	account := &entitlement.Account{
		ID:                 uuid.New(),
		Email:              req.Email,
		Tier:               entitlement.TierFree,
		Status:             entitlement.StatusCanceled,
		WeeklyUsageResetAt: now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := e.Store.CreateAccount(r.Context(), account); err != nil {
		core.WriteJSONError(w, err, nil)
		return
	}

	core.WriteJSON(w, http.StatusCreated, core.JSONResponse{
		Code: "created",
		Data: map[string]string{
			"account_id": account.ID.String(),
			"tier":       string(account.Tier),
		},
	})
}

func (e *Engine) requireAccount(w http.ResponseWriter, r *http.Request) (*entitlement.Account, bool) {
	identity, ok := gate.IdentityFromContext(r.Context())
	if !ok || identity.Account == nil {
		core.WriteJSONError(w, core.ErrAuthenticationRequired, nil)
		return nil, false
	}
	return identity.Account, true
}

func (e *Engine) handleGetSubscription(w http.ResponseWriter, r *http.Request) {
	account, ok := e.requireAccount(w, r)
	if !ok {
		return
	}

	snap, err := e.Subs.Get(r.Context(), account.ID)
	if err != nil {
		core.WriteJSONError(w, err, nil)
		return
	}

	data := map[string]any{
		"tier":   snap.Account.Tier,
		"status": snap.Account.Status,
	}
	if snap.Subscription != nil {
		data["subscription"] = map[string]any{
			"external_id":          snap.Subscription.ExternalSubscriptionID,
			"status":               snap.Subscription.Status,
			"period_start":         snap.Subscription.PeriodStart,
			"period_end":           snap.Subscription.PeriodEnd,
			"cancel_at_period_end": snap.Subscription.CancelAtPeriodEnd,
		}
	}
	core.WriteJSON(w, http.StatusOK, core.JSONResponse{Code: "ok", Data: data})
}

func (e *Engine) handleCheckout(w http.ResponseWriter, r *http.Request) {
	account, ok := e.requireAccount(w, r)
	if !ok {
		return
	}

	var req struct {
		PriceID    string `json:"price_id"`
		SuccessURL string `json:"success_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PriceID == "" {
		core.WriteJSON(w, http.StatusBadRequest, core.JSONResponse{
			Code:  "invalid_request",
			Error: &core.ErrorDetail{Code: "invalid_request", Message: "price_id is required"},
		})
		return
	}

	session, err := e.Subs.StartCheckout(r.Context(), account.ID, req.PriceID, req.SuccessURL)
	if err != nil {
		if errors.Is(err, subscription.ErrAlreadySubscribed) {
			core.WriteJSON(w, http.StatusConflict, core.JSONResponse{
				Code:  "already_subscribed",
				Error: &core.ErrorDetail{Code: "already_subscribed"},
			})
			return
		}
		core.WriteJSONError(w, err, nil)
		return
	}

	core.WriteJSON(w, http.StatusOK, core.JSONResponse{
		Code: "ok",
		Data: map[string]string{
			"checkout_url":   session.CheckoutURL,
			"transaction_id": session.PendingTransactionID,
		},
	})
}

func (e *Engine) handleCancel(w http.ResponseWriter, r *http.Request) {
	account, ok := e.requireAccount(w, r)
	if !ok {
		return
	}

	var req struct {
		Immediate bool `json:"immediate"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	var err error
	if req.Immediate {
		err = e.Subs.CancelNow(r.Context(), account.ID)
	} else {
		err = e.Subs.CancelAtPeriodEnd(r.Context(), account.ID)
	}
	if err != nil {
		if errors.Is(err, subscription.ErrNoActiveSubscription) {
			core.WriteJSON(w, http.StatusNotFound, core.JSONResponse{
				Code:  "no_active_subscription",
				Error: &core.ErrorDetail{Code: "no_active_subscription"},
			})
			return
		}
		core.WriteJSONError(w, err, nil)
		return
	}

	core.WriteJSON(w, http.StatusOK, core.JSONResponse{
		Code: "ok",
		Data: map[string]bool{"immediate": req.Immediate},
	})
}

func (e *Engine) handleFailedEvents(w http.ResponseWriter, r *http.Request) {
	events, err := e.Ingestor.FailedEvents(r.Context())
	if err != nil {
		core.WriteJSONError(w, err, nil)
		return
	}

	type failedEvent struct {
		ExternalEventID string     `json:"external_event_id"`
		EventType       string     `json:"event_type"`
		Attempts        int        `json:"attempts"`
		LastError       string     `json:"last_error"`
		ReceivedAt      time.Time  `json:"received_at"`
		CompletedAt     *time.Time `json:"completed_at"`
	}
	out := make([]failedEvent, 0, len(events))
	for _, ev := range events {
		out = append(out, failedEvent{
			ExternalEventID: ev.ExternalEventID,
			EventType:       ev.EventType,
			Attempts:        ev.AttemptCount,
			LastError:       ev.LastError,
			ReceivedAt:      ev.ReceivedAt,
			CompletedAt:     ev.CompletedAt,
		})
	}
	core.WriteJSON(w, http.StatusOK, core.JSONResponse{Code: "ok", Data: out})
}

func (e *Engine) handleBreakerStats(w http.ResponseWriter, r *http.Request) {
	core.WriteJSON(w, http.StatusOK, core.JSONResponse{Code: "ok", Data: e.Registry.Stats()})
}
