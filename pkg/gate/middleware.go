package gate

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/talentkit/entitlement/core"
	"github.com/talentkit/entitlement/pkg/entitlement"
)

// heavySniffBytes bounds how much of the body the mode heuristic reads.
const heavySniffBytes = 64 << 10

// Middleware evaluates the gate before the downstream handler and, for
// allowed metered requests, records one unit of consumption after the
// handler reports success. Metering failures are logged and swallowed; the
// response the user already earned is never taken back.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		identity, err := g.resolver.Resolve(ctx, r)
		if err != nil && !errors.Is(err, ErrNoIdentity) {
			g.log.ErrorContext(ctx, "identity resolution failed open",
				slog.String("path", r.URL.Path),
				slog.String("error", err.Error()))
		}
		if identity != nil {
			ctx = WithIdentity(ctx, identity)
			r = r.WithContext(ctx)
		}

		decision := g.Evaluate(ctx, Request{
			Method:    r.Method,
			Path:      r.URL.Path,
			HeavyMode: g.sniffHeavyMode(r),
			Identity:  identity,
		})

		if !decision.Allow {
			g.writeDenial(w, decision)
			return
		}

		if !decision.Meter || identity == nil || identity.Account == nil {
			next.ServeHTTP(w, r)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status < 200 || rec.status >= 300 {
			return
		}
		correlationID := r.Header.Get("X-Request-ID")
		if err := g.meter.Record(ctx, identity.Account.ID, decision.Feature, 1, correlationID); err != nil {
			g.log.ErrorContext(ctx, "usage recording failed",
				slog.String("account_id", identity.Account.ID.String()),
				slog.String("feature", string(decision.Feature)),
				slog.String("error", err.Error()))
		}
	})
}

func (g *Gate) writeDenial(w http.ResponseWriter, d Decision) {
	details := map[string]any{}
	switch d.Status {
	case http.StatusPaymentRequired:
		details["upgrade_url"] = g.config.UpgradeURL
		if d.Feature != "" {
			details["feature"] = string(d.Feature)
		}
	case http.StatusTooManyRequests:
		details["limit"] = d.Limit
		details["remaining"] = d.Remaining
		if !d.ResetAt.IsZero() {
			details["resets_at"] = d.ResetAt
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
		}
	}

	core.WriteJSON(w, d.Status, core.JSONResponse{
		Code: d.Reason,
		Error: &core.ErrorDetail{
			Code:    d.Reason,
			Message: http.StatusText(d.Status),
			Details: details,
		},
	})
}

// sniffHeavyMode peeks at the JSON body for {"mode": "heavy"} without
// consuming it; the body is restored for the downstream handler. A query
// parameter mode=heavy works the same for GET-shaped routes.
func (g *Gate) sniffHeavyMode(r *http.Request) bool {
	if r.URL.Query().Get("mode") == "heavy" {
		return true
	}
	if r.Body == nil || r.Header.Get("Content-Type") != "application/json" {
		return false
	}

	peeked, err := io.ReadAll(io.LimitReader(r.Body, heavySniffBytes))
	rest := r.Body
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(peeked), rest), rest}
	if err != nil {
		return false
	}

	var probe struct {
		Mode string `json:"mode"`
	}
	if json.Unmarshal(peeked, &probe) != nil {
		return false
	}
	return probe.Mode == "heavy"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

// FeatureSnapshot is one feature's quota view in the entitlement snapshot.
type FeatureSnapshot struct {
	Feature   string `json:"feature"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
}

// Snapshot is the caller-facing entitlement summary.
type Snapshot struct {
	AccountID string            `json:"account_id"`
	Tier      string            `json:"tier"`
	Status    string            `json:"status"`
	Entitled  bool              `json:"entitled"`
	Features  []FeatureSnapshot `json:"features"`
	ResetsAt  string            `json:"resets_at"`
}

// SnapshotHandler returns the caller's current entitlement and per-feature
// quota. Requires a resolved identity.
func (g *Gate) SnapshotHandler() http.HandlerFunc {
	features := []entitlement.UsageType{
		entitlement.UsageProcessing,
		entitlement.UsageBulk,
		entitlement.UsageCoverLetter,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		identity, err := g.resolver.Resolve(ctx, r)
		if err != nil || identity == nil || identity.Account == nil {
			core.WriteJSONError(w, core.ErrAuthenticationRequired, nil)
			return
		}
		account := identity.Account

		snap := Snapshot{
			AccountID: account.ID.String(),
			Tier:      string(account.Tier),
			Status:    string(account.Status),
			Entitled:  account.Entitled(g.now().UTC()),
			ResetsAt:  account.WeeklyUsageResetAt.Add(g.meter.Window()).Format("2006-01-02T15:04:05Z07:00"),
		}
		for _, feature := range features {
			check, err := g.meter.Check(ctx, account, feature)
			if err != nil {
				continue
			}
			snap.Features = append(snap.Features, FeatureSnapshot{
				Feature:   string(feature),
				Limit:     check.Limit,
				Remaining: check.Remaining,
			})
		}

		core.WriteJSON(w, http.StatusOK, core.JSONResponse{Code: "ok", Data: snap})
	}
}
