package ingest

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/talentkit/entitlement/core"
)

// SignatureHeader carries the processor's payload signature.
const SignatureHeader = "Paddle-Signature"

// maxPayloadBytes bounds webhook body reads. Paddle payloads are small; a
// megabyte leaves generous headroom.
const maxPayloadBytes = 1 << 20

// Routes mounts the webhook endpoints.
func Routes(ing *Ingestor, log *slog.Logger) chi.Router {
	r := chi.NewRouter()
	r.Post("/billing", Handler(ing, log))
	return r
}

// Handler acknowledges verified deliveries immediately with 200; application
// happens in the background. Invalid signatures and unparseable payloads get
// 400 so the processor stops redelivering them.
func Handler(ing *Ingestor, log *slog.Logger) http.HandlerFunc {
	if log == nil {
		log = slog.Default()
	}

	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
		if err != nil {
			core.WriteJSON(w, http.StatusBadRequest, core.JSONResponse{
				Code:  "invalid_payload",
				Error: &core.ErrorDetail{Code: "invalid_payload"},
			})
			return
		}

		ack, err := ing.Ingest(r.Context(), payload, r.Header.Get(SignatureHeader))
		switch {
		case errors.Is(err, ErrSignatureInvalid):
			core.WriteJSON(w, http.StatusBadRequest, core.JSONResponse{
				Code:  "invalid_signature",
				Error: &core.ErrorDetail{Code: "invalid_signature"},
			})
			return
		case errors.Is(err, ErrPayloadInvalid):
			core.WriteJSON(w, http.StatusBadRequest, core.JSONResponse{
				Code:  "invalid_payload",
				Error: &core.ErrorDetail{Code: "invalid_payload"},
			})
			return
		case err != nil:
			log.ErrorContext(r.Context(), "webhook ingestion failed",
				slog.String("error", err.Error()))
			core.WriteJSONError(w, err, nil)
			return
		}

		core.WriteJSON(w, http.StatusOK, core.JSONResponse{
			Code: "ok",
			Data: map[string]any{
				"event_id":  ack.EventID,
				"duplicate": ack.Duplicate,
			},
		})
	}
}
