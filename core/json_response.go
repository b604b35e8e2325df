package core

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

// JSONResponse is the standard JSON response envelope.
type JSONResponse struct {
	Code  string         `json:"code,omitempty"`
	Data  any            `json:"data,omitempty"`
	Meta  map[string]any `json:"meta,omitempty"`
	Error *ErrorDetail   `json:"error,omitempty"`
}

// ErrorDetail contains error information for API consumers.
type ErrorDetail struct {
	Code    string         `json:"code"`
	Message string         `json:"message,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// WriteJSON renders a success response with the given payload.
func WriteJSON(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// WriteJSONError collapses the internal error taxonomy at the HTTP boundary.
// Callers only ever see PolicyDenied shapes or a generic service_unavailable;
// internal categories are never leaked.
func WriteJSONError(w http.ResponseWriter, err error, details map[string]any) {
	status := http.StatusInternalServerError
	key := "internal_server_error"

	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		status = httpErr.Code
		key = httpErr.Key
	}

	var retryErr RetryAfterError
	if errors.As(err, &retryErr) {
		status = http.StatusServiceUnavailable
		key = ErrServiceUnavailable.Key
		w.Header().Set("Retry-After", strconv.Itoa(int(retryErr.RetryAfter.Seconds())))
	}

	WriteJSON(w, status, JSONResponse{
		Code: key,
		Error: &ErrorDetail{
			Code:    key,
			Message: http.StatusText(status),
			Details: details,
		},
	})
}
