package ingest_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentkit/entitlement/pkg/ingest"
)

func TestHandler(t *testing.T) {
	t.Parallel()

	t.Run("verified delivery acknowledged with 200", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_http_1", account.ID)

		req := httptest.NewRequest(http.MethodPost, "/billing", bytes.NewReader(payload))
		req.Header.Set(ingest.SignatureHeader, f.processor.Sign(payload))
		rec := httptest.NewRecorder()

		ingest.Routes(f.ing, nil).ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			Data struct {
				EventID   string `json:"event_id"`
				Duplicate bool   `json:"duplicate"`
			} `json:"data"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "evt_http_1", body.Data.EventID)
		assert.False(t, body.Data.Duplicate)
	})

	t.Run("missing signature is a 400", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_http_2", account.ID)

		req := httptest.NewRequest(http.MethodPost, "/billing", bytes.NewReader(payload))
		rec := httptest.NewRecorder()

		ingest.Routes(f.ing, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_signature")
	})

	t.Run("unparseable payload is a 400", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		payload := []byte("not json")

		req := httptest.NewRequest(http.MethodPost, "/billing", bytes.NewReader(payload))
		req.Header.Set(ingest.SignatureHeader, f.processor.Sign(payload))
		rec := httptest.NewRecorder()

		ingest.Routes(f.ing, nil).ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "invalid_payload")
	})

	t.Run("duplicate delivery still returns 200", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_http_3", account.ID)
		router := ingest.Routes(f.ing, nil)

		for range 2 {
			req := httptest.NewRequest(http.MethodPost, "/billing", bytes.NewReader(payload))
			req.Header.Set(ingest.SignatureHeader, f.processor.Sign(payload))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			require.Equal(t, http.StatusOK, rec.Code)
		}
	})
}
