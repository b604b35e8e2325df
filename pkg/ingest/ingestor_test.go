package ingest_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talentkit/entitlement/pkg/billing"
	"github.com/talentkit/entitlement/pkg/breaker"
	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/ingest"
	"github.com/talentkit/entitlement/pkg/subscription"
)

type memoryDeduper struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newMemoryDeduper() *memoryDeduper {
	return &memoryDeduper{seen: make(map[string]bool)}
}

func (d *memoryDeduper) Seen(_ context.Context, id string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seen[id], nil
}

func (d *memoryDeduper) MarkSeen(_ context.Context, id string, _ time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[id] = true
	return nil
}

type fixture struct {
	store     *entitlement.MemoryStore
	processor *billing.MemoryProcessor
	deduper   *memoryDeduper
	ing       *ingest.Ingestor
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := slog.New(slog.DiscardHandler)

	store := entitlement.NewMemoryStore()
	processor := billing.NewMemoryProcessor("whsec_test").WithClock(clock)
	registry := breaker.NewRegistry(breaker.RegistryConfig{})
	exec := breaker.NewExecutor(registry, nil, log)
	subs := subscription.NewService(store, processor, exec, log, subscription.WithClock(clock))
	deduper := newMemoryDeduper()

	ing := ingest.New(store, processor, subs, nil, deduper, ingest.Config{MaxAttempts: 3}, log).WithClock(clock)
	return &fixture{store: store, processor: processor, deduper: deduper, ing: ing, now: now}
}

func (f *fixture) seedAccount(t *testing.T) *entitlement.Account {
	t.Helper()
	account := &entitlement.Account{
		ID:                 uuid.New(),
		Email:              "user@example.com",
		Tier:               entitlement.TierFree,
		Status:             entitlement.StatusCanceled,
		WeeklyUsageResetAt: f.now,
		CreatedAt:          f.now,
		UpdatedAt:          f.now,
	}
	require.NoError(t, f.store.CreateAccount(context.Background(), account))
	return account
}

func activationPayload(eventID string, accountID uuid.UUID) []byte {
	return fmt.Appendf(nil, `{
		"event_id": %q,
		"event_type": "subscription.activated",
		"occurred_at": "2025-06-15T12:00:00Z",
		"data": {
			"id": "sub_1",
			"customer_id": "ctm_1",
			"status": "active",
			"custom_data": {"account_id": %q},
			"current_billing_period": {
				"starts_at": "2025-06-15T00:00:00Z",
				"ends_at": "2025-07-15T00:00:00Z"
			}
		}
	}`, eventID, accountID.String())
}

func TestIngestor_Ingest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("verified event is persisted and applied", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_1", account.ID)

		ack, err := f.ing.Ingest(ctx, payload, f.processor.Sign(payload))
		require.NoError(t, err)
		assert.Equal(t, "evt_1", ack.EventID)
		assert.False(t, ack.Duplicate)

		assert.Eventually(t, func() bool {
			row, err := f.store.GetWebhookEvent(ctx, "evt_1")
			return err == nil && row.Status == entitlement.EventSucceeded
		}, time.Second, 10*time.Millisecond)

		got, err := f.store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, entitlement.TierPro, got.Tier)
		assert.Equal(t, entitlement.StatusActive, got.Status)
	})

	t.Run("bad signature leaves no trace", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_forged", account.ID)

		_, err := f.ing.Ingest(ctx, payload, "bogus")
		assert.ErrorIs(t, err, ingest.ErrSignatureInvalid)

		_, err = f.store.GetWebhookEvent(ctx, "evt_forged")
		assert.ErrorIs(t, err, entitlement.ErrWebhookEventNotFound)
	})

	t.Run("malformed payload is rejected before persistence", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		payload := []byte(`{"event_type": "subscription.activated"}`)

		_, err := f.ing.Ingest(ctx, payload, f.processor.Sign(payload))
		assert.ErrorIs(t, err, ingest.ErrPayloadInvalid)
	})

	t.Run("redelivery acknowledges as duplicate", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_dup", account.ID)
		sig := f.processor.Sign(payload)

		first, err := f.ing.Ingest(ctx, payload, sig)
		require.NoError(t, err)
		assert.False(t, first.Duplicate)

		second, err := f.ing.Ingest(ctx, payload, sig)
		require.NoError(t, err)
		assert.True(t, second.Duplicate)
	})

	t.Run("store dedup works without a cache", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		require.NoError(t, f.store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
			ID:              uuid.New(),
			ExternalEventID: "evt_known",
			Status:          entitlement.EventSucceeded,
			ReceivedAt:      f.now,
		}))

		payload := activationPayload("evt_known", account.ID)
		ack, err := f.ing.Ingest(ctx, payload, f.processor.Sign(payload))
		require.NoError(t, err)
		assert.True(t, ack.Duplicate)
	})
}

func TestIngestor_Process(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	seedRow := func(t *testing.T, f *fixture, eventID string, payload []byte, status entitlement.EventStatus, attempts int) {
		t.Helper()
		require.NoError(t, f.store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
			ID:              uuid.New(),
			ExternalEventID: eventID,
			EventType:       "subscription.activated",
			Payload:         payload,
			Status:          status,
			AttemptCount:    attempts,
			ReceivedAt:      f.now,
		}))
	}

	t.Run("unknown account parks the event terminally", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		payload := activationPayload("evt_1", uuid.New())
		seedRow(t, f, "evt_1", payload, entitlement.EventReceived, 0)

		require.NoError(t, f.ing.Process(ctx, "evt_1"))

		row, err := f.store.GetWebhookEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.EventFailedTerminal, row.Status)
		assert.NotEmpty(t, row.LastError)
		assert.NotNil(t, row.CompletedAt)
	})

	t.Run("unparseable stored payload is terminal", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		seedRow(t, f, "evt_1", []byte("not json"), entitlement.EventReceived, 0)

		require.NoError(t, f.ing.Process(ctx, "evt_1"))

		row, err := f.store.GetWebhookEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, entitlement.EventFailedTerminal, row.Status)
	})

	t.Run("terminal rows are left untouched", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_1", account.ID)
		seedRow(t, f, "evt_1", payload, entitlement.EventFailedTerminal, 3)

		require.NoError(t, f.ing.Process(ctx, "evt_1"))

		row, err := f.store.GetWebhookEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 3, row.AttemptCount, "no new attempt recorded")
	})

	t.Run("attempts are counted across reprocessing", func(t *testing.T) {
		t.Parallel()

		f := newFixture(t)
		account := f.seedAccount(t)
		payload := activationPayload("evt_1", account.ID)
		seedRow(t, f, "evt_1", payload, entitlement.EventFailedRetryable, 1)

		require.NoError(t, f.ing.Process(ctx, "evt_1"))

		row, err := f.store.GetWebhookEvent(ctx, "evt_1")
		require.NoError(t, err)
		assert.Equal(t, 2, row.AttemptCount)
		assert.Equal(t, entitlement.EventSucceeded, row.Status)
	})
}

func TestIngestor_ProcessPending(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	account := f.seedAccount(t)

	payload := activationPayload("evt_retry", account.ID)
	require.NoError(t, f.store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: "evt_retry",
		EventType:       "subscription.activated",
		Payload:         payload,
		Status:          entitlement.EventFailedRetryable,
		AttemptCount:    1,
		ReceivedAt:      f.now,
	}))
	require.NoError(t, f.store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: "evt_done",
		Status:          entitlement.EventSucceeded,
		ReceivedAt:      f.now,
	}))

	processed, failed, err := f.ing.ProcessPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)

	row, err := f.store.GetWebhookEvent(ctx, "evt_retry")
	require.NoError(t, err)
	assert.Equal(t, entitlement.EventSucceeded, row.Status)
}

func TestIngestor_FailedEvents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := newFixture(t)
	require.NoError(t, f.store.CreateWebhookEvent(ctx, &entitlement.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: "evt_dead",
		Status:          entitlement.EventFailedTerminal,
		ReceivedAt:      f.now,
	}))

	failedEvents, err := f.ing.FailedEvents(ctx)
	require.NoError(t, err)
	require.Len(t, failedEvents, 1)
	assert.Equal(t, "evt_dead", failedEvents[0].ExternalEventID)
}
