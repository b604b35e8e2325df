package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/talentkit/entitlement/core"
	"github.com/talentkit/entitlement/pkg/async"
	"github.com/talentkit/entitlement/pkg/billing"
	"github.com/talentkit/entitlement/pkg/entitlement"
	"github.com/talentkit/entitlement/pkg/retry"
	"github.com/talentkit/entitlement/pkg/subscription"
)

// Config holds webhook ingestion settings.
type Config struct {
	// MaxAttempts bounds how many times a retryable event is reprocessed
	// before it is parked as failed_terminal.
	MaxAttempts int `env:"INGEST_MAX_ATTEMPTS" envDefault:"5"`
	// DedupTTL bounds the fast-path dedup cache entries.
	DedupTTL time.Duration `env:"INGEST_DEDUP_TTL" envDefault:"48h"`
}

// Deduper is an optional fast-path duplicate check in front of the store.
// A cache miss is never an error: the store remains the source of truth.
type Deduper interface {
	Seen(ctx context.Context, externalEventID string) (bool, error)
	MarkSeen(ctx context.Context, externalEventID string, ttl time.Duration) error
}

// Ack is the acknowledgment outcome for one delivery.
type Ack struct {
	EventID   string
	Duplicate bool
}

// Ingestor receives billing webhooks: verify, dedup, persist, acknowledge
// fast, then apply asynchronously. Every event walks the tracking machine
// received -> processing -> succeeded | failed_retryable | failed_terminal.
type Ingestor struct {
	store     entitlement.Store
	processor billing.Processor
	subs      subscription.Service
	retrier   *retry.Executor
	deduper   Deduper
	config    Config
	log       *slog.Logger
	now       func() time.Time
}

// New creates the webhook ingestor. The deduper may be nil; dedup then relies
// on the store alone.
func New(store entitlement.Store, processor billing.Processor, subs subscription.Service, retrier *retry.Executor, deduper Deduper, cfg Config, log *slog.Logger) *Ingestor {
	if store == nil {
		panic("ingest: entitlement store is required")
	}
	if processor == nil {
		panic("ingest: billing processor is required")
	}
	if subs == nil {
		panic("ingest: subscription service is required")
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.DedupTTL <= 0 {
		cfg.DedupTTL = 48 * time.Hour
	}
	return &Ingestor{
		store:     store,
		processor: processor,
		subs:      subs,
		retrier:   retrier,
		deduper:   deduper,
		config:    cfg,
		log:       log,
		now:       time.Now,
	}
}

// WithClock overrides the ingestor time source. Intended for tests.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// Ingest handles one webhook delivery. Signature verification happens before
// anything is persisted, so forged payloads leave no trace. On success the
// event row exists in received state and processing continues in the
// background; the caller can acknowledge immediately.
func (i *Ingestor) Ingest(ctx context.Context, payload []byte, signature string) (*Ack, error) {
	if err := i.processor.VerifyWebhookSignature(ctx, payload, signature); err != nil {
		i.log.WarnContext(ctx, "webhook signature rejected",
			slog.String("error", err.Error()))
		return nil, errors.Join(ErrSignatureInvalid, err)
	}

	event, err := i.processor.ParseEvent(payload)
	if err != nil {
		return nil, errors.Join(ErrPayloadInvalid, err)
	}

	if dup, err := i.isDuplicate(ctx, event.ExternalEventID); err != nil {
		return nil, err
	} else if dup {
		i.log.InfoContext(ctx, "duplicate webhook ignored",
			slog.String("event_id", event.ExternalEventID),
			slog.String("event_type", event.ProviderEvent))
		return &Ack{EventID: event.ExternalEventID, Duplicate: true}, nil
	}

	now := i.now().UTC()
	row := &entitlement.WebhookEvent{
		ID:              uuid.New(),
		ExternalEventID: event.ExternalEventID,
		EventType:       event.ProviderEvent,
		Payload:         payload,
		PayloadHash:     hashPayload(payload),
		Status:          entitlement.EventReceived,
		ReceivedAt:      now,
	}
	if err := i.store.CreateWebhookEvent(ctx, row); err != nil {
		if errors.Is(err, entitlement.ErrWebhookEventAlreadyExists) {
			// Concurrent delivery of the same event lost the insert race.
			return &Ack{EventID: event.ExternalEventID, Duplicate: true}, nil
		}
		return nil, err
	}
	i.markSeen(ctx, event.ExternalEventID)

	async.Detach(context.WithoutCancel(ctx), i.log, "webhook_process", func(ctx context.Context) error {
		return i.Process(ctx, row.ExternalEventID)
	})

	return &Ack{EventID: event.ExternalEventID}, nil
}

// Process applies one persisted event to local state and records the outcome
// on the tracking row. Safe to call again for failed_retryable events; rows
// in a terminal state are left untouched.
func (i *Ingestor) Process(ctx context.Context, externalEventID string) error {
	row, err := i.store.GetWebhookEvent(ctx, externalEventID)
	if err != nil {
		return err
	}
	if row.Status.IsTerminal() || row.Status == entitlement.EventProcessing {
		return nil
	}

	row.Status = entitlement.EventProcessing
	row.AttemptCount++
	if err := i.store.UpdateWebhookEvent(ctx, row); err != nil {
		return err
	}

	event, err := i.processor.ParseEvent(row.Payload)
	if err != nil {
		return i.complete(ctx, row, entitlement.EventFailedTerminal, err)
	}

	applyErr := i.apply(ctx, event)
	switch {
	case applyErr == nil:
		return i.complete(ctx, row, entitlement.EventSucceeded, nil)
	case i.isRetryable(applyErr) && row.AttemptCount < i.config.MaxAttempts:
		return i.complete(ctx, row, entitlement.EventFailedRetryable, applyErr)
	default:
		return i.complete(ctx, row, entitlement.EventFailedTerminal, applyErr)
	}
}

// ProcessPending re-drives every failed_retryable event. The retry job calls
// this on its schedule; per-event failures never abort the sweep.
func (i *Ingestor) ProcessPending(ctx context.Context) (processed, failed int, err error) {
	rows, err := i.store.ListWebhookEventsByStatus(ctx, entitlement.EventFailedRetryable)
	if err != nil {
		return 0, 0, err
	}
	for _, row := range rows {
		if err := i.Process(ctx, row.ExternalEventID); err != nil {
			failed++
			i.log.ErrorContext(ctx, "event reprocessing failed",
				slog.String("event_id", row.ExternalEventID),
				slog.String("error", err.Error()))
			continue
		}
		processed++
	}
	return processed, failed, nil
}

// FailedEvents lists terminally failed events for the manual-intervention
// surface.
func (i *Ingestor) FailedEvents(ctx context.Context) ([]*entitlement.WebhookEvent, error) {
	return i.store.ListWebhookEventsByStatus(ctx, entitlement.EventFailedTerminal)
}

func (i *Ingestor) apply(ctx context.Context, event *billing.Event) error {
	if i.retrier == nil {
		return i.subs.ApplyEvent(ctx, event)
	}
	return i.retrier.Do(ctx, "apply_billing_event", func(ctx context.Context) error {
		return i.subs.ApplyEvent(ctx, event)
	})
}

func (i *Ingestor) complete(ctx context.Context, row *entitlement.WebhookEvent, status entitlement.EventStatus, cause error) error {
	now := i.now().UTC()
	row.Status = status
	if cause != nil {
		row.LastError = cause.Error()
	}
	if status.IsTerminal() {
		row.CompletedAt = &now
	}
	if err := i.store.UpdateWebhookEvent(ctx, row); err != nil {
		return err
	}

	attrs := []any{
		slog.String("event_id", row.ExternalEventID),
		slog.String("event_type", row.EventType),
		slog.String("status", string(status)),
		slog.Int("attempts", row.AttemptCount),
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
		i.log.WarnContext(ctx, "webhook event failed", attrs...)
		return nil
	}
	i.log.InfoContext(ctx, "webhook event applied", attrs...)
	return nil
}

// isRetryable classifies application errors. Transient dependency trouble is
// retryable; validation trouble (unknown account, illegal transition,
// malformed references) is terminal because redelivery cannot fix it.
func (i *Ingestor) isRetryable(err error) bool {
	switch {
	case errors.Is(err, billing.ErrInvalidEventPayload),
		errors.Is(err, subscription.ErrInvalidTransition),
		errors.Is(err, subscription.ErrSubscriptionRowImmutable),
		errors.Is(err, entitlement.ErrAccountNotFound):
		return false
	case errors.Is(err, core.ErrTransientDependency):
		return true
	default:
		return retry.IsRetryable(err)
	}
}

func (i *Ingestor) isDuplicate(ctx context.Context, externalEventID string) (bool, error) {
	if i.deduper != nil {
		seen, err := i.deduper.Seen(ctx, externalEventID)
		if err != nil {
			i.log.WarnContext(ctx, "dedup cache unavailable",
				slog.String("error", err.Error()))
		} else if seen {
			return true, nil
		}
	}

	_, err := i.store.GetWebhookEvent(ctx, externalEventID)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, entitlement.ErrWebhookEventNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (i *Ingestor) markSeen(ctx context.Context, externalEventID string) {
	if i.deduper == nil {
		return
	}
	if err := i.deduper.MarkSeen(ctx, externalEventID, i.config.DedupTTL); err != nil {
		i.log.WarnContext(ctx, "dedup cache write failed",
			slog.String("error", err.Error()))
	}
}

func hashPayload(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
