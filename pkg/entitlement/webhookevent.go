package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// EventStatus is the processing state of a received billing event.
type EventStatus string

const (
	EventReceived        EventStatus = "received"
	EventProcessing      EventStatus = "processing"
	EventSucceeded       EventStatus = "succeeded"
	EventFailedRetryable EventStatus = "failed_retryable"
	EventFailedTerminal  EventStatus = "failed_terminal"
)

// IsTerminal reports whether the event has reached an immutable final state.
func (s EventStatus) IsTerminal() bool {
	return s == EventSucceeded || s == EventFailedTerminal
}

// WebhookEvent tracks one inbound billing event through verification and
// idempotent application. ExternalEventID is the dedup key; transitions are
// owned solely by the webhook ingestor.
type WebhookEvent struct {
	ID              uuid.UUID
	ExternalEventID string
	EventType       string
	Payload         []byte // raw verified payload, kept for retries
	PayloadHash     string
	Status          EventStatus
	AttemptCount    int
	LastError       string
	ReceivedAt      time.Time
	CompletedAt     *time.Time
}
