package entitlement

import (
	"time"

	"github.com/google/uuid"
)

// UsageType identifies a metered feature family.
type UsageType string

const (
	UsageProcessing  UsageType = "processing"
	UsageBulk        UsageType = "bulk"
	UsageCoverLetter UsageType = "cover_letter"
)

// UsageRecord is an append-only record of feature consumption. Aggregates
// (weekly/lifetime counters on Account) are denormalized for O(1) reads;
// rows are only ever removed by the retention job.
type UsageRecord struct {
	ID            uuid.UUID
	AccountID     uuid.UUID
	UsageType     UsageType
	Count         int64
	OccurredAt    time.Time
	CorrelationID string
}
