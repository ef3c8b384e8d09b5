package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryOutcome string

const (
	OutcomeDelivered          DeliveryOutcome = "delivered"
	OutcomeSkippedStale       DeliveryOutcome = "skipped_stale"
	OutcomeSkippedDisabled    DeliveryOutcome = "skipped_disabled"
	OutcomeSkippedRateLimited DeliveryOutcome = "skipped_rate_limited"
	OutcomeFailedPermanent    DeliveryOutcome = "failed_permanent"
	OutcomeFailedRetryable    DeliveryOutcome = "failed_retryable"
	OutcomeSendFailed         DeliveryOutcome = "send_failed"
)

// Notification is what a notification service receives for one delivery.
type Notification struct {
	DeliveryID uuid.UUID

	ContextID int
	AccountID int
	UserID    int
	Action    Action

	EventID    string
	Summary    string
	Start      time.Time
	End        time.Time
	Occurrence time.Time // zero for single events

	AlarmID     int
	Description string
	TriggerTime time.Time
}
