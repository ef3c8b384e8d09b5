package metrics

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Worker metrics
	ScanCompleted(duration time.Duration, scheduled int, err error)
	TimersCancelled(count int)
	QueueSizeUpdate(size int)
	QueueCapacitySet(capacity int)
	InFlightUpdate(count int)
	SubmitFailed()

	// Delivery metrics
	DeliveryOutcome(outcome domain.DeliveryOutcome, duration time.Duration)
	PrepareRetried()
	NotificationSent(action domain.Action, status string, duration time.Duration)
	RateLimited(action domain.Action)

	// Listener metrics
	ChangeBatchHandled(created, deleted int, err error)

	// Reconciler and leader election metrics
	OrphanedTriggersDeleted(count int)
	LeaderStatusSet(leader bool)
}

// Send status constants for the NotificationSent metric.
const (
	SendStatusOK              = "ok"
	SendStatusTimeout         = "timeout"
	SendStatusConnectionError = "connection_error"
	SendStatusCircuitOpen     = "circuit_open"
	SendStatusOtherError      = "other_error"
)

// ClassifySend maps a send error to a bounded label.
func ClassifySend(err error) string {
	if err == nil {
		return SendStatusOK
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return SendStatusTimeout
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "circuit breaker is open"), strings.Contains(msg, "circuit open"):
		return SendStatusCircuitOpen
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline exceeded"):
		return SendStatusTimeout
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "network is unreachable"),
		strings.Contains(msg, "dial"):
		return SendStatusConnectionError
	default:
		return SendStatusOtherError
	}
}
