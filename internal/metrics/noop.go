package metrics

import (
	"time"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) ScanCompleted(duration time.Duration, scheduled int, err error)               {}
func (n *NoopSink) TimersCancelled(count int)                                                    {}
func (n *NoopSink) QueueSizeUpdate(size int)                                                     {}
func (n *NoopSink) QueueCapacitySet(capacity int)                                                {}
func (n *NoopSink) InFlightUpdate(count int)                                                     {}
func (n *NoopSink) SubmitFailed()                                                                {}
func (n *NoopSink) DeliveryOutcome(outcome domain.DeliveryOutcome, duration time.Duration)       {}
func (n *NoopSink) PrepareRetried()                                                              {}
func (n *NoopSink) NotificationSent(action domain.Action, status string, duration time.Duration) {}
func (n *NoopSink) RateLimited(action domain.Action)                                             {}
func (n *NoopSink) ChangeBatchHandled(created, deleted int, err error)                           {}
func (n *NoopSink) OrphanedTriggersDeleted(count int)                                            {}
func (n *NoopSink) LeaderStatusSet(leader bool)                                                  {}
