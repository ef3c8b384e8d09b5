package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// PrometheusSink implements Sink using Prometheus client library.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.Logger

	// Worker metrics
	scansTotal          prometheus.Counter
	scanErrorsTotal     prometheus.Counter
	scanDuration        prometheus.Histogram
	triggersScheduled   prometheus.Counter
	timersCancelled     prometheus.Counter
	queueSize           prometheus.Gauge
	queueCapacity       prometheus.Gauge
	inFlight            prometheus.Gauge
	submitFailuresTotal prometheus.Counter

	// Delivery metrics
	deliveryOutcomesTotal *prometheus.CounterVec
	deliveryDuration      prometheus.Histogram
	prepareRetriesTotal   prometheus.Counter
	notificationsTotal    *prometheus.CounterVec
	notificationDuration  *prometheus.HistogramVec
	rateLimitedTotal      *prometheus.CounterVec

	// Listener metrics
	changedEventsTotal *prometheus.CounterVec
	listenerErrors     prometheus.Counter

	orphansDeletedTotal prometheus.Counter
	leader              prometheus.Gauge
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// If registration fails, it logs a warning and returns a functional sink.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.Logger) *PrometheusSink {
	s := &PrometheusSink{logger: logger}
	s.initWorkerMetrics(reg)
	s.initDeliveryMetrics(reg)
	s.initListenerMetrics(reg)
	s.initMaintenanceMetrics(reg)
	return s
}

func (s *PrometheusSink) initWorkerMetrics(reg prometheus.Registerer) {
	s.scansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_worker_scans_total",
		Help: "Total number of trigger scans.",
	})
	s.scanErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_worker_scan_errors_total",
		Help: "Total number of failed trigger scans.",
	})
	s.scanDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyalarm_worker_scan_duration_seconds",
		Help:    "Duration of each trigger scan in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
	})
	s.triggersScheduled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_worker_triggers_scheduled_total",
		Help: "Total number of triggers armed locally.",
	})
	s.timersCancelled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_worker_timers_cancelled_total",
		Help: "Total number of pending trigger timers cancelled.",
	})
	s.queueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyalarm_worker_queue_size",
		Help: "Current number of delivery tasks waiting for a worker.",
	})
	s.queueCapacity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyalarm_worker_queue_capacity",
		Help: "Capacity of the delivery task queue.",
	})
	s.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyalarm_worker_in_flight",
		Help: "Number of trigger keys owned by this node.",
	})
	s.submitFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_worker_submit_failures_total",
		Help: "Total number of tasks released because they could not be queued.",
	})

	s.register(reg, s.scansTotal, "easyalarm_worker_scans_total")
	s.register(reg, s.scanErrorsTotal, "easyalarm_worker_scan_errors_total")
	s.register(reg, s.scanDuration, "easyalarm_worker_scan_duration_seconds")
	s.register(reg, s.triggersScheduled, "easyalarm_worker_triggers_scheduled_total")
	s.register(reg, s.timersCancelled, "easyalarm_worker_timers_cancelled_total")
	s.register(reg, s.queueSize, "easyalarm_worker_queue_size")
	s.register(reg, s.queueCapacity, "easyalarm_worker_queue_capacity")
	s.register(reg, s.inFlight, "easyalarm_worker_in_flight")
	s.register(reg, s.submitFailuresTotal, "easyalarm_worker_submit_failures_total")
}

func (s *PrometheusSink) initDeliveryMetrics(reg prometheus.Registerer) {
	s.deliveryOutcomesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyalarm_delivery_outcomes_total",
		Help: "Total number of delivery task outcomes.",
	}, []string{"outcome"})
	s.deliveryDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "easyalarm_delivery_duration_seconds",
		Help:    "Duration of a delivery task in seconds.",
		Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	})
	s.prepareRetriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_delivery_prepare_retries_total",
		Help: "Total number of retried prepare transactions.",
	})
	s.notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyalarm_notifications_sent_total",
		Help: "Total number of notification sends by action and status.",
	}, []string{"action", "status"})
	s.notificationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "easyalarm_notification_duration_seconds",
		Help:    "Notification send latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"action"})
	s.rateLimitedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyalarm_notifications_rate_limited_total",
		Help: "Total number of notifications dropped by the rate limiter.",
	}, []string{"action"})

	s.register(reg, s.deliveryOutcomesTotal, "easyalarm_delivery_outcomes_total")
	s.register(reg, s.deliveryDuration, "easyalarm_delivery_duration_seconds")
	s.register(reg, s.prepareRetriesTotal, "easyalarm_delivery_prepare_retries_total")
	s.register(reg, s.notificationsTotal, "easyalarm_notifications_sent_total")
	s.register(reg, s.notificationDuration, "easyalarm_notification_duration_seconds")
	s.register(reg, s.rateLimitedTotal, "easyalarm_notifications_rate_limited_total")
}

func (s *PrometheusSink) initListenerMetrics(reg prometheus.Registerer) {
	s.changedEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "easyalarm_listener_events_total",
		Help: "Total number of changed events handled by kind.",
	}, []string{"kind"})
	s.listenerErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_listener_errors_total",
		Help: "Total number of change batches that failed.",
	})

	s.register(reg, s.changedEventsTotal, "easyalarm_listener_events_total")
	s.register(reg, s.listenerErrors, "easyalarm_listener_errors_total")
}

func (s *PrometheusSink) initMaintenanceMetrics(reg prometheus.Registerer) {
	s.orphansDeletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "easyalarm_reconciler_orphans_deleted_total",
		Help: "Total number of orphaned trigger rows deleted.",
	})
	s.leader = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "easyalarm_leader",
		Help: "1 if this node holds the maintenance leader lock.",
	})

	s.register(reg, s.orphansDeletedTotal, "easyalarm_reconciler_orphans_deleted_total")
	s.register(reg, s.leader, "easyalarm_leader")
}

func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warn("metrics_register_failed", zap.String("metric", name), zap.Error(err))
	}
}

// Worker metrics implementation

func (s *PrometheusSink) ScanCompleted(duration time.Duration, scheduled int, err error) {
	s.scansTotal.Inc()
	s.scanDuration.Observe(duration.Seconds())
	s.triggersScheduled.Add(float64(scheduled))
	if err != nil {
		s.scanErrorsTotal.Inc()
	}
}

func (s *PrometheusSink) TimersCancelled(count int) {
	s.timersCancelled.Add(float64(count))
}

func (s *PrometheusSink) QueueSizeUpdate(size int) {
	s.queueSize.Set(float64(size))
}

func (s *PrometheusSink) QueueCapacitySet(capacity int) {
	s.queueCapacity.Set(float64(capacity))
}

func (s *PrometheusSink) InFlightUpdate(count int) {
	s.inFlight.Set(float64(count))
}

func (s *PrometheusSink) SubmitFailed() {
	s.submitFailuresTotal.Inc()
}

// Delivery metrics implementation

func (s *PrometheusSink) DeliveryOutcome(outcome domain.DeliveryOutcome, duration time.Duration) {
	s.deliveryOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	s.deliveryDuration.Observe(duration.Seconds())
}

func (s *PrometheusSink) PrepareRetried() {
	s.prepareRetriesTotal.Inc()
}

func (s *PrometheusSink) NotificationSent(action domain.Action, status string, duration time.Duration) {
	s.notificationsTotal.WithLabelValues(string(action), status).Inc()
	s.notificationDuration.WithLabelValues(string(action)).Observe(duration.Seconds())
}

func (s *PrometheusSink) RateLimited(action domain.Action) {
	s.rateLimitedTotal.WithLabelValues(string(action)).Inc()
}

func (s *PrometheusSink) ChangeBatchHandled(created, deleted int, err error) {
	s.changedEventsTotal.WithLabelValues("changed").Add(float64(created))
	s.changedEventsTotal.WithLabelValues("deleted").Add(float64(deleted))
	if err != nil {
		s.listenerErrors.Inc()
	}
}

func (s *PrometheusSink) OrphanedTriggersDeleted(count int) {
	s.orphansDeletedTotal.Add(float64(count))
}

func (s *PrometheusSink) LeaderStatusSet(leader bool) {
	if leader {
		s.leader.Set(1)
		return
	}
	s.leader.Set(0)
}
