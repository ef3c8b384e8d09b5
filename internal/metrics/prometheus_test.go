package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	sink := NewPrometheusSink(reg, zap.NewNop())
	return sink, reg
}

func getCounterValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetCounter() != nil {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func getGaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if m.GetGauge() != nil {
					return m.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func getCounterVecValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() == name {
			for _, m := range mf.GetMetric() {
				if matchLabels(m.GetLabel(), labels) {
					return m.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_Registration(t *testing.T) {
	reg := prometheus.NewRegistry()
	if sink := NewPrometheusSink(reg, zap.NewNop()); sink == nil {
		t.Fatal("NewPrometheusSink returned nil")
	}
}

func TestPrometheusSink_DuplicateRegistrationDoesNotPanic(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewPrometheusSink(reg, zap.NewNop())
	sink := NewPrometheusSink(reg, zap.NewNop())

	// Collectors of the second sink are unregistered but must stay usable.
	sink.ScanCompleted(time.Millisecond, 1, nil)
	sink.LeaderStatusSet(true)
}

func TestPrometheusSink_ScanCompleted(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ScanCompleted(100*time.Millisecond, 5, nil)
	sink.ScanCompleted(50*time.Millisecond, 0, errors.New("db error"))

	if v := getCounterValue(t, reg, "easyalarm_worker_scans_total"); v != 2 {
		t.Errorf("scans_total = %v, want 2", v)
	}
	if v := getCounterValue(t, reg, "easyalarm_worker_scan_errors_total"); v != 1 {
		t.Errorf("scan_errors_total = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "easyalarm_worker_triggers_scheduled_total"); v != 5 {
		t.Errorf("triggers_scheduled_total = %v, want 5", v)
	}
}

func TestPrometheusSink_WorkerGauges(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.QueueCapacitySet(100)
	sink.QueueSizeUpdate(42)
	sink.InFlightUpdate(7)
	sink.TimersCancelled(3)
	sink.SubmitFailed()

	if v := getGaugeValue(t, reg, "easyalarm_worker_queue_capacity"); v != 100 {
		t.Errorf("queue_capacity = %v, want 100", v)
	}
	if v := getGaugeValue(t, reg, "easyalarm_worker_queue_size"); v != 42 {
		t.Errorf("queue_size = %v, want 42", v)
	}
	if v := getGaugeValue(t, reg, "easyalarm_worker_in_flight"); v != 7 {
		t.Errorf("in_flight = %v, want 7", v)
	}
	if v := getCounterValue(t, reg, "easyalarm_worker_timers_cancelled_total"); v != 3 {
		t.Errorf("timers_cancelled_total = %v, want 3", v)
	}
	if v := getCounterValue(t, reg, "easyalarm_worker_submit_failures_total"); v != 1 {
		t.Errorf("submit_failures_total = %v, want 1", v)
	}
}

func TestPrometheusSink_DeliveryOutcomeLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.DeliveryOutcome(domain.OutcomeDelivered, time.Second)
	sink.DeliveryOutcome(domain.OutcomeDelivered, time.Second)
	sink.DeliveryOutcome(domain.OutcomeSkippedStale, time.Millisecond)

	delivered := getCounterVecValue(t, reg, "easyalarm_delivery_outcomes_total",
		map[string]string{"outcome": "delivered"})
	if delivered != 2 {
		t.Errorf("outcome=delivered = %v, want 2", delivered)
	}
	stale := getCounterVecValue(t, reg, "easyalarm_delivery_outcomes_total",
		map[string]string{"outcome": "skipped_stale"})
	if stale != 1 {
		t.Errorf("outcome=skipped_stale = %v, want 1", stale)
	}
}

func TestPrometheusSink_NotificationLabels(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.NotificationSent(domain.ActionEmail, SendStatusOK, 100*time.Millisecond)
	sink.NotificationSent(domain.ActionDisplay, SendStatusTimeout, 5*time.Second)
	sink.RateLimited(domain.ActionEmail)
	sink.PrepareRetried()

	ok := getCounterVecValue(t, reg, "easyalarm_notifications_sent_total",
		map[string]string{"action": "EMAIL", "status": "ok"})
	if ok != 1 {
		t.Errorf("EMAIL/ok = %v, want 1", ok)
	}
	timeout := getCounterVecValue(t, reg, "easyalarm_notifications_sent_total",
		map[string]string{"action": "DISPLAY", "status": "timeout"})
	if timeout != 1 {
		t.Errorf("DISPLAY/timeout = %v, want 1", timeout)
	}
	limited := getCounterVecValue(t, reg, "easyalarm_notifications_rate_limited_total",
		map[string]string{"action": "EMAIL"})
	if limited != 1 {
		t.Errorf("rate_limited EMAIL = %v, want 1", limited)
	}
	if v := getCounterValue(t, reg, "easyalarm_delivery_prepare_retries_total"); v != 1 {
		t.Errorf("prepare_retries_total = %v, want 1", v)
	}
}

func TestPrometheusSink_ListenerAndMaintenance(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ChangeBatchHandled(3, 2, nil)
	sink.ChangeBatchHandled(1, 0, errors.New("conflict"))
	sink.OrphanedTriggersDeleted(12)
	sink.LeaderStatusSet(true)

	changed := getCounterVecValue(t, reg, "easyalarm_listener_events_total",
		map[string]string{"kind": "changed"})
	if changed != 4 {
		t.Errorf("kind=changed = %v, want 4", changed)
	}
	deleted := getCounterVecValue(t, reg, "easyalarm_listener_events_total",
		map[string]string{"kind": "deleted"})
	if deleted != 2 {
		t.Errorf("kind=deleted = %v, want 2", deleted)
	}
	if v := getCounterValue(t, reg, "easyalarm_listener_errors_total"); v != 1 {
		t.Errorf("listener_errors_total = %v, want 1", v)
	}
	if v := getCounterValue(t, reg, "easyalarm_reconciler_orphans_deleted_total"); v != 12 {
		t.Errorf("orphans_deleted_total = %v, want 12", v)
	}
	if v := getGaugeValue(t, reg, "easyalarm_leader"); v != 1 {
		t.Errorf("leader = %v, want 1", v)
	}

	sink.LeaderStatusSet(false)
	if v := getGaugeValue(t, reg, "easyalarm_leader"); v != 0 {
		t.Errorf("leader = %v after step down, want 0", v)
	}
}
