package config

import (
	"fmt"
	"time"

	"github.com/djlord-it/easy-alarm/internal/cron"
	"github.com/djlord-it/easy-alarm/internal/ratelimit"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	if len(e) == 1 {
		return e[0].Error()
	}
	msg := fmt.Sprintf("%d validation errors:", len(e))
	for _, err := range e {
		msg += "\n  - " + err.Error()
	}
	return msg
}

// Validate checks the configuration for errors.
// Returns nil if valid, or ValidationErrors if invalid.
func Validate(cfg Config) error {
	errs := append(ValidationErrors(nil), cfg.parseErrors...)
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.DatabaseURL == "" {
		add("DATABASE_URL", "required")
	}

	for _, d := range []struct {
		field string
		value time.Duration
	}{
		{"ALARM_PERIOD", cfg.AlarmPeriod},
		{"ALARM_LOOK_AHEAD", cfg.AlarmLookAhead},
		{"ALARM_OVERDUE_WAIT_TIME", cfg.AlarmOverdueWait},
		{"ALARM_DRAIN_TIMEOUT", cfg.AlarmDrainTimeout},
		{"REPLICATION_LAG", cfg.ReplicationLag},
		{"CIRCUIT_BREAKER_COOLDOWN", cfg.CircuitBreakerCooldown},
		{"NOTIFY_WEBHOOK_TIMEOUT", cfg.NotifyWebhookTimeout},
		{"HTTP_SHUTDOWN_TIMEOUT", cfg.HTTPShutdownTimeout},
		{"LEADER_RETRY_INTERVAL", cfg.LeaderRetryInterval},
		{"LEADER_HEARTBEAT_INTERVAL", cfg.LeaderHeartbeatInterval},
	} {
		if d.value <= 0 {
			add(d.field, "must be positive")
		}
	}
	if cfg.AlarmInitialDelay < 0 {
		add("ALARM_INITIAL_DELAY", "must not be negative")
	}

	for _, n := range []struct {
		field string
		value int
	}{
		{"ALARM_WORKERS", cfg.AlarmWorkers},
		{"ALARM_QUEUE_SIZE", cfg.AlarmQueueSize},
		{"ALARM_SCAN_BATCH_SIZE", cfg.AlarmScanBatchSize},
		{"DB_MAX_OPEN_CONNS", cfg.DBMaxOpenConns},
		{"RECONCILE_BATCH_SIZE", cfg.ReconcileBatchSize},
		{"LEADER_LOCK_KEY", int(cfg.LeaderLockKey)},
	} {
		if n.value <= 0 {
			add(n.field, "must be positive")
		}
	}
	if cfg.DBMaxIdleConns < 0 {
		add("DB_MAX_IDLE_CONNS", "must not be negative")
	}
	if cfg.CircuitBreakerThreshold < 0 {
		add("CIRCUIT_BREAKER_THRESHOLD", "must not be negative")
	}

	// A shorter look-ahead would leave triggers between two scans unclaimed.
	if cfg.AlarmPeriod > 0 && cfg.AlarmLookAhead < cfg.AlarmPeriod {
		add("ALARM_LOOK_AHEAD", "must be at least ALARM_PERIOD (%s), got %s", cfg.AlarmPeriod, cfg.AlarmLookAhead)
	}

	if _, err := ratelimit.ParseRates(cfg.RateLimits); err != nil {
		add("RATE_LIMITS", "%v", err)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		add("LOG_LEVEL", "must be one of debug, info, warn, error, got %q", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "console" {
		add("LOG_FORMAT", "must be 'json' or 'console', got %q", cfg.LogFormat)
	}

	if cfg.ReconcileEnabled {
		if _, err := cron.NewParser().Parse(cfg.ReconcileSchedule, "UTC"); err != nil {
			add("RECONCILE_SCHEDULE", "%v", err)
		}
	}

	if cfg.NotifyWebhookURL != "" && len(cfg.NotifyWebhookActions) == 0 {
		add("NOTIFY_WEBHOOK_ACTIONS", "required when NOTIFY_WEBHOOK_URL is set")
	}
	if cfg.MQTTBroker != "" && len(cfg.MQTTActions) == 0 {
		add("MQTT_ACTIONS", "required when MQTT_BROKER is set")
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}
