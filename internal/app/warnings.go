package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/config"
)

var ErrSchemaOutdated = errors.New("calendar_alarm_trigger.processed is missing; run `easyalarm migrate up`")

// logConfigWarnings flags configurations that start fine but lose alarms or
// visibility at runtime.
func logConfigWarnings(cfg config.Config, logger *zap.Logger) {
	if !cfg.ReconcileEnabled {
		logger.Warn("config_warning",
			zap.String("severity", "P1"),
			zap.String("setting", "RECONCILE_ENABLED=false"),
			zap.String("detail", "trigger rows of deleted events are never swept"),
		)
	}
	if !cfg.MetricsEnabled {
		logger.Warn("config_warning",
			zap.String("severity", "P1"),
			zap.String("setting", "METRICS_ENABLED=false"),
			zap.String("detail", "delivery outcomes and queue depth are not observable"),
		)
	}
	if cfg.NotifyWebhookURL == "" && cfg.MQTTBroker == "" && cfg.NotifyServicesFile == "" {
		logger.Warn("config_warning",
			zap.String("severity", "P0"),
			zap.String("setting", "NOTIFY_WEBHOOK_URL, MQTT_BROKER and NOTIFY_SERVICES_FILE unset"),
			zap.String("detail", "no notification service is registered; due triggers are not scanned"),
		)
	}
	if !cfg.AlarmEnabled {
		logger.Info("config_notice",
			zap.String("setting", "ALARM_ENABLED=false"),
			zap.String("detail", "this node maintains trigger rows but delivers nothing"),
		)
	}
	if cfg.RedisAddr == "" && cfg.RateLimits != "" {
		logger.Info("config_notice",
			zap.String("setting", "REDIS_ADDR unset"),
			zap.String("detail", "rate limits apply per process, not cluster-wide"),
		)
	}
}

// probeProcessedColumn fails when the schema predates the fencing column.
func probeProcessedColumn(ctx context.Context, db *sql.DB) error {
	var one int
	err := db.QueryRowContext(ctx, `
		SELECT 1 FROM information_schema.columns
		WHERE table_name = 'calendar_alarm_trigger' AND column_name = 'processed'
	`).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrSchemaOutdated
	}
	if err != nil {
		return fmt.Errorf("probe schema: %w", err)
	}
	return nil
}
