package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Config holds all configuration for the easyalarm application.
// Values are loaded from environment variables and an optional .env file.
type Config struct {
	// Alarm worker. Period, InitialDelay, LookAhead and OverdueWait are set
	// in minutes.
	AlarmEnabled       bool
	AlarmPeriod        time.Duration
	AlarmInitialDelay  time.Duration
	AlarmLookAhead     time.Duration
	AlarmOverdueWait   time.Duration
	AlarmWorkers       int
	AlarmQueueSize     int
	AlarmScanBatchSize int
	AlarmDrainTimeout  time.Duration

	DatabaseURL        string
	DatabaseReplicaURL string
	ReplicationLag     time.Duration
	DBMaxOpenConns     int
	DBMaxIdleConns     int
	DBConnMaxLifetime  time.Duration
	DBConnMaxIdleTime  time.Duration

	// RedisAddr switches rate limiting from per-process to cluster-wide.
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RateLimitPrefix string
	RateLimits      string

	// CircuitBreakerThreshold: 0 disables the circuit breaker.
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration

	NotifyServicesFile   string
	NotifyWebhookURL     string
	NotifyWebhookSecret  string
	NotifyWebhookActions []domain.Action
	NotifyWebhookTimeout time.Duration

	MQTTBroker      string
	MQTTClientID    string
	MQTTUsername    string
	MQTTPassword    string
	MQTTTopicPrefix string
	MQTTActions     []domain.Action

	HTTPAddr            string
	HTTPShutdownTimeout time.Duration

	MetricsEnabled bool
	MetricsPath    string

	LogLevel  string
	LogFormat string

	ReconcileEnabled   bool
	ReconcileSchedule  string
	ReconcileBatchSize int

	// LeaderLockKey: all instances sharing the same database must use the same key.
	LeaderLockKey int64

	// LeaderRetryInterval determines the maximum failover gap.
	LeaderRetryInterval time.Duration

	// LeaderHeartbeatInterval pings the dedicated connection to detect local
	// connection death. It does not renew the advisory lock.
	LeaderHeartbeatInterval time.Duration

	// malformed values, reported by Validate
	parseErrors ValidationErrors
}

// Load reads configuration from the environment with defaults. A .env file
// in the working directory is loaded first if present; real environment
// variables win. Malformed values keep their default and are reported by
// Validate.
func Load() Config {
	_ = godotenv.Load()

	var l loader
	cfg := Config{
		AlarmEnabled:       l.getenvBool("ALARM_ENABLED", true),
		AlarmPeriod:        l.getenvMinutes("ALARM_PERIOD", 30),
		AlarmInitialDelay:  l.getenvMinutes("ALARM_INITIAL_DELAY", 10),
		AlarmLookAhead:     l.getenvMinutes("ALARM_LOOK_AHEAD", 35),
		AlarmOverdueWait:   l.getenvMinutes("ALARM_OVERDUE_WAIT_TIME", 5),
		AlarmWorkers:       l.getenvInt("ALARM_WORKERS", 10),
		AlarmQueueSize:     l.getenvInt("ALARM_QUEUE_SIZE", 100),
		AlarmScanBatchSize: l.getenvInt("ALARM_SCAN_BATCH_SIZE", 1000),
		AlarmDrainTimeout:  l.getenvDuration("ALARM_DRAIN_TIMEOUT", 30*time.Second),

		DatabaseURL:        l.getenv("DATABASE_URL", ""),
		DatabaseReplicaURL: l.getenv("DATABASE_REPLICA_URL", ""),
		ReplicationLag:     l.getenvDuration("REPLICATION_LAG", 5*time.Second),
		DBMaxOpenConns:     l.getenvInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:     l.getenvInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime:  l.getenvDuration("DB_CONN_MAX_LIFETIME", 30*time.Minute),
		DBConnMaxIdleTime:  l.getenvDuration("DB_CONN_MAX_IDLE_TIME", 5*time.Minute),

		RedisAddr:       l.getenv("REDIS_ADDR", ""),
		RedisPassword:   l.getenv("REDIS_PASSWORD", ""),
		RedisDB:         l.getenvInt("REDIS_DB", 0),
		RateLimitPrefix: l.getenv("RATE_LIMIT_PREFIX", "alarm"),
		RateLimits:      l.getenv("RATE_LIMITS", ""),

		CircuitBreakerThreshold: l.getenvInt("CIRCUIT_BREAKER_THRESHOLD", 5),
		CircuitBreakerCooldown:  l.getenvDuration("CIRCUIT_BREAKER_COOLDOWN", 2*time.Minute),

		NotifyServicesFile:   l.getenv("NOTIFY_SERVICES_FILE", ""),
		NotifyWebhookURL:     l.getenv("NOTIFY_WEBHOOK_URL", ""),
		NotifyWebhookSecret:  l.getenv("NOTIFY_WEBHOOK_SECRET", ""),
		NotifyWebhookActions: l.getenvActions("NOTIFY_WEBHOOK_ACTIONS", "EMAIL"),
		NotifyWebhookTimeout: l.getenvDuration("NOTIFY_WEBHOOK_TIMEOUT", 10*time.Second),

		MQTTBroker:      l.getenv("MQTT_BROKER", ""),
		MQTTClientID:    l.getenv("MQTT_CLIENT_ID", "easyalarm"),
		MQTTUsername:    l.getenv("MQTT_USERNAME", ""),
		MQTTPassword:    l.getenv("MQTT_PASSWORD", ""),
		MQTTTopicPrefix: l.getenv("MQTT_TOPIC_PREFIX", "alarms"),
		MQTTActions:     l.getenvActions("MQTT_ACTIONS", "DISPLAY"),

		HTTPAddr:            l.getenv("HTTP_ADDR", ""),
		HTTPShutdownTimeout: l.getenvDuration("HTTP_SHUTDOWN_TIMEOUT", 10*time.Second),

		MetricsEnabled: l.getenvBool("METRICS_ENABLED", false),
		MetricsPath:    l.getenv("METRICS_PATH", "/metrics"),

		LogLevel:  strings.ToLower(l.getenv("LOG_LEVEL", "info")),
		LogFormat: strings.ToLower(l.getenv("LOG_FORMAT", "json")),

		ReconcileEnabled:   l.getenvBool("RECONCILE_ENABLED", true),
		ReconcileSchedule:  l.getenv("RECONCILE_SCHEDULE", "@hourly"),
		ReconcileBatchSize: l.getenvInt("RECONCILE_BATCH_SIZE", 500),

		LeaderLockKey:           int64(l.getenvInt("LEADER_LOCK_KEY", 728492)),
		LeaderRetryInterval:     l.getenvDuration("LEADER_RETRY_INTERVAL", 5*time.Second),
		LeaderHeartbeatInterval: l.getenvDuration("LEADER_HEARTBEAT_INTERVAL", 2*time.Second),
	}

	// Support the platform PORT variable as fallback for HTTP_ADDR.
	if cfg.HTTPAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.HTTPAddr = ":" + port
		} else {
			cfg.HTTPAddr = ":8080"
		}
	}

	cfg.parseErrors = l.errs
	return cfg
}

// loader reads typed environment variables and remembers malformed ones.
type loader struct {
	errs ValidationErrors
}

func (l *loader) fail(key, raw string, err error) {
	l.errs = append(l.errs, ValidationError{
		Field:   key,
		Message: fmt.Sprintf("invalid value %q: %v", raw, err),
	})
}

func (l *loader) getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(v)
	}
	return fallback
}

func (l *loader) getenvBool(key string, fallback bool) bool {
	raw := l.getenv(key, "")
	if raw == "" {
		return fallback
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		l.fail(key, raw, err)
		return fallback
	}
	return b
}

func (l *loader) getenvInt(key string, fallback int) int {
	raw := l.getenv(key, "")
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		l.fail(key, raw, err)
		return fallback
	}
	return n
}

func (l *loader) getenvDuration(key string, fallback time.Duration) time.Duration {
	raw := l.getenv(key, "")
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		l.fail(key, raw, err)
		return fallback
	}
	return d
}

func (l *loader) getenvMinutes(key string, fallback int) time.Duration {
	return time.Duration(l.getenvInt(key, fallback)) * time.Minute
}

func (l *loader) getenvActions(key, fallback string) []domain.Action {
	return parseActions(l.getenv(key, fallback))
}

func parseActions(s string) []domain.Action {
	var out []domain.Action
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, domain.Action(part))
		}
	}
	return out
}

// MaskedJSON returns the configuration as JSON with secrets masked.
func (c Config) MaskedJSON() ([]byte, error) {
	masked := struct {
		AlarmEnabled            bool     `json:"alarm_enabled"`
		AlarmPeriod             string   `json:"alarm_period"`
		AlarmInitialDelay       string   `json:"alarm_initial_delay"`
		AlarmLookAhead          string   `json:"alarm_look_ahead"`
		AlarmOverdueWait        string   `json:"alarm_overdue_wait_time"`
		AlarmWorkers            int      `json:"alarm_workers"`
		AlarmQueueSize          int      `json:"alarm_queue_size"`
		AlarmScanBatchSize      int      `json:"alarm_scan_batch_size"`
		AlarmDrainTimeout       string   `json:"alarm_drain_timeout"`
		DatabaseURL             string   `json:"database_url"`
		DatabaseReplicaURL      string   `json:"database_replica_url,omitempty"`
		ReplicationLag          string   `json:"replication_lag"`
		DBMaxOpenConns          int      `json:"db_max_open_conns"`
		DBMaxIdleConns          int      `json:"db_max_idle_conns"`
		DBConnMaxLifetime       string   `json:"db_conn_max_lifetime"`
		DBConnMaxIdleTime       string   `json:"db_conn_max_idle_time"`
		RedisAddr               string   `json:"redis_addr,omitempty"`
		RedisPassword           string   `json:"redis_password,omitempty"`
		RedisDB                 int      `json:"redis_db"`
		RateLimitPrefix         string   `json:"rate_limit_prefix"`
		RateLimits              string   `json:"rate_limits,omitempty"`
		CircuitBreakerThreshold int      `json:"circuit_breaker_threshold"`
		CircuitBreakerCooldown  string   `json:"circuit_breaker_cooldown"`
		NotifyServicesFile      string   `json:"notify_services_file,omitempty"`
		NotifyWebhookURL        string   `json:"notify_webhook_url,omitempty"`
		NotifyWebhookSecret     string   `json:"notify_webhook_secret,omitempty"`
		NotifyWebhookActions    []string `json:"notify_webhook_actions"`
		NotifyWebhookTimeout    string   `json:"notify_webhook_timeout"`
		MQTTBroker              string   `json:"mqtt_broker,omitempty"`
		MQTTClientID            string   `json:"mqtt_client_id"`
		MQTTUsername            string   `json:"mqtt_username,omitempty"`
		MQTTPassword            string   `json:"mqtt_password,omitempty"`
		MQTTTopicPrefix         string   `json:"mqtt_topic_prefix"`
		MQTTActions             []string `json:"mqtt_actions"`
		HTTPAddr                string   `json:"http_addr"`
		HTTPShutdownTimeout     string   `json:"http_shutdown_timeout"`
		MetricsEnabled          bool     `json:"metrics_enabled"`
		MetricsPath             string   `json:"metrics_path"`
		LogLevel                string   `json:"log_level"`
		LogFormat               string   `json:"log_format"`
		ReconcileEnabled        bool     `json:"reconcile_enabled"`
		ReconcileSchedule       string   `json:"reconcile_schedule"`
		ReconcileBatchSize      int      `json:"reconcile_batch_size"`
		LeaderLockKey           int64    `json:"leader_lock_key"`
		LeaderRetryInterval     string   `json:"leader_retry_interval"`
		LeaderHeartbeatInterval string   `json:"leader_heartbeat_interval"`
	}{
		AlarmEnabled:            c.AlarmEnabled,
		AlarmPeriod:             c.AlarmPeriod.String(),
		AlarmInitialDelay:       c.AlarmInitialDelay.String(),
		AlarmLookAhead:          c.AlarmLookAhead.String(),
		AlarmOverdueWait:        c.AlarmOverdueWait.String(),
		AlarmWorkers:            c.AlarmWorkers,
		AlarmQueueSize:          c.AlarmQueueSize,
		AlarmScanBatchSize:      c.AlarmScanBatchSize,
		AlarmDrainTimeout:       c.AlarmDrainTimeout.String(),
		DatabaseURL:             maskSecret(c.DatabaseURL),
		DatabaseReplicaURL:      maskSecret(c.DatabaseReplicaURL),
		ReplicationLag:          c.ReplicationLag.String(),
		DBMaxOpenConns:          c.DBMaxOpenConns,
		DBMaxIdleConns:          c.DBMaxIdleConns,
		DBConnMaxLifetime:       c.DBConnMaxLifetime.String(),
		DBConnMaxIdleTime:       c.DBConnMaxIdleTime.String(),
		RedisAddr:               c.RedisAddr,
		RedisPassword:           maskSecret(c.RedisPassword),
		RedisDB:                 c.RedisDB,
		RateLimitPrefix:         c.RateLimitPrefix,
		RateLimits:              c.RateLimits,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		CircuitBreakerCooldown:  c.CircuitBreakerCooldown.String(),
		NotifyServicesFile:      c.NotifyServicesFile,
		NotifyWebhookURL:        c.NotifyWebhookURL,
		NotifyWebhookSecret:     maskSecret(c.NotifyWebhookSecret),
		NotifyWebhookActions:    actionStrings(c.NotifyWebhookActions),
		NotifyWebhookTimeout:    c.NotifyWebhookTimeout.String(),
		MQTTBroker:              c.MQTTBroker,
		MQTTClientID:            c.MQTTClientID,
		MQTTUsername:            c.MQTTUsername,
		MQTTPassword:            maskSecret(c.MQTTPassword),
		MQTTTopicPrefix:         c.MQTTTopicPrefix,
		MQTTActions:             actionStrings(c.MQTTActions),
		HTTPAddr:                c.HTTPAddr,
		HTTPShutdownTimeout:     c.HTTPShutdownTimeout.String(),
		MetricsEnabled:          c.MetricsEnabled,
		MetricsPath:             c.MetricsPath,
		LogLevel:                c.LogLevel,
		LogFormat:               c.LogFormat,
		ReconcileEnabled:        c.ReconcileEnabled,
		ReconcileSchedule:       c.ReconcileSchedule,
		ReconcileBatchSize:      c.ReconcileBatchSize,
		LeaderLockKey:           c.LeaderLockKey,
		LeaderRetryInterval:     c.LeaderRetryInterval.String(),
		LeaderHeartbeatInterval: c.LeaderHeartbeatInterval.String(),
	}
	return json.MarshalIndent(masked, "", "  ")
}

func actionStrings(actions []domain.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

// maskSecret masks a secret value, preserving only the URI scheme if present.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	for _, scheme := range []string{"postgres://", "postgresql://", "redis://"} {
		if strings.HasPrefix(s, scheme) {
			return scheme + "***"
		}
	}
	return "***"
}
