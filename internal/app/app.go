// Package app wires the alarm engine together with fx.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/alarm"
	"github.com/djlord-it/easy-alarm/internal/api"
	"github.com/djlord-it/easy-alarm/internal/config"
	"github.com/djlord-it/easy-alarm/internal/cron"
	"github.com/djlord-it/easy-alarm/internal/leaderelection"
	"github.com/djlord-it/easy-alarm/internal/listener"
	"github.com/djlord-it/easy-alarm/internal/logging"
	"github.com/djlord-it/easy-alarm/internal/metrics"
	"github.com/djlord-it/easy-alarm/internal/notify"
	"github.com/djlord-it/easy-alarm/internal/ratelimit"
	"github.com/djlord-it/easy-alarm/internal/reconciler"
	"github.com/djlord-it/easy-alarm/internal/store/postgres"
	"github.com/djlord-it/easy-alarm/internal/worker"
	"github.com/djlord-it/easy-alarm/migrations"
)

const serviceName = "easyalarm"

// New builds the application for a validated configuration.
func New(cfg config.Config) *fx.App {
	return fx.New(
		Options(cfg),
		fx.WithLogger(func(logger *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: logger.Named("fx")}
		}),
	)
}

// Options is the dependency graph of the server.
func Options(cfg config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newPool,
			newStore,
			newMetrics,
			notify.NewRegistry,
			newRateGate,
			newWorker,
			newListener,
			newHandler,
			newHTTPServer,
			newElector,
		),
		fx.Invoke(logConfigWarnings, registerNotifiers, registerHooks),
		fx.StopTimeout(stopTimeout(cfg)),
	)
}

// stopTimeout leaves room for the HTTP shutdown and the worker drain, which
// run one after the other.
func stopTimeout(cfg config.Config) time.Duration {
	return cfg.HTTPShutdownTimeout + cfg.AlarmDrainTimeout + 5*time.Second
}

// RunServer starts the HTTP API, the alarm worker and the background
// maintenance, and blocks until SIGINT or SIGTERM.
func RunServer(cfg config.Config) error {
	app := New(cfg)
	if err := app.Err(); err != nil {
		return err
	}
	app.Run()
	return nil
}

// RunMigrations applies or rolls back the embedded schema.
func RunMigrations(cfg config.Config, command string) error {
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("migration_started", zap.String("command", command))
	changed, err := migrations.Run(cfg.DatabaseURL, command)
	if err != nil {
		return err
	}
	if !changed {
		logger.Info("migration_no_change", zap.String("command", command))
		return nil
	}
	logger.Info("migration_applied", zap.String("command", command))
	return nil
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat, serviceName)
}

func newPool(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*postgres.Pool, error) {
	pool, err := postgres.Open(cfg.DatabaseURL, cfg.DatabaseReplicaURL, postgres.PoolConfig{
		MaxOpenConns:    cfg.DBMaxOpenConns,
		MaxIdleConns:    cfg.DBMaxIdleConns,
		ConnMaxLifetime: cfg.DBConnMaxLifetime,
		ConnMaxIdleTime: cfg.DBConnMaxIdleTime,
		ReplicationLag:  cfg.ReplicationLag,
	})
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := pool.Primary().PingContext(ctx); err != nil {
				return fmt.Errorf("connect to database: %w", err)
			}
			if err := probeProcessedColumn(ctx, pool.Primary()); err != nil {
				return err
			}
			logger.Info("db_pool_configured",
				zap.Int("max_open", cfg.DBMaxOpenConns),
				zap.Int("max_idle", cfg.DBMaxIdleConns),
				zap.Duration("max_lifetime", cfg.DBConnMaxLifetime),
				zap.Duration("max_idle_time", cfg.DBConnMaxIdleTime),
				zap.Bool("replica", cfg.DatabaseReplicaURL != ""),
			)
			return nil
		},
		OnStop: func(context.Context) error {
			logger.Info("db_pool_closing", zap.Int64("unmodified_releases", pool.UnmodifiedReleases()))
			return pool.Close()
		},
	})
	return pool, nil
}

func newStore(pool *postgres.Pool) *postgres.Store {
	return postgres.New(pool)
}

func newMetrics(cfg config.Config, logger *zap.Logger) metrics.Sink {
	if !cfg.MetricsEnabled {
		logger.Info("metrics_disabled")
		return metrics.NewNoopSink()
	}
	logger.Info("metrics_enabled", zap.String("path", cfg.MetricsPath))
	return metrics.NewPrometheusSink(prometheus.DefaultRegisterer, logger)
}

func newRateGate(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*ratelimit.Gate, error) {
	rates, err := ratelimit.ParseRates(cfg.RateLimits)
	if err != nil {
		return nil, fmt.Errorf("rate limits: %w", err)
	}

	var factory ratelimit.Factory
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return client.Close() },
		})
		factory = ratelimit.NewRedisFactory(client)
		logger.Info("rate_limit_backend", zap.String("backend", "redis"), zap.String("redis", cfg.RedisAddr))
	} else {
		factory = ratelimit.NewLocalFactory(0)
		logger.Info("rate_limit_backend", zap.String("backend", "local"))
	}

	return ratelimit.NewGate(cfg.RateLimitPrefix, rates, factory, logger), nil
}

func newWorker(cfg config.Config, store *postgres.Store, registry *notify.Registry, gate *ratelimit.Gate, sink metrics.Sink, logger *zap.Logger) *worker.Worker {
	return worker.New(
		worker.Config{
			Enabled:      cfg.AlarmEnabled,
			Period:       cfg.AlarmPeriod,
			InitialDelay: cfg.AlarmInitialDelay,
			LookAhead:    cfg.AlarmLookAhead,
			OverdueWait:  cfg.AlarmOverdueWait,
			BatchSize:    cfg.AlarmScanBatchSize,
			Workers:      cfg.AlarmWorkers,
			QueueSize:    cfg.AlarmQueueSize,
			DrainTimeout: cfg.AlarmDrainTimeout,
		},
		worker.Deps{
			Store:      store,
			Database:   store,
			Providers:  store,
			Calculator: alarm.NewCalculator(),
			Services:   registry,
			Gate:       gate,
			Metrics:    sink,
			Logger:     logger,
		},
	)
}

func newListener(w *worker.Worker, store *postgres.Store, sink metrics.Sink, logger *zap.Logger) *listener.Listener {
	return listener.New(w, logger).WithCalendar(store).WithMetrics(sink)
}

func newHandler(cfg config.Config, l *listener.Listener, store *postgres.Store, registry *notify.Registry, logger *zap.Logger) *api.Handler {
	h := api.NewHandler(l, store, registry, logger).WithHealthChecker(store)
	if cfg.MetricsEnabled {
		h = h.WithMetrics(cfg.MetricsPath, promhttp.Handler())
	}
	return h
}

func newHTTPServer(cfg config.Config, h *api.Handler) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	return &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newElector returns nil when the orphan sweep is disabled; nothing else
// needs the leader.
func newElector(cfg config.Config, pool *postgres.Pool, store *postgres.Store, sink metrics.Sink, logger *zap.Logger) (*leaderelection.Elector, error) {
	if !cfg.ReconcileEnabled {
		logger.Info("reconciler_disabled")
		return nil, nil
	}
	schedule, err := cron.NewParser().Parse(cfg.ReconcileSchedule, "UTC")
	if err != nil {
		return nil, fmt.Errorf("reconcile schedule: %w", err)
	}

	recon := reconciler.New(reconciler.Config{
		Schedule:  schedule,
		BatchSize: cfg.ReconcileBatchSize,
	}, store, logger).WithMetrics(sink)

	duties := leaderelection.Duties{Elected: recon.Run}

	return leaderelection.New(pool.Primary(), leaderelection.Config{
		LockKey:           cfg.LeaderLockKey,
		RetryInterval:     cfg.LeaderRetryInterval,
		HeartbeatInterval: cfg.LeaderHeartbeatInterval,
	}, duties, logger).WithMetrics(sink), nil
}

func registerHooks(
	lc fx.Lifecycle,
	cfg config.Config,
	server *http.Server,
	w *worker.Worker,
	elector *leaderelection.Elector,
	logger *zap.Logger,
) {
	var workerCancel, electorCancel context.CancelFunc
	workerDone := make(chan struct{})
	electorDone := make(chan struct{})

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			workerCancel = cancel
			go func() {
				defer close(workerDone)
				if err := w.Run(workerCtx); err != nil {
					logger.Error("alarm_worker_failed", zap.Error(err))
				}
			}()

			if elector != nil {
				electorCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
				electorCancel = cancel
				go func() {
					defer close(electorDone)
					elector.Run(electorCtx)
				}()
			} else {
				close(electorDone)
			}

			go func() {
				logger.Info("http_server_listening", zap.String("addr", cfg.HTTPAddr))
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Fatal("http_server_failed", zap.Error(err))
				}
			}()

			logger.Info("easyalarm_started",
				zap.Bool("alarm_enabled", cfg.AlarmEnabled),
				zap.Duration("period", cfg.AlarmPeriod),
				zap.Duration("look_ahead", cfg.AlarmLookAhead),
			)
			return nil
		},
		OnStop: func(ctx context.Context) error {
			// Stop intake first, then background work, then the pool.
			logger.Info("http_server_stopping")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.HTTPShutdownTimeout)
			defer cancel()
			err := server.Shutdown(shutdownCtx)

			if electorCancel != nil {
				electorCancel()
			}
			<-electorDone

			if workerCancel != nil {
				workerCancel()
			}
			<-workerDone

			logger.Info("easyalarm_stopped")
			return err
		},
	})
}
