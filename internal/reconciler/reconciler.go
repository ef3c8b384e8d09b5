// Package reconciler sweeps orphaned alarm trigger rows.
//
// Trigger rows carry no foreign key to their event, so a calendar write that
// bypasses the listener can leave rows behind whose event no longer exists.
// Such rows would be claimed by a scan only to fail permanently. The
// reconciler deletes them on a cron schedule, in bounded batches. It is meant
// to run on the elected leader only.
package reconciler

import (
	"context"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/logging"
)

type Store interface {
	DeleteOrphanedTriggers(ctx context.Context, limit int) (int, error)
}

// MetricsSink must not block.
type MetricsSink interface {
	OrphanedTriggersDeleted(count int)
}

// Config holds reconciler configuration.
type Config struct {
	// Schedule decides when a sweep runs.
	Schedule robfig.Schedule

	// BatchSize is the maximum number of rows deleted per statement.
	// Default: 500.
	BatchSize int

	// MaxBatches bounds one sweep. Default: 20.
	MaxBatches int
}

// Reconciler deletes orphaned trigger rows.
type Reconciler struct {
	config  Config
	store   Store
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.Logger
}

func New(config Config, store Store, logger *zap.Logger) *Reconciler {
	if config.BatchSize <= 0 {
		config.BatchSize = 500
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = 20
	}
	if config.Schedule == nil {
		config.Schedule = robfig.Every(time.Hour)
	}
	return &Reconciler{
		config: config,
		store:  store,
		logger: logger.Named("reconciler"),
	}
}

// WithMetrics attaches a metrics sink to the reconciler.
func (r *Reconciler) WithMetrics(sink MetricsSink) *Reconciler {
	r.metrics = sink
	return r
}

// Run sweeps once immediately and then on the schedule. It blocks until ctx
// is cancelled and a running sweep has returned.
func (r *Reconciler) Run(ctx context.Context) {
	cl := logging.CronLogger(r.logger)
	c := robfig.New(
		robfig.WithLocation(time.UTC),
		robfig.WithLogger(cl),
		robfig.WithChain(robfig.Recover(cl), robfig.SkipIfStillRunning(cl)),
	)
	c.Schedule(r.config.Schedule, robfig.FuncJob(func() {
		_, _ = r.RunCycle(ctx)
	}))

	r.logger.Info("reconciler_started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Int("max_batches", r.config.MaxBatches),
	)

	_, _ = r.RunCycle(ctx)
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()
	r.logger.Info("reconciler_stopped")
}

// RunCycle executes one sweep and returns the number of rows deleted.
func (r *Reconciler) RunCycle(ctx context.Context) (int, error) {
	total := 0
	for batch := 0; batch < r.config.MaxBatches; batch++ {
		if ctx.Err() != nil {
			break
		}
		n, err := r.store.DeleteOrphanedTriggers(ctx, r.config.BatchSize)
		if err != nil {
			// Retried on the next schedule.
			r.logger.Warn("reconcile_failed", zap.Int("deleted", total), zap.Error(err))
			r.record(total)
			return total, err
		}
		total += n
		if n < r.config.BatchSize {
			break
		}
	}

	r.record(total)
	if total > 0 {
		r.logger.Info("orphaned_triggers_deleted", zap.Int("count", total))
	}
	return total, nil
}

func (r *Reconciler) record(n int) {
	if r.metrics != nil && n > 0 {
		r.metrics.OrphanedTriggersDeleted(n)
	}
}
