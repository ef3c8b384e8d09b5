// Package worker finds due alarm triggers and runs their delivery tasks.
//
// A periodic scan selects trigger rows that fall due within the look-ahead
// window, plus rows left overdue by another node. Every selected row is
// claimed in the in-flight registry, armed on a timer for its trigger time and
// handed to a bounded pool of delivery workers when the timer fires.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/alarm"
	"github.com/djlord-it/easy-alarm/internal/cron"
	"github.com/djlord-it/easy-alarm/internal/delivery"
	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/inflight"
	"github.com/djlord-it/easy-alarm/internal/logging"
	"github.com/djlord-it/easy-alarm/internal/transport/channel"
)

// ErrStopped is returned by Scan once shutdown has begun.
var ErrStopped = errors.New("worker stopped")

// Config holds the scan cadence, the window sizes and the pool bounds.
type Config struct {
	// Enabled controls local scanning and scheduling. Trigger rows are
	// maintained either way.
	Enabled      bool
	Period       time.Duration
	InitialDelay time.Duration
	LookAhead    time.Duration
	OverdueWait  time.Duration
	BatchSize    int
	Workers      int
	QueueSize    int
	DrainTimeout time.Duration
}

type Store interface {
	DueTriggers(ctx context.Context, q domain.DueQuery) ([]domain.AlarmTrigger, error)
}

type Services interface {
	delivery.ServiceLookup
	Actions() []domain.Action
}

// Metrics defines the worker's metrics on top of the delivery task's.
// All methods must be non-blocking and fire-and-forget.
type Metrics interface {
	delivery.MetricsSink
	ScanCompleted(duration time.Duration, scheduled int, err error)
	TimersCancelled(count int)
	QueueSizeUpdate(size int)
	QueueCapacitySet(capacity int)
	InFlightUpdate(count int)
	SubmitFailed()
}

type Deps struct {
	Store      Store
	Database   delivery.Database
	Providers  delivery.Providers
	Calculator delivery.TriggerCalculator
	Services   Services
	Gate       delivery.RateGate
	Metrics    Metrics
	Logger     *zap.Logger
	Clock      func() time.Time
}

type Worker struct {
	cfg      Config
	deps     Deps
	logger   *zap.Logger
	inflight *inflight.Registry
	queue    *channel.Queue[*delivery.Task]

	// ctx bounds scans and queue submission; it ends when Run shuts down.
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	stopped bool
}

// New creates a worker. Nothing runs until Run is called.
func New(cfg Config, deps Deps) *Worker {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		cfg:      cfg,
		deps:     deps,
		logger:   deps.Logger.Named("worker"),
		inflight: inflight.New(),
		queue:    channel.NewQueue[*delivery.Task](cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}
	deps.Metrics.QueueCapacitySet(w.queue.Cap())
	return w
}

// InFlight exposes the registry of keys owned by this node.
func (w *Worker) InFlight() *inflight.Registry {
	return w.inflight
}

// Run starts the pool and the scan schedule and blocks until ctx ends. It
// then stops scanning, cancels pending timers and drains queued tasks for at
// most DrainTimeout.
func (w *Worker) Run(ctx context.Context) error {
	if !w.cfg.Enabled {
		w.logger.Info("alarm_worker_disabled")
		<-ctx.Done()
		w.shutdownIntake()
		return nil
	}

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()

	var wg sync.WaitGroup
	for i := 0; i < w.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.work(taskCtx)
		}()
	}

	cl := logging.CronLogger(w.logger)
	c := robfig.New(
		robfig.WithLocation(time.UTC),
		robfig.WithLogger(cl),
		robfig.WithChain(robfig.Recover(cl), robfig.SkipIfStillRunning(cl)),
	)
	c.Schedule(cron.Delayed(time.Now(), w.cfg.InitialDelay, w.cfg.Period), robfig.FuncJob(func() {
		_, _ = w.Scan(w.ctx, w.deps.Clock())
	}))
	c.Start()

	w.logger.Info("alarm_worker_started",
		zap.Int("workers", w.cfg.Workers),
		zap.Int("queue_size", w.queue.Cap()),
		zap.Duration("period", w.cfg.Period),
		zap.Duration("initial_delay", w.cfg.InitialDelay),
	)

	<-ctx.Done()

	w.shutdownIntake()
	<-c.Stop().Done()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(w.cfg.DrainTimeout)
	defer timer.Stop()
	select {
	case <-done:
		w.logger.Info("alarm_worker_stopped")
	case <-timer.C:
		w.logger.Warn("alarm_worker_drain_timeout", zap.Int("queued", w.queue.Len()))
		cancelTasks()
		<-done
	}
	return nil
}

// shutdownIntake stops new scheduling, releases every pending timer and
// closes the queue. Tasks already queued stay there for the drain.
func (w *Worker) shutdownIntake() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	w.stopped = true
	w.mu.Unlock()

	w.cancel()
	cancelled := w.inflight.Cancel(func(domain.Key) bool { return true })
	w.deps.Metrics.TimersCancelled(len(cancelled))
	w.queue.Close()
	if len(cancelled) > 0 {
		w.logger.Info("alarm_timers_released", zap.Int("count", len(cancelled)))
	}
}

func (w *Worker) isStopped() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stopped
}

// Scan arms every due trigger that is not yet owned by this node and reports
// how many were armed. It writes nothing to the store.
func (w *Worker) Scan(ctx context.Context, now time.Time) (int, error) {
	if w.isStopped() {
		return 0, ErrStopped
	}
	started := w.deps.Clock()

	actions := w.deps.Services.Actions()
	if len(actions) == 0 {
		w.logger.Debug("alarm_scan_skipped", zap.String("reason", "no_services"))
		return 0, nil
	}

	rows, err := w.deps.Store.DueTriggers(ctx, domain.DueQuery{
		Actions:       actions,
		From:          now,
		Until:         now.Add(w.cfg.LookAhead),
		OverdueBefore: now.Add(-w.cfg.OverdueWait),
		Limit:         w.cfg.BatchSize,
	})
	if err != nil {
		w.deps.Metrics.ScanCompleted(w.deps.Clock().Sub(started), 0, err)
		w.logger.Warn("alarm_scan_failed", zap.Error(err))
		return 0, fmt.Errorf("due triggers: %w", err)
	}

	scheduled := 0
	for _, row := range rows {
		if w.Schedule(row) {
			scheduled++
		}
	}

	w.deps.Metrics.ScanCompleted(w.deps.Clock().Sub(started), scheduled, nil)
	w.deps.Metrics.InFlightUpdate(w.inflight.Len())
	w.logger.Debug("alarm_scan_completed",
		zap.Int("found", len(rows)),
		zap.Int("scheduled", scheduled),
	)
	return scheduled, nil
}

// Schedule claims the trigger's key and arms a timer that submits its
// delivery task at the trigger time. It reports false when the key is
// already owned or the worker is stopped.
func (w *Worker) Schedule(trigger domain.AlarmTrigger) bool {
	if !w.cfg.Enabled || w.isStopped() {
		return false
	}
	key := trigger.Key()
	entry := w.inflight.TryAdd(key)
	if entry == nil {
		return false
	}

	task, err := delivery.New(w.taskConfig(trigger))
	if err != nil {
		w.inflight.Remove(key)
		w.logger.Error("alarm_task_invalid", zap.String("key", key.String()), zap.Error(err))
		return false
	}

	delay := trigger.TriggerTime.Sub(w.deps.Clock())
	if delay < 0 {
		delay = 0
	}
	timer := time.AfterFunc(delay, func() {
		if entry.Start() {
			w.submit(task)
		}
	})
	entry.Arm(timer.Stop)
	return true
}

func (w *Worker) taskConfig(trigger domain.AlarmTrigger) delivery.Config {
	return delivery.Config{
		Trigger:    trigger,
		LookAhead:  w.cfg.LookAhead,
		Database:   w.deps.Database,
		Providers:  w.deps.Providers,
		Calculator: w.deps.Calculator,
		Services:   w.deps.Services,
		Gate:       w.deps.Gate,
		InFlight:   w.inflight,
		Reschedule: func(next domain.AlarmTrigger) { w.Schedule(next) },
		Retry:      delivery.DefaultRetryPolicy(),
		Metrics:    w.deps.Metrics,
		Logger:     w.logger,
		Clock:      w.deps.Clock,
	}
}

// submit blocks until the task is queued. A task that cannot be queued gives
// its key back so a later scan can reclaim the trigger.
func (w *Worker) submit(task *delivery.Task) {
	if err := w.queue.Emit(w.ctx, task); err != nil {
		w.inflight.Remove(task.Key())
		w.deps.Metrics.SubmitFailed()
		w.logger.Warn("alarm_submit_failed", zap.String("key", task.Key().String()), zap.Error(err))
		return
	}
	w.deps.Metrics.QueueSizeUpdate(w.queue.Len())
}

func (w *Worker) work(ctx context.Context) {
	for task := range w.queue.Channel() {
		w.runTask(ctx, task)
	}
}

func (w *Worker) runTask(ctx context.Context, task *delivery.Task) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("alarm_task_panic",
				zap.String("key", task.Key().String()),
				zap.Any("panic", r),
			)
		}
	}()

	w.deps.Metrics.QueueSizeUpdate(w.queue.Len())
	if ctx.Err() != nil {
		// Drain timed out; the row stays claimable by the overdue rule.
		w.inflight.Remove(task.Key())
		return
	}
	task.Run(ctx)
	w.deps.Metrics.InFlightUpdate(w.inflight.Len())
}

// CancelAll deletes the trigger rows of the given events and cancels their
// pending local timers. Tasks already running are not preempted.
func (w *Worker) CancelAll(ctx context.Context, contextID, accountID int, eventIDs []string) error {
	if len(eventIDs) == 0 {
		return nil
	}

	deleted := 0
	err := w.withTx(ctx, contextID, accountID, func(tx delivery.Tx) (bool, error) {
		n, err := tx.DeleteTriggers(ctx, eventIDs)
		if err != nil {
			return false, fmt.Errorf("delete triggers: %w", err)
		}
		deleted = n
		return n > 0, nil
	})
	if err != nil {
		return err
	}

	ids := make(map[string]bool, len(eventIDs))
	for _, id := range eventIDs {
		ids[id] = true
	}
	cancelled := w.inflight.Cancel(func(k domain.Key) bool {
		return k.ContextID == contextID && k.AccountID == accountID && ids[k.EventID]
	})
	w.deps.Metrics.TimersCancelled(len(cancelled))

	w.logger.Debug("alarm_triggers_cancelled",
		zap.Int("context_id", contextID),
		zap.Int("account_id", accountID),
		zap.Int("events", len(eventIDs)),
		zap.Int("rows", deleted),
		zap.Int("timers", len(cancelled)),
	)
	return nil
}

// CheckAndScheduleTasksForEvents recomputes the trigger rows of the given
// events in one transaction, cancels local timers whose row changed and
// schedules the new rows that fall within the look-ahead window. Repeating a
// call with the same events leaves the same rows and tokens.
func (w *Worker) CheckAndScheduleTasksForEvents(ctx context.Context, contextID, accountID int, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	now := w.deps.Clock()

	ids := make([]string, 0, len(events))
	for _, e := range events {
		ids = append(ids, e.ID)
	}

	var (
		existing []domain.AlarmTrigger
		next     []domain.AlarmTrigger
		invalid  []error
	)
	err := w.withTx(ctx, contextID, accountID, func(tx delivery.Tx) (bool, error) {
		account, err := tx.GetAccount(ctx)
		if err != nil {
			return false, fmt.Errorf("resolve account: %w", err)
		}
		existing, err = tx.ListTriggers(ctx, ids...)
		if err != nil {
			return false, fmt.Errorf("list triggers: %w", err)
		}

		next = next[:0]
		invalid = invalid[:0]
		for _, e := range events {
			rows, err := w.deps.Calculator.Triggers(e, account, now)
			if err != nil {
				// The event's old rows are still dropped below.
				invalid = append(invalid, fmt.Errorf("event %s: %w", e.ID, err))
				continue
			}
			next = append(next, rows...)
		}
		alarm.AssignTokens(next, existing, nil)

		if _, err := tx.DeleteTriggers(ctx, ids); err != nil {
			return false, fmt.Errorf("delete triggers: %w", err)
		}
		if err := tx.InsertTriggers(ctx, next); err != nil {
			return false, fmt.Errorf("insert triggers: %w", err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	changed := make(map[domain.Key]bool)
	for _, k := range alarm.Changed(existing, next) {
		changed[k] = true
	}
	cancelled := w.inflight.Cancel(func(k domain.Key) bool { return changed[k] })
	w.deps.Metrics.TimersCancelled(len(cancelled))

	scheduled, deferred := 0, 0
	horizon := now.Add(w.cfg.LookAhead)
	for _, row := range next {
		if row.TriggerTime.After(horizon) {
			continue
		}
		if _, ok := w.deps.Services.Service(row.Action); !ok {
			continue
		}
		if w.Schedule(row) {
			scheduled++
			continue
		}
		if changed[row.Key()] && w.scheduleOnRelease(row) {
			deferred++
		}
	}

	w.logger.Debug("alarm_triggers_updated",
		zap.Int("context_id", contextID),
		zap.Int("account_id", accountID),
		zap.Int("events", len(events)),
		zap.Int("rows", len(next)),
		zap.Int("changed", len(changed)),
		zap.Int("scheduled", scheduled),
		zap.Int("deferred", deferred),
	)
	for _, err := range invalid {
		w.logger.Warn("alarm_event_invalid", zap.Int("context_id", contextID), zap.Error(err))
	}
	return errors.Join(invalid...)
}

// scheduleOnRelease arms row once the task running its key finishes; that task
// holds the old token and ends stale. It reports whether the row was armed or
// queued.
func (w *Worker) scheduleOnRelease(row domain.AlarmTrigger) bool {
	if !w.cfg.Enabled || w.isStopped() {
		return false
	}
	if w.inflight.OnRelease(row.Key(), func() { w.Schedule(row) }) {
		return true
	}
	// Released between Schedule and OnRelease.
	return w.Schedule(row)
}

// withTx runs fn in a transaction on a writable connection of contextID. fn
// reports whether it wrote anything.
func (w *Worker) withTx(ctx context.Context, contextID, accountID int, fn func(delivery.Tx) (bool, error)) error {
	conn, err := w.deps.Database.AcquireWritable(ctx, contextID)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	modified := false
	defer func() { w.deps.Database.ReleaseWritable(conn, modified) }()

	tx, err := conn.BeginTx(ctx, contextID, accountID)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	wrote, err := fn(tx)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	modified = wrote
	return nil
}
