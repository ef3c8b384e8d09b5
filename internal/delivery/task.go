// Package delivery runs the delivery of one due alarm trigger.
//
// A task claims its trigger inside a transaction guarded by the trigger's
// fencing token: the alarm is acknowledged and the event's trigger rows are
// rewritten with fresh tokens before anything is sent. Only after that commit
// is the notification handed to its service, so a trigger is never delivered
// twice for the same token, whichever node runs the task.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/alarm"
	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/metrics"
)

// ErrInvalidConfig is returned by New when a required Config field is unset.
var ErrInvalidConfig = errors.New("invalid delivery task config")

// Config carries everything a task needs. Every field is required.
type Config struct {
	Trigger domain.AlarmTrigger
	// LookAhead bounds which follow-up triggers are handed to Reschedule.
	LookAhead time.Duration

	Database   Database
	Providers  Providers
	Calculator TriggerCalculator
	Services   ServiceLookup
	Gate       RateGate
	InFlight   KeyReleaser
	// Reschedule receives follow-up triggers due within LookAhead, after the
	// task released its key.
	Reschedule func(domain.AlarmTrigger)

	Retry   RetryPolicy
	Metrics MetricsSink
	Logger  *zap.Logger
	Clock   func() time.Time
}

func (c Config) validate() error {
	var missing []string
	if c.Trigger.EventID == "" {
		missing = append(missing, "Trigger.EventID")
	}
	if c.Trigger.Action == "" {
		missing = append(missing, "Trigger.Action")
	}
	if c.LookAhead <= 0 {
		missing = append(missing, "LookAhead")
	}
	if c.Database == nil {
		missing = append(missing, "Database")
	}
	if c.Providers == nil {
		missing = append(missing, "Providers")
	}
	if c.Calculator == nil {
		missing = append(missing, "Calculator")
	}
	if c.Services == nil {
		missing = append(missing, "Services")
	}
	if c.Gate == nil {
		missing = append(missing, "Gate")
	}
	if c.InFlight == nil {
		missing = append(missing, "InFlight")
	}
	if c.Reschedule == nil {
		missing = append(missing, "Reschedule")
	}
	if c.Retry.Attempts < 1 || c.Retry.Retryable == nil {
		missing = append(missing, "Retry")
	}
	if c.Metrics == nil {
		missing = append(missing, "Metrics")
	}
	if c.Logger == nil {
		missing = append(missing, "Logger")
	}
	if c.Clock == nil {
		missing = append(missing, "Clock")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}

// Task delivers exactly one trigger. A Task is run once.
type Task struct {
	cfg    Config
	key    domain.Key
	logger *zap.Logger
}

// New validates cfg and returns a task for cfg.Trigger.
func New(cfg Config) (*Task, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	key := cfg.Trigger.Key()
	return &Task{
		cfg: cfg,
		key: key,
		logger: cfg.Logger.With(
			zap.String("key", key.String()),
			zap.String("action", string(cfg.Trigger.Action)),
			zap.Int64("processed", cfg.Trigger.Processed),
		),
	}, nil
}

func (t *Task) Key() domain.Key { return t.key }

func (t *Task) Trigger() domain.AlarmTrigger { return t.cfg.Trigger }

// prepared is what a committed claim leaves for the send step.
type prepared struct {
	account  domain.Account
	event    domain.Event
	alarm    domain.Alarm
	inserted []domain.AlarmTrigger
}

// Run executes the task and reports its outcome. Failures never escape.
func (t *Task) Run(ctx context.Context) (outcome domain.DeliveryOutcome) {
	started := t.cfg.Clock()

	var (
		conn       Conn
		modified   bool
		reschedule []domain.AlarmTrigger
	)
	defer func() {
		if conn != nil {
			t.cfg.Database.ReleaseWritable(conn, modified)
		}
		t.cfg.InFlight.Remove(t.key)
		for _, next := range reschedule {
			t.cfg.Reschedule(next)
		}
		t.cfg.Metrics.DeliveryOutcome(outcome, t.cfg.Clock().Sub(started))
	}()

	c, err := t.cfg.Database.AcquireWritable(ctx, t.cfg.Trigger.ContextID)
	if err != nil {
		t.logger.Warn("alarm_connection_unavailable", zap.Error(err))
		return domain.OutcomeFailedRetryable
	}
	conn = c

	var p *prepared
	attempts, err := t.cfg.Retry.Do(ctx, func(attempt int) error {
		if attempt > 1 {
			t.cfg.Metrics.PrepareRetried()
			t.logger.Debug("alarm_prepare_retry", zap.Int("attempt", attempt))
		}
		res, err := t.prepare(ctx, conn)
		if err != nil {
			return err
		}
		p = res
		return nil
	})
	if err != nil {
		switch domain.Classify(err) {
		case domain.KindStale:
			t.logger.Debug("alarm_trigger_stale", zap.Error(err))
			return domain.OutcomeSkippedStale
		case domain.KindPermanent:
			t.logger.Debug("alarm_load_failed", zap.Error(err))
			if ctx.Err() == nil && t.discard(ctx, conn) {
				modified = true
			}
			return domain.OutcomeFailedPermanent
		default:
			if t.resetProcessed(ctx, conn) {
				modified = true
			}
			t.logger.Warn("alarm_prepare_failed", zap.Int("attempts", attempts), zap.Error(err))
			return domain.OutcomeFailedRetryable
		}
	}
	modified = true

	outcome = t.send(ctx, p)
	reschedule = t.recheck(ctx, conn, p)
	return outcome
}

// prepare claims the trigger: fencing check, acknowledge, rewrite, commit.
func (t *Task) prepare(ctx context.Context, conn Conn) (*prepared, error) {
	trig := t.cfg.Trigger

	tx, err := conn.BeginTx(ctx, trig.ContextID, trig.AccountID)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	current, err := tx.GetTrigger(ctx, trig.AlarmID)
	if err != nil {
		return nil, fmt.Errorf("load trigger: %w", err)
	}
	if current.Processed != trig.Processed {
		return nil, fmt.Errorf("stored token %d: %w", current.Processed, domain.ErrStaleTrigger)
	}

	account, err := tx.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve account: %w", err)
	}
	access, err := t.cfg.Providers.Access(account, tx)
	if err != nil {
		return nil, fmt.Errorf("provider %q: %w", account.Provider, err)
	}
	event, err := access.LoadEvent(ctx, trig.EventID)
	if err != nil {
		return nil, fmt.Errorf("load event: %w", err)
	}
	idx := event.AlarmIndex(trig.AlarmID)
	if idx < 0 {
		return nil, fmt.Errorf("alarm %d: %w", trig.AlarmID, domain.ErrAlarmNotFound)
	}

	now := t.cfg.Clock()
	alarms := make([]domain.Alarm, len(event.Alarms))
	copy(alarms, event.Alarms)
	alarms[idx].Acknowledged = &now
	event.Alarms = alarms

	if err := tx.UpdateAlarms(ctx, trig.EventID, alarms); err != nil {
		return nil, fmt.Errorf("update alarms: %w", err)
	}

	existing, err := tx.ListTriggers(ctx, trig.EventID)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	if _, err := tx.DeleteTriggers(ctx, []string{trig.EventID}); err != nil {
		return nil, fmt.Errorf("delete triggers: %w", err)
	}
	next, err := t.cfg.Calculator.Triggers(event, account, now)
	if err != nil {
		return nil, fmt.Errorf("calculate triggers: %w", err)
	}
	alarm.AssignTokens(next, existing, &t.key)
	if err := tx.InsertTriggers(ctx, next); err != nil {
		return nil, fmt.Errorf("insert triggers: %w", err)
	}

	if err := access.TouchEvent(ctx, trig.EventID, now); err != nil {
		return nil, fmt.Errorf("touch event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	committed = true

	return &prepared{account: account, event: event, alarm: alarms[idx], inserted: next}, nil
}

func (t *Task) send(ctx context.Context, p *prepared) domain.DeliveryOutcome {
	trig := t.cfg.Trigger
	userID := p.account.UserID

	svc, ok := t.cfg.Services.Service(trig.Action)
	if !ok {
		t.logger.Debug("alarm_no_service")
		return domain.OutcomeSkippedDisabled
	}
	if !svc.Enabled(ctx, trig.ContextID, userID) {
		t.logger.Debug("alarm_service_disabled", zap.Int("user_id", userID))
		return domain.OutcomeSkippedDisabled
	}
	if !t.cfg.Gate.Allow(ctx, trig.Action, userID, trig.ContextID) {
		t.cfg.Metrics.RateLimited(trig.Action)
		t.logger.Info("alarm_rate_limited", zap.Int("user_id", userID))
		return domain.OutcomeSkippedRateLimited
	}

	n := domain.Notification{
		DeliveryID:  uuid.New(),
		ContextID:   trig.ContextID,
		AccountID:   trig.AccountID,
		UserID:      userID,
		Action:      trig.Action,
		EventID:     p.event.ID,
		Summary:     p.event.Summary,
		Start:       p.event.Start,
		End:         p.event.End,
		Occurrence:  trig.Recurrence,
		AlarmID:     p.alarm.ID,
		Description: p.alarm.Description,
		TriggerTime: trig.TriggerTime,
	}

	sendStart := t.cfg.Clock()
	err := svc.Send(ctx, n)
	t.cfg.Metrics.NotificationSent(trig.Action, metrics.ClassifySend(err), t.cfg.Clock().Sub(sendStart))
	if err != nil {
		t.logger.Warn("alarm_send_failed", zap.String("delivery_id", n.DeliveryID.String()), zap.Error(err))
		return domain.OutcomeSendFailed
	}

	t.logger.Info("alarm_delivered",
		zap.String("delivery_id", n.DeliveryID.String()),
		zap.Int("user_id", userID),
	)
	return domain.OutcomeDelivered
}

// recheck makes sure the acknowledged alarm still has its follow-up row, for
// example after a concurrent rewrite of the event, and returns the follow-ups
// due within the look-ahead window.
func (t *Task) recheck(ctx context.Context, conn Conn, p *prepared) []domain.AlarmTrigger {
	trig := t.cfg.Trigger

	tx, err := conn.BeginTx(ctx, trig.ContextID, trig.AccountID)
	if err != nil {
		t.logger.Warn("alarm_recheck_failed", zap.Error(err))
		return nil
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	rows, err := tx.ListTriggers(ctx, trig.EventID)
	if err != nil {
		t.logger.Warn("alarm_recheck_failed", zap.Error(err))
		return nil
	}
	mine := ownRows(rows, trig.AlarmID)

	if len(mine) == 0 {
		access, err := t.cfg.Providers.Access(p.account, tx)
		if err != nil {
			t.logger.Debug("alarm_recheck_skipped", zap.Error(err))
			return nil
		}
		event, err := access.LoadEvent(ctx, trig.EventID)
		if err != nil {
			// Deleted in the meantime: nothing left to schedule.
			t.logger.Debug("alarm_recheck_skipped", zap.Error(err))
			return nil
		}
		next, err := t.cfg.Calculator.Triggers(event, p.account, t.cfg.Clock())
		if err != nil {
			t.logger.Warn("alarm_recheck_failed", zap.Error(err))
			return nil
		}
		mine = ownRows(next, trig.AlarmID)
		if len(mine) == 0 {
			return nil
		}
		alarm.AssignTokens(mine, append(rows, p.inserted...), &t.key)
		if err := tx.InsertTriggers(ctx, mine); err != nil {
			t.logger.Warn("alarm_recheck_failed", zap.Error(err))
			return nil
		}
		if err := tx.Commit(); err != nil {
			t.logger.Warn("alarm_recheck_failed", zap.Error(err))
			return nil
		}
		committed = true
		t.logger.Debug("alarm_trigger_restored", zap.Int("count", len(mine)))
	}

	horizon := t.cfg.Clock().Add(t.cfg.LookAhead)
	var due []domain.AlarmTrigger
	for _, next := range mine {
		if !next.TriggerTime.After(horizon) {
			due = append(due, next)
		}
	}
	return due
}

// resetProcessed hands the trigger back for reclaiming after prepare gave up.
func (t *Task) resetProcessed(ctx context.Context, conn Conn) bool {
	trig := t.cfg.Trigger

	tx, err := conn.BeginTx(ctx, trig.ContextID, trig.AccountID)
	if err != nil {
		t.logger.Warn("alarm_token_reset_failed", zap.Error(err))
		return false
	}
	reset, err := tx.ResetProcessed(ctx, trig.AlarmID, trig.Processed)
	if err != nil {
		_ = tx.Rollback()
		t.logger.Warn("alarm_token_reset_failed", zap.Error(err))
		return false
	}
	if err := tx.Commit(); err != nil {
		t.logger.Warn("alarm_token_reset_failed", zap.Error(err))
		return false
	}
	return reset
}

// discard consumes a trigger that can never be delivered, so overdue scans
// stop picking it. A rewrite of the event inserts a fresh row.
func (t *Task) discard(ctx context.Context, conn Conn) bool {
	trig := t.cfg.Trigger

	tx, err := conn.BeginTx(ctx, trig.ContextID, trig.AccountID)
	if err != nil {
		t.logger.Warn("alarm_discard_failed", zap.Error(err))
		return false
	}
	discarded, err := tx.DiscardTrigger(ctx, trig.AlarmID, trig.Processed)
	if err != nil {
		_ = tx.Rollback()
		t.logger.Warn("alarm_discard_failed", zap.Error(err))
		return false
	}
	if err := tx.Commit(); err != nil {
		t.logger.Warn("alarm_discard_failed", zap.Error(err))
		return false
	}
	if discarded {
		t.logger.Debug("alarm_trigger_discarded")
	}
	return discarded
}

func ownRows(rows []domain.AlarmTrigger, alarmID int) []domain.AlarmTrigger {
	var out []domain.AlarmTrigger
	for _, r := range rows {
		if r.AlarmID == alarmID {
			out = append(out, r)
		}
	}
	return out
}
