// Package listener keeps trigger rows in line with calendar mutations.
package listener

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

type Triggers interface {
	CancelAll(ctx context.Context, contextID, accountID int, eventIDs []string) error
	CheckAndScheduleTasksForEvents(ctx context.Context, contextID, accountID int, events []domain.Event) error
}

// Calendar persists the mutation itself. Optional: when the calendar is
// written elsewhere the listener only maintains triggers.
type Calendar interface {
	SaveEvents(ctx context.Context, contextID, accountID int, events []domain.Event) error
	DeleteEvents(ctx context.Context, contextID, accountID int, ids []string) error
}

type MetricsSink interface {
	ChangeBatchHandled(created, deleted int, err error)
}

type Listener struct {
	triggers Triggers
	calendar Calendar    // optional, nil = calendar owned elsewhere
	metrics  MetricsSink // optional, nil = disabled
	logger   *zap.Logger
}

func New(triggers Triggers, logger *zap.Logger) *Listener {
	return &Listener{triggers: triggers, logger: logger.Named("listener")}
}

func (l *Listener) WithCalendar(c Calendar) *Listener {
	l.calendar = c
	return l
}

func (l *Listener) WithMetrics(m MetricsSink) *Listener {
	l.metrics = m
	return l
}

// Handle applies one mutation batch. Deleted events lose their triggers.
// Created and updated events, deduplicated by id and minus the ones deleted
// in the same batch, get their triggers recomputed. Errors of both halves are
// joined.
func (l *Listener) Handle(ctx context.Context, batch domain.ChangeBatch) error {
	if batch.IsEmpty() {
		return nil
	}
	deleted, changed := split(batch)

	var errs []error
	if len(deleted) > 0 {
		if err := l.handleDeleted(ctx, batch, deleted); err != nil {
			errs = append(errs, err)
		}
	}
	if len(changed) > 0 {
		if err := l.handleChanged(ctx, batch, changed); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)

	if l.metrics != nil {
		l.metrics.ChangeBatchHandled(len(changed), len(deleted), err)
	}
	fields := []zap.Field{
		zap.Int("context_id", batch.ContextID),
		zap.Int("account_id", batch.AccountID),
		zap.Int("changed", len(changed)),
		zap.Int("deleted", len(deleted)),
	}
	if err != nil {
		l.logger.Warn("calendar_changes_failed", append(fields, zap.Error(err))...)
		return err
	}
	l.logger.Debug("calendar_changes_applied", fields...)
	return nil
}

func (l *Listener) handleDeleted(ctx context.Context, batch domain.ChangeBatch, ids []string) error {
	if l.calendar != nil {
		if err := l.calendar.DeleteEvents(ctx, batch.ContextID, batch.AccountID, ids); err != nil {
			return fmt.Errorf("delete events: %w", err)
		}
	}
	if err := l.triggers.CancelAll(ctx, batch.ContextID, batch.AccountID, ids); err != nil {
		return fmt.Errorf("cancel triggers: %w", err)
	}
	return nil
}

func (l *Listener) handleChanged(ctx context.Context, batch domain.ChangeBatch, events []domain.Event) error {
	if l.calendar != nil {
		if err := l.calendar.SaveEvents(ctx, batch.ContextID, batch.AccountID, events); err != nil {
			return fmt.Errorf("save events: %w", err)
		}
	}
	if err := l.triggers.CheckAndScheduleTasksForEvents(ctx, batch.ContextID, batch.AccountID, events); err != nil {
		return fmt.Errorf("schedule triggers: %w", err)
	}
	return nil
}

// split returns the distinct deleted ids and the distinct surviving changed
// events, both in first-seen order. For a repeated id the last version wins.
func split(batch domain.ChangeBatch) ([]string, []domain.Event) {
	gone := make(map[string]bool, len(batch.Deleted))
	var deleted []string
	for _, id := range batch.Deleted {
		if !gone[id] {
			gone[id] = true
			deleted = append(deleted, id)
		}
	}

	index := make(map[string]int)
	var changed []domain.Event
	for _, group := range [][]domain.Event{batch.Created, batch.Updated} {
		for _, e := range group {
			if gone[e.ID] {
				continue
			}
			e.ContextID, e.AccountID = batch.ContextID, batch.AccountID
			if i, ok := index[e.ID]; ok {
				changed[i] = e
				continue
			}
			index[e.ID] = len(changed)
			changed = append(changed, e)
		}
	}
	return deleted, changed
}
