package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Tx is a transaction scoped to one calendar account.
type Tx struct {
	tx        *sql.Tx
	contextID int
	accountID int
}

func (t *Tx) GetAccount(ctx context.Context) (domain.Account, error) {
	var a domain.Account
	err := t.tx.QueryRowContext(ctx, queryGetAccount, t.contextID, t.accountID).Scan(
		&a.ContextID,
		&a.ID,
		&a.UserID,
		&a.Provider,
		&a.Enabled,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %d/%d: %w", t.contextID, t.accountID, domain.ErrAccountNotFound)
	}
	if err != nil {
		return domain.Account{}, err
	}
	return a, nil
}

// GetTrigger locks the alarm's trigger row until the transaction ends.
func (t *Tx) GetTrigger(ctx context.Context, alarmID int) (domain.AlarmTrigger, error) {
	row := t.tx.QueryRowContext(ctx, queryGetTriggerForUpdate, t.contextID, t.accountID, alarmID)
	trig, err := scanTrigger(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.AlarmTrigger{}, domain.ErrTriggerNotFound
	}
	if err != nil {
		return domain.AlarmTrigger{}, err
	}
	return trig, nil
}

func (t *Tx) ListTriggers(ctx context.Context, eventIDs ...string) ([]domain.AlarmTrigger, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := t.tx.QueryContext(ctx, queryListTriggersByEvents, t.contextID, t.accountID, pq.Array(eventIDs))
	if err != nil {
		return nil, err
	}
	return collectTriggers(rows)
}

func (t *Tx) DeleteTriggers(ctx context.Context, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	res, err := t.tx.ExecContext(ctx, queryDeleteTriggersByEvents, t.contextID, t.accountID, pq.Array(eventIDs))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (t *Tx) InsertTriggers(ctx context.Context, triggers []domain.AlarmTrigger) error {
	for _, trig := range triggers {
		_, err := t.tx.ExecContext(ctx, queryInsertTrigger,
			trig.ContextID,
			trig.AccountID,
			trig.AlarmID,
			trig.EventID,
			trig.UserID,
			string(trig.Action),
			trig.TriggerTime,
			nullTime(trig.Recurrence),
			trig.Processed,
		)
		if err != nil {
			return fmt.Errorf("insert trigger for alarm %d: %w", trig.AlarmID, err)
		}
	}
	return nil
}

func (t *Tx) ResetProcessed(ctx context.Context, alarmID int, expected int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, queryResetProcessed, t.contextID, t.accountID, alarmID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DiscardTrigger deletes an alarm's trigger if its token still equals
// expected.
func (t *Tx) DiscardTrigger(ctx context.Context, alarmID int, expected int64) (bool, error) {
	res, err := t.tx.ExecContext(ctx, queryDiscardTrigger, t.contextID, t.accountID, alarmID, expected)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateAlarms writes back the acknowledgement state of the given alarms.
func (t *Tx) UpdateAlarms(ctx context.Context, eventID string, alarms []domain.Alarm) error {
	for _, a := range alarms {
		res, err := t.tx.ExecContext(ctx, queryUpdateAlarmAcknowledged,
			t.contextID, t.accountID, eventID, a.ID, nullTimePtr(a.Acknowledged))
		if err != nil {
			return fmt.Errorf("update alarm %d: %w", a.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("update alarm %d: %w", a.ID, domain.ErrAlarmNotFound)
		}
	}
	return nil
}

func (t *Tx) Commit() error {
	return t.tx.Commit()
}

func (t *Tx) Rollback() error {
	return t.tx.Rollback()
}

// calendarAccess reads and touches events through the account's transaction.
type calendarAccess struct {
	tx *Tx
}

func (c *calendarAccess) LoadEvent(ctx context.Context, eventID string) (domain.Event, error) {
	return loadEvent(ctx, c.tx.tx, c.tx.contextID, c.tx.accountID, eventID)
}

func (c *calendarAccess) TouchEvent(ctx context.Context, eventID string, at time.Time) error {
	res, err := c.tx.tx.ExecContext(ctx, queryTouchEvent, c.tx.contextID, c.tx.accountID, eventID, at)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("touch event %s: %w", eventID, domain.ErrEventNotFound)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func loadEvent(ctx context.Context, q queryer, cid, account int, eventID string) (domain.Event, error) {
	e := domain.Event{ContextID: cid, AccountID: account}
	err := q.QueryRowContext(ctx, queryGetEvent, cid, account, eventID).Scan(
		&e.ID,
		&e.Summary,
		&e.Start,
		&e.End,
		&e.TimeZone,
		&e.RecurrenceRule,
		&e.Sequence,
		&e.LastModified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, fmt.Errorf("event %s: %w", eventID, domain.ErrEventNotFound)
	}
	if err != nil {
		return domain.Event{}, err
	}

	rows, err := q.QueryContext(ctx, queryGetEventAlarms, cid, account, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			a            domain.Alarm
			action       string
			related      string
			offsetSecs   int64
			absolute     sql.NullTime
			acknowledged sql.NullTime
		)
		if err := rows.Scan(&a.ID, &action, &offsetSecs, &related, &absolute, &a.Description, &acknowledged); err != nil {
			return domain.Event{}, err
		}
		a.Action = domain.Action(action)
		a.Related = domain.Related(related)
		a.Offset = time.Duration(offsetSecs) * time.Second
		a.Absolute = timePtr(absolute)
		a.Acknowledged = timePtr(acknowledged)
		e.Alarms = append(e.Alarms, a)
	}
	if err := rows.Err(); err != nil {
		return domain.Event{}, err
	}
	return e, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTrigger(s scanner) (domain.AlarmTrigger, error) {
	var (
		t          domain.AlarmTrigger
		action     string
		recurrence sql.NullTime
	)
	err := s.Scan(
		&t.ContextID,
		&t.AccountID,
		&t.AlarmID,
		&t.EventID,
		&t.UserID,
		&action,
		&t.TriggerTime,
		&recurrence,
		&t.Processed,
	)
	if err != nil {
		return domain.AlarmTrigger{}, err
	}
	t.Action = domain.Action(action)
	if recurrence.Valid {
		t.Recurrence = recurrence.Time
	}
	return t, nil
}

func collectTriggers(rows *sql.Rows) ([]domain.AlarmTrigger, error) {
	defer rows.Close()

	var result []domain.AlarmTrigger
	for rows.Next() {
		t, err := scanTrigger(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
