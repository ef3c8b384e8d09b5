package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

var triggerCols = []string{"cid", "account", "alarm", "event_id", "user_id", "action", "trigger_date", "recurrence_id", "processed"}

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(NewPool(db, nil, 5*time.Second)), mock
}

func beginMockTx(t *testing.T, s *Store, mock sqlmock.Sqlmock) *Tx {
	t.Helper()
	mock.ExpectBegin()
	conn, err := s.AcquireWritable(context.Background(), 1)
	require.NoError(t, err)
	tx, err := conn.BeginTx(context.Background(), 1, 0)
	require.NoError(t, err)
	// The connection cannot be closed while its transaction is open.
	t.Cleanup(func() {
		_ = tx.Rollback()
		s.ReleaseWritable(conn, false)
	})
	return tx.(*Tx)
}

const (
	dueWindowQuery  = `trigger_date >= \$2 AND trigger_date <= \$3`
	dueOverdueQuery = `trigger_date < \$2`
)

func TestStore_DueTriggers(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	occurrence := now.Add(15 * time.Minute)
	abandoned := now.Add(-time.Hour)

	mock.ExpectQuery(dueWindowQuery).
		WithArgs(sqlmock.AnyArg(), now, now.Add(35*time.Minute), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(triggerCols).
			AddRow(1, 0, 7, "42", 3, "EMAIL", now, nil, int64(5)).
			AddRow(1, 0, 8, "43", 3, "EMAIL", now.Add(time.Minute), occurrence, int64(1)))
	mock.ExpectQuery(dueOverdueQuery).
		WithArgs(sqlmock.AnyArg(), now.Add(-5*time.Minute), sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(triggerCols).
			AddRow(1, 0, 9, "44", 3, "EMAIL", abandoned, nil, int64(0)))

	got, err := s.DueTriggers(context.Background(), domain.DueQuery{
		Actions:       []domain.Action{domain.ActionEmail},
		From:          now,
		Until:         now.Add(35 * time.Minute),
		OverdueBefore: now.Add(-5 * time.Minute),
		Limit:         10,
	})
	require.NoError(t, err)
	require.Len(t, got, 3)

	assert.Equal(t, domain.AlarmTrigger{
		ContextID: 1, AccountID: 0, EventID: "42", AlarmID: 7, UserID: 3,
		Action: domain.ActionEmail, TriggerTime: now, Processed: 5,
	}, got[0])
	assert.Equal(t, occurrence, got[1].Recurrence)
	assert.Equal(t, 9, got[2].AlarmID, "overdue rows come after the window")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DueTriggers_FullWindowSkipsOverdue(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery(dueWindowQuery).
		WillReturnRows(sqlmock.NewRows(triggerCols).
			AddRow(1, 0, 7, "42", 3, "EMAIL", now, nil, int64(5)).
			AddRow(1, 0, 8, "43", 3, "EMAIL", now.Add(time.Minute), nil, int64(1)))

	got, err := s.DueTriggers(context.Background(), domain.DueQuery{
		Actions:       []domain.Action{domain.ActionEmail},
		From:          now,
		Until:         now.Add(35 * time.Minute),
		OverdueBefore: now.Add(-5 * time.Minute),
		Limit:         2,
	})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.NoError(t, mock.ExpectationsWereMet(), "no overdue query once the window fills the batch")
}

func TestStore_DueTriggers_QueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(dueWindowQuery).WillReturnError(errors.New("connection refused"))

	_, err := s.DueTriggers(context.Background(), domain.DueQuery{Actions: []domain.Action{domain.ActionEmail}})
	assert.Error(t, err)
}

func TestStore_DueTriggers_OverdueQueryError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(dueWindowQuery).WillReturnRows(sqlmock.NewRows(triggerCols))
	mock.ExpectQuery(dueOverdueQuery).WillReturnError(errors.New("connection refused"))

	_, err := s.DueTriggers(context.Background(), domain.DueQuery{Actions: []domain.Action{domain.ActionEmail}, Limit: 5})
	assert.Error(t, err)
}

func TestTx_GetTrigger(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FOR UPDATE").
		WithArgs(1, 0, 7).
		WillReturnRows(sqlmock.NewRows(triggerCols).AddRow(1, 0, 7, "42", 3, "EMAIL", now, nil, int64(5)))

	got, err := tx.GetTrigger(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, int64(5), got.Processed)
	assert.True(t, got.Recurrence.IsZero())
}

func TestTx_GetTrigger_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery("FOR UPDATE").WithArgs(1, 0, 7).WillReturnRows(sqlmock.NewRows(triggerCols))

	_, err := tx.GetTrigger(context.Background(), 7)
	assert.ErrorIs(t, err, domain.ErrTriggerNotFound)
	assert.Equal(t, domain.KindStale, domain.Classify(err))
}

func TestTx_GetAccount_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectQuery("FROM calendar_account").WithArgs(1, 0).WillReturnError(sql.ErrNoRows)

	_, err := tx.GetAccount(context.Background())
	assert.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestTx_ResetProcessed(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec("SET processed = 0").WithArgs(1, 0, 7, int64(6)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("SET processed = 0").WithArgs(1, 0, 7, int64(6)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := tx.ResetProcessed(context.Background(), 7, 6)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tx.ResetProcessed(context.Background(), 7, 6)
	require.NoError(t, err)
	assert.False(t, ok, "second reset must not match a moved token")
}

func TestTx_DiscardTrigger(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec("DELETE FROM calendar_alarm_trigger").WithArgs(1, 0, 7, int64(6)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM calendar_alarm_trigger").WithArgs(1, 0, 7, int64(6)).WillReturnResult(sqlmock.NewResult(0, 0))

	ok, err := tx.DiscardTrigger(context.Background(), 7, 6)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = tx.DiscardTrigger(context.Background(), 7, 6)
	require.NoError(t, err)
	assert.False(t, ok, "a row rewritten with another token is kept")
}

func TestTx_DeleteAndInsertTriggers(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)
	at := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM calendar_alarm_trigger").
		WithArgs(1, 0, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO calendar_alarm_trigger").
		WithArgs(1, 0, 7, "42", 3, "EMAIL", at, sqlmock.AnyArg(), int64(3)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := tx.DeleteTriggers(context.Background(), []string{"42", "43"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	err = tx.InsertTriggers(context.Background(), []domain.AlarmTrigger{{
		ContextID: 1, AccountID: 0, EventID: "42", AlarmID: 7, UserID: 3,
		Action: domain.ActionEmail, TriggerTime: at, Processed: 3,
	}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_EmptyEventListsSkipQueries(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	got, err := tx.ListTriggers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)

	n, err := tx.DeleteTriggers(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTx_UpdateAlarms_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)
	ack := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectExec("UPDATE calendar_alarm").
		WithArgs(1, 0, "42", 7, ack).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := tx.UpdateAlarms(context.Background(), "42", []domain.Alarm{{ID: 7, Acknowledged: &ack}})
	assert.ErrorIs(t, err, domain.ErrAlarmNotFound)
}

func TestCalendarAccess_LoadEvent(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)
	ack := start.Add(-time.Hour)

	mock.ExpectQuery("FROM calendar_event").
		WithArgs(1, 0, "42").
		WillReturnRows(sqlmock.NewRows([]string{"id", "summary", "start_date", "end_date", "timezone", "rrule", "sequence", "last_modified"}).
			AddRow("42", "standup", start, start.Add(30*time.Minute), "Europe/Berlin", "FREQ=DAILY", 2, start.Add(-24*time.Hour)))
	mock.ExpectQuery("FROM calendar_alarm").
		WithArgs(1, 0, "42").
		WillReturnRows(sqlmock.NewRows([]string{"id", "action", "trigger_offset", "related", "absolute_date", "description", "acknowledged"}).
			AddRow(7, "EMAIL", int64(-900), "START", nil, "soon", ack))

	access, err := s.Access(domain.Account{Provider: DefaultProvider}, tx)
	require.NoError(t, err)

	e, err := access.LoadEvent(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", e.ID)
	assert.True(t, e.IsRecurring())
	assert.Equal(t, 2, e.Sequence)
	require.Len(t, e.Alarms, 1)
	assert.Equal(t, -15*time.Minute, e.Alarms[0].Offset)
	assert.Nil(t, e.Alarms[0].Absolute)
	require.NotNil(t, e.Alarms[0].Acknowledged)
	assert.Equal(t, ack, *e.Alarms[0].Acknowledged)
}

func TestCalendarAccess_TouchEventMissing(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	mock.ExpectExec("SET sequence = sequence \\+ 1").WillReturnResult(sqlmock.NewResult(0, 0))

	access, err := s.Access(domain.Account{Provider: DefaultProvider}, tx)
	require.NoError(t, err)
	err = access.TouchEvent(context.Background(), "42", time.Now())
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestStore_Access_UnknownProvider(t *testing.T) {
	s, mock := newMockStore(t)
	tx := beginMockTx(t, s, mock)

	_, err := s.Access(domain.Account{Provider: "caldav"}, tx)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)

	s = New(s.Pool, "caldav")
	_, err = s.Access(domain.Account{Provider: "caldav"}, tx)
	assert.NoError(t, err)
}

func TestStore_Enabled(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("FROM calendar_alarm_settings").
		WithArgs(1, 3, "EMAIL").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}))
	mock.ExpectQuery("FROM calendar_alarm_settings").
		WithArgs(1, 3, "SMS").
		WillReturnRows(sqlmock.NewRows([]string{"enabled"}).AddRow(false))

	ok, err := s.Enabled(context.Background(), 1, 3, domain.ActionEmail)
	require.NoError(t, err)
	assert.True(t, ok, "no setting means opted in")

	ok, err = s.Enabled(context.Background(), 1, 3, domain.ActionSMS)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_DeleteOrphanedTriggers(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec("NOT EXISTS").WithArgs(500).WillReturnResult(sqlmock.NewResult(0, 4))

	n, err := s.DeleteOrphanedTriggers(context.Background(), 500)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestStore_SaveEvents(t *testing.T) {
	s, mock := newMockStore(t)
	start := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO calendar_event").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM calendar_alarm").WithArgs(1, 2, "42").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO calendar_alarm").
		WithArgs(1, 2, "42", 7, "EMAIL", int64(-900), "START", sqlmock.AnyArg(), "", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SaveEvents(context.Background(), 1, 2, []domain.Event{{
		ID: "42", Start: start, End: start.Add(time.Hour),
		Alarms: []domain.Alarm{{ID: 7, Action: domain.ActionEmail, Offset: -15 * time.Minute}},
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_SaveEvents_RollsBack(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO calendar_event").WillReturnError(errors.New("constraint violation"))
	mock.ExpectRollback()

	err := s.SaveEvents(context.Background(), 1, 2, []domain.Event{{ID: "42"}})
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStore_DeleteEvents(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM calendar_event").WithArgs(1, 2, sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, s.DeleteEvents(context.Background(), 1, 2, []string{"42", "43"}))
	require.NoError(t, s.DeleteEvents(context.Background(), 1, 2, nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
