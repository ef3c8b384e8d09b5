package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/djlord-it/easy-alarm/internal/delivery"
	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/listener"
	"github.com/djlord-it/easy-alarm/internal/notify"
)

// DefaultProvider is the calendar provider backed by this database.
const DefaultProvider = "default"

// Store implements the delivery collaborators, the due-trigger query, the
// calendar writer and the notification preferences using PostgreSQL.
type Store struct {
	*Pool
	providers map[string]bool
}

// New creates a store over pool. Accounts of any provider other than
// DefaultProvider or one of extra cannot be delivered.
func New(pool *Pool, extra ...string) *Store {
	providers := map[string]bool{DefaultProvider: true}
	for _, p := range extra {
		providers[p] = true
	}
	return &Store{Pool: pool, providers: providers}
}

// Access binds the account's calendar provider to tx.
func (s *Store) Access(account domain.Account, tx delivery.Tx) (delivery.CalendarAccess, error) {
	pt, ok := tx.(*Tx)
	if !ok || !s.providers[account.Provider] {
		return nil, fmt.Errorf("provider %q: %w", account.Provider, domain.ErrProviderUnavailable)
	}
	return &calendarAccess{tx: pt}, nil
}

// DueTriggers runs on the primary so a scan never misses a fresh row. Rows in
// the window are read first; overdue rows fill the rest of the limit.
func (s *Store) DueTriggers(ctx context.Context, q domain.DueQuery) ([]domain.AlarmTrigger, error) {
	actions := pq.Array(actionStrings(q.Actions))

	rows, err := s.primary.QueryContext(ctx, queryDueWindowTriggers,
		actions, q.From, q.Until, limitArg(q.Limit))
	if err != nil {
		return nil, err
	}
	due, err := collectTriggers(rows)
	if err != nil {
		return nil, err
	}

	remaining := 0
	if q.Limit > 0 {
		remaining = q.Limit - len(due)
		if remaining <= 0 {
			return due, nil
		}
	}
	rows, err = s.primary.QueryContext(ctx, queryDueOverdueTriggers,
		actions, q.OverdueBefore, limitArg(remaining))
	if err != nil {
		return nil, err
	}
	overdue, err := collectTriggers(rows)
	if err != nil {
		return nil, err
	}
	return append(due, overdue...), nil
}

func actionStrings(actions []domain.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = string(a)
	}
	return out
}

// limitArg maps a non-positive limit to NULL, which LIMIT reads as no limit.
func limitArg(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n > 0}
}

// ListTriggers reads one account's pending triggers, optionally for one event.
func (s *Store) ListTriggers(ctx context.Context, contextID, accountID int, eventID string) ([]domain.AlarmTrigger, error) {
	rows, err := s.Reader(contextID).QueryContext(ctx, queryListTriggers, contextID, accountID, eventID)
	if err != nil {
		return nil, err
	}
	return collectTriggers(rows)
}

// DeleteOrphanedTriggers removes up to limit rows whose event is gone.
func (s *Store) DeleteOrphanedTriggers(ctx context.Context, limit int) (int, error) {
	res, err := s.primary.ExecContext(ctx, queryDeleteOrphanedTriggers, limit)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.primary.PingContext(ctx)
}

// Enabled reports the user's opt-in for action. Users without a setting
// are opted in.
func (s *Store) Enabled(ctx context.Context, contextID, userID int, action domain.Action) (bool, error) {
	var enabled bool
	err := s.Reader(contextID).QueryRowContext(ctx, queryGetAlarmSetting, contextID, userID, string(action)).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return enabled, nil
}

// SaveEvents upserts events and replaces their alarms in one transaction.
func (s *Store) SaveEvents(ctx context.Context, contextID, accountID int, events []domain.Event) error {
	if len(events) == 0 {
		return nil
	}
	return s.write(ctx, contextID, func(tx *sql.Tx) error {
		for _, e := range events {
			if err := saveEvent(ctx, tx, contextID, accountID, e); err != nil {
				return fmt.Errorf("save event %s: %w", e.ID, err)
			}
		}
		return nil
	})
}

func saveEvent(ctx context.Context, tx *sql.Tx, cid, account int, e domain.Event) error {
	_, err := tx.ExecContext(ctx, queryUpsertEvent,
		cid,
		account,
		e.ID,
		e.Summary,
		e.Start,
		e.End,
		e.TimeZone,
		e.RecurrenceRule,
		e.Sequence,
		e.LastModified,
	)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, queryDeleteEventAlarms, cid, account, e.ID); err != nil {
		return err
	}
	for _, a := range e.Alarms {
		related := a.Related
		if related == "" {
			related = domain.RelatedStart
		}
		_, err := tx.ExecContext(ctx, queryInsertAlarm,
			cid,
			account,
			e.ID,
			a.ID,
			string(a.Action),
			int64(a.Offset.Seconds()),
			string(related),
			nullTimePtr(a.Absolute),
			a.Description,
			nullTimePtr(a.Acknowledged),
		)
		if err != nil {
			return fmt.Errorf("insert alarm %d: %w", a.ID, err)
		}
	}
	return nil
}

// DeleteEvents removes events; their alarms cascade.
func (s *Store) DeleteEvents(ctx context.Context, contextID, accountID int, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.write(ctx, contextID, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, queryDeleteEvents, contextID, accountID, pq.Array(ids))
		return err
	})
}

// LoadEvent reads a committed event with its alarms.
func (s *Store) LoadEvent(ctx context.Context, contextID, accountID int, eventID string) (domain.Event, error) {
	return loadEvent(ctx, s.Reader(contextID), contextID, accountID, eventID)
}

func (s *Store) write(ctx context.Context, contextID int, fn func(tx *sql.Tx) error) error {
	tx, err := s.primary.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.markWritten(contextID)
	return nil
}

var (
	_ delivery.Database  = (*Store)(nil)
	_ delivery.Providers = (*Store)(nil)
	_ delivery.Tx        = (*Tx)(nil)
	_ delivery.Conn      = (*Conn)(nil)
	_ listener.Calendar  = (*Store)(nil)
	_ notify.Preferences = (*Store)(nil)
)
