package delivery

import (
	"context"
	"time"

	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/notify"
)

// Database hands out writable connections. ReleaseWritable must be told
// whether anything was committed so read routing can follow the write.
type Database interface {
	AcquireWritable(ctx context.Context, contextID int) (Conn, error)
	ReleaseWritable(conn Conn, modified bool)
}

type Conn interface {
	// BeginTx opens a transaction scoped to one calendar account.
	BeginTx(ctx context.Context, contextID, accountID int) (Tx, error)
}

// Tx is the calendar storage seen through one transaction.
type Tx interface {
	GetAccount(ctx context.Context) (domain.Account, error)

	// GetTrigger loads the live trigger of an alarm and locks it until the
	// transaction ends. ErrTriggerNotFound when there is none.
	GetTrigger(ctx context.Context, alarmID int) (domain.AlarmTrigger, error)
	ListTriggers(ctx context.Context, eventIDs ...string) ([]domain.AlarmTrigger, error)
	DeleteTriggers(ctx context.Context, eventIDs []string) (int, error)
	InsertTriggers(ctx context.Context, triggers []domain.AlarmTrigger) error
	// ResetProcessed sets the token of an alarm's trigger back to zero if it
	// still holds expected.
	ResetProcessed(ctx context.Context, alarmID int, expected int64) (bool, error)
	// DiscardTrigger deletes an alarm's trigger if its token still equals
	// expected.
	DiscardTrigger(ctx context.Context, alarmID int, expected int64) (bool, error)

	UpdateAlarms(ctx context.Context, eventID string, alarms []domain.Alarm) error

	Commit() error
	Rollback() error
}

// CalendarAccess is an account's calendar provider bound to a transaction.
type CalendarAccess interface {
	LoadEvent(ctx context.Context, eventID string) (domain.Event, error)
	TouchEvent(ctx context.Context, eventID string, at time.Time) error
}

// Providers resolves the calendar provider of an account.
// ErrProviderUnavailable when the account's provider is not known.
type Providers interface {
	Access(account domain.Account, tx Tx) (CalendarAccess, error)
}

type TriggerCalculator interface {
	Triggers(event domain.Event, account domain.Account, now time.Time) ([]domain.AlarmTrigger, error)
}

type ServiceLookup interface {
	Service(action domain.Action) (notify.Service, bool)
}

type RateGate interface {
	Allow(ctx context.Context, action domain.Action, userID, contextID int) bool
}

type KeyReleaser interface {
	Remove(key domain.Key) bool
}

// MetricsSink records delivery metrics. Methods must not block.
type MetricsSink interface {
	DeliveryOutcome(outcome domain.DeliveryOutcome, duration time.Duration)
	PrepareRetried()
	NotificationSent(action domain.Action, status string, duration time.Duration)
	RateLimited(action domain.Action)
}
