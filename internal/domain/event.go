package domain

import "time"

type Event struct {
	ID        string
	ContextID int
	AccountID int

	Summary  string
	Start    time.Time
	End      time.Time
	TimeZone string // IANA, defaults to UTC

	RecurrenceRule string // RRULE value, empty for single events

	Alarms []Alarm

	Sequence     int
	LastModified time.Time
}

// IsRecurring reports whether the event carries a recurrence rule.
func (e Event) IsRecurring() bool {
	return e.RecurrenceRule != ""
}

// AlarmIndex returns the position of the alarm with the given id, or -1.
func (e Event) AlarmIndex(alarmID int) int {
	for i := range e.Alarms {
		if e.Alarms[i].ID == alarmID {
			return i
		}
	}
	return -1
}

// Account is a calendar account owned by one user.
type Account struct {
	ID        int
	ContextID int
	UserID    int
	Provider  string
	Enabled   bool
}

// ChangeBatch carries the events touched by one calendar mutation.
type ChangeBatch struct {
	ContextID int
	AccountID int

	Created []Event
	Updated []Event
	Deleted []string
}

// IsEmpty reports whether the batch touches nothing.
func (b ChangeBatch) IsEmpty() bool {
	return len(b.Created) == 0 && len(b.Updated) == 0 && len(b.Deleted) == 0
}
