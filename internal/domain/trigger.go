package domain

import (
	"fmt"
	"time"
)

// AlarmTrigger is one scheduled delivery obligation for an alarm.
type AlarmTrigger struct {
	ContextID int
	AccountID int
	EventID   string
	AlarmID   int
	UserID    int

	Action      Action
	TriggerTime time.Time
	Recurrence  time.Time // occurrence start for recurring events, zero otherwise

	// Processed is the fencing token. It advances every time the row is rewritten.
	Processed int64
}

// Key returns the in-flight identity of the trigger.
func (t AlarmTrigger) Key() Key {
	return Key{
		ContextID: t.ContextID,
		AccountID: t.AccountID,
		EventID:   t.EventID,
		AlarmID:   t.AlarmID,
	}
}

// Key identifies one unit of delivery work. It is comparable, so two keys are
// equal iff all four fields are equal.
type Key struct {
	ContextID int
	AccountID int
	EventID   string
	AlarmID   int
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d/%s/%d", k.ContextID, k.AccountID, k.EventID, k.AlarmID)
}

// DueQuery selects triggers that are due soon or overdue. Window rows take
// precedence: overdue rows only fill what the window leaves of Limit.
type DueQuery struct {
	Actions []Action
	// From and Until bound the look-ahead window, both inclusive.
	From  time.Time
	Until time.Time
	// OverdueBefore selects triggers abandoned before this instant.
	OverdueBefore time.Time
	Limit         int
}

// Matches reports whether t is selected by q, ignoring Limit.
func (q DueQuery) Matches(t AlarmTrigger) bool {
	return q.InWindow(t) || q.Overdue(t)
}

// InWindow reports whether t falls within the look-ahead window.
func (q DueQuery) InWindow(t AlarmTrigger) bool {
	return q.hasAction(t.Action) && !t.TriggerTime.Before(q.From) && !t.TriggerTime.After(q.Until)
}

// Overdue reports whether t was abandoned before OverdueBefore.
func (q DueQuery) Overdue(t AlarmTrigger) bool {
	return q.hasAction(t.Action) && t.TriggerTime.Before(q.OverdueBefore)
}

func (q DueQuery) hasAction(a Action) bool {
	for _, want := range q.Actions {
		if want == a {
			return true
		}
	}
	return false
}
