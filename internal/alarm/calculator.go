// Package alarm computes which alarms of an event still need a trigger row.
package alarm

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

type Calculator struct{}

func NewCalculator() Calculator {
	return Calculator{}
}

// Triggers returns one row per alarm of event that still has to fire, as seen
// at now. Fencing tokens are left at zero; see AssignTokens.
func (Calculator) Triggers(event domain.Event, account domain.Account, now time.Time) ([]domain.AlarmTrigger, error) {
	if !account.Enabled || len(event.Alarms) == 0 {
		return nil, nil
	}

	var rule *rrule.RRule
	if event.IsRecurring() {
		r, err := parseRule(event)
		if err != nil {
			return nil, err
		}
		rule = r
	}

	var out []domain.AlarmTrigger
	for _, a := range event.Alarms {
		at, occurrence, ok := next(event, rule, a, now)
		if !ok {
			continue
		}
		out = append(out, domain.AlarmTrigger{
			ContextID:   account.ContextID,
			AccountID:   account.ID,
			EventID:     event.ID,
			AlarmID:     a.ID,
			UserID:      account.UserID,
			Action:      a.Action,
			TriggerTime: at.UTC(),
			Recurrence:  occurrence,
		})
	}
	return out, nil
}

func next(event domain.Event, rule *rrule.RRule, a domain.Alarm, now time.Time) (time.Time, time.Time, bool) {
	if a.Absolute != nil {
		if a.IsAcknowledgedAt(*a.Absolute) {
			return time.Time{}, time.Time{}, false
		}
		return *a.Absolute, time.Time{}, true
	}

	shift := a.Offset
	if a.Related == domain.RelatedEnd {
		shift += event.End.Sub(event.Start)
	}

	if rule == nil {
		at := event.Start.Add(shift)
		if a.IsAcknowledgedAt(at) {
			return time.Time{}, time.Time{}, false
		}
		if at.Before(now) && event.End.Before(now) {
			return time.Time{}, time.Time{}, false
		}
		return at, time.Time{}, true
	}

	after := now
	if a.Acknowledged != nil && a.Acknowledged.After(after) {
		after = *a.Acknowledged
	}
	occurrence := rule.After(after.Add(-shift), false)
	if occurrence.IsZero() {
		return time.Time{}, time.Time{}, false
	}
	return occurrence.Add(shift), occurrence.UTC(), true
}

func parseRule(event domain.Event) (*rrule.RRule, error) {
	loc := time.UTC
	if event.TimeZone != "" {
		l, err := time.LoadLocation(event.TimeZone)
		if err != nil {
			return nil, fmt.Errorf("event %s: time zone %q: %w", event.ID, event.TimeZone, domain.ErrInvalidEvent)
		}
		loc = l
	}

	r, err := rrule.StrToRRule(strings.TrimPrefix(event.RecurrenceRule, "RRULE:"))
	if err != nil {
		return nil, fmt.Errorf("event %s: recurrence %q: %v: %w", event.ID, event.RecurrenceRule, err, domain.ErrInvalidEvent)
	}
	r.DTStart(event.Start.In(loc))
	return r, nil
}

// AssignTokens sets the fencing tokens of freshly computed rows against the
// rows they replace. A row whose alarm, action and time are unchanged keeps
// its token. Every other row, and always the row of bump, gets a token above
// everything stored so far, so tasks holding an old token turn stale.
func AssignTokens(next, existing []domain.AlarmTrigger, bump *domain.Key) {
	var top int64
	prev := make(map[int]domain.AlarmTrigger, len(existing))
	for _, t := range existing {
		prev[t.AlarmID] = t
		if t.Processed > top {
			top = t.Processed
		}
	}

	for i := range next {
		old, ok := prev[next[i].AlarmID]
		bumped := bump != nil && next[i].Key() == *bump
		if ok && !bumped && unchanged(old, next[i]) {
			next[i].Processed = old.Processed
			continue
		}
		next[i].Processed = top + 1
	}
}

// Changed returns the keys of existing rows that next drops or rewrites.
func Changed(existing, next []domain.AlarmTrigger) []domain.Key {
	byAlarm := make(map[int]domain.AlarmTrigger, len(next))
	for _, t := range next {
		byAlarm[t.AlarmID] = t
	}

	var keys []domain.Key
	for _, old := range existing {
		t, ok := byAlarm[old.AlarmID]
		if !ok || t.Processed != old.Processed {
			keys = append(keys, old.Key())
		}
	}
	return keys
}

func unchanged(a, b domain.AlarmTrigger) bool {
	return a.EventID == b.EventID &&
		a.Action == b.Action &&
		a.UserID == b.UserID &&
		a.TriggerTime.Equal(b.TriggerTime) &&
		a.Recurrence.Equal(b.Recurrence)
}
