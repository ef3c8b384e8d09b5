package api

import (
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

func validateChangeBatch(req ChangeBatchRequest) error {
	if len(req.Created) == 0 && len(req.Updated) == 0 && len(req.Deleted) == 0 {
		return fmt.Errorf("batch is empty")
	}
	for _, id := range req.Deleted {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("deleted: empty event id")
		}
	}

	// Alarm ids are unique per account, so one alarm cannot move between
	// events of the same batch.
	owner := make(map[int]string)
	for _, group := range [][]EventRequest{req.Created, req.Updated} {
		for _, e := range group {
			if err := validateEvent(e); err != nil {
				return fmt.Errorf("event %q: %w", e.ID, err)
			}
			for _, a := range e.Alarms {
				if prev, ok := owner[a.ID]; ok && prev != e.ID {
					return fmt.Errorf("alarm %d is used by events %q and %q", a.ID, prev, e.ID)
				}
				owner[a.ID] = e.ID
			}
		}
	}
	return nil
}

func validateEvent(e EventRequest) error {
	if strings.TrimSpace(e.ID) == "" {
		return fmt.Errorf("id is required")
	}
	if e.Start.IsZero() {
		return fmt.Errorf("start is required")
	}
	if e.End.Before(e.Start) {
		return fmt.Errorf("end must not be before start")
	}
	if e.Timezone != "" {
		if err := validateTimezone(e.Timezone); err != nil {
			return fmt.Errorf("invalid timezone: %w", err)
		}
	}
	if e.RRule != "" {
		if err := validateRRule(e.RRule); err != nil {
			return fmt.Errorf("invalid rrule: %w", err)
		}
	}

	seen := make(map[int]bool, len(e.Alarms))
	for _, a := range e.Alarms {
		if seen[a.ID] {
			return fmt.Errorf("duplicate alarm id %d", a.ID)
		}
		seen[a.ID] = true
		if err := validateAlarm(a); err != nil {
			return fmt.Errorf("alarm %d: %w", a.ID, err)
		}
	}
	return nil
}

func validateAlarm(a AlarmRequest) error {
	if a.ID <= 0 {
		return fmt.Errorf("id must be positive")
	}
	if strings.TrimSpace(a.Action) == "" {
		return fmt.Errorf("action is required")
	}
	switch domain.Related(strings.ToUpper(a.Related)) {
	case "", domain.RelatedStart, domain.RelatedEnd:
	default:
		return fmt.Errorf("related must be START or END")
	}
	return nil
}

func validateTimezone(tz string) error {
	_, err := time.LoadLocation(tz)
	return err
}

func validateRRule(rule string) error {
	_, err := rrule.StrToROption(strings.TrimPrefix(rule, "RRULE:"))
	return err
}

func toDomainEvents(cid, account int, reqs []EventRequest, now time.Time) []domain.Event {
	if len(reqs) == 0 {
		return nil
	}
	events := make([]domain.Event, 0, len(reqs))
	for _, r := range reqs {
		e := domain.Event{
			ID:             r.ID,
			ContextID:      cid,
			AccountID:      account,
			Summary:        r.Summary,
			Start:          r.Start,
			End:            r.End,
			TimeZone:       r.Timezone,
			RecurrenceRule: r.RRule,
			Sequence:       r.Sequence,
			LastModified:   now,
		}
		if r.LastModified != nil {
			e.LastModified = *r.LastModified
		}
		for _, a := range r.Alarms {
			related := domain.Related(strings.ToUpper(a.Related))
			if related == "" {
				related = domain.RelatedStart
			}
			e.Alarms = append(e.Alarms, domain.Alarm{
				ID:           a.ID,
				Action:       domain.Action(strings.ToUpper(a.Action)),
				Offset:       time.Duration(a.OffsetSeconds) * time.Second,
				Related:      related,
				Absolute:     a.Absolute,
				Description:  a.Description,
				Acknowledged: a.Acknowledged,
			})
		}
		events = append(events, e)
	}
	return events
}
