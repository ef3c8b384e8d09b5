package domain

import "time"

type Action string

const (
	ActionDisplay Action = "DISPLAY"
	ActionAudio   Action = "AUDIO"
	ActionEmail   Action = "EMAIL"
	ActionSMS     Action = "SMS"
)

type Related string

const (
	RelatedStart Related = "START"
	RelatedEnd   Related = "END"
)

// Alarm belongs to an Event.
type Alarm struct {
	ID     int
	Action Action

	// Offset is relative to the event start (or end, see Related).
	// Absolute, when set, overrides Offset.
	Offset   time.Duration
	Related  Related
	Absolute *time.Time

	Description  string
	Acknowledged *time.Time
}

// IsAcknowledgedAt reports whether the alarm was acknowledged at or after t.
func (a Alarm) IsAcknowledgedAt(t time.Time) bool {
	return a.Acknowledged != nil && !a.Acknowledged.Before(t)
}
