package api

import "time"

// ChangeBatchRequest is one calendar mutation.
type ChangeBatchRequest struct {
	Created []EventRequest `json:"created"`
	Updated []EventRequest `json:"updated"`
	Deleted []string       `json:"deleted"`
}

type EventRequest struct {
	ID           string         `json:"id"`
	Summary      string         `json:"summary"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	Timezone     string         `json:"timezone,omitempty"` // default UTC
	RRule        string         `json:"rrule,omitempty"`
	Sequence     int            `json:"sequence"`
	LastModified *time.Time     `json:"last_modified,omitempty"` // default now
	Alarms       []AlarmRequest `json:"alarms"`
}

type AlarmRequest struct {
	ID            int        `json:"id"`
	Action        string     `json:"action"`
	OffsetSeconds int64      `json:"offset_seconds"`
	Related       string     `json:"related,omitempty"` // START or END, default START
	Absolute      *time.Time `json:"absolute,omitempty"`
	Description   string     `json:"description,omitempty"`
	Acknowledged  *time.Time `json:"acknowledged,omitempty"`
}

type ChangeResponse struct {
	Status  string `json:"status"`
	Changed int    `json:"changed"`
	Deleted int    `json:"deleted"`
}

type TriggerResponse struct {
	EventID     string `json:"event_id"`
	AlarmID     int    `json:"alarm_id"`
	UserID      int    `json:"user_id"`
	Action      string `json:"action"`
	TriggerTime string `json:"trigger_time"`
	Recurrence  string `json:"recurrence,omitempty"`
	Processed   int64  `json:"processed"`
}

type ListTriggersResponse struct {
	Triggers []TriggerResponse `json:"triggers"`
}

type ActionsResponse struct {
	Actions []string `json:"actions"`
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
