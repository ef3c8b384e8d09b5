package cron

import (
	"testing"
	"time"
)

func TestParser_ValidExpressions(t *testing.T) {
	tests := []struct {
		name string
		expr string
	}{
		{"every hour", "0 * * * *"},
		{"every 5 minutes", "*/5 * * * *"},
		{"nightly", "30 2 * * *"},
		{"descriptor", "@hourly"},
		{"every", "@every 45m"},
	}

	p := NewParser()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := p.Parse(tt.expr, "UTC")
			if err != nil {
				t.Fatalf("Parse(%q) returned error: %v", tt.expr, err)
			}
			if sched == nil {
				t.Fatalf("Parse(%q) returned nil schedule", tt.expr)
			}
		})
	}
}

func TestParser_InvalidInput(t *testing.T) {
	p := NewParser()
	for _, expr := range []string{"* * * *", "60 * * * *", "@sometimes", ""} {
		if _, err := p.Parse(expr, "UTC"); err == nil {
			t.Errorf("Parse(%q) should fail", expr)
		}
	}
	if _, err := p.Parse("@hourly", "Mars/Olympus"); err == nil {
		t.Error("Parse with unknown timezone should fail")
	}
}

func TestParser_NextInTimezone(t *testing.T) {
	sched, err := NewParser().Parse("0 9 * * *", "Europe/Paris")
	if err != nil {
		t.Fatal(err)
	}
	after := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	want := time.Date(2024, 1, 15, 8, 0, 0, 0, time.UTC)
	if got := sched.Next(after); !got.Equal(want) {
		t.Errorf("Next = %s, want %s", got.UTC(), want)
	}
}

func TestDelayed(t *testing.T) {
	start := time.Date(2024, 1, 15, 9, 0, 0, 0, time.UTC)
	s := Delayed(start, 5*time.Minute, 10*time.Minute)

	tests := []struct {
		after time.Time
		want  time.Time
	}{
		{start, start.Add(5 * time.Minute)},
		{start.Add(4 * time.Minute), start.Add(5 * time.Minute)},
		{start.Add(5 * time.Minute), start.Add(15 * time.Minute)},
		{start.Add(14*time.Minute + 59*time.Second), start.Add(15 * time.Minute)},
		{start.Add(2 * time.Hour), start.Add(2*time.Hour + 5*time.Minute)},
	}
	for _, tt := range tests {
		if got := s.Next(tt.after); !got.Equal(tt.want) {
			t.Errorf("Next(%s) = %s, want %s", tt.after.Format(time.Kitchen), got.Format(time.Kitchen), tt.want.Format(time.Kitchen))
		}
	}
}
