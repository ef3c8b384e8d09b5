// Package cron provides the schedules the worker and the reconciler run on.
package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type Parser struct {
	parser cron.Parser
}

// NewParser accepts standard five field expressions and descriptors such as
// "@hourly" or "@every 30m".
func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (p *Parser) Parse(expression string, timezone string) (cron.Schedule, error) {
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("parse cron: %w", err)
	}

	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone: %w", err)
	}

	return &zoned{sched: sched, loc: loc}, nil
}

type zoned struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *zoned) Next(after time.Time) time.Time {
	return s.sched.Next(after.In(s.loc))
}

// Delayed fires first at start+delay and then every period after that.
func Delayed(start time.Time, delay, period time.Duration) cron.Schedule {
	if period <= 0 {
		period = time.Second
	}
	return &delayed{first: start.Add(delay), period: period}
}

type delayed struct {
	first  time.Time
	period time.Duration
}

func (s *delayed) Next(after time.Time) time.Time {
	if after.Before(s.first) {
		return s.first
	}
	n := after.Sub(s.first)/s.period + 1
	return s.first.Add(n * s.period)
}
