// Package ratelimit gates outbound notifications per action, user and context.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

var ErrInvalidRate = errors.New("invalid rate")

// Rate allows Amount acquisitions per Per. A non-positive Amount disables limiting.
type Rate struct {
	Amount int
	Per    time.Duration
}

func (r Rate) Enabled() bool {
	return r.Amount > 0 && r.Per > 0
}

func (r Rate) String() string {
	if !r.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("%d/%s", r.Amount, r.Per)
}

// ParseRate parses "N/duration", e.g. "100/1h". "0/1m" and "" disable limiting.
func ParseRate(s string) (Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Rate{}, nil
	}
	amount, per, ok := strings.Cut(s, "/")
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q: want N/duration", ErrInvalidRate, s)
	}
	n, err := strconv.Atoi(strings.TrimSpace(amount))
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %q: amount: %v", ErrInvalidRate, s, err)
	}
	d, err := time.ParseDuration(strings.TrimSpace(per))
	if err != nil {
		return Rate{}, fmt.Errorf("%w: %q: interval: %v", ErrInvalidRate, s, err)
	}
	if d <= 0 {
		return Rate{}, fmt.Errorf("%w: %q: interval must be positive", ErrInvalidRate, s)
	}
	return Rate{Amount: n, Per: d}, nil
}

// ParseRates parses "ACTION=N/duration,..." into per-action rates.
func ParseRates(s string) (map[domain.Action]Rate, error) {
	rates := make(map[domain.Action]Rate)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		action, spec, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %q: want ACTION=N/duration", ErrInvalidRate, part)
		}
		r, err := ParseRate(spec)
		if err != nil {
			return nil, err
		}
		rates[domain.Action(strings.ToUpper(strings.TrimSpace(action)))] = r
	}
	return rates, nil
}

// FormatRates is the inverse of ParseRates, with actions in sorted order.
func FormatRates(rates map[domain.Action]Rate) string {
	parts := make([]string, 0, len(rates))
	for action, r := range rates {
		parts = append(parts, fmt.Sprintf("%s=%d/%s", action, r.Amount, r.Per))
	}
	sort.Strings(parts)
	return strings.Join(parts, ",")
}

// Scope narrows a limiter to one user in one context.
type Scope struct {
	UserID    int
	ContextID int
}

type Limiter interface {
	// Acquire takes one slot. It reports false when none is available now.
	Acquire(ctx context.Context) (bool, error)
}

// Factory hands out limiters by name and scope.
type Factory interface {
	Limiter(name string, scope Scope, rate Rate) Limiter
}
