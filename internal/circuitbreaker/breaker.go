// Package circuitbreaker stops hammering a notification backend that keeps
// failing. There is one breaker per alarm action.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
	"github.com/djlord-it/easy-alarm/internal/notify"
)

var ErrCircuitOpen = errors.New("circuit breaker is open")

type CircuitBreaker struct {
	mu        sync.Mutex
	breakers  map[domain.Action]*gobreaker.CircuitBreaker
	threshold int
	cooldown  time.Duration
	logger    *zap.Logger
}

// New trips an action's breaker after threshold consecutive failures and
// lets one probe through after cooldown.
func New(threshold int, cooldown time.Duration, logger *zap.Logger) *CircuitBreaker {
	return &CircuitBreaker{
		breakers:  make(map[domain.Action]*gobreaker.CircuitBreaker),
		threshold: threshold,
		cooldown:  cooldown,
		logger:    logger,
	}
}

func (cb *CircuitBreaker) breaker(action domain.Action) *gobreaker.CircuitBreaker {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	b, ok := cb.breakers[action]
	if ok {
		return b
	}
	threshold := uint32(cb.threshold)
	b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(action),
		MaxRequests: 1,
		Timeout:     cb.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			// A cancelled send says nothing about the backend.
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			cb.logger.Warn("circuit_breaker_state_changed",
				zap.String("action", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	cb.breakers[action] = b
	return b
}

// Execute runs fn through the action's breaker. ErrCircuitOpen is returned
// without calling fn while the breaker is open or its probe is in flight.
func (cb *CircuitBreaker) Execute(action domain.Action, fn func() error) error {
	_, err := cb.breaker(action).Execute(func() (any, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrCircuitOpen
	}
	return err
}

// State returns the breaker state of an action. Unknown actions are closed.
func (cb *CircuitBreaker) State(action domain.Action) gobreaker.State {
	cb.mu.Lock()
	b, ok := cb.breakers[action]
	cb.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return b.State()
}

// Wrap returns svc with its sends guarded by the action's breaker.
func (cb *CircuitBreaker) Wrap(action domain.Action, svc notify.Service) notify.Service {
	return &guarded{Service: svc, action: action, cb: cb}
}

type guarded struct {
	notify.Service
	action domain.Action
	cb     *CircuitBreaker
}

func (g *guarded) Send(ctx context.Context, n domain.Notification) error {
	return g.cb.Execute(g.action, func() error {
		return g.Service.Send(ctx, n)
	})
}
