// Package notify holds the live set of notification services, keyed by the
// alarm action they deliver.
package notify

import (
	"context"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Service delivers notifications for one alarm action.
type Service interface {
	Send(ctx context.Context, n domain.Notification) error
	Enabled(ctx context.Context, contextID, userID int) bool
}

// Preferences answers whether a user opted out of an action.
type Preferences interface {
	Enabled(ctx context.Context, contextID, userID int, action domain.Action) (bool, error)
}

// Registry maps actions to services. Services come and go at runtime.
type Registry struct {
	mu       sync.RWMutex
	services map[domain.Action]Service
	logger   *zap.Logger
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		services: make(map[domain.Action]Service),
		logger:   logger,
	}
}

// Added registers svc for action, replacing any previous service.
func (r *Registry) Added(action domain.Action, svc Service) {
	r.mu.Lock()
	_, replaced := r.services[action]
	r.services[action] = svc
	r.mu.Unlock()

	r.logger.Info("notification_service_added",
		zap.String("action", string(action)),
		zap.Bool("replaced", replaced),
	)
}

// Removed unregisters svc. A different service registered for the same action
// in the meantime is left in place.
func (r *Registry) Removed(action domain.Action, svc Service) {
	r.mu.Lock()
	current, ok := r.services[action]
	if ok && current == svc {
		delete(r.services, action)
	}
	r.mu.Unlock()

	if ok && current == svc {
		r.logger.Info("notification_service_removed", zap.String("action", string(action)))
	}
}

// Service returns the service for action, if any.
func (r *Registry) Service(action domain.Action) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	svc, ok := r.services[action]
	return svc, ok
}

// Actions returns the currently deliverable actions in sorted order.
func (r *Registry) Actions() []domain.Action {
	r.mu.RLock()
	actions := make([]domain.Action, 0, len(r.services))
	for a := range r.services {
		actions = append(actions, a)
	}
	r.mu.RUnlock()

	sort.Slice(actions, func(i, j int) bool { return actions[i] < actions[j] })
	return actions
}
