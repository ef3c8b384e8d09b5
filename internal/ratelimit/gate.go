package ratelimit

import (
	"context"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// Gate decides whether a notification may be sent now. Denials are drops,
// nothing is queued.
type Gate struct {
	prefix  string
	rates   map[domain.Action]Rate
	factory Factory
	logger  *zap.Logger
}

func NewGate(prefix string, rates map[domain.Action]Rate, factory Factory, logger *zap.Logger) *Gate {
	if rates == nil {
		rates = map[domain.Action]Rate{}
	}
	return &Gate{prefix: prefix, rates: rates, factory: factory, logger: logger}
}

// LimiterName returns the limiter name used for action.
func (g *Gate) LimiterName(action domain.Action) string {
	return g.prefix + "_" + string(action)
}

// Allow reports whether a slot was obtained. Backend errors let the send through.
func (g *Gate) Allow(ctx context.Context, action domain.Action, userID, contextID int) bool {
	r := g.rates[action]
	if !r.Enabled() {
		return true
	}

	limiter := g.factory.Limiter(g.LimiterName(action), Scope{UserID: userID, ContextID: contextID}, r)
	ok, err := limiter.Acquire(ctx)
	if err != nil {
		g.logger.Warn("rate_limiter_unavailable",
			zap.String("action", string(action)),
			zap.Int("context_id", contextID),
			zap.Int("user_id", userID),
			zap.Error(err),
		)
		return true
	}
	return ok
}
