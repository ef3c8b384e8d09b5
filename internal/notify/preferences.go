package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// allowAll is used when no preference store is configured.
type allowAll struct{}

func (allowAll) Enabled(context.Context, int, int, domain.Action) (bool, error) { return true, nil }

// AllowAll returns Preferences that never opt a user out.
func AllowAll() Preferences { return allowAll{} }

// UserEnabled asks prefs whether the user receives action notifications.
// Lookup failures count as enabled.
func UserEnabled(ctx context.Context, prefs Preferences, logger *zap.Logger, contextID, userID int, action domain.Action) bool {
	ok, err := prefs.Enabled(ctx, contextID, userID, action)
	if err != nil {
		logger.Warn("notification_preferences_lookup_failed",
			zap.Int("context_id", contextID),
			zap.Int("user_id", userID),
			zap.String("action", string(action)),
			zap.Error(err),
		)
		return true
	}
	return ok
}
