package delivery

import (
	"context"

	"github.com/djlord-it/easy-alarm/internal/domain"
)

// RetryPolicy runs a unit of work up to Attempts times, as long as the
// failure is retryable.
type RetryPolicy struct {
	Attempts  int
	Retryable func(error) bool
}

// DefaultRetryPolicy retries transient failures once.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts: 2,
		Retryable: func(err error) bool {
			return domain.Classify(err) == domain.KindTransient
		},
	}
}

// Do returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(attempt int) error) (int, error) {
	var err error
	attempt := 0
	for attempt < p.Attempts {
		attempt++
		err = fn(attempt)
		if err == nil || !p.Retryable(err) || ctx.Err() != nil {
			break
		}
	}
	return attempt, err
}
