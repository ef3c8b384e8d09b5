package domain

import (
	"context"
	"errors"
)

var (
	ErrTriggerNotFound     = errors.New("alarm trigger not found")
	ErrStaleTrigger        = errors.New("alarm trigger is stale")
	ErrAccountNotFound     = errors.New("calendar account not found")
	ErrEventNotFound       = errors.New("event not found")
	ErrAlarmNotFound       = errors.New("alarm not found")
	ErrProviderUnavailable = errors.New("calendar provider unavailable")
	ErrInvalidEvent        = errors.New("invalid event")
)

// ErrorKind tags a failure so callers branch on the kind instead of the type.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindStale
	KindPermanent
	KindTransient
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindStale:
		return "stale"
	case KindPermanent:
		return "permanent"
	case KindTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps an error returned by a loading or storage step to its kind.
// Anything not recognised is treated as transient.
func Classify(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTriggerNotFound), errors.Is(err, ErrStaleTrigger):
		return KindStale
	case errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrEventNotFound),
		errors.Is(err, ErrAlarmNotFound),
		errors.Is(err, ErrProviderUnavailable),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, context.Canceled):
		return KindPermanent
	default:
		return KindTransient
	}
}
