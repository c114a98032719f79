package models

import (
	"errors"
	"fmt"
)

// Dispatch error taxonomy. Callers match with errors.Is; the wrapped
// variants below still match their parent kind.
var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrNotEligible       = errors.New("not eligible")
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrInvalidInput      = errors.New("invalid input")

	ErrAlreadyTaken = fmt.Errorf("%w: ride already taken", ErrInvalidTransition)
	ErrNoActivePlan = fmt.Errorf("%w: no active plan", ErrQuotaExceeded)
)

// TransitionError builds an InvalidTransition error naming the refused move.
func TransitionError(event string, from RideStatus) error {
	return fmt.Errorf("%w: cannot %s a ride in status %s", ErrInvalidTransition, event, from)
}
