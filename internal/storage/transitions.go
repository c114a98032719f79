package storage

import "github.com/example/ride-dispatch/internal/models"

// Transition names a lifecycle event of the ride state machine.
type Transition string

const (
	Claim   Transition = "claim"
	Reject  Transition = "reject"
	Timeout Transition = "timeout"
	Retry   Transition = "retry"
	Start   Transition = "start"
	Finish  Transition = "complete"
	Cancel  Transition = "cancel"
)

type edge struct {
	from []models.RideStatus
	to   models.RideStatus
}

// machine is the single definition of legal moves; both stores consult it.
var machine = map[Transition]edge{
	Claim:   {from: []models.RideStatus{models.StatusPending}, to: models.StatusAccepted},
	Reject:  {from: []models.RideStatus{models.StatusPending}, to: models.StatusPending},
	Timeout: {from: []models.RideStatus{models.StatusPending}, to: models.StatusNoResponse},
	Retry:   {from: []models.RideStatus{models.StatusPending, models.StatusNoResponse}, to: models.StatusPending},
	Start:   {from: []models.RideStatus{models.StatusAccepted}, to: models.StatusInProgress},
	Finish:  {from: []models.RideStatus{models.StatusInProgress}, to: models.StatusCompleted},
	Cancel:  {from: []models.RideStatus{models.StatusPending, models.StatusAccepted}, to: models.StatusCancelled},
}

// Allowed reports whether t may fire from status.
func Allowed(t Transition, from models.RideStatus) bool {
	for _, s := range machine[t].from {
		if s == from {
			return true
		}
	}
	return false
}

// Target is the status t leads to.
func Target(t Transition) models.RideStatus { return machine[t].to }

// Sources lists the statuses t may fire from.
func Sources(t Transition) []string {
	src := machine[t].from
	out := make([]string, len(src))
	for i, s := range src {
		out[i] = string(s)
	}
	return out
}

// refusal builds the error for t attempted from a non-matching status.
// Claims that lost to another worker get ErrAlreadyTaken.
func refusal(t Transition, from models.RideStatus) error {
	if t == Claim && from.HasWorker() {
		return models.ErrAlreadyTaken
	}
	return models.TransitionError(string(t), from)
}
