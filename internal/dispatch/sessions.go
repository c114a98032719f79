package dispatch

import (
	"context"
	"fmt"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/realtime"
)

// Connect registers a live session: presence for the identity, the user's
// private channel, and the worker pool for available workers.
func (e *Engine) Connect(actor models.Actor, s *realtime.Session) {
	e.router.Subscribe(s)
	switch actor.Role {
	case models.RoleWorker:
		e.presence.WorkerConnect(actor.UserID, s)
		if w, ok := e.presence.Worker(actor.UserID); ok && w.Available {
			e.router.JoinWorkerPool(actor.UserID)
		}
	case models.RoleRequester:
		e.presence.RequesterConnect(actor.UserID, s)
	}
}

// Disconnect drops one session. Ride-room membership is kept so the user
// picks up where they left off on reconnect.
func (e *Engine) Disconnect(ctx context.Context, actor models.Actor, s *realtime.Session) error {
	e.router.Unsubscribe(s)
	s.Close()
	switch actor.Role {
	case models.RoleWorker:
		gone, err := e.presence.WorkerDisconnectHandle(ctx, actor.UserID, s.HandleID())
		if gone {
			e.router.LeaveWorkerPool(actor.UserID)
		}
		return err
	case models.RoleRequester:
		e.presence.RequesterDisconnectHandle(actor.UserID, s.HandleID())
	}
	return nil
}

// SetAvailability toggles whether the worker receives new-ride offers.
func (e *Engine) SetAvailability(actor models.Actor, available bool) error {
	if actor.Role != models.RoleWorker {
		return fmt.Errorf("%w: only workers have availability", models.ErrUnauthorized)
	}
	if err := e.presence.SetAvailable(actor.UserID, available); err != nil {
		return err
	}
	if available {
		e.router.JoinWorkerPool(actor.UserID)
	} else {
		e.router.LeaveWorkerPool(actor.UserID)
	}
	return nil
}

// Follow adds the caller to the ride's room after checking they may see it.
func (e *Engine) Follow(ctx context.Context, actor models.Actor, rideID string) error {
	ride, err := e.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if !isParty(actor, ride) {
		return fmt.Errorf("%w: not a party to ride %s", models.ErrUnauthorized, rideID)
	}
	e.router.JoinRide(rideID, actor.UserID)
	return nil
}

func (e *Engine) Unfollow(actor models.Actor, rideID string) {
	e.router.LeaveRide(rideID, actor.UserID)
}
