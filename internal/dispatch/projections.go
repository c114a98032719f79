package dispatch

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/presence"
)

// Read-side views. They are assembled from committed state after the fact and
// never take part in a transition.

// CandidateView is a pending ride as one worker sees it.
type CandidateView struct {
	Ride             *models.Ride `json:"ride"`
	PickupDistanceKm *float64     `json:"pickup_distance_km,omitempty"`
	PickupETASeconds *float64     `json:"pickup_eta_seconds,omitempty"`
}

// TrackingView is what a ride's parties need to follow it live.
type TrackingView struct {
	Ride             *models.Ride     `json:"ride"`
	Worker           *presence.Worker `json:"worker,omitempty"`
	WorkerOnline     bool             `json:"worker_online"`
	PickupETASeconds *float64         `json:"pickup_eta_seconds,omitempty"`
	SearchDeadline   *time.Time       `json:"search_deadline,omitempty"`
}

// ListCandidateRides returns the pending rides the worker has not rejected,
// nearest pickup first when the worker's location is known. An empty list is
// a normal result.
func (e *Engine) ListCandidateRides(ctx context.Context, actor models.Actor) ([]CandidateView, error) {
	if actor.Role != models.RoleWorker {
		return nil, fmt.Errorf("%w: only workers have candidate rides", models.ErrUnauthorized)
	}
	pending, err := e.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	loc := e.workerLocation(actor.UserID)
	out := make([]CandidateView, 0, len(pending))
	for _, ride := range pending {
		e.ledger.Sync(ride.ID, ride.Version, ride.RejectedBy)
		if !e.ledger.IsEligible(ride.ID, actor.UserID) {
			continue
		}
		view := e.candidate(ride, loc)
		if loc != nil && e.cfg.CandidateRadiusKm > 0 && *view.PickupDistanceKm > e.cfg.CandidateRadiusKm {
			continue
		}
		out = append(out, view)
	}
	if loc != nil {
		sort.SliceStable(out, func(i, j int) bool { return *out[i].PickupDistanceKm < *out[j].PickupDistanceKm })
	}
	return out, nil
}

// CandidateRide returns a single offer, or models.ErrNotEligible when the
// ride is no longer open to this worker.
func (e *Engine) CandidateRide(ctx context.Context, actor models.Actor, rideID string) (CandidateView, error) {
	if actor.Role != models.RoleWorker {
		return CandidateView{}, fmt.Errorf("%w: only workers have candidate rides", models.ErrUnauthorized)
	}
	ride, err := e.store.Get(ctx, rideID)
	if err != nil {
		return CandidateView{}, err
	}
	if ride.Status != models.StatusPending {
		return CandidateView{}, fmt.Errorf("%w: ride %s is %s", models.ErrNotEligible, rideID, ride.Status)
	}
	e.ledger.Sync(ride.ID, ride.Version, ride.RejectedBy)
	if !e.ledger.IsEligible(ride.ID, actor.UserID) {
		return CandidateView{}, fmt.Errorf("%w: ride %s was rejected by %s", models.ErrNotEligible, rideID, actor.UserID)
	}
	loc := e.workerLocation(actor.UserID)
	view := e.candidate(ride, loc)
	if loc != nil && e.cfg.CandidateRadiusKm > 0 && *view.PickupDistanceKm > e.cfg.CandidateRadiusKm {
		return CandidateView{}, fmt.Errorf("%w: pickup is %.1f km away", models.ErrNotEligible, *view.PickupDistanceKm)
	}
	return view, nil
}

// Tracking returns the ride with its worker's live presence.
func (e *Engine) Tracking(ctx context.Context, actor models.Actor, rideID string) (TrackingView, error) {
	ride, err := e.store.Get(ctx, rideID)
	if err != nil {
		return TrackingView{}, err
	}
	if !isParty(actor, ride) {
		return TrackingView{}, fmt.Errorf("%w: not a party to ride %s", models.ErrUnauthorized, rideID)
	}
	view := TrackingView{Ride: ride}
	switch ride.Status {
	case models.StatusPending:
		d := ride.SearchDeadline().UTC()
		view.SearchDeadline = &d
	case models.StatusAccepted, models.StatusInProgress:
		if w, ok := e.presence.Worker(ride.WorkerID); ok {
			view.Worker = &w
			view.WorkerOnline = true
			if w.Location != nil && ride.Status == models.StatusAccepted {
				s := e.eta.Seconds(*w.Location, ride.Pickup)
				view.PickupETASeconds = &s
			}
		}
	}
	return view, nil
}

func (e *Engine) workerLocation(workerID string) *models.Coord {
	w, ok := e.presence.Worker(workerID)
	if !ok {
		return nil
	}
	return w.Location
}

func (e *Engine) candidate(ride *models.Ride, loc *models.Coord) CandidateView {
	view := CandidateView{Ride: ride}
	if loc == nil {
		return view
	}
	d := geo.Distance(*loc, ride.Pickup)
	s := e.eta.Seconds(*loc, ride.Pickup)
	view.PickupDistanceKm = &d
	view.PickupETASeconds = &s
	return view
}
