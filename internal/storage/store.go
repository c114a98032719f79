package storage

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// RideStore is the authoritative ride record store. Every mutating call is a
// single conditional update keyed on the ride's current status; on failure the
// record is left unchanged.
type RideStore interface {
	Create(ctx context.Context, r *models.Ride) error
	Get(ctx context.Context, id string) (*models.Ride, error)
	ListPending(ctx context.Context) ([]*models.Ride, error)
	ListByRequester(ctx context.Context, requesterID string) ([]*models.Ride, error)

	Claim(ctx context.Context, p ClaimParams) (*models.Ride, error)
	// Reject appends workerID to the rejection list; added is false when the
	// worker had already rejected the ride.
	Reject(ctx context.Context, rideID, workerID string, at time.Time) (r *models.Ride, added bool, err error)
	Start(ctx context.Context, rideID, workerID string, at time.Time) (*models.Ride, error)
	Complete(ctx context.Context, rideID string, rating int, at time.Time) (*models.Ride, error)
	// Cancel clears the assigned worker and returns who it was, if anyone.
	Cancel(ctx context.Context, rideID string, at time.Time) (r *models.Ride, prevWorker string, err error)
	MarkNoResponse(ctx context.Context, rideID string, at time.Time) (*models.Ride, error)
	Retry(ctx context.Context, rideID string, at time.Time) (*models.Ride, error)

	// CountClaimed counts rides held by workerID in accepted, in_progress or
	// completed status and created inside [from, to).
	CountClaimed(ctx context.Context, workerID string, from, to time.Time) (int, error)
}

// ClaimParams describes one claim attempt. A positive Limit makes the store
// re-check the worker's usage in [PeriodStart, PeriodEnd) inside the same
// atomic step as the status update.
type ClaimParams struct {
	RideID      string
	WorkerID    string
	At          time.Time
	Limit       int
	PeriodStart time.Time
	PeriodEnd   time.Time
}

var claimedStatuses = []models.RideStatus{models.StatusAccepted, models.StatusInProgress, models.StatusCompleted}

func countsTowardQuota(r *models.Ride, workerID string, from, to time.Time) bool {
	if r.WorkerID != workerID {
		return false
	}
	if r.CreatedAt.Before(from) || !r.CreatedAt.Before(to) {
		return false
	}
	for _, s := range claimedStatuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
