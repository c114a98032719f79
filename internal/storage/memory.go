package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/shard"
)

type record struct {
	mu   sync.Mutex
	ride *models.Ride
}

// MemoryStore keeps rides in process. Each ride record has its own mutex,
// which is the unit of isolation for conditional updates.
type MemoryStore struct {
	rides   *shard.Map[*record]
	workers *shard.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rides: shard.NewMap[*record](), workers: shard.NewMutex()}
}

func (m *MemoryStore) Create(_ context.Context, r *models.Ride) error {
	if r.ID == "" {
		return fmt.Errorf("%w: ride id required", models.ErrInvalidInput)
	}
	var dup bool
	m.rides.Update(r.ID, func(cur *record, ok bool) (*record, bool) {
		if ok {
			dup = true
			return cur, true
		}
		return &record{ride: r.Clone()}, true
	})
	if dup {
		return fmt.Errorf("%w: ride %s already exists", models.ErrInvalidInput, r.ID)
	}
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.Ride, error) {
	rec, ok := m.rides.Get(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.ride.Clone(), nil
}

func (m *MemoryStore) ListPending(_ context.Context) ([]*models.Ride, error) {
	return m.collect(func(r *models.Ride) bool { return r.Status == models.StatusPending }), nil
}

func (m *MemoryStore) ListByRequester(_ context.Context, requesterID string) ([]*models.Ride, error) {
	return m.collect(func(r *models.Ride) bool { return r.RequesterID == requesterID }), nil
}

// collect snapshots matching rides, newest first.
func (m *MemoryStore) collect(match func(*models.Ride) bool) []*models.Ride {
	var recs []*record
	m.rides.Range(func(_ string, rec *record) bool {
		recs = append(recs, rec)
		return true
	})
	out := make([]*models.Ride, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		if match(rec.ride) {
			out = append(out, rec.ride.Clone())
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (m *MemoryStore) CountClaimed(_ context.Context, workerID string, from, to time.Time) (int, error) {
	n := len(m.collect(func(r *models.Ride) bool { return countsTowardQuota(r, workerID, from, to) }))
	return n, nil
}

// mutate applies fn to the ride under its record lock after checking that t
// may fire from the current status. fn never runs on a refused transition.
func (m *MemoryStore) mutate(id string, t Transition, at time.Time, fn func(r *models.Ride) error) (*models.Ride, error) {
	rec, ok := m.rides.Get(id)
	if !ok {
		return nil, models.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !Allowed(t, rec.ride.Status) {
		return nil, refusal(t, rec.ride.Status)
	}
	next := rec.ride.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.Status = Target(t)
	next.UpdatedAt = at
	next.Version++
	rec.ride = next
	return next.Clone(), nil
}

func (m *MemoryStore) Claim(ctx context.Context, p ClaimParams) (*models.Ride, error) {
	if p.Limit > 0 {
		unlock := m.workers.Lock(p.WorkerID)
		defer unlock()
		used, err := m.CountClaimed(ctx, p.WorkerID, p.PeriodStart, p.PeriodEnd)
		if err != nil {
			return nil, err
		}
		if used >= p.Limit {
			if _, ok := m.rides.Get(p.RideID); !ok {
				return nil, models.ErrNotFound
			}
			return nil, fmt.Errorf("%w: %d of %d rides used", models.ErrQuotaExceeded, used, p.Limit)
		}
	}
	return m.mutate(p.RideID, Claim, p.At, func(r *models.Ride) error {
		r.WorkerID = p.WorkerID
		at := p.At
		r.AcceptedAt = &at
		return nil
	})
}

func (m *MemoryStore) Reject(_ context.Context, rideID, workerID string, at time.Time) (*models.Ride, bool, error) {
	rec, ok := m.rides.Get(rideID)
	if !ok {
		return nil, false, models.ErrNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !Allowed(Reject, rec.ride.Status) {
		return nil, false, refusal(Reject, rec.ride.Status)
	}
	if rec.ride.HasRejected(workerID) {
		return rec.ride.Clone(), false, nil
	}
	next := rec.ride.Clone()
	next.RejectedBy = append(next.RejectedBy, workerID)
	next.UpdatedAt = at
	next.Version++
	rec.ride = next
	return next.Clone(), true, nil
}

func (m *MemoryStore) Start(_ context.Context, rideID, workerID string, at time.Time) (*models.Ride, error) {
	return m.mutate(rideID, Start, at, func(r *models.Ride) error {
		if r.WorkerID != workerID {
			return fmt.Errorf("%w: ride %s is assigned to another worker", models.ErrUnauthorized, rideID)
		}
		r.StartedAt = &at
		return nil
	})
}

func (m *MemoryStore) Complete(_ context.Context, rideID string, rating int, at time.Time) (*models.Ride, error) {
	return m.mutate(rideID, Finish, at, func(r *models.Ride) error {
		r.CompletedAt = &at
		r.Rating = rating
		return nil
	})
}

func (m *MemoryStore) Cancel(_ context.Context, rideID string, at time.Time) (*models.Ride, string, error) {
	var prev string
	r, err := m.mutate(rideID, Cancel, at, func(r *models.Ride) error {
		prev = r.WorkerID
		r.WorkerID = ""
		return nil
	})
	return r, prev, err
}

func (m *MemoryStore) MarkNoResponse(_ context.Context, rideID string, at time.Time) (*models.Ride, error) {
	return m.mutate(rideID, Timeout, at, func(*models.Ride) error { return nil })
}

func (m *MemoryStore) Retry(_ context.Context, rideID string, at time.Time) (*models.Ride, error) {
	return m.mutate(rideID, Retry, at, func(r *models.Ride) error {
		r.RejectedBy = nil
		r.SearchStartedAt = at
		return nil
	})
}
