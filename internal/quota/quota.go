// Package quota gates claims on the worker's subscription plan.
package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/shard"
)

// Plan is the active subscription plan of a worker.
type Plan struct {
	Name             string
	MaxRidesPerMonth int
}

// PlanLookup is the subscription collaborator. It returns
// models.ErrNoActivePlan when the worker has no active subscription.
type PlanLookup interface {
	ActivePlan(ctx context.Context, workerID string) (Plan, error)
}

// UsageCounter counts rides charged against a worker in [from, to).
type UsageCounter interface {
	CountClaimed(ctx context.Context, workerID string, from, to time.Time) (int, error)
}

// Snapshot is a point-in-time view of a worker's quota. It is fetched per
// claim attempt and never cached.
type Snapshot struct {
	WorkerID    string    `json:"worker_id"`
	Plan        string    `json:"plan"`
	Ceiling     int       `json:"ceiling"`
	Used        int       `json:"used"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
}

func (s Snapshot) Remaining() int {
	if s.Used >= s.Ceiling {
		return 0
	}
	return s.Ceiling - s.Used
}

type Gate struct {
	plans    PlanLookup
	usage    UsageCounter
	loc      *time.Location
	now      func() time.Time
	reserved *shard.Mutex
}

type Option func(*Gate)

// WithLocation sets the time zone whose calendar months bound the usage period.
func WithLocation(loc *time.Location) Option { return func(g *Gate) { g.loc = loc } }

func WithClock(now func() time.Time) Option { return func(g *Gate) { g.now = now } }

func NewGate(plans PlanLookup, usage UsageCounter, opts ...Option) *Gate {
	g := &Gate{plans: plans, usage: usage, loc: time.UTC, now: time.Now, reserved: shard.NewMutex()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Period returns the calendar month containing t, as [start, next month start).
func Period(t time.Time, loc *time.Location) (time.Time, time.Time) {
	t = t.In(loc)
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
	return start, start.AddDate(0, 1, 0)
}

// Snapshot reads the worker's current plan ceiling and usage.
func (g *Gate) Snapshot(ctx context.Context, workerID string) (Snapshot, error) {
	plan, err := g.plans.ActivePlan(ctx, workerID)
	if err != nil {
		return Snapshot{}, err
	}
	from, to := Period(g.now(), g.loc)
	used, err := g.usage.CountClaimed(ctx, workerID, from, to)
	if err != nil {
		return Snapshot{}, fmt.Errorf("quota usage for %s: %w", workerID, err)
	}
	return Snapshot{
		WorkerID:    workerID,
		Plan:        plan.Name,
		Ceiling:     plan.MaxRidesPerMonth,
		Used:        used,
		PeriodStart: from,
		PeriodEnd:   to,
	}, nil
}

// Reservation holds the worker's claim slot until Release. While it is held
// no other claim by the same worker can pass the gate in this process.
type Reservation struct {
	Snapshot Snapshot
	release  func()
}

// Release is safe to call more than once.
func (r *Reservation) Release() {
	if r != nil && r.release != nil {
		r.release()
		r.release = nil
	}
}

// CheckAndReserve allows the claim when usage is below the ceiling. The
// caller must hand Snapshot.Ceiling and the period to the store's claim so
// the limit is re-checked atomically with the status update.
func (g *Gate) CheckAndReserve(ctx context.Context, workerID string) (*Reservation, error) {
	unlock := g.reserved.Lock(workerID)
	snap, err := g.Snapshot(ctx, workerID)
	if err != nil {
		unlock()
		return nil, err
	}
	if snap.Used >= snap.Ceiling {
		unlock()
		return nil, fmt.Errorf("%w: %d of %d rides used this month", models.ErrQuotaExceeded, snap.Used, snap.Ceiling)
	}
	return &Reservation{Snapshot: snap, release: unlock}, nil
}
