// Package dispatch turns ride requests into offers, arbitrates claims and
// drives the ride lifecycle, publishing every committed transition to the
// parties that follow the ride.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ledger"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/quota"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/shard"
	"github.com/example/ride-dispatch/internal/storage"
)

const (
	DefaultSearchTimeout = 120 * time.Second
	DefaultRadiusKm      = 5.0
	DefaultRating        = 5
)

type Config struct {
	// SearchTimeout is how long a ride may stay pending before it counts as unanswered.
	SearchTimeout time.Duration
	// OfferRadiusKm limits new-ride offers to workers this close to the
	// pickup. Zero or less offers to every available worker.
	OfferRadiusKm float64
	// CandidateRadiusKm limits a located worker's candidate list. Workers
	// without a known location see every pending ride.
	CandidateRadiusKm float64
}

func (c Config) withDefaults() Config {
	if c.SearchTimeout <= 0 {
		c.SearchTimeout = DefaultSearchTimeout
	}
	return c
}

// Deps are the collaborators of an Engine. Store, Gate, Presence and Router
// are required.
type Deps struct {
	Store    storage.RideStore
	Ledger   *ledger.Ledger
	Gate     *quota.Gate
	Presence *presence.Registry
	Router   *realtime.Router
	Notifier notify.Notifier
	ETA      *eta.Estimator
	Logger   *slog.Logger
	Clock    func() time.Time
	NewID    func() string
}

type Engine struct {
	store    storage.RideStore
	ledger   *ledger.Ledger
	gate     *quota.Gate
	presence *presence.Registry
	router   *realtime.Router
	notifier notify.Notifier
	eta      *eta.Estimator
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
	cfg      Config

	// rides serialises commit and publish per ride so followers observe
	// transitions in commit order.
	rides *shard.Mutex
}

func New(d Deps, cfg Config) *Engine {
	e := &Engine{
		store:    d.Store,
		ledger:   d.Ledger,
		gate:     d.Gate,
		presence: d.Presence,
		router:   d.Router,
		notifier: d.Notifier,
		eta:      d.ETA,
		log:      d.Logger,
		now:      d.Clock,
		newID:    d.NewID,
		cfg:      cfg.withDefaults(),
		rides:    shard.NewMutex(),
	}
	if e.ledger == nil {
		e.ledger = ledger.New()
	}
	if e.notifier == nil {
		e.notifier = notify.Log{Logger: e.log}
	}
	if e.eta == nil {
		e.eta = &eta.Estimator{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.newID == nil {
		e.newID = uuid.NewString
	}
	return e
}

func (e *Engine) Config() Config { return e.cfg }

// CreateRide prices the trip, stores it as pending and offers it.
func (e *Engine) CreateRide(ctx context.Context, actor models.Actor, req models.RideRequest) (*models.Ride, error) {
	if actor.Role != models.RoleRequester && !actor.Privileged() {
		return nil, fmt.Errorf("%w: only requesters create rides", models.ErrUnauthorized)
	}
	if !req.Pickup.Valid() || !req.Dropoff.Valid() {
		return nil, fmt.Errorf("%w: pickup and dropoff must be valid coordinates", models.ErrInvalidInput)
	}
	now := e.now().UTC()
	dist := geo.Distance(req.Pickup, req.Dropoff)
	ride := &models.Ride{
		ID:               e.newID(),
		RequesterID:      actor.UserID,
		Pickup:           req.Pickup,
		Dropoff:          req.Dropoff,
		PickupAddress:    req.PickupAddress,
		DropoffAddress:   req.DropoffAddress,
		Description:      req.Description,
		DistanceKm:       dist,
		Price:            geo.Fare(dist),
		Status:           models.StatusPending,
		RejectedBy:       []string{},
		SearchTimeoutSec: int(e.cfg.SearchTimeout / time.Second),
		SearchStartedAt:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
		Version:          1,
	}

	unlock := e.rides.Lock(ride.ID)
	defer unlock()
	if err := e.store.Create(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}
	observability.RidesCreatedTotal.Inc()
	e.router.JoinRide(ride.ID, ride.RequesterID)
	e.log.Info("ride_created", "ride_id", ride.ID, "requester_id", ride.RequesterID,
		"distance_km", ride.DistanceKm, "price", ride.Price)

	if _, err := e.offer(ctx, ride); err != nil {
		// the ride is committed; workers still find it through their candidate list
		e.log.Warn("ride_offer_failed", "ride_id", ride.ID, "error", err)
	}
	return ride, nil
}

// Offer re-publishes a pending ride to its eligible workers and returns who
// was offered it.
func (e *Engine) Offer(ctx context.Context, rideID string) ([]string, error) {
	unlock := e.rides.Lock(rideID)
	defer unlock()
	ride, err := e.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.StatusPending {
		return nil, models.TransitionError("offer", ride.Status)
	}
	return e.offer(ctx, ride)
}

// offer must run under the ride's lock.
func (e *Engine) offer(ctx context.Context, ride *models.Ride) ([]string, error) {
	e.ledger.Sync(ride.ID, ride.Version, ride.RejectedBy)
	workers, err := e.presence.ListAvailableWorkersNear(ctx, ride.Pickup, e.cfg.OfferRadiusKm)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(workers))
	for _, w := range workers {
		if e.ledger.IsEligible(ride.ID, w.ID) {
			ids = append(ids, w.ID)
		}
	}
	if len(ids) == 0 {
		e.log.Debug("ride_offer_no_workers", "ride_id", ride.ID)
		return ids, nil
	}
	n := e.router.Publish(realtime.WorkerPool().Only(ids...), e.event(models.EventRideOffered, ride, "new ride nearby"))
	e.log.Info("ride_offered", "ride_id", ride.ID, "workers", len(ids), "sessions", n)
	return ids, nil
}

// ClaimRide is the single arbitration point for a pending ride: the quota
// gate runs first, then the store's conditional claim, which re-checks the
// quota in the same atomic step. Losers get a typed error and nothing is
// broadcast.
func (e *Engine) ClaimRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	if actor.Role != models.RoleWorker {
		return nil, fmt.Errorf("%w: only workers claim rides", models.ErrUnauthorized)
	}
	start := time.Now()
	defer func() { observability.ClaimLatency.Observe(time.Since(start).Seconds()) }()

	// unknown rides fail as not found whatever the worker's quota
	if _, err := e.store.Get(ctx, rideID); err != nil {
		e.claimFailed(rideID, actor.UserID, err)
		return nil, err
	}
	res, err := e.gate.CheckAndReserve(ctx, actor.UserID)
	if err != nil {
		e.claimFailed(rideID, actor.UserID, err)
		return nil, err
	}
	defer res.Release()

	unlock := e.rides.Lock(rideID)
	defer unlock()
	ride, err := e.store.Claim(ctx, storage.ClaimParams{
		RideID:      rideID,
		WorkerID:    actor.UserID,
		At:          e.now().UTC(),
		Limit:       res.Snapshot.Ceiling,
		PeriodStart: res.Snapshot.PeriodStart,
		PeriodEnd:   res.Snapshot.PeriodEnd,
	})
	if err != nil {
		e.claimFailed(rideID, actor.UserID, err)
		return nil, err
	}
	observability.ClaimsTotal.WithLabelValues("won").Inc()
	e.log.Info("ride_claimed", "ride_id", ride.ID, "worker_id", actor.UserID, "version", ride.Version)

	e.router.JoinRide(ride.ID, actor.UserID)
	accepted := e.event(models.EventRideAccepted, ride, "a worker accepted your ride")
	e.router.Publish(realtime.UserAudience(ride.RequesterID), accepted)
	e.router.Publish(realtime.WorkerPool().Except(actor.UserID), e.event(models.EventRideTaken, ride, "ride taken by another worker"))
	e.notify(ctx, ride.RequesterID, accepted)
	return ride, nil
}

func (e *Engine) claimFailed(rideID, workerID string, err error) {
	result := "error"
	switch {
	case errors.Is(err, models.ErrAlreadyTaken):
		result = "taken"
	case errors.Is(err, models.ErrQuotaExceeded):
		result = "quota_exceeded"
	case errors.Is(err, models.ErrNotFound):
		result = "not_found"
	case errors.Is(err, models.ErrInvalidTransition):
		result = "invalid"
	}
	observability.ClaimsTotal.WithLabelValues(result).Inc()
	e.log.Info("ride_claim_refused", "ride_id", rideID, "worker_id", workerID, "result", result, "error", err)
}

// RejectRide records that the worker declined the ride. Repeating it is a
// no-op. Nothing is broadcast; the worker simply stops being offered it.
func (e *Engine) RejectRide(ctx context.Context, actor models.Actor, rideID string) error {
	if actor.Role != models.RoleWorker {
		return fmt.Errorf("%w: only workers reject rides", models.ErrUnauthorized)
	}
	unlock := e.rides.Lock(rideID)
	defer unlock()
	ride, added, err := e.store.Reject(ctx, rideID, actor.UserID, e.now().UTC())
	if err != nil {
		return err
	}
	e.ledger.Sync(ride.ID, ride.Version, ride.RejectedBy)
	_, size := e.ledger.Record(ride.ID, actor.UserID)
	e.log.Info("ride_rejected", "ride_id", rideID, "worker_id", actor.UserID, "new", added, "rejections", size)
	return nil
}

func (e *Engine) StartRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	if actor.Role != models.RoleWorker {
		return nil, fmt.Errorf("%w: only the assigned worker starts a ride", models.ErrUnauthorized)
	}
	unlock := e.rides.Lock(rideID)
	defer unlock()
	ride, err := e.store.Start(ctx, rideID, actor.UserID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.statusChanged(ctx, ride, "your ride has started", ride.RequesterID)
	return ride, nil
}

// CompleteRide finishes an in-progress ride. A nil rating means the default.
func (e *Engine) CompleteRide(ctx context.Context, actor models.Actor, rideID string, rating *int) (*models.Ride, error) {
	score := DefaultRating
	if rating != nil {
		score = *rating
	}
	if score < 1 || score > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", models.ErrInvalidInput)
	}
	unlock := e.rides.Lock(rideID)
	defer unlock()
	cur, err := e.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !isParty(actor, cur) {
		return nil, fmt.Errorf("%w: not a party to ride %s", models.ErrUnauthorized, rideID)
	}
	ride, err := e.store.Complete(ctx, rideID, score, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.statusChanged(ctx, ride, "ride completed", ride.RequesterID)
	e.closeRide(ride.ID)
	return ride, nil
}

// CancelRide is open to the requester while the ride is pending or accepted.
func (e *Engine) CancelRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	unlock := e.rides.Lock(rideID)
	defer unlock()
	cur, err := e.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !isRequester(actor, cur) {
		return nil, fmt.Errorf("%w: only the requester cancels ride %s", models.ErrUnauthorized, rideID)
	}
	ride, prev, err := e.store.Cancel(ctx, rideID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	if prev == "" {
		e.router.Publish(realtime.WorkerPool(), e.event(models.EventRideWithdrawn, ride, "ride cancelled by requester"))
		e.statusChanged(ctx, ride, "ride cancelled")
	} else {
		e.statusChanged(ctx, ride, "ride cancelled by requester", prev)
	}
	e.closeRide(ride.ID)
	return ride, nil
}

// MarkNoResponse ends a search that found nobody. The guard on pending makes
// a late claim and the timeout race safely: whichever commits first wins.
func (e *Engine) MarkNoResponse(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	unlock := e.rides.Lock(rideID)
	defer unlock()
	cur, err := e.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !isRequester(actor, cur) {
		return nil, fmt.Errorf("%w: only the requester ends the search for ride %s", models.ErrUnauthorized, rideID)
	}
	ride, err := e.store.MarkNoResponse(ctx, rideID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.router.Publish(realtime.WorkerPool(), e.event(models.EventRideWithdrawn, ride, "search timed out"))
	e.statusChanged(ctx, ride, "no worker responded", ride.RequesterID)
	return ride, nil
}

// RetryRide restarts the search with a clean rejection set and offers the
// ride again.
func (e *Engine) RetryRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	unlock := e.rides.Lock(rideID)
	defer unlock()
	cur, err := e.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !isRequester(actor, cur) {
		return nil, fmt.Errorf("%w: only the requester retries ride %s", models.ErrUnauthorized, rideID)
	}
	ride, err := e.store.Retry(ctx, rideID, e.now().UTC())
	if err != nil {
		return nil, err
	}
	e.ledger.Sync(ride.ID, ride.Version, ride.RejectedBy)
	e.statusChanged(ctx, ride, "searching again")
	if _, err := e.offer(ctx, ride); err != nil {
		e.log.Warn("ride_offer_failed", "ride_id", ride.ID, "error", err)
	}
	return ride, nil
}

func (e *Engine) GetRide(ctx context.Context, actor models.Actor, rideID string) (*models.Ride, error) {
	ride, err := e.store.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !canView(actor, ride) {
		return nil, fmt.Errorf("%w: ride %s is not visible to %s", models.ErrUnauthorized, rideID, actor.UserID)
	}
	return ride, nil
}

func (e *Engine) ListRequesterRides(ctx context.Context, actor models.Actor) ([]*models.Ride, error) {
	return e.store.ListByRequester(ctx, actor.UserID)
}

// PushLocation records the worker's position. With a rideID, the position is
// also relayed to everyone following that ride.
func (e *Engine) PushLocation(ctx context.Context, actor models.Actor, rideID string, loc models.Coord) error {
	if actor.Role != models.RoleWorker {
		return fmt.Errorf("%w: only workers report locations", models.ErrUnauthorized)
	}
	if err := e.presence.UpdateLocation(ctx, actor.UserID, loc); err != nil {
		return err
	}
	if rideID == "" {
		return nil
	}
	unlock := e.rides.Lock(rideID)
	defer unlock()
	ride, err := e.store.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.WorkerID != actor.UserID {
		return fmt.Errorf("%w: ride %s is not assigned to %s", models.ErrUnauthorized, rideID, actor.UserID)
	}
	if ride.Status != models.StatusAccepted && ride.Status != models.StatusInProgress {
		return models.TransitionError("relay location", ride.Status)
	}
	ev := e.event(models.EventRideLocation, ride, "")
	l := loc
	ev.Location = &l
	ev.Ride = nil
	e.router.Publish(realtime.RideAudience(ride.ID), ev)
	return nil
}

func (e *Engine) QuotaStatus(ctx context.Context, actor models.Actor) (quota.Snapshot, error) {
	if actor.Role != models.RoleWorker {
		return quota.Snapshot{}, fmt.Errorf("%w: only workers have a quota", models.ErrUnauthorized)
	}
	return e.gate.Snapshot(ctx, actor.UserID)
}

// statusChanged publishes the committed ride to its room and pushes a
// notification to each listed user. Must run under the ride's lock.
func (e *Engine) statusChanged(ctx context.Context, ride *models.Ride, reason string, notifyUsers ...string) {
	ev := e.event(models.EventRideStatusChanged, ride, reason)
	e.router.Publish(realtime.RideAudience(ride.ID), ev)
	for _, u := range notifyUsers {
		e.notify(ctx, u, ev)
	}
	e.log.Info("ride_status_changed", "ride_id", ride.ID, "status", ride.Status, "version", ride.Version)
}

func (e *Engine) notify(ctx context.Context, userID string, ev models.Event) {
	n := models.Notification{UserID: userID, Title: notify.Title(ev), Event: ev}
	if err := e.notifier.Notify(ctx, n); err != nil {
		e.log.Warn("notification_failed", "user_id", userID, "ride_id", ev.RideID, "error", err)
	}
}

func (e *Engine) closeRide(rideID string) {
	e.router.CloseRide(rideID)
	e.ledger.Reset(rideID)
}

func (e *Engine) event(t models.EventType, ride *models.Ride, reason string) models.Event {
	return models.Event{
		Type:     t,
		RideID:   ride.ID,
		Status:   ride.Status,
		WorkerID: ride.WorkerID,
		Reason:   reason,
		Ride:     ride.Clone(),
		Version:  ride.Version,
		At:       e.now().UTC(),
	}
}

func isRequester(a models.Actor, r *models.Ride) bool {
	return a.Privileged() || a.UserID == r.RequesterID
}

func isParty(a models.Actor, r *models.Ride) bool {
	return isRequester(a, r) || (r.WorkerID != "" && a.UserID == r.WorkerID)
}

// canView also lets any worker look at a ride that is still open for offers.
func canView(a models.Actor, r *models.Ride) bool {
	return isParty(a, r) || (a.Role == models.RoleWorker && r.Status == models.StatusPending)
}
