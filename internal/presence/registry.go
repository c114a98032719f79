// Package presence tracks which workers and requesters are connected, where
// workers are, and whether they accept offers.
package presence

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
)

// Handle is one live connection of an identity. A user may hold several.
type Handle interface {
	HandleID() string
}

// Worker is a snapshot of a connected worker.
type Worker struct {
	ID          string        `json:"id"`
	Location    *models.Coord `json:"location,omitempty"`
	Available   bool          `json:"available"`
	Connections int           `json:"connections"`
	ConnectedAt time.Time     `json:"connected_at"`
	LastSeen    time.Time     `json:"last_seen"`
	DistanceKm  float64       `json:"distance_km,omitempty"`
}

type workerEntry struct {
	handles     map[string]Handle
	loc         *models.Coord
	available   bool
	connectedAt time.Time
	lastSeen    time.Time
}

func (w *workerEntry) snapshot(id string) Worker {
	out := Worker{
		ID:          id,
		Available:   w.available,
		Connections: len(w.handles),
		ConnectedAt: w.connectedAt,
		LastSeen:    w.lastSeen,
	}
	if w.loc != nil {
		loc := *w.loc
		out.Location = &loc
	}
	return out
}

// Registry is keyed by identity, never by connection. Entries are replaced,
// not mutated in place, so snapshots handed out stay consistent.
type Registry struct {
	workers    *shard.Map[*workerEntry]
	requesters *shard.Map[map[string]Handle]
	index      geo.LocationIndex
	log        *slog.Logger
	now        func() time.Time
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

func WithLogger(log *slog.Logger) Option { return func(r *Registry) { r.log = log } }

// NewRegistry uses index for radius discovery; nil means an in-memory index.
func NewRegistry(index geo.LocationIndex, opts ...Option) *Registry {
	if index == nil {
		index = geo.NewIndex()
	}
	r := &Registry{
		workers:    shard.NewMap[*workerEntry](),
		requesters: shard.NewMap[map[string]Handle](),
		index:      index,
		log:        slog.Default(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// WorkerConnect registers h for the worker and reports whether this is the
// worker's first live connection. New workers start available.
func (r *Registry) WorkerConnect(workerID string, h Handle) bool {
	now := r.now()
	first := false
	r.workers.Update(workerID, func(cur *workerEntry, ok bool) (*workerEntry, bool) {
		next := &workerEntry{handles: map[string]Handle{}, available: true, connectedAt: now}
		if ok {
			*next = *cur
			next.handles = copyHandles(cur.handles)
		} else {
			first = true
		}
		next.handles[h.HandleID()] = h
		next.lastSeen = now
		return next, true
	})
	if first {
		observability.WorkersOnline.Inc()
		r.log.Info("worker_connected", "worker_id", workerID, "handle_id", h.HandleID())
	}
	return first
}

// WorkerDisconnect drops every connection of the worker and its location.
func (r *Registry) WorkerDisconnect(ctx context.Context, workerID string) error {
	removed := false
	r.workers.Update(workerID, func(_ *workerEntry, ok bool) (*workerEntry, bool) {
		removed = ok
		return nil, false
	})
	if !removed {
		return nil
	}
	return r.forget(ctx, workerID)
}

// WorkerDisconnectHandle drops a single connection. The worker stays present
// while other connections remain; it reports whether the worker went away.
func (r *Registry) WorkerDisconnectHandle(ctx context.Context, workerID, handleID string) (bool, error) {
	gone := false
	r.workers.Update(workerID, func(cur *workerEntry, ok bool) (*workerEntry, bool) {
		if !ok {
			return nil, false
		}
		if _, has := cur.handles[handleID]; !has {
			return cur, true
		}
		if len(cur.handles) == 1 {
			gone = true
			return nil, false
		}
		next := *cur
		next.handles = copyHandles(cur.handles)
		delete(next.handles, handleID)
		return &next, true
	})
	if !gone {
		return false, nil
	}
	return true, r.forget(ctx, workerID)
}

func (r *Registry) forget(ctx context.Context, workerID string) error {
	observability.WorkersOnline.Dec()
	r.log.Info("worker_disconnected", "worker_id", workerID)
	if err := r.index.Remove(ctx, workerID); err != nil {
		return fmt.Errorf("remove worker %s from location index: %w", workerID, err)
	}
	return nil
}

func (r *Registry) RequesterConnect(requesterID string, h Handle) bool {
	first := false
	r.requesters.Update(requesterID, func(cur map[string]Handle, ok bool) (map[string]Handle, bool) {
		first = !ok
		next := copyHandles(cur)
		next[h.HandleID()] = h
		return next, true
	})
	if first {
		observability.RequestersOnline.Inc()
	}
	return first
}

func (r *Registry) RequesterDisconnect(requesterID string) {
	removed := false
	r.requesters.Update(requesterID, func(_ map[string]Handle, ok bool) (map[string]Handle, bool) {
		removed = ok
		return nil, false
	})
	if removed {
		observability.RequestersOnline.Dec()
	}
}

func (r *Registry) RequesterDisconnectHandle(requesterID, handleID string) bool {
	gone := false
	r.requesters.Update(requesterID, func(cur map[string]Handle, ok bool) (map[string]Handle, bool) {
		if !ok {
			return nil, false
		}
		if _, has := cur[handleID]; !has {
			return cur, true
		}
		if len(cur) == 1 {
			gone = true
			return nil, false
		}
		next := copyHandles(cur)
		delete(next, handleID)
		return next, true
	})
	if gone {
		observability.RequestersOnline.Dec()
	}
	return gone
}

func (r *Registry) IsRequesterPresent(requesterID string) bool {
	_, ok := r.requesters.Get(requesterID)
	return ok
}

// UpdateLocation records the worker's position. Unknown workers get
// models.ErrNotFound; only connected workers are discoverable.
func (r *Registry) UpdateLocation(ctx context.Context, workerID string, loc models.Coord) error {
	if !loc.Valid() {
		return fmt.Errorf("%w: coordinate out of range", models.ErrInvalidInput)
	}
	now := r.now()
	found := false
	r.workers.Update(workerID, func(cur *workerEntry, ok bool) (*workerEntry, bool) {
		if !ok {
			return nil, false
		}
		found = true
		next := *cur
		l := loc
		next.loc = &l
		next.lastSeen = now
		return &next, true
	})
	if !found {
		return fmt.Errorf("%w: worker %s is not connected", models.ErrNotFound, workerID)
	}
	if err := r.index.Upsert(ctx, workerID, loc); err != nil {
		return fmt.Errorf("index worker %s location: %w", workerID, err)
	}
	// a disconnect may have raced the upsert
	if !r.IsWorkerPresent(workerID) {
		_ = r.index.Remove(ctx, workerID)
	}
	return nil
}

func (r *Registry) SetAvailable(workerID string, available bool) error {
	found := false
	r.workers.Update(workerID, func(cur *workerEntry, ok bool) (*workerEntry, bool) {
		if !ok {
			return nil, false
		}
		found = true
		next := *cur
		next.available = available
		return &next, true
	})
	if !found {
		return fmt.Errorf("%w: worker %s is not connected", models.ErrNotFound, workerID)
	}
	return nil
}

func (r *Registry) Worker(workerID string) (Worker, bool) {
	var (
		out Worker
		ok  bool
	)
	r.workers.View(workerID, func(w *workerEntry, present bool) {
		if present {
			out, ok = w.snapshot(workerID), true
		}
	})
	return out, ok
}

func (r *Registry) IsWorkerPresent(workerID string) bool {
	_, ok := r.workers.Get(workerID)
	return ok
}

// ListAvailableWorkers returns every connected, available worker ordered by id.
func (r *Registry) ListAvailableWorkers() []Worker {
	var out []Worker
	r.workers.Range(func(id string, w *workerEntry) bool {
		if w.available {
			out = append(out, w.snapshot(id))
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAvailableWorkersNear returns available workers within radiusKm of
// center, nearest first. A radius <= 0 disables the radius filter.
func (r *Registry) ListAvailableWorkersNear(ctx context.Context, center models.Coord, radiusKm float64) ([]Worker, error) {
	if radiusKm <= 0 {
		return r.ListAvailableWorkers(), nil
	}
	hits, err := r.index.Within(ctx, center, radiusKm)
	if err != nil {
		return nil, fmt.Errorf("search workers near %v: %w", center, err)
	}
	out := make([]Worker, 0, len(hits))
	for _, h := range hits {
		w, ok := r.Worker(h.ID)
		if !ok || !w.Available {
			continue
		}
		w.DistanceKm = h.DistanceKm
		out = append(out, w)
	}
	return out, nil
}

// Counts returns the number of connected workers and requesters.
func (r *Registry) Counts() (workers, requesters int) {
	return r.workers.Len(), r.requesters.Len()
}

func copyHandles(in map[string]Handle) map[string]Handle {
	out := make(map[string]Handle, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
