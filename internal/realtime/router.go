// Package realtime routes dispatch events to the live sessions of the users
// that make up an audience.
package realtime

import (
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/shard"
)

type members = map[string]struct{}

// Router holds membership by user id. Sessions are resolved at publish time,
// so a user who reconnects keeps their rides and pool membership.
//
// All stored maps are copy-on-write; readers never see a map being mutated.
type Router struct {
	sessions *shard.Map[map[string]*Session]
	rides    *shard.Map[members]
	pool     *shard.Map[struct{}]
	log      *slog.Logger
}

func NewRouter(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		sessions: shard.NewMap[map[string]*Session](),
		rides:    shard.NewMap[members](),
		pool:     shard.NewMap[struct{}](),
		log:      log,
	}
}

// Subscribe attaches a session to its user's private channel.
func (r *Router) Subscribe(s *Session) {
	r.sessions.Update(s.UserID(), func(cur map[string]*Session, _ bool) (map[string]*Session, bool) {
		if cur[s.ID()] == s {
			return cur, true
		}
		next := make(map[string]*Session, len(cur)+1)
		for k, v := range cur {
			next[k] = v
		}
		next[s.ID()] = s
		return next, true
	})
}

// Unsubscribe detaches the session. Membership of the user is left alone.
func (r *Router) Unsubscribe(s *Session) {
	r.sessions.Update(s.UserID(), func(cur map[string]*Session, ok bool) (map[string]*Session, bool) {
		if !ok {
			return nil, false
		}
		if _, has := cur[s.ID()]; !has {
			return cur, true
		}
		if len(cur) == 1 {
			return nil, false
		}
		next := make(map[string]*Session, len(cur)-1)
		for k, v := range cur {
			if k != s.ID() {
				next[k] = v
			}
		}
		return next, true
	})
}

// SessionCount is the number of live sessions of userID.
func (r *Router) SessionCount(userID string) int {
	cur, _ := r.sessions.Get(userID)
	return len(cur)
}

func (r *Router) JoinRide(rideID, userID string) {
	r.rides.Update(rideID, func(cur members, _ bool) (members, bool) {
		if _, has := cur[userID]; has {
			return cur, true
		}
		next := make(members, len(cur)+1)
		for k := range cur {
			next[k] = struct{}{}
		}
		next[userID] = struct{}{}
		return next, true
	})
}

func (r *Router) LeaveRide(rideID, userID string) {
	r.rides.Update(rideID, func(cur members, ok bool) (members, bool) {
		if !ok {
			return nil, false
		}
		if _, has := cur[userID]; !has {
			return cur, true
		}
		if len(cur) == 1 {
			return nil, false
		}
		next := make(members, len(cur)-1)
		for k := range cur {
			if k != userID {
				next[k] = struct{}{}
			}
		}
		return next, true
	})
}

// CloseRide forgets the ride's membership entirely.
func (r *Router) CloseRide(rideID string) { r.rides.Delete(rideID) }

func (r *Router) JoinWorkerPool(workerID string)  { r.pool.Set(workerID, struct{}{}) }
func (r *Router) LeaveWorkerPool(workerID string) { r.pool.Delete(workerID) }

func (r *Router) InWorkerPool(workerID string) bool {
	_, ok := r.pool.Get(workerID)
	return ok
}

// Members resolves the audience to user ids, whether or not they have a live
// session right now.
func (r *Router) Members(a Audience) []string {
	var candidates []string
	switch a.kind {
	case kindRide:
		cur, _ := r.rides.Get(a.id)
		for id := range cur {
			candidates = append(candidates, id)
		}
	case kindUser:
		candidates = []string{a.id}
	case kindWorkerPool:
		if a.only != nil {
			// look up the listed ids instead of scanning the pool
			for id := range a.only {
				if r.InWorkerPool(id) {
					candidates = append(candidates, id)
				}
			}
		} else {
			r.pool.Range(func(id string, _ struct{}) bool {
				candidates = append(candidates, id)
				return true
			})
		}
	}
	out := candidates[:0]
	for _, id := range candidates {
		if a.admits(id) {
			out = append(out, id)
		}
	}
	return out
}

// Publish enqueues ev on every live session of the audience and returns how
// many sessions accepted it. It never blocks: a full session queue drops the
// event for that session only.
func (r *Router) Publish(a Audience, ev models.Event) int {
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Type)).Inc()
	delivered := 0
	for _, userID := range r.Members(a) {
		sessions, _ := r.sessions.Get(userID)
		for _, s := range sessions {
			if s.offer(ev) {
				delivered++
				continue
			}
			observability.EventsDroppedTotal.Inc()
			r.log.Debug("event_dropped", "user_id", userID, "session_id", s.ID(), "event", ev.Type, "ride_id", ev.RideID)
		}
	}
	return delivered
}
