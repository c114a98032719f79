// Package ledger tracks, per ride, the workers who declined it. The ledger
// decides who is offered a ride; it never takes part in claims.
package ledger

import "github.com/example/ride-dispatch/internal/shard"

type set map[string]struct{}

// entry is the rejection set as of a committed ride version. Sets are
// replaced, never mutated, once stored.
type entry struct {
	version int64
	workers set
}

type Ledger struct {
	rides *shard.Map[entry]
}

func New() *Ledger { return &Ledger{rides: shard.NewMap[entry]()} }

// Record adds workerID to the ride's rejection set at the version already
// held. added is false when the worker was already present; size is the set
// size afterwards.
func (l *Ledger) Record(rideID, workerID string) (added bool, size int) {
	l.rides.Update(rideID, func(e entry, _ bool) (entry, bool) {
		if _, dup := e.workers[workerID]; dup {
			size = len(e.workers)
			return e, true
		}
		next := make(set, len(e.workers)+1)
		for w := range e.workers {
			next[w] = struct{}{}
		}
		next[workerID] = struct{}{}
		added, size = true, len(next)
		return entry{version: e.version, workers: next}, true
	})
	return added, size
}

// Sync adopts the rejection set persisted on the ride at version. The stored
// set is authoritative: a newer version replaces whatever the ledger holds,
// including clearing it after a retry, and an older snapshot is ignored so it
// can never bring back rejections a later version dropped. It reports whether
// the ledger changed.
func (l *Ledger) Sync(rideID string, version int64, rejectedBy []string) bool {
	changed := false
	l.rides.Update(rideID, func(e entry, ok bool) (entry, bool) {
		if ok && version < e.version {
			return e, true
		}
		if ok && version == e.version {
			// same commit; merge in case Record ran ahead of it
			missing := false
			for _, w := range rejectedBy {
				if _, seen := e.workers[w]; !seen {
					missing = true
					break
				}
			}
			if !missing {
				return e, true
			}
		}
		next := make(set, len(rejectedBy))
		for _, w := range rejectedBy {
			next[w] = struct{}{}
		}
		if ok && version == e.version {
			for w := range e.workers {
				next[w] = struct{}{}
			}
		}
		changed = true
		return entry{version: version, workers: next}, true
	})
	return changed
}

func (l *Ledger) IsEligible(rideID, workerID string) bool {
	eligible := true
	l.rides.View(rideID, func(e entry, ok bool) {
		if ok {
			_, rejected := e.workers[workerID]
			eligible = !rejected
		}
	})
	return eligible
}

func (l *Ledger) Size(rideID string) int {
	n := 0
	l.rides.View(rideID, func(e entry, _ bool) { n = len(e.workers) })
	return n
}

// Version is the ride version the ledger last synced, zero when unknown.
func (l *Ledger) Version(rideID string) int64 {
	var v int64
	l.rides.View(rideID, func(e entry, _ bool) { v = e.version })
	return v
}

// Reset forgets every rejection of the ride.
func (l *Ledger) Reset(rideID string) { l.rides.Delete(rideID) }
