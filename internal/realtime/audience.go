package realtime

import (
	"fmt"
	"sort"
	"strings"
)

type audienceKind int

const (
	kindRide audienceKind = iota + 1
	kindUser
	kindWorkerPool
)

// Audience names who should receive an event. It is a value; Only and Except
// return narrowed copies.
type Audience struct {
	kind   audienceKind
	id     string
	only   map[string]struct{}
	except map[string]struct{}
}

// RideAudience is everyone tracking one ride.
func RideAudience(rideID string) Audience { return Audience{kind: kindRide, id: rideID} }

// UserAudience is one user's private channel.
func UserAudience(userID string) Audience { return Audience{kind: kindUser, id: userID} }

// WorkerPool is every worker currently taking offers.
func WorkerPool() Audience { return Audience{kind: kindWorkerPool} }

// Only keeps members whose id is listed. Calling it with no ids empties the audience.
func (a Audience) Only(ids ...string) Audience {
	next := set(ids)
	if a.only != nil {
		for id := range next {
			if _, ok := a.only[id]; !ok {
				delete(next, id)
			}
		}
	}
	a.only = next
	return a
}

func (a Audience) Except(ids ...string) Audience {
	next := set(ids)
	for id := range a.except {
		next[id] = struct{}{}
	}
	a.except = next
	return a
}

func (a Audience) admits(userID string) bool {
	if a.only != nil {
		if _, ok := a.only[userID]; !ok {
			return false
		}
	}
	_, excluded := a.except[userID]
	return !excluded
}

func (a Audience) String() string {
	var b strings.Builder
	switch a.kind {
	case kindRide:
		fmt.Fprintf(&b, "ride:%s", a.id)
	case kindUser:
		fmt.Fprintf(&b, "user:%s", a.id)
	case kindWorkerPool:
		b.WriteString("workers")
	default:
		b.WriteString("none")
	}
	if a.only != nil {
		fmt.Fprintf(&b, " only=%s", keys(a.only))
	}
	if len(a.except) > 0 {
		fmt.Fprintf(&b, " except=%s", keys(a.except))
	}
	return b.String()
}

func set(ids []string) map[string]struct{} {
	out := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		out[id] = struct{}{}
	}
	return out
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
