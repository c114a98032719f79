package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether the coordinate lies inside the WGS84 ranges.
func (c Coord) Valid() bool {
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type RideStatus string

const (
	StatusPending    RideStatus = "pending"
	StatusAccepted   RideStatus = "accepted"
	StatusInProgress RideStatus = "in_progress"
	StatusCompleted  RideStatus = "completed"
	StatusCancelled  RideStatus = "cancelled"
	StatusNoResponse RideStatus = "no_response"
)

// Terminal reports whether no further transition can leave the status.
// no_response is not terminal because a retry re-opens it.
func (s RideStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// HasWorker reports whether a ride in this status carries an assigned worker.
func (s RideStatus) HasWorker() bool {
	return s == StatusAccepted || s == StatusInProgress || s == StatusCompleted
}

// RideRequest is the requester's input to createRide.
type RideRequest struct {
	Pickup         Coord  `json:"pickup"`
	Dropoff        Coord  `json:"dropoff"`
	PickupAddress  string `json:"pickup_address,omitempty"`
	DropoffAddress string `json:"dropoff_address,omitempty"`
	Description    string `json:"description,omitempty"`
}

type Ride struct {
	ID               string     `json:"id"`
	RequesterID      string     `json:"requester_id"`
	WorkerID         string     `json:"worker_id,omitempty"`
	Pickup           Coord      `json:"pickup"`
	Dropoff          Coord      `json:"dropoff"`
	PickupAddress    string     `json:"pickup_address,omitempty"`
	DropoffAddress   string     `json:"dropoff_address,omitempty"`
	Description      string     `json:"description,omitempty"`
	DistanceKm       float64    `json:"distance_km"`
	Price            float64    `json:"price"`
	Status           RideStatus `json:"status"`
	RejectedBy       []string   `json:"rejected_by"`
	Rating           int        `json:"rating,omitempty"`
	// SearchTimeoutSec bounds, in seconds, how long one search attempt may stay pending.
	SearchTimeoutSec int        `json:"search_timeout"`
	SearchStartedAt  time.Time  `json:"search_started_at"`
	CreatedAt        time.Time  `json:"created_at"`
	AcceptedAt       *time.Time `json:"accepted_at,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
	Version          int64      `json:"version"`
}

// Clone returns a deep copy so callers never share mutable state with a store.
func (r *Ride) Clone() *Ride {
	if r == nil {
		return nil
	}
	c := *r
	c.RejectedBy = append(make([]string, 0, len(r.RejectedBy)), r.RejectedBy...)
	c.AcceptedAt = cloneTime(r.AcceptedAt)
	c.StartedAt = cloneTime(r.StartedAt)
	c.CompletedAt = cloneTime(r.CompletedAt)
	return &c
}

// SearchDeadline is the instant after which a pending ride counts as unanswered.
func (r *Ride) SearchDeadline() time.Time {
	return r.SearchStartedAt.Add(time.Duration(r.SearchTimeoutSec) * time.Second)
}

// HasRejected reports whether workerID is in the ride's rejection list.
func (r *Ride) HasRejected(workerID string) bool {
	for _, id := range r.RejectedBy {
		if id == workerID {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type Role string

const (
	RoleRequester Role = "requester"
	RoleWorker    Role = "worker"
	RoleAdmin     Role = "admin"
	RoleSystem    Role = "system"
)

// Actor is the caller identity resolved by the auth collaborator.
type Actor struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// SystemActor is used by background jobs such as the timeout sweeper.
var SystemActor = Actor{UserID: "system", Role: RoleSystem}

// Privileged reports whether the actor may act on rides it does not own.
func (a Actor) Privileged() bool { return a.Role == RoleAdmin || a.Role == RoleSystem }
