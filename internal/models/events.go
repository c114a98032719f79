package models

import "time"

type EventType string

const (
	EventRideOffered       EventType = "ride_offered"
	EventRideTaken         EventType = "ride_taken"
	EventRideAccepted      EventType = "ride_accepted"
	EventRideStatusChanged EventType = "ride_status_changed"
	EventRideLocation      EventType = "ride_location_update"
	EventRideWithdrawn     EventType = "ride_withdrawn"
)

// Event is the realtime payload delivered to subscribers and used as the
// body of push notifications.
type Event struct {
	Type     EventType  `json:"type"`
	RideID   string     `json:"ride_id"`
	Status   RideStatus `json:"status,omitempty"`
	WorkerID string     `json:"worker_id,omitempty"`
	Location *Coord     `json:"location,omitempty"`
	Reason   string     `json:"reason,omitempty"`
	Ride     *Ride      `json:"ride,omitempty"`
	Version  int64      `json:"version,omitempty"`
	At       time.Time  `json:"at"`
}

// Notification asks the delivery collaborator to tell UserID about Event.
type Notification struct {
	UserID string `json:"user_id"`
	Title  string `json:"title"`
	Event  Event  `json:"event"`
}
