// Package notify delivers "tell user X about event Y" requests. Delivery is
// fire-and-forget from the dispatch core's point of view: failures are
// logged here and never reach the operation that produced the event.
package notify

import (
	"context"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
)

type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type NotifierFunc func(ctx context.Context, n models.Notification) error

func (f NotifierFunc) Notify(ctx context.Context, n models.Notification) error { return f(ctx, n) }

// Log only records the notification. It is the fallback when no push
// provider or queue is configured.
type Log struct {
	Logger *slog.Logger
}

func (l Log) Notify(_ context.Context, n models.Notification) error {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "user_id", n.UserID, "title", n.Title, "event", n.Event.Type, "ride_id", n.Event.RideID)
	return nil
}

// Title is the short human-readable headline for an event.
func Title(ev models.Event) string {
	switch ev.Type {
	case models.EventRideAccepted:
		return "Your ride was accepted"
	case models.EventRideOffered:
		return "New ride nearby"
	case models.EventRideWithdrawn:
		if ev.Status == models.StatusCancelled {
			return "Ride cancelled"
		}
		return "Ride no longer available"
	case models.EventRideStatusChanged:
		switch ev.Status {
		case models.StatusInProgress:
			return "Your ride has started"
		case models.StatusCompleted:
			return "Ride completed"
		case models.StatusCancelled:
			return "Ride cancelled"
		case models.StatusNoResponse:
			return "No worker responded"
		case models.StatusPending:
			return "Searching again"
		}
	}
	return "Ride update"
}
