package notify

import (
	"context"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

// Publisher is satisfied by ingest.KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, key string, v any) error
}

// Queue hands notifications to a message broker keyed by user id; the
// consumer process performs the actual push.
type Queue struct {
	Publisher Publisher
}

func (q Queue) Notify(ctx context.Context, n models.Notification) error {
	return q.Publisher.Publish(ctx, n.UserID, n)
}

// Retry calls fn up to attempts times, doubling delay between failures, and
// returns the last error.
func Retry(ctx context.Context, attempts int, delay time.Duration, fn func(context.Context) error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
