package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Async hands notifications to a fixed pool of workers through a bounded
// queue. Notify never blocks and never returns an error; a full queue drops
// the notification.
type Async struct {
	next    Notifier
	queue   chan models.Notification
	log     *slog.Logger
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
}

func NewAsync(next Notifier, workers, buffer int, log *slog.Logger) *Async {
	if workers <= 0 {
		workers = 4
	}
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	a := &Async{next: next, queue: make(chan models.Notification, buffer), log: log, timeout: 5 * time.Second}
	a.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go a.run()
	}
	return a
}

func (a *Async) Notify(_ context.Context, n models.Notification) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		observability.NotificationsTotal.WithLabelValues("dropped").Inc()
		return nil
	}
	select {
	case a.queue <- n:
	default:
		observability.NotificationsTotal.WithLabelValues("dropped").Inc()
		a.log.Warn("notification_dropped", "user_id", n.UserID, "event", n.Event.Type, "ride_id", n.Event.RideID)
	}
	return nil
}

func (a *Async) run() {
	defer a.wg.Done()
	for n := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		err := a.next.Notify(ctx, n)
		cancel()
		if err != nil {
			observability.NotificationsTotal.WithLabelValues("failed").Inc()
			a.log.Error("notification_failed", "user_id", n.UserID, "event", n.Event.Type, "ride_id", n.Event.RideID, "error", err)
			continue
		}
		observability.NotificationsTotal.WithLabelValues("sent").Inc()
	}
}

// Close stops accepting notifications and waits for queued ones to be
// delivered or for ctx to end.
func (a *Async) Close(ctx context.Context) error {
	a.once.Do(func() {
		a.mu.Lock()
		a.closed = true
		close(a.queue)
		a.mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
