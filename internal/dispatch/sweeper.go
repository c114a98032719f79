package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Sweeper moves rides whose search window elapsed to no_response. It goes
// through the same guarded transition as a requester would, so a claim that
// commits first simply wins.
type Sweeper struct {
	engine   *Engine
	interval time.Duration
	log      *slog.Logger
}

func NewSweeper(e *Engine, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sweeper{engine: e, interval: interval, log: e.log}
}

func (s *Sweeper) Run(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("sweep_failed", "error", err)
			}
		}
	}
}

// Sweep runs one pass and returns the ids of rides it timed out.
func (s *Sweeper) Sweep(ctx context.Context) ([]string, error) {
	pending, err := s.engine.store.ListPending(ctx)
	if err != nil {
		return nil, err
	}
	now := s.engine.now()
	var expired []string
	for _, r := range pending {
		if now.Before(r.SearchDeadline()) {
			continue
		}
		_, err := s.engine.MarkNoResponse(ctx, models.SystemActor, r.ID)
		switch {
		case err == nil:
			observability.RidesTimedOutTotal.Inc()
			expired = append(expired, r.ID)
		case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrNotFound):
			// claimed or cancelled since the listing
		default:
			s.log.Warn("sweep_ride_failed", "ride_id", r.ID, "error", err)
		}
	}
	return expired, nil
}
