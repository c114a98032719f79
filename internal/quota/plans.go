package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
)

// StaticPlans serves plans from memory: explicit per-worker assignments, then
// an optional default plan for everyone else.
type StaticPlans struct {
	mu       sync.RWMutex
	byWorker map[string]Plan
	fallback *Plan
}

func NewStaticPlans(fallback *Plan) *StaticPlans {
	return &StaticPlans{byWorker: make(map[string]Plan), fallback: fallback}
}

func (s *StaticPlans) Assign(workerID string, p Plan) {
	s.mu.Lock()
	s.byWorker[workerID] = p
	s.mu.Unlock()
}

func (s *StaticPlans) Revoke(workerID string) {
	s.mu.Lock()
	delete(s.byWorker, workerID)
	s.mu.Unlock()
}

func (s *StaticPlans) ActivePlan(_ context.Context, workerID string) (Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.byWorker[workerID]; ok {
		return p, nil
	}
	if s.fallback != nil {
		return *s.fallback, nil
	}
	return Plan{}, models.ErrNoActivePlan
}

// PostgresPlans reads the active subscription of a worker from the
// subscriptions and plans tables.
type PostgresPlans struct {
	db *sql.DB
}

func NewPostgresPlans(db *sql.DB) *PostgresPlans { return &PostgresPlans{db: db} }

func (p *PostgresPlans) ActivePlan(ctx context.Context, workerID string) (Plan, error) {
	var plan Plan
	err := p.db.QueryRowContext(ctx, `SELECT pl.name, pl.max_rides_per_month
		FROM subscriptions s JOIN plans pl ON pl.id = s.plan_id
		WHERE s.user_id = $1 AND s.status = 'active' AND pl.status = 'active'
		  AND (s.end_date IS NULL OR s.end_date > now())
		ORDER BY s.start_date DESC
		LIMIT 1`, workerID).Scan(&plan.Name, &plan.MaxRidesPerMonth)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, models.ErrNoActivePlan
	}
	if err != nil {
		return Plan{}, fmt.Errorf("active plan for %s: %w", workerID, err)
	}
	return plan, nil
}
