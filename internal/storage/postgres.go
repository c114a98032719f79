package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/models"
)

const rideColumns = `id, requester_id, worker_id, pickup_lat, pickup_lon, dropoff_lat, dropoff_lon,
	pickup_address, dropoff_address, description, distance_km, price, status, rejected_by, rating,
	search_timeout_sec, search_started_at, created_at, accepted_at, started_at, completed_at,
	updated_at, version`

// PostgresStore persists rides with lib/pq. Transitions are conditional
// UPDATE ... WHERE status = ANY(...) statements, so concurrent callers in any
// number of processes cannot both pass a guard.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStoreWithDB wraps an open handle. The caller owns db.
func NewPostgresStoreWithDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRide(row rowScanner) (*models.Ride, error) {
	var (
		r         models.Ride
		worker    sql.NullString
		rating    sql.NullInt32
		status    string
		rejected  []string
		accepted  sql.NullTime
		started   sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&r.ID, &r.RequesterID, &worker, &r.Pickup.Lat, &r.Pickup.Lon, &r.Dropoff.Lat, &r.Dropoff.Lon,
		&r.PickupAddress, &r.DropoffAddress, &r.Description, &r.DistanceKm, &r.Price, &status, pq.Array(&rejected), &rating,
		&r.SearchTimeoutSec, &r.SearchStartedAt, &r.CreatedAt, &accepted, &started, &completed,
		&r.UpdatedAt, &r.Version)
	if err != nil {
		return nil, err
	}
	r.WorkerID = worker.String
	r.Rating = int(rating.Int32)
	r.Status = models.RideStatus(status)
	r.RejectedBy = append(make([]string, 0, len(rejected)), rejected...)
	r.AcceptedAt = nullTime(accepted)
	r.StartedAt = nullTime(started)
	r.CompletedAt = nullTime(completed)
	return &r, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s string) sql.NullString { return sql.NullString{String: s, Valid: s != ""} }

func (p *PostgresStore) Create(ctx context.Context, r *models.Ride) error {
	_, err := p.db.ExecContext(ctx, `INSERT INTO rides(`+rideColumns+`)
		VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
		r.ID, r.RequesterID, nullString(r.WorkerID), r.Pickup.Lat, r.Pickup.Lon, r.Dropoff.Lat, r.Dropoff.Lon,
		r.PickupAddress, r.DropoffAddress, r.Description, r.DistanceKm, r.Price, string(r.Status),
		pq.Array(append([]string{}, r.RejectedBy...)), sql.NullInt32{Int32: int32(r.Rating), Valid: r.Rating > 0},
		r.SearchTimeoutSec, r.SearchStartedAt, r.CreatedAt, r.AcceptedAt, r.StartedAt, r.CompletedAt,
		r.UpdatedAt, r.Version)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return fmt.Errorf("%w: ride %s already exists", models.ErrInvalidInput, r.ID)
		}
		return fmt.Errorf("insert ride: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*models.Ride, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `SELECT `+rideColumns+` FROM rides WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get ride %s: %w", id, err)
	}
	return r, nil
}

func (p *PostgresStore) ListPending(ctx context.Context) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides WHERE status = $1 ORDER BY created_at DESC, id DESC`, string(models.StatusPending))
}

func (p *PostgresStore) ListByRequester(ctx context.Context, requesterID string) ([]*models.Ride, error) {
	return p.list(ctx, `SELECT `+rideColumns+` FROM rides WHERE requester_id = $1 ORDER BY created_at DESC, id DESC`, requesterID)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*models.Ride, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	defer rows.Close()
	var out []*models.Ride
	for rows.Next() {
		r, err := scanRide(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ride: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const countClaimedSQL = `SELECT count(*) FROM rides
	WHERE worker_id = $1 AND status = ANY($2) AND created_at >= $3 AND created_at < $4`

func claimedStatusArray() any {
	s := make([]string, len(claimedStatuses))
	for i, st := range claimedStatuses {
		s[i] = string(st)
	}
	return pq.Array(s)
}

func (p *PostgresStore) CountClaimed(ctx context.Context, workerID string, from, to time.Time) (int, error) {
	var n int
	if err := p.db.QueryRowContext(ctx, countClaimedSQL, workerID, claimedStatusArray(), from, to).Scan(&n); err != nil {
		return 0, fmt.Errorf("count claimed rides: %w", err)
	}
	return n, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// guarded runs a conditional UPDATE that only matches when the ride is in one
// of t's source statuses. set holds the SET clause after status/updated_at/
// version, with placeholders starting at $5.
func (p *PostgresStore) guarded(ctx context.Context, q queryer, t Transition, id string, at time.Time, set string, args ...any) (*models.Ride, error) {
	query := `UPDATE rides SET status = $2, updated_at = $3, version = version + 1` + set +
		` WHERE id = $1 AND status = ANY($4) RETURNING ` + rideColumns
	all := append([]any{id, string(Target(t)), at, pq.Array(Sources(t))}, args...)
	r, err := scanRide(q.QueryRowContext(ctx, query, all...))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s ride %s: %w", t, id, err)
	}
	return nil, p.explain(ctx, q, t, id)
}

// explain classifies a conditional update that matched no row.
func (p *PostgresStore) explain(ctx context.Context, q queryer, t Transition, id string) error {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM rides WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("%s ride %s: %w", t, id, err)
	}
	return refusal(t, models.RideStatus(status))
}

func (p *PostgresStore) Claim(ctx context.Context, c ClaimParams) (*models.Ride, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if c.Limit > 0 {
		// serialise claims of one worker across processes for the quota re-check
		if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, c.WorkerID); err != nil {
			return nil, fmt.Errorf("lock worker %s: %w", c.WorkerID, err)
		}
		var used int
		if err := tx.QueryRowContext(ctx, countClaimedSQL, c.WorkerID, claimedStatusArray(), c.PeriodStart, c.PeriodEnd).Scan(&used); err != nil {
			return nil, fmt.Errorf("count claimed rides: %w", err)
		}
		if used >= c.Limit {
			return nil, fmt.Errorf("%w: %d of %d rides used", models.ErrQuotaExceeded, used, c.Limit)
		}
	}

	r, err := p.guarded(ctx, tx, Claim, c.RideID, c.At, `, worker_id = $5, accepted_at = $3`, c.WorkerID)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return r, nil
}

func (p *PostgresStore) Reject(ctx context.Context, rideID, workerID string, at time.Time) (*models.Ride, bool, error) {
	r, err := scanRide(p.db.QueryRowContext(ctx, `UPDATE rides
		SET rejected_by = array_append(rejected_by, $2), updated_at = $3, version = version + 1
		WHERE id = $1 AND status = ANY($4) AND NOT ($2 = ANY(rejected_by))
		RETURNING `+rideColumns, rideID, workerID, at, pq.Array(Sources(Reject))))
	if err == nil {
		return r, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, false, fmt.Errorf("reject ride %s: %w", rideID, err)
	}
	cur, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, false, err
	}
	if !Allowed(Reject, cur.Status) {
		return nil, false, refusal(Reject, cur.Status)
	}
	return cur, false, nil
}

func (p *PostgresStore) Start(ctx context.Context, rideID, workerID string, at time.Time) (*models.Ride, error) {
	query := `UPDATE rides SET status = $2, updated_at = $3, version = version + 1, started_at = $3
		WHERE id = $1 AND status = ANY($4) AND worker_id = $5 RETURNING ` + rideColumns
	r, err := scanRide(p.db.QueryRowContext(ctx, query, rideID, string(Target(Start)), at, pq.Array(Sources(Start)), workerID))
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("start ride %s: %w", rideID, err)
	}
	cur, err := p.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if !Allowed(Start, cur.Status) {
		return nil, refusal(Start, cur.Status)
	}
	return nil, fmt.Errorf("%w: ride %s is assigned to another worker", models.ErrUnauthorized, rideID)
}

func (p *PostgresStore) Complete(ctx context.Context, rideID string, rating int, at time.Time) (*models.Ride, error) {
	return p.guarded(ctx, p.db, Finish, rideID, at, `, completed_at = $3, rating = $5`, rating)
}

func (p *PostgresStore) Cancel(ctx context.Context, rideID string, at time.Time) (*models.Ride, string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT worker_id FROM rides WHERE id = $1 FOR UPDATE`, rideID).Scan(&prev)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", models.ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("lock ride %s: %w", rideID, err)
	}
	r, err := p.guarded(ctx, tx, Cancel, rideID, at, `, worker_id = NULL`)
	if err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", fmt.Errorf("commit cancel: %w", err)
	}
	return r, prev.String, nil
}

func (p *PostgresStore) MarkNoResponse(ctx context.Context, rideID string, at time.Time) (*models.Ride, error) {
	return p.guarded(ctx, p.db, Timeout, rideID, at, ``)
}

func (p *PostgresStore) Retry(ctx context.Context, rideID string, at time.Time) (*models.Ride, error) {
	return p.guarded(ctx, p.db, Retry, rideID, at, `, rejected_by = '{}', search_started_at = $3`)
}
