//go:build integration

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os/exec"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/migrations"
)

func startPostgres(ctx context.Context, t *testing.T) *sql.DB {
	t.Helper()
	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not installed")
	}
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "dispatch",
			"POSTGRES_DB":       "dispatch",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(time.Minute),
	}
	cont, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = cont.Terminate(ctx) })

	host, err := cont.Host(ctx)
	require.NoError(t, err)
	port, err := cont.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://postgres:dispatch@%s:%s/dispatch?sslmode=disable", host, port.Port())
	db, err := sql.Open("postgres", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.Eventually(t, func() bool { return db.PingContext(ctx) == nil }, 30*time.Second, 200*time.Millisecond)

	_, err = migrations.Apply(ctx, db)
	require.NoError(t, err)
	return db
}

func TestPostgresStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewPostgresStoreWithDB(startPostgres(ctx, t))

	require.NoError(t, s.Create(ctx, newRide("r1")))

	_, added, err := s.Reject(ctx, "r1", "w9", t0)
	require.NoError(t, err)
	assert.True(t, added)
	r, added, err := s.Reject(ctx, "r1", "w9", t0)
	require.NoError(t, err)
	assert.False(t, added)
	assert.Equal(t, []string{"w9"}, r.RejectedBy)

	var (
		wg      sync.WaitGroup
		winners atomic.Int32
		taken   atomic.Int32
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.Claim(ctx, ClaimParams{RideID: "r1", WorkerID: fmt.Sprintf("w%d", i), At: t0,
				Limit: 5, PeriodStart: t0.Add(-time.Hour), PeriodEnd: t0.Add(time.Hour)})
			switch {
			case err == nil:
				winners.Add(1)
			case errors.Is(err, models.ErrAlreadyTaken):
				taken.Add(1)
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), winners.Load())
	assert.Equal(t, int32(19), taken.Load())

	r, err = s.Get(ctx, "r1")
	require.NoError(t, err)
	r, err = s.Start(ctx, "r1", r.WorkerID, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)

	r, err = s.Complete(ctx, "r1", 5, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.NotNil(t, r.CompletedAt)

	_, err = s.Retry(ctx, "r1", t0)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
	_, err = s.MarkNoResponse(ctx, "missing", t0)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestPostgresQuotaRecheck(t *testing.T) {
	ctx := context.Background()
	s := NewPostgresStoreWithDB(startPostgres(ctx, t))
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.Create(ctx, newRide(id)))
	}
	p := ClaimParams{WorkerID: "w1", At: t0, Limit: 1, PeriodStart: t0.Add(-time.Hour), PeriodEnd: t0.Add(time.Hour)}
	p.RideID = "a"
	_, err := s.Claim(ctx, p)
	require.NoError(t, err)
	p.RideID = "b"
	_, err = s.Claim(ctx, p)
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)

	r, err := s.Get(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
}
