package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/quota"
	"github.com/example/ride-dispatch/internal/realtime"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/migrations"
)

// app holds the wired process and everything that needs closing.
type app struct {
	engine     *dispatch.Engine
	sweeper    *dispatch.Sweeper
	authn      *auth.Authenticator
	serverOpts []httpapi.Option
	async      *notify.Async
	closers    []func() error
}

func openPostgres(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return db, nil
}

// build picks the backing implementation of each collaborator from cfg:
// Postgres or memory for rides and plans, Redis or memory for locations,
// Kafka or the log for notifications.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{authn: auth.NewAuthenticator(cfg.JWTSecret, cfg.TokenTTL)}

	var (
		store storage.RideStore
		plans quota.PlanLookup
	)
	if cfg.PGDSN != "" {
		db, err := openPostgres(ctx, cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, db.Close)
		if cfg.RunMigrations {
			applied, err := migrations.Apply(ctx, db)
			if err != nil {
				a.Close()
				return nil, err
			}
			logger.Info("migrations_applied", "files", applied)
		}
		store = storage.NewPostgresStoreWithDB(db)
		plans = quota.NewPostgresPlans(db)
	} else {
		logger.Warn("using in-memory ride store", "reason", "PG_DSN not set")
		store = storage.NewMemoryStore()
		plans = quota.NewStaticPlans(&quota.Plan{Name: "default", MaxRidesPerMonth: cfg.DefaultPlanCeiling})
	}

	var index geo.LocationIndex = geo.NewIndex()
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.closers = append(a.closers, rc.Close)
		index = geo.NewRedisGeoWithClient(rc, cfg.RedisGeoKey)
		a.serverOpts = append(a.serverOpts, httpapi.WithDevices(notify.NewRedisTokens(rc)))
	}

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), SpeedMps: cfg.ETASpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	var sink notify.Notifier = notify.Log{Logger: logger}
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.NotifyTopic)
		a.closers = append(a.closers, producer.Close)
		sink = notify.Queue{Publisher: producer}
	}
	a.async = notify.NewAsync(sink, cfg.NotifyWorkers, cfg.NotifyBuffer, logger)

	a.engine = dispatch.New(dispatch.Deps{
		Store:    store,
		Gate:     quota.NewGate(plans, store, quota.WithLocation(cfg.Location())),
		Presence: presence.NewRegistry(index, presence.WithLogger(logger)),
		Router:   realtime.NewRouter(logger),
		Notifier: a.async,
		ETA:      estimator,
		Logger:   logger,
	}, dispatch.Config{
		SearchTimeout:     cfg.SearchTimeout,
		OfferRadiusKm:     cfg.OfferRadiusKm,
		CandidateRadiusKm: cfg.CandidateRadiusKm,
	})
	a.sweeper = dispatch.NewSweeper(a.engine, cfg.SweepInterval)
	return a, nil
}

// Drain flushes queued notifications.
func (a *app) Drain(ctx context.Context) error {
	return a.async.Close(ctx)
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
