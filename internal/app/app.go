// Package app wires the broker's components from configuration.
package app

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/broker"
	"github.com/SirClappington/enq/internal/cache"
	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/correlator"
	"github.com/SirClappington/enq/internal/lock"
	"github.com/SirClappington/enq/internal/policy"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/storage"
	"github.com/SirClappington/enq/internal/throttle"
)

type App struct {
	Config     config.Config
	Log        *zap.Logger
	DB         *pgxpool.Pool
	Redis      *r.Client
	Store      *storage.Store
	Locks      *lock.Locker
	Queue      *queue.RedisQ
	Resolver   *policy.Resolver
	Correlator *correlator.Correlator
	Broker     *broker.Broker
}

// Open connects to Postgres and Redis, applies pending migrations and builds
// the broker. The correlator is not started.
func Open(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	db, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, errors.Wrap(err, "app: postgres")
	}
	rdb := r.NewClient(&r.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		db.Close()
		_ = rdb.Close()
		return nil, errors.Wrap(err, "app: redis")
	}

	a := &App{Config: cfg, Log: log, DB: db, Redis: rdb}
	a.Store = storage.New(db)
	a.Locks = lock.New(rdb, cfg.AppName, log)
	if err := storage.Migrate(ctx, a.Locks, cfg.PostgresDSN, cfg.MigrationsDir, log); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.Queue = queue.New(rdb, cfg.AppName)
	a.Resolver = policy.NewResolver(a.Store, policy.Policies(cfg.Task))
	a.Correlator = correlator.New(rdb, a.Queue, correlator.Options{
		Topic:   cfg.Correlator.Topic,
		MaxWait: cfg.Correlator.MaxWait,
		Grace:   cfg.Correlator.Grace,
	}, log)
	results := cache.New(rdb, cfg.AppName, cache.Options{
		LocalCapacity: cfg.Cache.LocalCapacity,
		LocalMaxAge:   cfg.Cache.LocalMaxAge,
	}, log)
	a.Broker = broker.New(a.Resolver, a.Queue, a.Correlator, throttle.New(rdb), results, log)
	return a, nil
}

func (a *App) Close() error {
	var err error
	if a.Correlator != nil {
		err = multierr.Append(err, a.Correlator.Close())
	}
	err = multierr.Append(err, a.Redis.Close())
	a.DB.Close()
	return err
}
