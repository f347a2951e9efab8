package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enq/internal/app"
	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/connector"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/lock"
	"github.com/SirClappington/enq/internal/logging"
	"github.com/SirClappington/enq/internal/queue"
)

const promoterLock = "delay-promoter"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	sched := connector.New(a.Store, map[string]connector.Source{
		"redis": connector.RedisSource{},
	}, a.Broker, a.Locks, a.Queue, connector.Options{
		Queue:         cfg.Task.QueueConnector,
		LeaderTTL:     cfg.Connector.LeaderTTL,
		CheckInterval: cfg.Connector.CheckInterval,
		IdleBackoff:   cfg.Connector.IdleBackoff,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		promote(gctx, a.Locks, a.Queue, cfg.Promoter, logger.Named("promoter"))
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Error("scheduler stopped", zap.Error(err))
	}
}

// promote moves due delayed tasks into their live lists. Only the holder of
// the promoter lock does the work on a given tick.
func promote(ctx context.Context, locks *lock.Locker, q *queue.RedisQ, cfg config.PromoterConfig, logger *zap.Logger) {
	tick := time.NewTicker(cfg.Interval)
	defer tick.Stop()
	token := lock.NewToken()
	ttl := 3 * cfg.Interval

	for {
		select {
		case <-ctx.Done():
			_ = locks.Release(context.Background(), promoterLock, token)
			return
		case <-tick.C:
		}

		if err := locks.Extend(ctx, promoterLock, token, ttl); err != nil {
			ok, err := locks.Acquire(ctx, promoterLock, token, ttl)
			if err != nil {
				logger.Warn("lock error", zap.Error(err))
				continue
			}
			if !ok {
				continue
			}
		}

		now := time.Now()
		for n := domain.MinQueue; n <= domain.MaxQueue; n++ {
			moved, err := q.MoveDue(ctx, n, now, cfg.Batch)
			if err != nil {
				logger.Warn("promote failed", zap.Int("queue", n), zap.Error(err))
				continue
			}
			if moved > 0 {
				logger.Debug("promoted", zap.Int("queue", n), zap.Int("count", moved))
			}
		}
	}
}
