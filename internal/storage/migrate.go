package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pkg/errors"
	"github.com/pressly/goose"
	"go.uber.org/zap"
)

const schemaUpgradeLock = "schema-upgrade"

// OnceRunner runs fn only if the named lock can be taken.
type OnceRunner interface {
	Once(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error)
}

// Migrate applies pending migrations from dir. Instances booting together
// serialize on the schema-upgrade lock; losers skip.
func Migrate(ctx context.Context, locks OnceRunner, dsn, dir string, log *zap.Logger) error {
	ran, err := locks.Once(ctx, schemaUpgradeLock, 5*time.Minute, func(ctx context.Context) error {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			return errors.Wrap(err, "storage: open migration db")
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			return errors.Wrap(err, "storage: ping migration db")
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return err
		}
		return errors.Wrap(goose.Up(db, dir), "storage: migrate")
	})
	if err != nil {
		return err
	}
	if !ran {
		log.Info("schema upgrade running on another instance, skipped")
	}
	return nil
}
