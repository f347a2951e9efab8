// Package lock provides lease-based mutual exclusion on top of Redis.
//
// A lease is owned by whoever's token currently occupies the key. Ownership
// is proven by value equality only, so a restarted process holding the same
// token is still the owner.
package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	pkgerrors "github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrNotOwner is returned by Extend when the caller's token does not hold
// the lease.
var ErrNotOwner = errors.New("lock: not owner")

var releaseScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var extendScript = r.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

type Locker struct {
	rdb    r.UniversalClient
	prefix string
	log    *zap.Logger
}

func New(rdb r.UniversalClient, app string, log *zap.Logger) *Locker {
	return &Locker{rdb: rdb, prefix: "lock:" + app + ":", log: log.Named("lock")}
}

func (l *Locker) key(name string) string { return l.prefix + name }

// NewToken returns a fresh ownership token.
func NewToken() string { return uuid.NewString() }

// Acquire sets the lease if absent. Losing to another owner is reported as
// false with a nil error.
func (l *Locker) Acquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key(name), token, ttl).Result()
	if err != nil {
		return false, pkgerrors.Wrapf(err, "lock: acquire %s", name)
	}
	return ok, nil
}

// Extend resets the lease TTL if token still owns it.
func (l *Locker) Extend(ctx context.Context, name, token string, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.rdb, []string{l.key(name)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return pkgerrors.Wrapf(err, "lock: extend %s", name)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release deletes the lease only if token still owns it. Releasing a lease
// held by someone else is a no-op.
func (l *Locker) Release(ctx context.Context, name, token string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key(name)}, token).Err(); err != nil {
		return pkgerrors.Wrapf(err, "lock: release %s", name)
	}
	return nil
}

// Once runs fn while holding the named lock. When another process already
// holds it, fn is skipped and Once returns (false, nil).
func (l *Locker) Once(ctx context.Context, name string, ttl time.Duration, fn func(context.Context) error) (bool, error) {
	token := NewToken()
	ok, err := l.Acquire(ctx, name, token, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		l.log.Info("lock held elsewhere, skipping", zap.String("lock", name))
		return false, nil
	}
	defer func() {
		if err := l.Release(context.WithoutCancel(ctx), name, token); err != nil {
			l.log.Warn("release failed", zap.String("lock", name), zap.Error(err))
		}
	}()
	return true, fn(ctx)
}
