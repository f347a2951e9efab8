// Package cache reads function results by fingerprint from a bounded
// in-process tier backed by a shared Redis tier.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SirClappington/enq/internal/domain"
)

type Options struct {
	LocalCapacity int
	LocalMaxAge   time.Duration
}

// entry is a local cache slot. A nil resp records a confirmed miss.
type entry struct {
	resp *domain.TaskResponse
}

type Cache struct {
	rdb    r.UniversalClient
	prefix string
	local  *expirable.LRU[string, entry]
	group  singleflight.Group
	log    *zap.Logger
}

func New(rdb r.UniversalClient, app string, opts Options, log *zap.Logger) *Cache {
	if opts.LocalCapacity <= 0 {
		opts.LocalCapacity = 1000
	}
	return &Cache{
		rdb:    rdb,
		prefix: "func-result:" + app + ":",
		local:  expirable.NewLRU[string, entry](opts.LocalCapacity, nil, opts.LocalMaxAge),
		log:    log.Named("cache"),
	}
}

func (c *Cache) key(fingerprint string) string { return c.prefix + fingerprint }

// Get returns the cached response for fingerprint. Shared tier failures are
// logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, fingerprint string) (*domain.TaskResponse, bool) {
	e, ok := c.local.Get(fingerprint)
	if !ok {
		v, err, _ := c.group.Do(fingerprint, func() (any, error) {
			return c.readShared(ctx, fingerprint)
		})
		if err != nil {
			c.log.Warn("shared cache read failed", zap.String("fingerprint", fingerprint), zap.Error(err))
			return nil, false
		}
		e = v.(entry)
		c.local.Add(fingerprint, e)
	}
	if e.resp == nil {
		return nil, false
	}
	resp := *e.resp
	resp.IsCached = true
	return &resp, true
}

func (c *Cache) readShared(ctx context.Context, fingerprint string) (entry, error) {
	b, err := c.rdb.Get(ctx, c.key(fingerprint)).Bytes()
	if err == r.Nil {
		return entry{}, nil
	}
	if err != nil {
		return entry{}, errors.Wrap(err, "cache: get")
	}
	var resp domain.TaskResponse
	if err := json.Unmarshal(b, &resp); err != nil {
		return entry{}, errors.Wrap(err, "cache: decode")
	}
	return entry{resp: &resp}, nil
}

// Put stores resp in both tiers. The shared entry expires after ttl.
func (c *Cache) Put(ctx context.Context, fingerprint string, resp domain.TaskResponse, ttl time.Duration) error {
	resp.IsCached = false
	b, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "cache: encode")
	}
	if err := c.rdb.Set(ctx, c.key(fingerprint), b, ttl).Err(); err != nil {
		return errors.Wrap(err, "cache: set")
	}
	c.local.Add(fingerprint, entry{resp: &resp})
	return nil
}
