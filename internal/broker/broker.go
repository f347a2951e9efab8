// Package broker turns function calls into queued tasks and, for waiting
// callers, correlates the worker's response back.
package broker

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/policy"
	"github.com/SirClappington/enq/internal/throttle"
)

// ErrNoResponse reports that no worker answered before the wait deadline.
// It is distinct from a function failing, which arrives as a response.
var ErrNoResponse = errors.New("no response from worker")

type Resolver interface {
	Resolve(ctx context.Context, req policy.Request) (*domain.TaskEnvelope, error)
}

type Enqueuer interface {
	Enqueue(ctx context.Context, env *domain.TaskEnvelope) error
}

type Waiter interface {
	Wait(ctx context.Context, env *domain.TaskEnvelope) (domain.TaskResponse, error)
}

type Admission interface {
	Check(ctx context.Context, scope string, limits throttle.Limits) error
}

type ResultCache interface {
	Get(ctx context.Context, fingerprint string) (*domain.TaskResponse, bool)
}

// Throttle names the admission scope and rules of a caller-facing endpoint.
type Throttle struct {
	Scope  string
	Limits throttle.Limits
}

type CallOptions struct {
	policy.CallOptions
	Throttle *Throttle
}

type Broker struct {
	resolver  Resolver
	queue     Enqueuer
	waiter    Waiter
	admission Admission
	cache     ResultCache
	log       *zap.Logger

	inflight singleflight.Group
}

func New(resolver Resolver, queue Enqueuer, waiter Waiter, admission Admission, cache ResultCache, log *zap.Logger) *Broker {
	return &Broker{
		resolver:  resolver,
		queue:     queue,
		waiter:    waiter,
		admission: admission,
		cache:     cache,
		log:       log.Named("broker"),
	}
}

// Dispatch enqueues a fire-and-forget call and returns its task id.
func (b *Broker) Dispatch(ctx context.Context, funcID string, args map[string]any, origin domain.Origin, opts CallOptions) (string, error) {
	opts.IgnoreResult = true
	env, err := b.prepare(ctx, funcID, args, origin, opts)
	if err != nil {
		return "", err
	}
	if err := b.queue.Enqueue(ctx, env); err != nil {
		return "", err
	}
	b.log.Debug("task dispatched", zap.String("task_id", env.ID), zap.String("func_id", env.FuncID), zap.Int("queue", env.Queue))
	return env.ID, nil
}

// DispatchAndWait enqueues a call and blocks for its response. Cached
// results are served without dispatching, and concurrent calls sharing a
// fingerprint share one task.
func (b *Broker) DispatchAndWait(ctx context.Context, funcID string, args map[string]any, origin domain.Origin, opts CallOptions) (domain.TaskResponse, error) {
	opts.IgnoreResult = false
	env, err := b.prepare(ctx, funcID, args, origin, opts)
	if err != nil {
		return domain.TaskResponse{}, err
	}

	if env.CacheResultKey == "" {
		return b.wait(ctx, env)
	}
	if resp, ok := b.cache.Get(ctx, env.CacheResultKey); ok {
		b.log.Debug("cached result", zap.String("func_id", env.FuncID))
		return *resp, nil
	}
	// The shared wait outlives any one caller; the correlator timer bounds it.
	ch := b.inflight.DoChan(env.CacheResultKey, func() (any, error) {
		return b.wait(context.WithoutCancel(ctx), env)
	})
	select {
	case <-ctx.Done():
		return domain.TaskResponse{}, ctx.Err()
	case res := <-ch:
		resp, _ := res.Val.(domain.TaskResponse)
		return resp, res.Err
	}
}

func (b *Broker) wait(ctx context.Context, env *domain.TaskEnvelope) (domain.TaskResponse, error) {
	resp, err := b.waiter.Wait(ctx, env)
	if err != nil {
		return domain.TaskResponse{}, err
	}
	if resp.Status == domain.NoResponse {
		return resp, ErrNoResponse
	}
	return resp, nil
}

func (b *Broker) prepare(ctx context.Context, funcID string, args map[string]any, origin domain.Origin, opts CallOptions) (*domain.TaskEnvelope, error) {
	env, err := b.resolver.Resolve(ctx, policy.Request{
		FuncID:  funcID,
		Args:    args,
		Origin:  origin,
		Options: opts.CallOptions,
	})
	if err != nil {
		return nil, err
	}
	if opts.Throttle != nil && len(opts.Throttle.Limits) > 0 {
		if err := b.admission.Check(ctx, opts.Throttle.Scope, opts.Throttle.Limits); err != nil {
			return nil, err
		}
	}
	return env, nil
}
