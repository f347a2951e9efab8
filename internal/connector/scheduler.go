// Package connector keeps subscriptions to external message sources in line
// with their stored configuration and feeds received messages into the task
// queue, no faster than the worker fleet can take them.
package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enq/internal/broker"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/lock"
)

// Role is the scheduler's standing in leader election.
type Role int

const (
	Follower Role = iota
	Leader
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

type SubscriptionStore interface {
	GetConnectorSubscriptions(ctx context.Context) ([]domain.ConnectorSubscription, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, funcID string, args map[string]any, origin domain.Origin, opts broker.CallOptions) (string, error)
}

type LeaderLock interface {
	Acquire(ctx context.Context, name, token string, ttl time.Duration) (bool, error)
	Extend(ctx context.Context, name, token string, ttl time.Duration) error
	Release(ctx context.Context, name, token string) error
}

type Capacity interface {
	ProcessCount(ctx context.Context, queue int) (int64, error)
}

type Options struct {
	// Queue is the lane connector tasks are dispatched to; its live worker
	// process count bounds each drain.
	Queue         int
	LockName      string
	LeaderTTL     time.Duration
	CheckInterval time.Duration
	IdleBackoff   time.Duration
}

type liveSub struct {
	sub    domain.ConnectorSubscription
	conn   Subscription
	filter *Filter
}

type Scheduler struct {
	store    SubscriptionStore
	sources  map[string]Source
	dispatch Dispatcher
	locks    LeaderLock
	capacity Capacity
	opts     Options
	token    string
	log      *zap.Logger

	mu   sync.Mutex
	role Role
	live map[domain.SubscriptionKey]*liveSub
}

func New(store SubscriptionStore, sources map[string]Source, dispatch Dispatcher, locks LeaderLock, capacity Capacity, opts Options, log *zap.Logger) *Scheduler {
	if opts.LockName == "" {
		opts.LockName = "connector-leader"
	}
	return &Scheduler{
		store:    store,
		sources:  sources,
		dispatch: dispatch,
		locks:    locks,
		capacity: capacity,
		opts:     opts,
		token:    lock.NewToken(),
		log:      log.Named("connector"),
		live:     make(map[domain.SubscriptionKey]*liveSub),
	}
}

func (s *Scheduler) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// Live returns the keys of the currently open subscriptions.
func (s *Scheduler) Live() []domain.SubscriptionKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SubscriptionKey, 0, len(s.live))
	for k := range s.live {
		out = append(out, k)
	}
	return out
}

// Run drives the reconciliation and consumption loops until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.reconcileLoop(gctx) })
	g.Go(func() error { return s.consumeLoop(gctx) })
	err := g.Wait()
	s.shutdown()
	return err
}

func (s *Scheduler) reconcileLoop(ctx context.Context) error {
	tick := time.NewTicker(s.opts.CheckInterval)
	defer tick.Stop()
	for {
		if err := s.Reconcile(ctx); err != nil && ctx.Err() == nil {
			s.log.Warn("reconcile failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
		}
	}
}

func (s *Scheduler) consumeLoop(ctx context.Context) error {
	for {
		n, err := s.ConsumeOnce(ctx)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("consume pass had failures", zap.Error(err))
		}
		if ctx.Err() != nil {
			return nil
		}
		if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.IdleBackoff):
		}
	}
}

// Reconcile runs one election and subscription sync pass.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	s.transition(s.elect(ctx))

	subs, err := s.store.GetConnectorSubscriptions(ctx)
	if err != nil {
		return err
	}
	s.sync(ctx, subs)
	return nil
}

// elect extends our lease, or tries to take a free one. Store errors leave
// us a follower since leadership cannot be proven.
func (s *Scheduler) elect(ctx context.Context) Role {
	err := s.locks.Extend(ctx, s.opts.LockName, s.token, s.opts.LeaderTTL)
	if err == nil {
		return Leader
	}
	if !errors.Is(err, lock.ErrNotOwner) {
		s.log.Warn("leader lock extend failed", zap.Error(err))
		return Follower
	}
	ok, err := s.locks.Acquire(ctx, s.opts.LockName, s.token, s.opts.LeaderTTL)
	if err != nil {
		s.log.Warn("leader lock acquire failed", zap.Error(err))
		return Follower
	}
	if ok {
		return Leader
	}
	return Follower
}

func (s *Scheduler) transition(next Role) {
	s.mu.Lock()
	prev := s.role
	s.role = next
	s.mu.Unlock()

	switch {
	case prev == Follower && next == Leader:
		s.onBecomeLeader()
	case prev == Leader && next == Follower:
		s.onLoseLeadership()
	}
}

func (s *Scheduler) onBecomeLeader() {
	s.log.Info("became leader")
}

// onLoseLeadership drops every connection only a leader may hold.
func (s *Scheduler) onLoseLeadership() {
	s.log.Info("lost leadership")
	s.teardown(func(ls *liveSub) bool { return !ls.sub.MultiSubscriberSafe })
}

func (s *Scheduler) sync(ctx context.Context, subs []domain.ConnectorSubscription) {
	want := make(map[domain.SubscriptionKey]domain.ConnectorSubscription, len(subs))
	for _, sub := range subs {
		want[sub.Key()] = sub
	}
	role := s.Role()

	s.teardown(func(ls *liveSub) bool {
		w, ok := want[ls.sub.Key()]
		return !ok || w.ConfigFingerprint != ls.sub.ConfigFingerprint ||
			(role == Follower && !w.MultiSubscriberSafe)
	})

	for _, sub := range subs {
		if role == Follower && !sub.MultiSubscriberSafe {
			continue
		}
		s.mu.Lock()
		_, exists := s.live[sub.Key()]
		s.mu.Unlock()
		if exists {
			continue
		}

		ls, err := s.open(ctx, sub)
		if err != nil {
			s.log.Warn("subscription not established",
				zap.String("connector_id", sub.ConnectorID), zap.String("topic", sub.Topic), zap.Error(err))
			continue
		}
		s.mu.Lock()
		s.live[sub.Key()] = ls
		s.mu.Unlock()
		s.log.Info("subscribed", zap.String("connector_id", sub.ConnectorID), zap.String("topic", sub.Topic),
			zap.String("handler", sub.HandlerFuncID))
	}
}

func (s *Scheduler) open(ctx context.Context, sub domain.ConnectorSubscription) (*liveSub, error) {
	src, ok := s.sources[sub.ConnectorType]
	if !ok {
		return nil, errors.New("unsupported connector type " + sub.ConnectorType)
	}
	filter, err := NewFilter(sub.Filter)
	if err != nil {
		return nil, err
	}
	conn, err := src.Subscribe(ctx, sub)
	if err != nil {
		return nil, err
	}
	return &liveSub{sub: sub, conn: conn, filter: filter}, nil
}

// teardown closes and forgets every live subscription drop selects.
func (s *Scheduler) teardown(drop func(*liveSub) bool) {
	s.mu.Lock()
	var closing []*liveSub
	for k, ls := range s.live {
		if drop(ls) {
			closing = append(closing, ls)
			delete(s.live, k)
		}
	}
	s.mu.Unlock()

	for _, ls := range closing {
		if err := ls.conn.Close(); err != nil {
			s.log.Warn("close subscription", zap.String("connector_id", ls.sub.ConnectorID), zap.Error(err))
		}
		s.log.Info("unsubscribed", zap.String("connector_id", ls.sub.ConnectorID), zap.String("topic", ls.sub.Topic))
	}
}

func (s *Scheduler) snapshot() []*liveSub {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*liveSub, 0, len(s.live))
	for _, ls := range s.live {
		out = append(out, ls)
	}
	return out
}

// ConsumeOnce drains up to the live worker process count of messages from
// every subscription and dispatches the matching ones. It returns how many
// messages were drained; failures of single messages are collected and do
// not stop the pass.
func (s *Scheduler) ConsumeOnce(ctx context.Context) (int, error) {
	subs := s.snapshot()
	if len(subs) == 0 {
		return 0, nil
	}
	capacity, err := s.capacity.ProcessCount(ctx, s.opts.Queue)
	if err != nil || capacity <= 0 {
		return 0, err
	}

	drained := 0
	var errs error
	for _, ls := range subs {
		msgs, err := ls.conn.Consume(ctx, int(capacity))
		drained += len(msgs)
		if err != nil {
			errs = multierr.Append(errs, err)
			if errors.Is(err, ErrSubscriptionClosed) {
				// reopened by the next reconcile pass
				dead := ls
				s.teardown(func(x *liveSub) bool { return x == dead })
			}
		}
		for _, m := range msgs {
			if !ls.filter.Match(m) {
				continue
			}
			if err := s.handle(ctx, ls.sub, m); err != nil {
				errs = multierr.Append(errs, err)
			}
		}
	}
	return drained, errs
}

func (s *Scheduler) handle(ctx context.Context, sub domain.ConnectorSubscription, m Message) error {
	opts := broker.CallOptions{}
	opts.TaskName = domain.TaskConnectorFeed
	opts.OriginID = sub.ConnectorID
	opts.IgnoreResult = true
	_, err := s.dispatch.Dispatch(ctx, sub.HandlerFuncID, map[string]any{
		"topic":   m.Topic,
		"message": string(m.Payload),
	}, domain.OriginConnector, opts)
	return err
}

func (s *Scheduler) shutdown() {
	s.teardown(func(*liveSub) bool { return true })
	if s.Role() == Leader {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := s.locks.Release(ctx, s.opts.LockName, s.token); err != nil {
			s.log.Warn("release leader lock", zap.Error(err))
		}
	}
}
