// Package correlator matches worker responses published on a single shared
// topic back to the callers waiting for them.
package correlator

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/domain"
)

// Enqueuer places an envelope on the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, env *domain.TaskEnvelope) error
}

// Handler receives exactly one response per registered task.
type Handler func(domain.TaskResponse)

type Options struct {
	Topic   string
	MaxWait time.Duration
	Grace   time.Duration
}

type waiter struct {
	handler Handler
	timer   *time.Timer
}

type Correlator struct {
	rdb  r.UniversalClient
	enq  Enqueuer
	opts Options
	log  *zap.Logger

	mu      sync.Mutex
	waiters map[string]*waiter

	pubsub *r.PubSub
	done   chan struct{}
}

func New(rdb r.UniversalClient, enq Enqueuer, opts Options, log *zap.Logger) *Correlator {
	if opts.Topic == "" {
		opts.Topic = "task:response"
	}
	return &Correlator{
		rdb:     rdb,
		enq:     enq,
		opts:    opts,
		log:     log.Named("correlator"),
		waiters: make(map[string]*waiter),
		done:    make(chan struct{}),
	}
}

// Start opens the process-wide response subscription. It returns once the
// subscription is confirmed.
func (c *Correlator) Start(ctx context.Context) error {
	ps := c.rdb.Subscribe(ctx, c.opts.Topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return errors.Wrapf(err, "correlator: subscribe %s", c.opts.Topic)
	}
	c.pubsub = ps
	go c.listen(ps.Channel())
	c.log.Info("listening for task responses", zap.String("topic", c.opts.Topic))
	return nil
}

func (c *Correlator) Close() error {
	if c.pubsub == nil {
		return nil
	}
	err := c.pubsub.Close()
	<-c.done
	return err
}

func (c *Correlator) listen(ch <-chan *r.Message) {
	defer close(c.done)
	for msg := range ch {
		var resp domain.TaskResponse
		if err := json.Unmarshal([]byte(msg.Payload), &resp); err != nil {
			c.log.Warn("bad response payload", zap.Error(err))
			continue
		}
		if resp.ID == "" {
			continue
		}
		c.deliver(resp)
	}
}

// Enqueue dispatches env. Unless env.IgnoreResult is set, handler is
// registered before the insert and fires exactly once: with the worker's
// response, or with a synthesized NoResponse when the wait deadline passes.
func (c *Correlator) Enqueue(ctx context.Context, env *domain.TaskEnvelope, handler Handler) error {
	if env.IgnoreResult {
		return c.enq.Enqueue(ctx, env)
	}

	id := env.ID
	c.mu.Lock()
	c.waiters[id] = &waiter{
		handler: handler,
		timer:   time.AfterFunc(c.waitFor(env), func() { c.expire(id) }),
	}
	c.mu.Unlock()

	if err := c.enq.Enqueue(ctx, env); err != nil {
		if w := c.take(id); w != nil {
			w.timer.Stop()
		}
		return err
	}
	return nil
}

// Wait dispatches env and blocks until its response arrives, the wait
// deadline passes, or ctx is done. An abandoned wait stays registered until
// its deadline.
func (c *Correlator) Wait(ctx context.Context, env *domain.TaskEnvelope) (domain.TaskResponse, error) {
	ch := make(chan domain.TaskResponse, 1)
	if err := c.Enqueue(ctx, env, func(resp domain.TaskResponse) { ch <- resp }); err != nil {
		return domain.TaskResponse{}, err
	}
	select {
	case resp := <-ch:
		return resp, nil
	case <-ctx.Done():
		return domain.TaskResponse{}, ctx.Err()
	}
}

// Pending reports how many tasks are awaiting a response.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Correlator) waitFor(env *domain.TaskEnvelope) time.Duration {
	d := time.Duration(env.Timeout) * time.Second
	if c.opts.MaxWait > 0 && d > c.opts.MaxWait {
		d = c.opts.MaxWait
	}
	return d + c.opts.Grace
}

// take removes and returns the waiter for id. Whoever takes it owns the
// single permitted handler call.
func (c *Correlator) take(id string) *waiter {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.waiters[id]
	if !ok {
		return nil
	}
	delete(c.waiters, id)
	return w
}

func (c *Correlator) deliver(resp domain.TaskResponse) {
	w := c.take(resp.ID)
	if w == nil {
		return
	}
	w.timer.Stop()
	w.handler(resp)
}

func (c *Correlator) expire(id string) {
	w := c.take(id)
	if w == nil {
		return
	}
	c.log.Warn("no response before deadline", zap.String("task_id", id))
	w.handler(domain.TaskResponse{ID: id, Status: domain.NoResponse})
}
