// Package queue places resolved envelopes into Redis priority lists or
// time-ordered delay sets. It never consumes; workers are external.
package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"

	"github.com/SirClappington/enq/internal/domain"
)

type RedisQ struct {
	rdb r.UniversalClient
	app string
	now func() time.Time
}

func New(rdb r.UniversalClient, app string) *RedisQ {
	return &RedisQ{rdb: rdb, app: app, now: time.Now}
}

// Enqueue pushes env onto the head of its queue list when due, otherwise
// adds it to the queue's delay set scored by run time in unix milliseconds.
func (q *RedisQ) Enqueue(ctx context.Context, env *domain.TaskEnvelope) error {
	if env.Queue < domain.MinQueue || env.Queue > domain.MaxQueue {
		return errors.Errorf("queue: lane %d out of range", env.Queue)
	}
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "queue: encode envelope")
	}

	runAt := env.RunTime()
	if runAt.After(q.now()) {
		err = q.rdb.ZAdd(ctx, DelayQueueKey(q.app, env.Queue), r.Z{Score: float64(runAt.UnixMilli()), Member: b}).Err()
		return errors.Wrapf(err, "queue: delay task %s", env.ID)
	}
	err = q.rdb.LPush(ctx, WorkerQueueKey(q.app, env.Queue), b).Err()
	return errors.Wrapf(err, "queue: push task %s", env.ID)
}

func (q *RedisQ) Len(ctx context.Context, n int) (int64, error) {
	l, err := q.rdb.LLen(ctx, WorkerQueueKey(q.app, n)).Result()
	return l, errors.Wrap(err, "queue: length")
}

func (q *RedisQ) DelayLen(ctx context.Context, n int) (int64, error) {
	l, err := q.rdb.ZCard(ctx, DelayQueueKey(q.app, n)).Result()
	return l, errors.Wrap(err, "queue: delay length")
}

// ProcessCount returns how many worker processes currently serve queue n.
// A missing heartbeat counts as zero.
func (q *RedisQ) ProcessCount(ctx context.Context, n int) (int64, error) {
	v, err := q.rdb.HGet(ctx, HeartbeatKey, strconv.Itoa(n)).Int64()
	if err == r.Nil {
		return 0, nil
	}
	return v, errors.Wrap(err, "queue: process count")
}

type Stats struct {
	Queue        int   `json:"queue"`
	Pending      int64 `json:"pending"`
	Delayed      int64 `json:"delayed"`
	ProcessCount int64 `json:"processCount"`
}

// Stats reads every lane in one pipeline round trip.
func (q *RedisQ) Stats(ctx context.Context) ([]Stats, error) {
	pipe := q.rdb.Pipeline()
	lens := make([]*r.IntCmd, 0, domain.MaxQueue)
	delays := make([]*r.IntCmd, 0, domain.MaxQueue)
	procs := make([]*r.StringCmd, 0, domain.MaxQueue)
	for n := domain.MinQueue; n <= domain.MaxQueue; n++ {
		lens = append(lens, pipe.LLen(ctx, WorkerQueueKey(q.app, n)))
		delays = append(delays, pipe.ZCard(ctx, DelayQueueKey(q.app, n)))
		procs = append(procs, pipe.HGet(ctx, HeartbeatKey, strconv.Itoa(n)))
	}
	// Exec reports only the first failure, and an absent heartbeat field
	// fails with redis.Nil; each command is checked below instead.
	_, _ = pipe.Exec(ctx)

	out := make([]Stats, 0, domain.MaxQueue)
	for i := range lens {
		if err := lens[i].Err(); err != nil {
			return nil, errors.Wrapf(err, "queue: stats len %d", domain.MinQueue+i)
		}
		if err := delays[i].Err(); err != nil {
			return nil, errors.Wrapf(err, "queue: stats delayed %d", domain.MinQueue+i)
		}
		pc, err := procs[i].Int64()
		if err != nil && err != r.Nil {
			return nil, errors.Wrapf(err, "queue: stats processes %d", domain.MinQueue+i)
		}
		out = append(out, Stats{
			Queue:        domain.MinQueue + i,
			Pending:      lens[i].Val(),
			Delayed:      delays[i].Val(),
			ProcessCount: pc,
		})
	}
	return out, nil
}

// MoveDue promotes up to batch delayed envelopes whose run time has passed
// into the live list of queue n and returns how many moved.
func (q *RedisQ) MoveDue(ctx context.Context, n int, now time.Time, batch int64) (int, error) {
	delayKey := DelayQueueKey(q.app, n)
	items, err := q.rdb.ZRangeByScore(ctx, delayKey, &r.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now.UnixMilli(), 10), Offset: 0, Count: batch,
	}).Result()
	if err != nil || len(items) == 0 {
		return 0, errors.Wrap(err, "queue: scan delay set")
	}

	pipe := q.rdb.TxPipeline()
	for _, item := range items {
		pipe.LPush(ctx, WorkerQueueKey(q.app, n), item)
		pipe.ZRem(ctx, delayKey, item)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, errors.Wrap(err, "queue: promote due tasks")
	}
	return len(items), nil
}
