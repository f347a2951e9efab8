package connector

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	pkgerrors "github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/SirClappington/enq/internal/domain"
)

var ErrSubscriptionClosed = errors.New("connector: subscription closed")

type Message struct {
	Topic   string
	Payload []byte
}

// Subscription is one live connection to an external message source.
type Subscription interface {
	// Consume returns up to max already-received messages without blocking.
	Consume(ctx context.Context, max int) ([]Message, error)
	Close() error
}

// Source opens subscriptions for one connector type.
type Source interface {
	Subscribe(ctx context.Context, sub domain.ConnectorSubscription) (Subscription, error)
}

type redisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// RedisSource subscribes to channels of an external Redis server. Topics
// containing glob characters use pattern subscriptions.
type RedisSource struct {
	BufferSize int
}

func (s RedisSource) Subscribe(ctx context.Context, sub domain.ConnectorSubscription) (Subscription, error) {
	var cfg redisConfig
	if len(sub.Config) > 0 {
		if err := json.Unmarshal(sub.Config, &cfg); err != nil {
			return nil, pkgerrors.Wrapf(err, "connector %s: config", sub.ConnectorID)
		}
	}
	if cfg.Addr == "" {
		return nil, pkgerrors.Errorf("connector %s: addr required", sub.ConnectorID)
	}
	size := s.BufferSize
	if size <= 0 {
		size = 1000
	}

	rdb := r.NewClient(&r.Options{Addr: cfg.Addr, Password: cfg.Password, DB: cfg.DB})
	var ps *r.PubSub
	if strings.ContainsAny(sub.Topic, "*?[") {
		ps = rdb.PSubscribe(ctx, sub.Topic)
	} else {
		ps = rdb.Subscribe(ctx, sub.Topic)
	}
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		_ = rdb.Close()
		return nil, pkgerrors.Wrapf(err, "connector %s: subscribe %s", sub.ConnectorID, sub.Topic)
	}
	return &redisSubscription{rdb: rdb, ps: ps, ch: ps.Channel(r.WithChannelSize(size))}, nil
}

type redisSubscription struct {
	rdb *r.Client
	ps  *r.PubSub
	ch  <-chan *r.Message
}

func (s *redisSubscription) Consume(_ context.Context, max int) ([]Message, error) {
	var out []Message
	for len(out) < max {
		select {
		case m, ok := <-s.ch:
			if !ok {
				return out, ErrSubscriptionClosed
			}
			out = append(out, Message{Topic: m.Channel, Payload: []byte(m.Payload)})
		default:
			return out, nil
		}
	}
	return out, nil
}

func (s *redisSubscription) Close() error {
	return multierr.Append(s.ps.Close(), s.rdb.Close())
}
