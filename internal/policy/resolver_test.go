package policy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/domain"
)

type fakeStore struct {
	fns   map[string]*domain.FunctionConfig
	calls int
}

func (s *fakeStore) GetFunctionConfig(_ context.Context, id string) (*domain.FunctionConfig, error) {
	s.calls++
	fn, ok := s.fns[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return fn, nil
}

func intp(v int) *int { return &v }

func testTaskConfig() config.TaskConfig {
	return config.TaskConfig{
		TimeoutDefault: 30, TimeoutMin: 1, TimeoutMax: 3600,
		APITimeoutDefault: 30, APITimeoutMax: 180,
		ExpiresDefault: 900, ExpiresMin: 1, ExpiresMax: 86400,
		QueueDirect: 1, QueueSyncAPI: 1, QueueAsyncAPI: 2, QueueCronJob: 3,
		QueueAPIAuth: 1, QueueConnector: 4, QueueIntegration: 1,
	}
}

func newTestResolver(fns ...*domain.FunctionConfig) (*Resolver, *fakeStore) {
	store := &fakeStore{fns: map[string]*domain.FunctionConfig{}}
	for _, fn := range fns {
		store.fns[fn.ID] = fn
	}
	r := NewResolver(store, Policies(testTaskConfig()))
	r.now = func() time.Time { return time.UnixMilli(1_700_000_000_000) }
	r.newID = func() string { return "task-1" }
	return r, store
}

func TestResolveDefaults(t *testing.T) {
	r, _ := newTestResolver(&domain.FunctionConfig{ID: "demo.f"})

	env, err := r.Resolve(context.Background(), Request{
		FuncID: "demo.f",
		Args:   map[string]any{"x": 1},
		Origin: domain.OriginDirect,
	})
	require.NoError(t, err)

	assert.Equal(t, "task-1", env.ID)
	assert.Equal(t, domain.TaskFuncRunner, env.Name)
	assert.Equal(t, 1, env.Queue)
	assert.Equal(t, 30, env.Timeout)
	assert.Equal(t, 900, env.Expires)
	assert.Equal(t, domain.ReturnRaw, env.ReturnType)
	assert.Equal(t, map[string]any{"x": 1}, env.Kwargs)
	assert.Empty(t, env.CacheResultKey)
	assert.Nil(t, env.ETA)
	assert.Equal(t, int64(1_700_000_000_000), env.TriggerTime)
}

func TestResolveOrder(t *testing.T) {
	fn := &domain.FunctionConfig{
		ID:              "demo.f",
		QueueOverride:   intp(5),
		TimeoutOverride: intp(60),
		ExpiresOverride: intp(120),
	}
	r, _ := newTestResolver(fn)

	t.Run("function config beats origin default", func(t *testing.T) {
		env, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginCronJob})
		require.NoError(t, err)
		assert.Equal(t, 5, env.Queue)
		assert.Equal(t, 60, env.Timeout)
		assert.Equal(t, 120, env.Expires)
	})

	t.Run("explicit option beats function config", func(t *testing.T) {
		env, err := r.Resolve(context.Background(), Request{
			FuncID: "demo.f",
			Origin: domain.OriginCronJob,
			Options: CallOptions{
				Queue:   intp(9),
				Timeout: intp(10),
				Expires: intp(20),
			},
		})
		require.NoError(t, err)
		assert.Equal(t, 9, env.Queue)
		assert.Equal(t, 10, env.Timeout)
		assert.Equal(t, 20, env.Expires)
	})

	t.Run("origin default when nothing else", func(t *testing.T) {
		r2, _ := newTestResolver(&domain.FunctionConfig{ID: "demo.g"})
		env, err := r2.Resolve(context.Background(), Request{FuncID: "demo.g", Origin: domain.OriginAsyncAPI})
		require.NoError(t, err)
		assert.Equal(t, 2, env.Queue)
	})
}

func TestResolveRejectsOutOfRange(t *testing.T) {
	tests := []struct {
		name  string
		opts  CallOptions
		field string
	}{
		{"queue too low", CallOptions{Queue: intp(0)}, "queue"},
		{"queue too high", CallOptions{Queue: intp(10)}, "queue"},
		{"timeout too high", CallOptions{Timeout: intp(3601)}, "timeout"},
		{"timeout too low", CallOptions{Timeout: intp(0)}, "timeout"},
		{"expires too high", CallOptions{Expires: intp(86401)}, "expires"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(&domain.FunctionConfig{ID: "demo.f"})
			_, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginDirect, Options: tt.opts})
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidInput)

			var be *BoundError
			require.ErrorAs(t, err, &be)
			assert.Equal(t, tt.field, be.Field)
			assert.Zero(t, store.calls, "explicit options are validated before the store read")
		})
	}
}

func TestResolveAPITimeoutBound(t *testing.T) {
	r, _ := newTestResolver(&domain.FunctionConfig{ID: "demo.f"})

	_, err := r.Resolve(context.Background(), Request{
		FuncID: "demo.f", Origin: domain.OriginSyncAPI, Options: CallOptions{Timeout: intp(181)},
	})
	var be *BoundError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, 180, be.Max)
	assert.Contains(t, err.Error(), "exceeds maximum 180")
}

func TestResolveRejectsStoredOutOfRange(t *testing.T) {
	r, _ := newTestResolver(&domain.FunctionConfig{ID: "demo.f", TimeoutOverride: intp(9999)})

	_, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginDirect})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestResolveOptionErrors(t *testing.T) {
	eta := time.Now().Add(time.Minute)
	tests := []struct {
		name string
		req  Request
	}{
		{"missing func", Request{Origin: domain.OriginDirect}},
		{"unknown origin", Request{FuncID: "demo.f", Origin: "webhook"}},
		{"eta and delay", Request{FuncID: "demo.f", Origin: domain.OriginDirect, Options: CallOptions{ETA: &eta, Delay: intp(5)}}},
		{"negative delay", Request{FuncID: "demo.f", Origin: domain.OriginDirect, Options: CallOptions{Delay: intp(-1)}}},
		{"bad return type", Request{FuncID: "demo.f", Origin: domain.OriginDirect, Options: CallOptions{ReturnType: "xml"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(&domain.FunctionConfig{ID: "demo.f"})
			_, err := r.Resolve(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidInput)
			assert.Zero(t, store.calls)
		})
	}
}

func TestResolveStoreErrorPropagates(t *testing.T) {
	r, _ := newTestResolver()
	_, err := r.Resolve(context.Background(), Request{FuncID: "missing", Origin: domain.OriginDirect})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidInput)
}

func TestResolveCaching(t *testing.T) {
	fn := &domain.FunctionConfig{ID: "demo.f", PublishedCodeHash: "abc", PublishedVersion: 3, CacheResultTTL: 60}
	r, _ := newTestResolver(fn)

	a, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginDirect, Args: map[string]any{"a": 1, "b": 2}})
	require.NoError(t, err)
	b, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginSyncAPI, Args: map[string]any{"b": 2, "a": 1}})
	require.NoError(t, err)

	assert.Equal(t, 60, a.CacheResult)
	assert.NotEmpty(t, a.CacheResultKey)
	assert.Equal(t, a.CacheResultKey, b.CacheResultKey)
}

func TestResolveDelayAndETA(t *testing.T) {
	r, _ := newTestResolver(&domain.FunctionConfig{ID: "demo.f"})

	env, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginDirect, Options: CallOptions{Delay: intp(30)}})
	require.NoError(t, err)
	assert.Equal(t, 30, env.Delay)
	assert.Equal(t, int64(1_700_000_030_000), env.RunTime().UnixMilli())

	eta := time.Date(2030, 1, 1, 0, 0, 0, 0, time.FixedZone("x", 3600))
	env, err = r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginDirect, Options: CallOptions{ETA: &eta}})
	require.NoError(t, err)
	require.NotNil(t, env.ETA)
	assert.True(t, env.ETA.Equal(eta))
	assert.Equal(t, time.UTC, env.ETA.Location())
}

func TestResolveFixedArgs(t *testing.T) {
	fn := &domain.FunctionConfig{
		ID: "demo.f",
		FixedArgs: map[string]domain.ArgSpec{
			"region": domain.Fixed("eu"),
			"who":    domain.Placeholder(),
		},
	}
	r, _ := newTestResolver(fn)

	env, err := r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginAPIAuth, Args: map[string]any{"who": "bob"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"region": "eu", "who": "bob"}, env.Kwargs)

	_, err = r.Resolve(context.Background(), Request{FuncID: "demo.f", Origin: domain.OriginAPIAuth, Args: map[string]any{"region": "us"}})
	var ce *ArgConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "region", ce.Arg)
	assert.ErrorIs(t, err, ErrInvalidInput)
}
