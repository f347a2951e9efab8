package throttle

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestThrottler(t *testing.T, now time.Time) (*Throttler, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	th := New(rdb)
	th.now = func() time.Time { return now }
	return th, mr
}

func TestCheckRejectsBeyondLimit(t *testing.T) {
	for _, tt := range []struct{ n, limit int }{{5, 3}, {3, 3}, {10, 1}, {4, 0}} {
		now := time.Date(2026, 10, 16, 12, 0, 30, 250*int(time.Millisecond), time.UTC)
		th, _ := newTestThrottler(t, now)

		rejected := 0
		for i := 0; i < tt.n; i++ {
			err := th.Check(context.Background(), "func:demo.f", Limits{ByMinute: tt.limit})
			if err != nil {
				require.ErrorIs(t, err, ErrRateLimited)
				var rl *RateLimitError
				require.ErrorAs(t, err, &rl)
				assert.Equal(t, ByMinute, rl.Rule)
				assert.LessOrEqual(t, rl.RetryAfter, time.Minute)
				assert.Equal(t, 29750*time.Millisecond, rl.RetryAfter)
				rejected++
			}
		}
		assert.Equal(t, max(0, tt.n-tt.limit), rejected, "n=%d limit=%d", tt.n, tt.limit)
	}
}

func TestCheckNewBucketResets(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 900*int(time.Millisecond), time.UTC)
	th, _ := newTestThrottler(t, now)
	ctx := context.Background()

	require.NoError(t, th.Check(ctx, "s", Limits{BySecond: 1}))
	err := th.Check(ctx, "s", Limits{BySecond: 1})
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, 100*time.Millisecond, rl.RetryAfter)

	th.now = func() time.Time { return now.Add(200 * time.Millisecond) }
	assert.NoError(t, th.Check(ctx, "s", Limits{BySecond: 1}))
}

func TestCheckSetsWindowExpiry(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	th, mr := newTestThrottler(t, now)

	require.NoError(t, th.Check(context.Background(), "s", Limits{ByHour: 10}))
	key := Key("s", ByHour, now.UnixNano()/int64(time.Hour))
	assert.Equal(t, "1", mustGet(t, mr, key))
	assert.Equal(t, time.Hour, mr.TTL(key))
}

func TestCheckMultipleRulesShortCircuit(t *testing.T) {
	now := time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)
	th, mr := newTestThrottler(t, now)
	ctx := context.Background()
	limits := Limits{BySecond: 1, ByDay: 100}

	require.NoError(t, th.Check(ctx, "s", limits))
	err := th.Check(ctx, "s", limits)
	var rl *RateLimitError
	require.ErrorAs(t, err, &rl)
	assert.Equal(t, BySecond, rl.Rule)

	// the day rule is evaluated after the rejection point and never counted
	dayKey := Key("s", ByDay, now.UnixNano()/int64(24*time.Hour))
	assert.Equal(t, "1", mustGet(t, mr, dayKey))

	// a later rule tripping leaves earlier increments in place
	th2, mr2 := newTestThrottler(t, now)
	limits2 := Limits{BySecond: 10, ByMinute: 1}
	require.NoError(t, th2.Check(ctx, "s", limits2))
	require.Error(t, th2.Check(ctx, "s", limits2))
	secKey := Key("s", BySecond, now.Unix())
	assert.Equal(t, "2", mustGet(t, mr2, secKey))
}

func TestCheckStoreError(t *testing.T) {
	th, mr := newTestThrottler(t, time.Now())
	mr.Close()
	err := th.Check(context.Background(), "s", Limits{BySecond: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRateLimited)
}

func TestParseLimits(t *testing.T) {
	l, err := ParseLimits(map[string]int{"bySecond": 20, "byMinute": 600})
	require.NoError(t, err)
	assert.Equal(t, Limits{BySecond: 20, ByMinute: 600}, l)

	_, err = ParseLimits(map[string]int{"byWeek": 1})
	assert.Error(t, err)
	_, err = ParseLimits(map[string]int{"byDay": -1})
	assert.Error(t, err)
}

func mustGet(t *testing.T, mr *miniredis.Miniredis, key string) string {
	t.Helper()
	v, err := mr.Get(key)
	require.NoError(t, err)
	return v
}
