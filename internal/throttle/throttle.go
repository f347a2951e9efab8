// Package throttle implements fixed-window admission control on Redis
// counters.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	pkgerrors "github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
	"golang.org/x/exp/slices"
)

type Rule string

const (
	BySecond Rule = "bySecond"
	ByMinute Rule = "byMinute"
	ByHour   Rule = "byHour"
	ByDay    Rule = "byDay"
	ByMonth  Rule = "byMonth"
	ByYear   Rule = "byYear"
)

// ruleOrder is the evaluation order of a Limits set.
var ruleOrder = []Rule{BySecond, ByMinute, ByHour, ByDay, ByMonth, ByYear}

var windows = map[Rule]time.Duration{
	BySecond: time.Second,
	ByMinute: time.Minute,
	ByHour:   time.Hour,
	ByDay:    24 * time.Hour,
	ByMonth:  30 * 24 * time.Hour,
	ByYear:   365 * 24 * time.Hour,
}

func (rl Rule) Window() time.Duration { return windows[rl] }

func (rl Rule) Valid() bool { return slices.Contains(ruleOrder, rl) }

// Limits maps each rule to the most calls admitted per window.
type Limits map[Rule]int

// ParseLimits converts a loosely typed rule map, as found in configuration.
func ParseLimits(m map[string]int) (Limits, error) {
	out := make(Limits, len(m))
	for k, v := range m {
		rule := Rule(k)
		if !rule.Valid() {
			return nil, fmt.Errorf("throttle: unknown rule %q", k)
		}
		if v < 0 {
			return nil, fmt.Errorf("throttle: negative limit for %s", k)
		}
		out[rule] = v
	}
	return out, nil
}

var ErrRateLimited = errors.New("rate limited")

type RateLimitError struct {
	Scope      string
	Rule       Rule
	Limit      int
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit %s=%d exceeded for %s, retry after %s", e.Rule, e.Limit, e.Scope, e.RetryAfter)
}

func (e *RateLimitError) Is(target error) bool { return target == ErrRateLimited }

type Throttler struct {
	rdb r.UniversalClient
	now func() time.Time
}

func New(rdb r.UniversalClient) *Throttler {
	return &Throttler{rdb: rdb, now: time.Now}
}

func Key(scope string, rule Rule, bucket int64) string {
	return "throttle:" + scope + ":" + string(rule) + ":" + strconv.FormatInt(bucket, 10)
}

// Check counts one call against every rule in limits and rejects on the
// first rule whose window is exhausted. Counters already incremented for
// earlier rules are kept.
func (t *Throttler) Check(ctx context.Context, scope string, limits Limits) error {
	now := t.now()
	for _, rule := range ruleOrder {
		limit, ok := limits[rule]
		if !ok {
			continue
		}
		w := rule.Window()
		bucket := now.UnixNano() / int64(w)
		key := Key(scope, rule, bucket)

		count, err := t.rdb.Incr(ctx, key).Result()
		if err != nil {
			return pkgerrors.Wrapf(err, "throttle: count %s", key)
		}
		if count == 1 || count <= int64(limit) {
			if err := t.rdb.Expire(ctx, key, w).Err(); err != nil {
				return pkgerrors.Wrapf(err, "throttle: expire %s", key)
			}
		}
		if count > int64(limit) {
			next := time.Unix(0, (bucket+1)*int64(w))
			return &RateLimitError{Scope: scope, Rule: rule, Limit: limit, RetryAfter: next.Sub(now)}
		}
	}
	return nil
}
