package storage

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"

	"github.com/SirClappington/enq/internal/domain"
)

var ErrFunctionNotFound = errors.New("function not found")

// Querier is the subset of *pgxpool.Pool the store uses.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type Store struct{ db Querier }

func New(db Querier) *Store { return &Store{db} }

// GetFunctionConfig loads the published configuration of one function.
func (s *Store) GetFunctionConfig(ctx context.Context, funcID string) (*domain.FunctionConfig, error) {
	var (
		fn    domain.FunctionConfig
		fixed []byte
	)
	err := s.db.QueryRow(ctx, `select id, code_hash, version, queue, timeout, expires, cache_result, fixed_args
  from funcs where id = $1`, funcID).Scan(
		&fn.ID, &fn.PublishedCodeHash, &fn.PublishedVersion,
		&fn.QueueOverride, &fn.TimeoutOverride, &fn.ExpiresOverride,
		&fn.CacheResultTTL, &fixed,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrap(ErrFunctionNotFound, funcID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "storage: load func %s", funcID)
	}
	if fn.FixedArgs, err = decodeFixedArgs(fixed); err != nil {
		return nil, errors.Wrapf(err, "storage: func %s fixed_args", funcID)
	}
	return &fn, nil
}

func decodeFixedArgs(raw []byte) (map[string]domain.ArgSpec, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var out map[string]domain.ArgSpec
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConnectorSubscriptions lists every subscription of enabled connectors.
func (s *Store) GetConnectorSubscriptions(ctx context.Context) ([]domain.ConnectorSubscription, error) {
	rows, err := s.db.Query(ctx, `select c.id, c.type, c.config, c.multi_subscriber_safe, s.topic, s.handler_func_id, s.filter
  from connector_subscriptions s
  join connectors c on c.id = s.connector_id
 where c.enabled
 order by c.id, s.topic, s.handler_func_id`)
	if err != nil {
		return nil, errors.Wrap(err, "storage: list subscriptions")
	}
	defer rows.Close()

	var out []domain.ConnectorSubscription
	for rows.Next() {
		var sub domain.ConnectorSubscription
		if err := rows.Scan(&sub.ConnectorID, &sub.ConnectorType, &sub.Config, &sub.MultiSubscriberSafe,
			&sub.Topic, &sub.HandlerFuncID, &sub.Filter); err != nil {
			return nil, errors.Wrap(err, "storage: scan subscription")
		}
		sub.ConfigFingerprint = SubscriptionFingerprint(sub)
		out = append(out, sub)
	}
	return out, errors.Wrap(rows.Err(), "storage: list subscriptions")
}

// SubscriptionFingerprint changes whenever anything that shapes the live
// subscription changes.
func SubscriptionFingerprint(sub domain.ConnectorSubscription) string {
	d := xxhash.New()
	for _, part := range []string{
		sub.ConnectorType, string(sub.Config), sub.Filter, strconv.FormatBool(sub.MultiSubscriberSafe),
	} {
		_, _ = d.WriteString(part)
		_, _ = d.Write([]byte{0})
	}
	var buf [8]byte
	return hex.EncodeToString(d.Sum(buf[:0]))
}

// UpsertFunction publishes a function configuration. enqctl publish uses it;
// the script editor owns the table in production.
func (s *Store) UpsertFunction(ctx context.Context, fn domain.FunctionConfig) error {
	fixed, err := json.Marshal(fn.FixedArgs)
	if err != nil {
		return errors.Wrap(err, "storage: encode fixed_args")
	}
	_, err = s.db.Exec(ctx, `insert into funcs(id, code_hash, version, queue, timeout, expires, cache_result, fixed_args, updated_at)
values ($1,$2,$3,$4,$5,$6,$7,$8,now())
on conflict (id) do update set
  code_hash = excluded.code_hash, version = excluded.version, queue = excluded.queue,
  timeout = excluded.timeout, expires = excluded.expires, cache_result = excluded.cache_result,
  fixed_args = excluded.fixed_args, updated_at = now()`,
		fn.ID, fn.PublishedCodeHash, fn.PublishedVersion, fn.QueueOverride, fn.TimeoutOverride,
		fn.ExpiresOverride, fn.CacheResultTTL, fixed)
	return errors.Wrapf(err, "storage: upsert func %s", fn.ID)
}
