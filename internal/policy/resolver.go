// Package policy turns a caller's intent into a fully resolved TaskEnvelope.
//
// Every overridable field is resolved strictly in the order explicit call
// option, stored function configuration, origin default. Resolved values are
// validated against their bounds and rejected, never clamped.
package policy

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/domain"
)

// FunctionStore is the single read the resolver performs.
type FunctionStore interface {
	GetFunctionConfig(ctx context.Context, funcID string) (*domain.FunctionConfig, error)
}

// OriginPolicy holds the defaults and bounds of one call origin.
type OriginPolicy struct {
	Queue int

	Timeout    int
	TimeoutMin int
	TimeoutMax int

	Expires    int
	ExpiresMin int
	ExpiresMax int

	ReturnType domain.ReturnType
	Unbox      bool
}

// CallOptions are per-call overrides. Nil pointers mean "not supplied".
type CallOptions struct {
	TaskName string `json:"taskName,omitempty"`
	OriginID string `json:"originId,omitempty"`

	Queue   *int       `json:"queue,omitempty"`
	Timeout *int       `json:"timeout,omitempty"`
	Expires *int       `json:"expires,omitempty"`
	ETA     *time.Time `json:"eta,omitempty"`
	Delay   *int       `json:"delay,omitempty"`

	ReturnType domain.ReturnType `json:"returnType,omitempty"`
	Unbox      *bool             `json:"unbox,omitempty"`

	IgnoreResult bool `json:"ignoreResult,omitempty"`
}

type Request struct {
	FuncID  string
	Args    map[string]any
	Origin  domain.Origin
	Options CallOptions
}

type Resolver struct {
	store    FunctionStore
	policies map[domain.Origin]OriginPolicy
	now      func() time.Time
	newID    func() string
}

func NewResolver(store FunctionStore, policies map[domain.Origin]OriginPolicy) *Resolver {
	return &Resolver{
		store:    store,
		policies: policies,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// Policies builds the per-origin defaults from configuration. Synchronous
// API origins get the shorter API timeout bounds.
func Policies(c config.TaskConfig) map[domain.Origin]OriginPolicy {
	base := func(queue int) OriginPolicy {
		return OriginPolicy{
			Queue:      queue,
			Timeout:    c.TimeoutDefault,
			TimeoutMin: c.TimeoutMin,
			TimeoutMax: c.TimeoutMax,
			Expires:    c.ExpiresDefault,
			ExpiresMin: c.ExpiresMin,
			ExpiresMax: c.ExpiresMax,
			ReturnType: domain.ReturnRaw,
		}
	}
	api := func(queue int) OriginPolicy {
		p := base(queue)
		p.Timeout = c.APITimeoutDefault
		p.TimeoutMax = c.APITimeoutMax
		p.Unbox = true
		return p
	}
	return map[domain.Origin]OriginPolicy{
		domain.OriginDirect:      base(c.QueueDirect),
		domain.OriginSyncAPI:     api(c.QueueSyncAPI),
		domain.OriginAsyncAPI:    base(c.QueueAsyncAPI),
		domain.OriginCronJob:     base(c.QueueCronJob),
		domain.OriginAPIAuth:     api(c.QueueAPIAuth),
		domain.OriginConnector:   base(c.QueueConnector),
		domain.OriginIntegration: base(c.QueueIntegration),
	}
}

// Policy returns the defaults of origin.
func (r *Resolver) Policy(origin domain.Origin) (OriginPolicy, bool) {
	p, ok := r.policies[origin]
	return p, ok
}

func (r *Resolver) Resolve(ctx context.Context, req Request) (*domain.TaskEnvelope, error) {
	pol, err := r.precheck(req)
	if err != nil {
		return nil, err
	}

	fn, err := r.store.GetFunctionConfig(ctx, req.FuncID)
	if err != nil {
		return nil, err
	}

	opts := req.Options
	queue, err := resolveBound("queue", opts.Queue, fn.QueueOverride, pol.Queue, domain.MinQueue, domain.MaxQueue)
	if err != nil {
		return nil, err
	}
	timeout, err := resolveBound("timeout", opts.Timeout, fn.TimeoutOverride, pol.Timeout, pol.TimeoutMin, pol.TimeoutMax)
	if err != nil {
		return nil, err
	}
	expires, err := resolveBound("expires", opts.Expires, fn.ExpiresOverride, pol.Expires, pol.ExpiresMin, pol.ExpiresMax)
	if err != nil {
		return nil, err
	}

	kwargs, err := MergeArgs(fn.FixedArgs, req.Args)
	if err != nil {
		return nil, err
	}

	env := &domain.TaskEnvelope{
		ID:           r.newID(),
		Name:         opts.TaskName,
		FuncID:       fn.ID,
		Kwargs:       kwargs,
		Origin:       req.Origin,
		OriginID:     opts.OriginID,
		Queue:        queue,
		Timeout:      timeout,
		Expires:      expires,
		ReturnType:   pol.ReturnType,
		Unbox:        pol.Unbox,
		IgnoreResult: opts.IgnoreResult,
		TriggerTime:  r.now().UnixMilli(),
	}
	if env.Name == "" {
		env.Name = domain.TaskFuncRunner
	}
	if env.FuncID == "" {
		env.FuncID = req.FuncID
	}
	if opts.ETA != nil {
		eta := opts.ETA.UTC()
		env.ETA = &eta
	}
	if opts.Delay != nil {
		env.Delay = *opts.Delay
	}
	if opts.ReturnType != "" {
		env.ReturnType = opts.ReturnType
	}
	if opts.Unbox != nil {
		env.Unbox = *opts.Unbox
	}

	if fn.CachingEnabled() {
		key, err := Fingerprint(env.FuncID, fn.PublishedCodeHash, fn.PublishedVersion, kwargs)
		if err != nil {
			return nil, &OptionError{Option: "kwargs", Reason: err.Error()}
		}
		env.CacheResult = fn.CacheResultTTL
		env.CacheResultKey = key
	}
	return env, nil
}

// precheck validates everything that does not need the function config.
func (r *Resolver) precheck(req Request) (OriginPolicy, error) {
	if req.FuncID == "" {
		return OriginPolicy{}, &OptionError{Option: "funcId", Reason: "required"}
	}
	pol, ok := r.policies[req.Origin]
	if !ok {
		return OriginPolicy{}, &OptionError{Option: "origin", Reason: "unknown origin " + string(req.Origin)}
	}

	opts := req.Options
	if opts.ETA != nil && opts.Delay != nil {
		return OriginPolicy{}, &OptionError{Option: "eta", Reason: "eta and delay are mutually exclusive"}
	}
	if opts.Delay != nil && *opts.Delay < 0 {
		return OriginPolicy{}, &OptionError{Option: "delay", Reason: "must not be negative"}
	}
	if opts.ReturnType != "" && !opts.ReturnType.Valid() {
		return OriginPolicy{}, &OptionError{Option: "returnType", Reason: "unknown return type " + string(opts.ReturnType)}
	}
	if err := checkBound("queue", opts.Queue, domain.MinQueue, domain.MaxQueue); err != nil {
		return OriginPolicy{}, err
	}
	if err := checkBound("timeout", opts.Timeout, pol.TimeoutMin, pol.TimeoutMax); err != nil {
		return OriginPolicy{}, err
	}
	if err := checkBound("expires", opts.Expires, pol.ExpiresMin, pol.ExpiresMax); err != nil {
		return OriginPolicy{}, err
	}
	return pol, nil
}

func resolveBound(field string, explicit, stored *int, def, min, max int) (int, error) {
	v := def
	switch {
	case explicit != nil:
		v = *explicit
	case stored != nil:
		v = *stored
	}
	if err := checkBound(field, &v, min, max); err != nil {
		return 0, err
	}
	return v, nil
}

func checkBound(field string, v *int, min, max int) error {
	if v == nil {
		return nil
	}
	if *v < min || *v > max {
		return &BoundError{Field: field, Value: *v, Min: min, Max: max}
	}
	return nil
}
