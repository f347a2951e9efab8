package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/broker"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/policy"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/storage"
	"github.com/SirClappington/enq/internal/throttle"
)

type call struct {
	funcID string
	args   map[string]any
	origin domain.Origin
	opts   broker.CallOptions
}

type fakeDispatcher struct {
	last call
	resp domain.TaskResponse
	err  error
}

func (f *fakeDispatcher) Dispatch(_ context.Context, funcID string, args map[string]any, origin domain.Origin, opts broker.CallOptions) (string, error) {
	f.last = call{funcID, args, origin, opts}
	return "task-1", f.err
}

func (f *fakeDispatcher) DispatchAndWait(_ context.Context, funcID string, args map[string]any, origin domain.Origin, opts broker.CallOptions) (domain.TaskResponse, error) {
	f.last = call{funcID, args, origin, opts}
	return f.resp, f.err
}

type fakeStats struct{}

func (fakeStats) Stats(context.Context) ([]queue.Stats, error) {
	return []queue.Stats{{Queue: 1, Pending: 3, ProcessCount: 2}}, nil
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCallSync(t *testing.T) {
	d := &fakeDispatcher{resp: domain.TaskResponse{ID: "task-1", Status: domain.Success, Result: json.RawMessage(`3`)}}
	h := NewServer(d, fakeStats{}, nil, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodPost, "/v1/func/demo.f", `{"kwargs":{"x":1},"options":{"timeout":5,"queue":2}}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, domain.Success, resp.Status)

	assert.Equal(t, "demo.f", d.last.funcID)
	assert.Equal(t, domain.OriginSyncAPI, d.last.origin)
	assert.Equal(t, map[string]any{"x": float64(1)}, d.last.args)
	require.NotNil(t, d.last.opts.Timeout)
	assert.Equal(t, 5, *d.last.opts.Timeout)
	assert.Equal(t, 2, *d.last.opts.Queue)
	assert.Nil(t, d.last.opts.Throttle)
}

func TestCallSyncFunctionFailure(t *testing.T) {
	d := &fakeDispatcher{resp: domain.TaskResponse{Status: domain.Failure, Exception: "boom"}}
	h := NewServer(d, fakeStats{}, nil, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodPost, "/v1/func/demo.f", "")
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Contains(t, rec.Body.String(), "boom")
}

func TestCallAsync(t *testing.T) {
	d := &fakeDispatcher{}
	limits := throttle.Limits{throttle.ByMinute: 10}
	h := NewServer(d, fakeStats{}, limits, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodPost, "/v1/func/demo.f/async", `{"kwargs":{"a":"b"}}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"taskId":"task-1"}`, rec.Body.String())
	assert.Equal(t, domain.OriginAsyncAPI, d.last.origin)
	require.NotNil(t, d.last.opts.Throttle)
	assert.Equal(t, "func:demo.f", d.last.opts.Throttle.Scope)
	assert.Equal(t, limits, d.last.opts.Throttle.Limits)
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"bound", &policy.BoundError{Field: "queue", Value: 10, Min: 1, Max: 9}, http.StatusBadRequest, "invalid_input"},
		{"not found", pkgerrors.Wrap(storage.ErrFunctionNotFound, "demo.x"), http.StatusNotFound, "not_found"},
		{"rate limited", &throttle.RateLimitError{Scope: "s", Rule: throttle.ByMinute, Limit: 1, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests, "rate_limited"},
		{"no response", broker.ErrNoResponse, http.StatusGatewayTimeout, "no_response"},
		{"store down", errors.New("dial tcp: refused"), http.StatusInternalServerError, "internal"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{err: tt.err}
			h := NewServer(d, fakeStats{}, nil, zap.NewNop()).Routes()

			rec := do(t, h, http.MethodPost, "/v1/func/demo.f", `{}`)
			assert.Equal(t, tt.status, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body["error"])
			if tt.status == http.StatusTooManyRequests {
				assert.Equal(t, "2", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestBadBody(t *testing.T) {
	h := NewServer(&fakeDispatcher{}, fakeStats{}, nil, zap.NewNop()).Routes()
	rec := do(t, h, http.MethodPost, "/v1/func/demo.f", `{"kwargs":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStatsAndHealth(t *testing.T) {
	h := NewServer(&fakeDispatcher{}, fakeStats{}, nil, zap.NewNop()).Routes()

	rec := do(t, h, http.MethodGet, "/v1/queues", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[{"queue":1,"pending":3,"delayed":0,"processCount":2}]`, rec.Body.String())

	rec = do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
