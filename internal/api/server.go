// Package api exposes function dispatch over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/broker"
	"github.com/SirClappington/enq/internal/domain"
	"github.com/SirClappington/enq/internal/policy"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/storage"
	"github.com/SirClappington/enq/internal/throttle"
)

type Dispatcher interface {
	Dispatch(ctx context.Context, funcID string, args map[string]any, origin domain.Origin, opts broker.CallOptions) (string, error)
	DispatchAndWait(ctx context.Context, funcID string, args map[string]any, origin domain.Origin, opts broker.CallOptions) (domain.TaskResponse, error)
}

type QueueStats interface {
	Stats(ctx context.Context) ([]queue.Stats, error)
}

type Server struct {
	dispatch Dispatcher
	stats    QueueStats
	limits   throttle.Limits
	log      *zap.Logger
}

func NewServer(dispatch Dispatcher, stats QueueStats, limits throttle.Limits, log *zap.Logger) *Server {
	return &Server{dispatch: dispatch, stats: stats, limits: limits, log: log.Named("api")}
}

func (s *Server) Routes() http.Handler {
	rtr := chi.NewRouter()
	rtr.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	rtr.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	rtr.Get("/v1/queues", s.handleStats)
	rtr.Post("/v1/func/{funcID}", s.handleCall)
	rtr.Post("/v1/func/{funcID}/async", s.handleCallAsync)
	return rtr
}

type callRequest struct {
	Kwargs  map[string]any     `json:"kwargs"`
	Options policy.CallOptions `json:"options"`
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request) (string, broker.CallOptions, map[string]any, bool) {
	var req callRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
			return "", broker.CallOptions{}, nil, false
		}
	}
	funcID := chi.URLParam(r, "funcID")
	opts := broker.CallOptions{CallOptions: req.Options}
	if len(s.limits) > 0 {
		opts.Throttle = &broker.Throttle{Scope: "func:" + funcID, Limits: s.limits}
	}
	return funcID, opts, req.Kwargs, true
}

func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	funcID, opts, kwargs, ok := s.decode(w, r)
	if !ok {
		return
	}
	resp, err := s.dispatch.DispatchAndWait(r.Context(), funcID, kwargs, domain.OriginSyncAPI, opts)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	status := http.StatusOK
	if resp.Status != domain.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleCallAsync(w http.ResponseWriter, r *http.Request) {
	funcID, opts, kwargs, ok := s.decode(w, r)
	if !ok {
		return
	}
	id, err := s.dispatch.Dispatch(r.Context(), funcID, kwargs, domain.OriginAsyncAPI, opts)
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"taskId": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.stats.Stats(r.Context())
	if err != nil {
		s.writeDispatchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeDispatchError(w http.ResponseWriter, err error) {
	var rl *throttle.RateLimitError
	switch {
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
		writeError(w, http.StatusTooManyRequests, "rate_limited", err.Error())
	case errors.Is(err, policy.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, storage.ErrFunctionNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, broker.ErrNoResponse):
		writeError(w, http.StatusGatewayTimeout, "no_response", "the worker fleet did not respond in time")
	default:
		s.log.Error("dispatch failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
