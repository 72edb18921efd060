/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package gatehttp provides HTTP middleware that admits requests through a
// shared concurrency gate before they reach a slow, resource-constrained
// backend. The gate itself is constructed by the caller and injected, so one
// gate can guard several routes and be observed independently in tests.
package gatehttp

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/httpserver/middleware"
	"github.com/acronis/go-appkit/log"
	"github.com/acronis/go-appkit/restapi"

	"github.com/acronis/go-gatekit/gate"
)

// RejectErrCode is the error code that is used in a response body
// if the request is rejected because the gate is at capacity.
const RejectErrCode = "tooManyConcurrentRequests"

const userAgentLogFieldKey = "user_agent"

// Params contains data that relates to the admission procedure
// and could be used for rejecting or handling an occurred error.
type Params struct {
	ResponseStatusCode int
	GetRetryAfter      GetRetryAfterFunc
	ErrDomain          string
	Occupancy          int
	Capacity           int
}

// GetRetryAfterFunc is a function that is called to get a value for Retry-After response HTTP header
// when the request is rejected.
type GetRetryAfterFunc func(r *http.Request) time.Duration

// OnRejectFunc is a function that is called for rejecting HTTP request when the gate is at capacity.
type OnRejectFunc func(rw http.ResponseWriter, r *http.Request,
	params Params, next http.Handler, logger log.FieldLogger)

// OnErrorFunc is a function that is called when the wait for admission is interrupted
// by the request context.
type OnErrorFunc func(rw http.ResponseWriter, r *http.Request,
	params Params, err error, next http.Handler, logger log.FieldLogger)

// Opts represents options for the middleware that admits HTTP requests through a concurrency gate.
type Opts struct {
	// AcquireTimeout determines how long the request waits for a free gate slot
	// before it is rejected. gate.DefaultAcquireTimeout is used if it is 0.
	AcquireTimeout time.Duration

	ResponseStatusCode int
	GetRetryAfter      GetRetryAfterFunc
	DryRun             bool

	OnReject         OnRejectFunc
	OnRejectInDryRun OnRejectFunc
	OnError          OnErrorFunc
}

type gateHandler struct {
	gate           *gate.Gate
	next           http.Handler
	errDomain      string
	acquireTimeout time.Duration
	respStatusCode int
	getRetryAfter  GetRetryAfterFunc
	dryRun         bool

	onReject         OnRejectFunc
	onRejectInDryRun OnRejectFunc
	onError          OnErrorFunc
}

// Middleware returns a middleware that admits HTTP requests through the passed gate.
// Requests that cannot be admitted within gate.DefaultAcquireTimeout are rejected with 503.
func Middleware(g *gate.Gate, errDomain string) func(next http.Handler) http.Handler {
	return MiddlewareWithOpts(g, errDomain, Opts{})
}

// MiddlewareWithOpts is a configurable version of a middleware that admits HTTP requests
// through the passed gate.
func MiddlewareWithOpts(g *gate.Gate, errDomain string, opts Opts) func(next http.Handler) http.Handler {
	acquireTimeout := opts.AcquireTimeout
	if acquireTimeout == 0 {
		acquireTimeout = gate.DefaultAcquireTimeout
	}
	respStatusCode := opts.ResponseStatusCode
	if respStatusCode == 0 {
		respStatusCode = http.StatusServiceUnavailable
	}
	return func(next http.Handler) http.Handler {
		return &gateHandler{
			gate:             g,
			next:             next,
			errDomain:        errDomain,
			acquireTimeout:   acquireTimeout,
			respStatusCode:   respStatusCode,
			getRetryAfter:    opts.GetRetryAfter,
			dryRun:           opts.DryRun,
			onReject:         makeOnRejectFunc(opts),
			onRejectInDryRun: makeOnRejectInDryRunFunc(opts),
			onError:          makeOnErrorFunc(opts),
		}
	}
}

func (h *gateHandler) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	logger := middleware.GetLoggerFromContext(r.Context())

	if h.dryRun {
		// Admission is checked but never awaited nor enforced in dry run mode.
		if h.gate.TryAcquire() {
			defer h.gate.Release()
			h.next.ServeHTTP(rw, r)
			return
		}
		h.onRejectInDryRun(rw, r, h.makeParams(), h.next, logger)
		return
	}

	if !h.gate.Acquire(r.Context(), h.acquireTimeout) {
		if ctxErr := r.Context().Err(); ctxErr != nil {
			h.onError(rw, r, h.makeParams(), ctxErr, h.next, logger)
			return
		}
		h.onReject(rw, r, h.makeParams(), h.next, logger)
		return
	}
	defer h.gate.Release()
	h.next.ServeHTTP(rw, r)
}

func (h *gateHandler) makeParams() Params {
	return Params{
		ResponseStatusCode: h.respStatusCode,
		GetRetryAfter:      h.getRetryAfter,
		ErrDomain:          h.errDomain,
		Occupancy:          h.gate.CurrentOccupancy(),
		Capacity:           h.gate.Capacity(),
	}
}

// DefaultOnReject sends an HTTP response in a typical go-appkit way when the gate is at capacity.
func DefaultOnReject(
	rw http.ResponseWriter, r *http.Request, params Params, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger = logger.With(
			log.Int(gate.LogFieldOccupancy, params.Occupancy),
			log.Int(gate.LogFieldCapacity, params.Capacity),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	if params.GetRetryAfter != nil {
		rw.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(params.GetRetryAfter(r).Seconds()))))
	}
	apiErr := restapi.NewError(params.ErrDomain, RejectErrCode, "Too many concurrent requests.")
	restapi.RespondError(rw, params.ResponseStatusCode, apiErr, logger)
}

// DefaultOnRejectInDryRun continues serving the request when the gate is at capacity
// in the dry-run mode, logging the would-be rejection.
func DefaultOnRejectInDryRun(
	rw http.ResponseWriter, r *http.Request, params Params, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Warn("too many concurrent requests, serving will be continued because of dry run mode",
			log.Int(gate.LogFieldOccupancy, params.Occupancy),
			log.Int(gate.LogFieldCapacity, params.Capacity),
			log.String(userAgentLogFieldKey, r.UserAgent()),
		)
	}
	next.ServeHTTP(rw, r)
}

// DefaultOnError sends an HTTP response in a typical go-appkit way in case
// when the wait for admission is interrupted by the request context.
func DefaultOnError(
	rw http.ResponseWriter, r *http.Request, params Params, err error, next http.Handler, logger log.FieldLogger,
) {
	if logger != nil {
		logger.Error(err.Error(), log.Int(gate.LogFieldOccupancy, params.Occupancy))
	}
	restapi.RespondInternalError(rw, params.ErrDomain, logger)
}

func makeOnRejectFunc(opts Opts) OnRejectFunc {
	if opts.OnReject != nil {
		return opts.OnReject
	}
	return DefaultOnReject
}

func makeOnRejectInDryRunFunc(opts Opts) OnRejectFunc {
	if opts.OnRejectInDryRun != nil {
		return opts.OnRejectInDryRun
	}
	return DefaultOnRejectInDryRun
}

func makeOnErrorFunc(opts Opts) OnErrorFunc {
	if opts.OnError != nil {
		return opts.OnError
	}
	return DefaultOnError
}
