/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

// Package gategrpc provides gRPC server interceptors that admit requests
// through a shared concurrency gate before they reach a slow,
// resource-constrained backend. The gate is constructed by the caller and
// injected, so one gate can guard both unary and stream methods.
package gategrpc

import (
	"context"
	"math"
	"strconv"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/acronis/go-appkit/grpcserver/interceptor"
	"github.com/acronis/go-appkit/log"

	"github.com/acronis/go-gatekit/gate"
)

// Params contains data that relates to the admission procedure
// and could be used for rejecting or handling an occurred error.
type Params struct {
	Occupancy int
	Capacity  int
}

// UnaryOnRejectFunc is a function that is called for rejecting a gRPC unary request
// when the gate is at capacity.
type UnaryOnRejectFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params Params) (interface{}, error)

// StreamOnRejectFunc is a function that is called for rejecting a gRPC stream request
// when the gate is at capacity.
type StreamOnRejectFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo, handler grpc.StreamHandler, params Params) error

// UnaryGetRetryAfterFunc is a function that is called to get a value for the retry-after
// response metadata when a unary request is rejected.
type UnaryGetRetryAfterFunc func(ctx context.Context, req interface{},
	info *grpc.UnaryServerInfo) time.Duration

// StreamGetRetryAfterFunc is a function that is called to get a value for the retry-after
// response metadata when a stream request is rejected.
type StreamGetRetryAfterFunc func(srv interface{}, ss grpc.ServerStream,
	info *grpc.StreamServerInfo) time.Duration

// Option represents a configuration option for the gate interceptors.
type Option func(*options)

type options struct {
	acquireTimeout         time.Duration
	dryRun                 bool
	unaryOnReject          UnaryOnRejectFunc
	streamOnReject         StreamOnRejectFunc
	unaryOnRejectInDryRun  UnaryOnRejectFunc
	streamOnRejectInDryRun StreamOnRejectFunc
	unaryGetRetryAfter     UnaryGetRetryAfterFunc
	streamGetRetryAfter    StreamGetRetryAfterFunc
}

// WithAcquireTimeout sets how long a request waits for a free gate slot before rejection.
// gate.DefaultAcquireTimeout is used by default.
func WithAcquireTimeout(timeout time.Duration) Option {
	return func(o *options) {
		o.acquireTimeout = timeout
	}
}

// WithDryRun enables dry run mode where admission is checked but not enforced.
func WithDryRun(dryRun bool) Option {
	return func(o *options) {
		o.dryRun = dryRun
	}
}

// WithUnaryOnReject sets the callback for handling rejected unary requests.
func WithUnaryOnReject(onReject UnaryOnRejectFunc) Option {
	return func(o *options) {
		o.unaryOnReject = onReject
	}
}

// WithStreamOnReject sets the callback for handling rejected stream requests.
func WithStreamOnReject(onReject StreamOnRejectFunc) Option {
	return func(o *options) {
		o.streamOnReject = onReject
	}
}

// WithUnaryOnRejectInDryRun sets the callback for handling rejected unary requests in dry run mode.
func WithUnaryOnRejectInDryRun(onReject UnaryOnRejectFunc) Option {
	return func(o *options) {
		o.unaryOnRejectInDryRun = onReject
	}
}

// WithStreamOnRejectInDryRun sets the callback for handling rejected stream requests in dry run mode.
func WithStreamOnRejectInDryRun(onReject StreamOnRejectFunc) Option {
	return func(o *options) {
		o.streamOnRejectInDryRun = onReject
	}
}

// WithUnaryGetRetryAfter sets the function to calculate the retry-after value for unary requests.
func WithUnaryGetRetryAfter(getRetryAfter UnaryGetRetryAfterFunc) Option {
	return func(o *options) {
		o.unaryGetRetryAfter = getRetryAfter
	}
}

// WithStreamGetRetryAfter sets the function to calculate the retry-after value for stream requests.
func WithStreamGetRetryAfter(getRetryAfter StreamGetRetryAfterFunc) Option {
	return func(o *options) {
		o.streamGetRetryAfter = getRetryAfter
	}
}

func makeOptions(opts []Option) *options {
	o := &options{
		acquireTimeout: gate.DefaultAcquireTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.unaryOnReject == nil {
		o.unaryOnReject = DefaultUnaryOnReject
	}
	if o.streamOnReject == nil {
		o.streamOnReject = DefaultStreamOnReject
	}
	if o.unaryOnRejectInDryRun == nil {
		o.unaryOnRejectInDryRun = DefaultUnaryOnRejectInDryRun
	}
	if o.streamOnRejectInDryRun == nil {
		o.streamOnRejectInDryRun = DefaultStreamOnRejectInDryRun
	}
	return o
}

// UnaryInterceptor returns a gRPC unary server interceptor
// that admits requests through the passed gate.
func UnaryInterceptor(g *gate.Gate, opts ...Option) grpc.UnaryServerInterceptor {
	o := makeOptions(opts)
	return func(
		ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler,
	) (interface{}, error) {
		if o.dryRun {
			if g.TryAcquire() {
				defer g.Release()
				return handler(ctx, req)
			}
			return o.unaryOnRejectInDryRun(ctx, req, info, handler, makeParams(g))
		}
		if !g.Acquire(ctx, o.acquireTimeout) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, status.FromContextError(ctxErr).Err()
			}
			if o.unaryGetRetryAfter != nil {
				setRetryAfterHeader(ctx, o.unaryGetRetryAfter(ctx, req, info), grpc.SetHeader)
			}
			return o.unaryOnReject(ctx, req, info, handler, makeParams(g))
		}
		defer g.Release()
		return handler(ctx, req)
	}
}

// StreamInterceptor returns a gRPC stream server interceptor
// that admits requests through the passed gate.
func StreamInterceptor(g *gate.Gate, opts ...Option) grpc.StreamServerInterceptor {
	o := makeOptions(opts)
	return func(
		srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler,
	) error {
		ctx := ss.Context()
		if o.dryRun {
			if g.TryAcquire() {
				defer g.Release()
				return handler(srv, ss)
			}
			return o.streamOnRejectInDryRun(srv, ss, info, handler, makeParams(g))
		}
		if !g.Acquire(ctx, o.acquireTimeout) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return status.FromContextError(ctxErr).Err()
			}
			if o.streamGetRetryAfter != nil {
				setRetryAfterHeader(ctx, o.streamGetRetryAfter(srv, ss, info), func(_ context.Context, md metadata.MD) error {
					return ss.SetHeader(md)
				})
			}
			return o.streamOnReject(srv, ss, info, handler, makeParams(g))
		}
		defer g.Release()
		return handler(srv, ss)
	}
}

func makeParams(g *gate.Gate) Params {
	return Params{Occupancy: g.CurrentOccupancy(), Capacity: g.Capacity()}
}

func setRetryAfterHeader(ctx context.Context, retryAfter time.Duration, setHeader func(context.Context, metadata.MD) error) {
	retryAfterSeconds := int(math.Ceil(retryAfter.Seconds()))
	md := metadata.Pairs("retry-after", strconv.Itoa(retryAfterSeconds))
	if err := setHeader(ctx, md); err != nil {
		if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
			logger.Warn("failed to set retry-after header", log.Error(err))
		}
	}
}

// DefaultUnaryOnReject rejects a unary request with the ResourceExhausted status
// when the gate is at capacity.
func DefaultUnaryOnReject(
	ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params Params,
) (interface{}, error) {
	logRejection(ctx, params)
	return nil, status.Error(codes.ResourceExhausted, "Too many concurrent requests")
}

// DefaultStreamOnReject rejects a stream request with the ResourceExhausted status
// when the gate is at capacity.
func DefaultStreamOnReject(
	srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler, params Params,
) error {
	logRejection(ss.Context(), params)
	return status.Error(codes.ResourceExhausted, "Too many concurrent requests")
}

// DefaultUnaryOnRejectInDryRun continues processing a unary request
// when the gate is at capacity in dry run mode.
func DefaultUnaryOnRejectInDryRun(
	ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler, params Params,
) (interface{}, error) {
	logDryRunRejection(ctx, params)
	return handler(ctx, req)
}

// DefaultStreamOnRejectInDryRun continues processing a stream request
// when the gate is at capacity in dry run mode.
func DefaultStreamOnRejectInDryRun(
	srv interface{}, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler, params Params,
) error {
	logDryRunRejection(ss.Context(), params)
	return handler(srv, ss)
}

func logRejection(ctx context.Context, params Params) {
	if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
		logger.Warn("too many concurrent requests",
			log.Int(gate.LogFieldOccupancy, params.Occupancy),
			log.Int(gate.LogFieldCapacity, params.Capacity),
		)
	}
}

func logDryRunRejection(ctx context.Context, params Params) {
	if logger := interceptor.GetLoggerFromContext(ctx); logger != nil {
		logger.Warn("too many concurrent requests, serving will be continued because of dry run mode",
			log.Int(gate.LogFieldOccupancy, params.Occupancy),
			log.Int(gate.LogFieldCapacity, params.Capacity),
		)
	}
}
