/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/acronis/go-appkit/log"
	"go.uber.org/atomic"
)

// NoTimeout makes Acquire wait for a free slot until the passed context is done.
const NoTimeout time.Duration = -1

// DefaultAcquireTimeout determines how long a request waits for a free slot
// when the acquire timeout is not configured explicitly.
const DefaultAcquireTimeout = time.Second * 5

// Names of the fields that are logged with every admission observation.
const (
	LogFieldOccupancy = "gate_occupancy"
	LogFieldCapacity  = "gate_capacity"
)

// ErrAcquireTimeout is returned by Do and DoWithRetry when a free slot
// could not be acquired within the allotted wait.
// It is a retryable condition, the caller may repeat the operation later.
var ErrAcquireTimeout = errors.New("timed out waiting for a free gate slot")

// Gate admits at most a fixed number of concurrent holders and lets additional
// callers wait (boundedly) for a slot to free. The zero value is not usable,
// construct instances with New or NewWithOpts.
type Gate struct {
	capacity int
	slots    chan struct{}

	// occupancy counts callers that are waiting for or holding a slot.
	// It is guarded by its own lock which is never held across the blocking
	// wait on the slots channel, so occupancy reads don't serialize waiters.
	occupancy *occupancyCounter

	logger  log.FieldLogger
	metrics *MetricsCollector

	acquiredTotal atomic.Uint64
	rejectedTotal atomic.Uint64
}

// Opts represents options for the Gate.
type Opts struct {
	// Logger, if set, receives a debug observation of (occupancy, capacity)
	// on every admission attempt and every release.
	Logger log.FieldLogger

	// Metrics, if set, collects occupancy and admission metrics in Prometheus.
	Metrics *MetricsCollector
}

// New creates a new Gate with the given capacity.
func New(capacity int) (*Gate, error) {
	return NewWithOpts(capacity, Opts{})
}

// MustNew is a version of New that panics on error.
func MustNew(capacity int) *Gate {
	g, err := New(capacity)
	if err != nil {
		panic(err)
	}
	return g
}

// NewWithOpts creates a new Gate with the given capacity and options.
func NewWithOpts(capacity int, opts Opts) (*Gate, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("capacity should be positive, got %d", capacity)
	}
	return &Gate{
		capacity:  capacity,
		slots:     make(chan struct{}, capacity),
		occupancy: &occupancyCounter{},
		logger:    opts.Logger,
		metrics:   opts.Metrics,
	}, nil
}

// MustNewWithOpts is a version of NewWithOpts that panics on error.
func MustNewWithOpts(capacity int, opts Opts) *Gate {
	g, err := NewWithOpts(capacity, opts)
	if err != nil {
		panic(err)
	}
	return g
}

// Capacity returns the maximum number of concurrent admissions.
func (g *Gate) Capacity() int {
	return g.capacity
}

// CurrentOccupancy returns the number of callers that are currently waiting
// for or holding an admission slot.
func (g *Gate) CurrentOccupancy() int {
	return g.occupancy.current()
}

// Acquire obtains one admission slot, waiting up to timeout for one to free.
// It returns true if the slot was obtained and false if the timeout elapsed
// or ctx was done first.
//
// Timeout semantics: 0 means a non-blocking attempt, NoTimeout (or any
// negative value) means waiting until ctx is done, any positive value bounds
// the wait by wall clock. The timeout covers only the wait for admission,
// no time limit is imposed on how long the slot may be held afterward.
//
// Occupancy is incremented for the whole duration of the call, including the
// wait, and stays incremented after a successful return. Release must be
// called exactly once for every Acquire that returned true; a failed Acquire
// restores occupancy itself and no Release is owed for it.
func (g *Gate) Acquire(ctx context.Context, timeout time.Duration) bool {
	g.enter()

	select {
	case g.slots <- struct{}{}:
		g.onAcquired(0)
		return true
	default:
	}

	if timeout == 0 {
		g.onNotAcquired(resultRejected)
		return false
	}

	startWait := time.Now()
	if timeout < 0 {
		select {
		case g.slots <- struct{}{}:
			g.onAcquired(time.Since(startWait))
			return true
		case <-ctx.Done():
			g.onNotAcquired(resultCanceled)
			return false
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case g.slots <- struct{}{}:
		g.onAcquired(time.Since(startWait))
		return true
	case <-timer.C:
		g.onNotAcquired(resultRejected)
		return false
	case <-ctx.Done():
		g.onNotAcquired(resultCanceled)
		return false
	}
}

// TryAcquire obtains one admission slot without waiting.
// It is equivalent to Acquire with a zero timeout.
func (g *Gate) TryAcquire() bool {
	return g.Acquire(context.Background(), 0)
}

// Release returns one admission slot to the gate and decrements occupancy.
// It must be called exactly once per successful acquisition.
// Release panics if the gate holds no acquired slots: such a call would
// silently corrupt the slot accounting otherwise.
func (g *Gate) Release() {
	select {
	case <-g.slots:
	default:
		panic("gate: Release without a matching successful Acquire")
	}
	g.leave()
}

// Do runs op under the gate: it acquires an admission slot waiting up to
// timeout, runs op and releases the slot on every exit path before returning.
//
// If the slot could not be acquired in time, Do fails with ErrAcquireTimeout;
// if the wait was interrupted by ctx, the context error is returned wrapped.
// Any error returned by op itself propagates unchanged.
func (g *Gate) Do(ctx context.Context, timeout time.Duration, op func(ctx context.Context) error) error {
	if !g.Acquire(ctx, timeout) {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("acquire gate slot: %w", ctxErr)
		}
		return ErrAcquireTimeout
	}
	defer g.Release()
	return op(ctx)
}

// Stats represents cumulative admission counters of the Gate.
type Stats struct {
	AcquiredTotal uint64
	RejectedTotal uint64
}

// Stats returns cumulative admission counters:
// how many acquisitions succeeded and how many were rejected or interrupted.
func (g *Gate) Stats() Stats {
	return Stats{
		AcquiredTotal: g.acquiredTotal.Load(),
		RejectedTotal: g.rejectedTotal.Load(),
	}
}

func (g *Gate) enter() {
	occ := g.occupancy.inc()
	if g.logger != nil {
		g.logger.Debug("gate admission requested",
			log.Int(LogFieldOccupancy, occ), log.Int(LogFieldCapacity, g.capacity))
	}
	if g.metrics != nil {
		g.metrics.OccupancyGauge.Inc()
	}
}

func (g *Gate) leave() {
	occ := g.occupancy.dec()
	if g.logger != nil {
		g.logger.Debug("gate slot released",
			log.Int(LogFieldOccupancy, occ), log.Int(LogFieldCapacity, g.capacity))
	}
	if g.metrics != nil {
		g.metrics.OccupancyGauge.Dec()
	}
}

func (g *Gate) onAcquired(waited time.Duration) {
	g.acquiredTotal.Inc()
	if g.metrics != nil {
		g.metrics.AcquiresTotal.With(acquireResultLabels(resultAcquired)).Inc()
		g.metrics.AcquireWaitDuration.Observe(waited.Seconds())
	}
}

func (g *Gate) onNotAcquired(result string) {
	g.rejectedTotal.Inc()
	if g.metrics != nil {
		g.metrics.AcquiresTotal.With(acquireResultLabels(result)).Inc()
	}
	g.leave()
}
