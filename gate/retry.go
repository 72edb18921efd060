/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package gate

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy defines backoff strategy for retrying admission timeouts.
type Policy interface {
	NewBackOff() backoff.BackOff
}

// The PolicyFunc type is an adapter to allow the use of ordinary functions as Policy.
type PolicyFunc func() backoff.BackOff

// NewBackOff implements Policy.
func (f PolicyFunc) NewBackOff() backoff.BackOff {
	return f()
}

// ExponentialBackoffPolicy means repeat up to max times with exponentially growing delays.
type ExponentialBackoffPolicy struct {
	initialInterval time.Duration
	maxAttempts     int
}

// NewExponentialBackoffPolicy returns an exponential backoff policy
// with given initial interval and max retry attempt count.
func NewExponentialBackoffPolicy(initialInterval time.Duration, maxRetryAttempts int) ExponentialBackoffPolicy {
	return ExponentialBackoffPolicy{initialInterval, maxRetryAttempts}
}

// NewBackOff implements Policy.
func (p ExponentialBackoffPolicy) NewBackOff() backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initialInterval
	var bf backoff.BackOff = eb
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(eb, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}

// ConstantBackoffPolicy means repeat up to max times with constant interval delays.
type ConstantBackoffPolicy struct {
	interval    time.Duration
	maxAttempts int
}

// NewConstantBackoffPolicy returns a constant backoff policy
// with given interval and max retry attempt count.
func NewConstantBackoffPolicy(interval time.Duration, maxRetryAttempts int) ConstantBackoffPolicy {
	return ConstantBackoffPolicy{interval, maxRetryAttempts}
}

// NewBackOff implements Policy.
func (p ConstantBackoffPolicy) NewBackOff() backoff.BackOff {
	cb := backoff.NewConstantBackOff(p.interval)
	var bf backoff.BackOff = cb
	if p.maxAttempts > 0 {
		bf = backoff.WithMaxRetries(cb, uint64(p.maxAttempts))
	}
	bf.Reset()
	return bf
}

// DoWithRetry runs op under the gate like Do, additionally retrying admission
// timeouts according to policy p and with respect to context ctx.
// Errors of op itself are permanent and never lead to a retry attempt.
// Notify can be used to receive a notification on every retry with the error
// and backoff delay (can be nil if no notifications are required).
func (g *Gate) DoWithRetry(
	ctx context.Context, timeout time.Duration, p Policy, notify backoff.Notify, op func(ctx context.Context) error,
) error {
	b := backoff.WithContext(p.NewBackOff(), ctx)
	var operation backoff.Operation = func() error {
		err := g.Do(b.Context(), timeout, op)
		if err != nil && !errors.Is(err, ErrAcquireTimeout) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.RetryNotify(operation, b, notify)
}
