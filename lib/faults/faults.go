/*
 * Authgate
 * Copyright (C) 2025  Gravitational, Inc.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package faults is the fault-tolerance combinator applied to every
// outbound dependency call: per-attempt timeout, bounded retries with a
// fixed delay, a circuit breaker shared across requests, and a fallback
// consulted only after everything else failed. The nesting is
// fallback(retry(breaker(timeout(fn)))), so breaker-open failures are
// what the retry loop sees and the fallback absorbs.
package faults

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/gravitational/trace"
	"github.com/sony/gobreaker"

	"github.com/gravitational/authgate/lib/defaults"
)

// Spec parameterizes one protected call site.
type Spec struct {
	// Timeout bounds each individual attempt. Zero disables it.
	Timeout time.Duration
	// Retries is the number of attempts after the first.
	Retries uint
	// RetryDelay is the fixed delay between attempts.
	RetryDelay time.Duration
	// Breaker is shared by all calls through the same site. Nil runs
	// without a breaker.
	Breaker *gobreaker.CircuitBreaker
}

// NewBreaker returns a circuit breaker with the standard thresholds:
// trips once a window of at least BreakerVolume requests fails at
// BreakerRatio or worse, stays open for BreakerOpenDelay.
func NewBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:     name,
		Interval: defaults.BreakerInterval,
		Timeout:  defaults.BreakerOpenDelay,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < defaults.BreakerVolume {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= defaults.BreakerRatio
		},
	})
}

// IsOpen reports whether err comes from an open or exhausted breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// Do runs fn under the spec. fallback, when non-nil, is consulted with
// the final error once retries are exhausted; its result is returned
// as-is so callers can degrade instead of failing.
func Do[T any](ctx context.Context, spec Spec, fn func(context.Context) (T, error), fallback func(error) (T, error)) (T, error) {
	var result T
	attempt := func() error {
		run := func() (any, error) {
			attemptCtx := ctx
			if spec.Timeout > 0 {
				var cancel context.CancelFunc
				attemptCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
				defer cancel()
			}
			return fn(attemptCtx)
		}

		var out any
		var err error
		if spec.Breaker != nil {
			out, err = spec.Breaker.Execute(run)
		} else {
			out, err = run()
		}
		if err != nil {
			return trace.Wrap(err)
		}
		result = out.(T)
		return nil
	}

	err := retry.Do(attempt,
		retry.Attempts(spec.Retries+1),
		retry.Delay(spec.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err == nil {
		return result, nil
	}
	if fallback != nil {
		return fallback(err)
	}
	var zero T
	return zero, trace.Wrap(err)
}
