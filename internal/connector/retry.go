// jobhub is a distributed job queue and worker orchestration service.
// Copyright (C) 2026 jobhub contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package connector

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// RetryPolicy configures the transient-error retry loop shared by the
// REST-sync and REST-async connectors: max attempts, initial delay,
// backoff multiplier, max delay, and whether to honor Retry-After.
type RetryPolicy struct {
	MaxAttempts      int
	InitialDelay     time.Duration
	BackoffMultiplier float64
	MaxDelay         time.Duration
	HonorRetryAfter  bool
}

// DefaultRetryPolicy mirrors common provider defaults: a handful of
// attempts with exponential backoff capped at a few seconds.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      200 * time.Millisecond,
		BackoffMultiplier: 2.0,
		MaxDelay:          5 * time.Second,
		HonorRetryAfter:   true,
	}
}

// Attempt is one try's outcome, fed back into doWithRetry by the caller's
// request function.
type Attempt struct {
	Resp       *http.Response
	Err        error
	RetryAfter time.Duration // zero if absent/not honored
}

// doWithRetry runs fn up to policy.MaxAttempts times, sleeping with
// exponential backoff plus jitter between attempts, honoring Retry-After
// when the policy asks for it. It stops retrying once fn's error is
// classified as non-retryable by isRetryable.
func doWithRetry(ctx context.Context, policy RetryPolicy, onRetry func(attempt int), fn func(ctx context.Context) Attempt) Attempt {
	delay := policy.InitialDelay
	var last Attempt

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		last = fn(ctx)
		if last.Err == nil && !isRetryableStatus(last.Resp) {
			return last
		}
		if !isRetryable(last.Err, last.Resp) {
			return last
		}
		if attempt == policy.MaxAttempts {
			return last
		}
		if onRetry != nil {
			onRetry(attempt)
		}

		wait := delay
		if policy.HonorRetryAfter && last.RetryAfter > 0 {
			wait = last.RetryAfter
		}
		wait = addJitter(wait)

		select {
		case <-ctx.Done():
			last.Err = ctx.Err()
			return last
		case <-time.After(wait):
		}

		delay = time.Duration(float64(delay) * policy.BackoffMultiplier)
		if delay > policy.MaxDelay {
			delay = policy.MaxDelay
		}
	}
	return last
}

// isRetryable reports whether an error/response pair should be retried
// internally: network errors, timeouts, connection refused, and HTTP 429 or
// 5xx responses.
func isRetryable(err error, resp *http.Response) bool {
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		return true // connection-level errors (refused, reset, DNS) are retried
	}
	return isRetryableStatus(resp)
}

func isRetryableStatus(resp *http.Response) bool {
	if resp == nil {
		return false
	}
	return resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500
}

const jitterFrac = 0.2

func addJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	jitter := time.Duration(rand.Float64() * jitterFrac * float64(d))
	return d + jitter
}
