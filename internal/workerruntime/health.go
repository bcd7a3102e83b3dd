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

package workerruntime

import (
	"context"
	"log/slog"
	"time"

	"jobhub/internal/classifier"
	"jobhub/internal/connector"
)

// healthMonitorLoop is the periodic job-health monitor from spec.md §4.3:
// it also doubles as the "separate periodic sweeper (30s)" that catches any
// job timeout missed by dispatch's own deadline check, since both checks
// run off the same ticker against the same single active job.
func (r *Runtime) healthMonitorLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.checkActiveJobHealth(ctx)
		}
	}
}

// claimForTermination marks aj as the worker's own responsibility to
// finalize, racing safely against dispatch's own completion path: whichever
// of the two sets aj.cancelled first wins, the other sees it already true
// and backs off.
func (r *Runtime) claimForTermination(aj *activeJob) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != aj || aj.cancelled {
		return false
	}
	aj.cancelled = true
	return true
}

func (r *Runtime) checkActiveJobHealth(ctx context.Context) {
	r.mu.Lock()
	aj := r.active
	r.mu.Unlock()
	if aj == nil {
		return
	}

	now := time.Now()

	if now.After(aj.deadline) {
		if !r.claimForTermination(aj) {
			return
		}
		if aj.connector != nil {
			_ = aj.connector.CancelJob(ctx, aj.job.ID)
		}
		if aj.cancel != nil {
			aj.cancel()
		}
		r.finishTimeout(ctx, aj.job, aj.attempt)
		r.clearActive(ctx)
		return
	}

	if now.Sub(aj.lastActivity) < r.cfg.InactivityTimeout {
		return
	}

	checker, ok := aj.connector.(connector.HealthChecker)
	if !ok {
		return
	}

	result, err := checker.HealthCheckJob(ctx, aj.job.ID)
	if err != nil {
		if r.log != nil {
			r.log.Warn("connector health check failed", slog.String("job_id", aj.job.ID), slog.String("error", err.Error()))
		}
		return
	}

	switch result.Action {
	case connector.HealthCheckContinue:
		return
	case connector.HealthCheckComplete:
		if !r.claimForTermination(aj) {
			return
		}
		if aj.cancel != nil {
			aj.cancel()
		}
		r.finishSuccess(ctx, aj.job, aj.attempt, result.Result)
		r.clearActive(ctx)
	case connector.HealthCheckFail:
		if !r.claimForTermination(aj) {
			return
		}
		if aj.cancel != nil {
			aj.cancel()
		}
		cl := classifier.Classify(result.Reason, classifier.Context{ServiceType: aj.job.ServiceRequired})
		r.finishFailure(ctx, aj.job, aj.attempt, healthCheckError(result.Reason), cl.Retryable())
		r.clearActive(ctx)
	case connector.HealthCheckRequeue:
		if !r.claimForTermination(aj) {
			return
		}
		if aj.cancel != nil {
			aj.cancel()
		}
		r.finishFailure(ctx, aj.job, aj.attempt, healthCheckError(result.Reason), true)
		r.clearActive(ctx)
	}
}

// healthCheckError wraps a HealthCheckJob reason string as an error so it
// can flow through the same classifier/attestation path as any other
// connector failure.
type healthCheckError string

func (e healthCheckError) Error() string { return string(e) }
