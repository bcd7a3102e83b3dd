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

package broker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"jobhub/internal/attestation"
	"jobhub/internal/classifier"
)

// Sweeper periodically recovers jobs owned by stale workers: workers
// missing SweepMissedBeats consecutive heartbeats are considered dead, and
// their active jobs are requeued with retry_count incremented.
type Sweeper struct {
	broker            *Broker
	attestations      *attestation.Writer
	log               *slog.Logger
	interval          time.Duration
	heartbeatInterval time.Duration
	missedBeats       int
}

// NewSweeper builds a Sweeper. interval is how often the sweep runs;
// heartbeatInterval and missedBeats together define staleness (a worker is
// stale once now - last_heartbeat_ms > heartbeatInterval * missedBeats).
func NewSweeper(b *Broker, writer *attestation.Writer, log *slog.Logger, interval, heartbeatInterval time.Duration, missedBeats int) *Sweeper {
	if missedBeats < 1 {
		missedBeats = 3
	}
	return &Sweeper{
		broker:            b,
		attestations:      writer,
		log:               log,
		interval:          interval,
		heartbeatInterval: heartbeatInterval,
		missedBeats:       missedBeats,
	}
}

// Run blocks, sweeping on a ticker until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.SweepOnce(ctx); err != nil {
				s.log.Error("stale worker sweep failed", slog.String("error", err.Error()))
			}
		}
	}
}

// SweepOnce runs a single sweep pass, returning the number of workers
// recovered.
func (s *Sweeper) SweepOnce(ctx context.Context) error {
	workerIDs, err := s.broker.ListActiveWorkerIDs(ctx)
	if err != nil {
		return err
	}

	staleThresholdMs := int64(s.heartbeatInterval.Milliseconds()) * int64(s.missedBeats)
	nowMs := time.Now().UnixMilli()

	for _, workerID := range workerIDs {
		lastHeartbeat, err := s.broker.WorkerLastHeartbeatMs(ctx, workerID)
		if err == ErrNotFound {
			continue
		}
		if err != nil {
			s.log.Warn("sweeper could not read heartbeat", slog.String("worker_id", workerID), slog.String("error", err.Error()))
			continue
		}
		if nowMs-lastHeartbeat <= staleThresholdMs {
			continue
		}
		if err := s.recoverWorker(ctx, workerID); err != nil {
			s.log.Error("sweeper could not recover stale worker", slog.String("worker_id", workerID), slog.String("error", err.Error()))
		}
	}
	return nil
}

func (s *Sweeper) recoverWorker(ctx context.Context, workerID string) error {
	jobIDs, err := s.broker.ActiveJobs(ctx, workerID)
	if err != nil {
		return fmt.Errorf("sweeper: list active jobs for %s: %w", workerID, err)
	}

	for _, jobID := range jobIDs {
		if err := s.recoverJob(ctx, workerID, jobID); err != nil {
			s.log.Error("sweeper could not recover job", slog.String("worker_id", workerID), slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
	}

	if err := s.broker.Deregister(ctx, workerID); err != nil {
		return fmt.Errorf("sweeper: deregister %s: %w", workerID, err)
	}
	return nil
}

func (s *Sweeper) recoverJob(ctx context.Context, workerID, jobID string) error {
	job, err := s.broker.GetJob(ctx, jobID)
	if err != nil {
		return err
	}

	retryCount := job.RetryCount + 1
	decision := FailDecision{
		Retryable:     true,
		LastError:     "worker lost: missed heartbeat deadline",
		RetryCount:    retryCount,
		MaxRetries:    job.MaxRetries,
		Priority:      job.Priority,
		SubmittedAtMs: job.SubmittedAtMs,
	}

	requeued, err := s.broker.Fail(ctx, jobID, workerID, decision)
	if err != nil && err != ErrNotFound {
		return fmt.Errorf("sweeper: fail job %s: %w", jobID, err)
	}

	if s.attestations == nil {
		return nil
	}

	rec := attestation.Record{
		JobID:              jobID,
		WorkerID:           workerID,
		WorkflowID:         job.WorkflowID,
		Step:               job.Step,
		TotalSteps:         job.TotalSteps,
		RetryCount:         retryCount,
		MaxRetries:         job.MaxRetries,
		WillRetry:          requeued,
		ErrorMessage:       decision.LastError,
		FailureType:        classifier.TypeSystemError,
		FailureReason:      classifier.ReasonWorkerLost,
		FailureDescription: decision.LastError,
		CreatedAtMs:        time.Now().UnixMilli(),
		FailedAtMs:         time.Now().UnixMilli(),
	}

	if requeued {
		return s.attestations.WriteRetryFailure(ctx, job.WorkflowID, jobID, retryCount, rec)
	}
	return s.attestations.WritePermanentFailure(ctx, job.WorkflowID, jobID, retryCount, rec)
}
