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

// Package broker implements the Redis-resident job broker: the pending
// queue, the atomic claim script, requeue/complete/fail/cancel, and the
// stale-worker sweeper. All cross-worker coordination lives here; workers
// never reference each other directly, only through this package's Redis
// contract.
package broker

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/jobmodel"
	"jobhub/internal/metrics"
	"jobhub/internal/redisconv"
)

//go:embed lua/claim.lua
var claimScriptSrc string

//go:embed lua/complete.lua
var completeScriptSrc string

//go:embed lua/fail.lua
var failScriptSrc string

//go:embed lua/cancel.lua
var cancelScriptSrc string

var (
	claimScript    = redis.NewScript(claimScriptSrc)
	completeScript = redis.NewScript(completeScriptSrc)
	failScript     = redis.NewScript(failScriptSrc)
	cancelScript   = redis.NewScript(cancelScriptSrc)
)

// ClaimScanLimit bounds how many pending candidates the claim script
// inspects per call, trading worst-case latency under a very deep queue for
// a guarantee that the script never runs unbounded.
const ClaimScanLimit = 200

// Broker is the Redis-backed job broker.
type Broker struct {
	rdb redis.Cmdable
	now func() time.Time
	log *slog.Logger
}

// New builds a Broker bound to rdb. now defaults to time.Now; tests may
// override it for deterministic timestamps.
func New(rdb redis.Cmdable) *Broker {
	return &Broker{rdb: rdb, now: time.Now}
}

// WithLogger attaches a structured logger used for best-effort warnings on
// non-fatal paths (e.g. a terminal stream marker write that fails after the
// authoritative job hash write already succeeded). Returns b for chaining.
func (b *Broker) WithLogger(log *slog.Logger) *Broker {
	b.log = log
	return b
}

// Submit writes a new job into the pending queue and its job hash. It
// returns the job's id (job.ID, set by the caller via jobmodel.NewJob).
func (b *Broker) Submit(ctx context.Context, job *jobmodel.Job) (string, error) {
	blob, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("broker: marshal job %s: %w", job.ID, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, redisconv.JobKey(job.ID), "blob", blob, "status", string(job.Status), "retry_count", job.RetryCount)
	pipe.ZAdd(ctx, redisconv.PendingQueueKey, redis.Z{
		Score:  redisconv.PriorityScore(job.Priority, job.SubmittedAtMs),
		Member: job.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("broker: submit job %s: %w", job.ID, err)
	}
	return job.ID, nil
}

// Position returns a pending job's zero-based rank in jobs:pending (highest
// priority first), for the submission API's response. A job already claimed
// or finished is no longer a member, so -1 is returned in that case.
func (b *Broker) Position(ctx context.Context, jobID string) (int64, error) {
	rank, err := b.rdb.ZRank(ctx, redisconv.PendingQueueKey, jobID).Result()
	if err == redis.Nil {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("broker: position for %s: %w", jobID, err)
	}
	return rank, nil
}

// Cancel marks a job cancelled, removes it from the pending queue if still
// there, and appends a cancel command to the owning worker's command stream
// if the job is currently assigned.
func (b *Broker) Cancel(ctx context.Context, jobID, reason string) error {
	res, err := cancelScript.Run(ctx, b.rdb, []string{redisconv.PendingQueueKey}, jobID, reason).Result()
	if err != nil {
		return fmt.Errorf("broker: cancel %s: %w", jobID, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotFound
	}
	b.emitTerminal(ctx, jobID, "job_cancelled", map[string]any{"error_message": reason})
	return nil
}

// RequestJob attempts to atomically claim the highest-priority pending job
// compatible with caps. It returns ErrNoJobAvailable (not a fatal error) if
// no job matches.
func (b *Broker) RequestJob(ctx context.Context, workerID string, caps jobmodel.Capabilities) (*jobmodel.Job, error) {
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal capabilities for %s: %w", workerID, err)
	}

	res, err := claimScript.Run(ctx, b.rdb, []string{redisconv.PendingQueueKey},
		workerID, string(capsJSON), b.now().UnixMilli(), ClaimScanLimit).Result()
	if err != nil {
		metrics.ObserveClaimAttempt(workerID, "error")
		return nil, fmt.Errorf("broker: claim for %s: %w", workerID, err)
	}

	blob, ok := res.(string)
	if !ok || blob == "" {
		metrics.ObserveClaimAttempt(workerID, "empty")
		return nil, ErrNoJobAvailable
	}

	var job jobmodel.Job
	if err := json.Unmarshal([]byte(blob), &job); err != nil {
		metrics.ObserveClaimAttempt(workerID, "error")
		return nil, fmt.Errorf("broker: unmarshal claimed job: %w", err)
	}
	metrics.ObserveClaimAttempt(workerID, "claimed")
	return &job, nil
}

// UpdateProgress appends a progress entry to the job's progress stream and
// is fire-and-forget: callers pipeline it alongside a heartbeat rather than
// blocking the job on Redis latency.
func (b *Broker) UpdateProgress(ctx context.Context, jobID string, evt jobmodel.ProgressEvent) error {
	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: redisconv.ProgressStreamKey(jobID),
		Values: map[string]any{
			"event":     "job_progress",
			"progress":  evt.Progress,
			"message":   evt.Message,
			"worker_id": evt.WorkerID,
			"ts":        evt.TimestampMs,
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("broker: progress update for %s: %w", jobID, err)
	}
	return nil
}

// EmitStarted transitions job's hash to in_progress, appends a job_started
// marker to its progress stream, and publishes a copy to the global event
// stream the webhook dispatcher consumes. The event bridge's first
// subscriber to attach may arrive after this write; the bridge re-derives
// "already started" from GetJob, so a missed marker never strands a
// subscriber on a job that already began.
func (b *Broker) EmitStarted(ctx context.Context, job *jobmodel.Job, workerID string) error {
	if err := b.markInProgress(ctx, job); err != nil && b.log != nil {
		b.log.Warn("mark in_progress failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: redisconv.ProgressStreamKey(job.ID),
		Values: map[string]any{
			"event":     "job_started",
			"worker_id": workerID,
			"ts":        b.now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("broker: emit started for %s: %w", job.ID, err)
	}
	b.publishGlobalEvent(ctx, job, workerID, "job_started", nil)
	return nil
}

// markInProgress rewrites job's hash so status and the serialized blob both
// read in_progress, mirroring the read-decode-rewrite pattern the claim/
// complete/fail Lua scripts use for the same hash. It runs as a plain Go
// round trip rather than a script: unlike those three, it never touches
// jobs:pending or a worker's active set, so there is nothing else to keep
// atomic with it.
func (b *Broker) markInProgress(ctx context.Context, job *jobmodel.Job) error {
	blob, err := b.rdb.HGet(ctx, redisconv.JobKey(job.ID), "blob").Result()
	if err != nil {
		return fmt.Errorf("broker: get job %s for in_progress transition: %w", job.ID, err)
	}
	var current jobmodel.Job
	if err := json.Unmarshal([]byte(blob), &current); err != nil {
		return fmt.Errorf("broker: unmarshal job %s for in_progress transition: %w", job.ID, err)
	}
	current.Status = jobmodel.StatusInProgress
	newBlob, err := json.Marshal(&current)
	if err != nil {
		return fmt.Errorf("broker: marshal job %s for in_progress transition: %w", job.ID, err)
	}
	if err := b.rdb.HSet(ctx, redisconv.JobKey(job.ID), "blob", newBlob, "status", string(jobmodel.StatusInProgress)).Err(); err != nil {
		return fmt.Errorf("broker: set in_progress for %s: %w", job.ID, err)
	}
	job.Status = jobmodel.StatusInProgress
	return nil
}

// emitTerminal appends a terminal marker to a job's progress stream and a
// copy to the global event stream. The ordering guarantee in spec.md §5
// ("terminal status updates MUST be written before the final stream
// entry") already holds here since this is always called after the
// corresponding Lua script's synchronous HSET.
func (b *Broker) emitTerminal(ctx context.Context, jobID, event string, fields map[string]any) {
	values := map[string]any{"event": event, "ts": b.now().UnixMilli()}
	for k, v := range fields {
		values[k] = v
	}
	if _, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: redisconv.ProgressStreamKey(jobID),
		Values: values,
	}).Result(); err != nil && b.log != nil {
		b.log.Warn("terminal stream marker failed", slog.String("job_id", jobID), slog.String("event", event), slog.String("error", err.Error()))
	}

	job, err := b.GetJob(ctx, jobID)
	if err != nil {
		if b.log != nil {
			b.log.Warn("global event publish: job lookup failed", slog.String("job_id", jobID), slog.String("error", err.Error()))
		}
		return
	}
	willRetry, _ := fields["will_retry"].(bool)
	if event == "job_completed" || (event == "job_failed" && !willRetry) {
		metrics.ObserveJobTerminal(job.ServiceRequired, event)
	}
	b.publishGlobalEvent(ctx, job, job.AssignedWorkerID, event, fields)
}

// publishGlobalEvent appends a job-lifecycle event to GlobalEventStreamKey,
// carrying the fields the webhook dispatcher's subscription filters need
// (job type, priority, customer id, worker id, custom ctx keys) alongside
// the event-specific fields already computed by the caller. job_progress is
// deliberately never published here (see redisconv.GlobalEventStreamKey).
func (b *Broker) publishGlobalEvent(ctx context.Context, job *jobmodel.Job, workerID, event string, fields map[string]any) {
	ctxJSON, _ := json.Marshal(job.CTX)
	values := map[string]any{
		"event":       event,
		"job_id":      job.ID,
		"job_type":    job.ServiceRequired,
		"priority":    job.Priority,
		"customer_id": job.CustomerID,
		"worker_id":   workerID,
		"workflow_id": job.WorkflowID,
		"ctx":         string(ctxJSON),
		"ts":          b.now().UnixMilli(),
	}
	for k, v := range fields {
		values[k] = v
	}
	if _, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: redisconv.GlobalEventStreamKey,
		Values: values,
	}).Result(); err != nil && b.log != nil {
		b.log.Warn("global event publish failed", slog.String("job_id", job.ID), slog.String("event", event), slog.String("error", err.Error()))
	}
}

// Complete marks a job completed and removes it from the worker's active
// set.
func (b *Broker) Complete(ctx context.Context, jobID, workerID string, result []byte) error {
	res, err := completeScript.Run(ctx, b.rdb, nil, jobID, workerID, string(result), b.now().UnixMilli()).Result()
	if err != nil {
		return fmt.Errorf("broker: complete %s: %w", jobID, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return ErrNotFound
	}
	b.emitTerminal(ctx, jobID, "job_completed", map[string]any{"result": string(result)})
	return nil
}

// FailDecision is the precomputed outcome of a failed job, handed to Fail
// by the caller after consulting the failure classifier.
type FailDecision struct {
	Retryable     bool
	LastError     string
	RetryCount    int // the NEW retry count, already incremented by the caller
	MaxRetries    int
	Priority      int64
	SubmittedAtMs int64

	// Classification fields carried through to the terminal stream event so
	// SSE/WS subscribers see the same (type, reason, description) the
	// attestation records, per spec.md §7 "User-visible failures".
	FailureType        string
	FailureReason      string
	FailureDescription string
}

// Requeue reports whether this decision results in the job returning to
// jobs:pending (true) or reaching a terminal failed status (false).
//
// Per the dead-letter policy: once retry_count has reached max_retries, the
// next retryable failure still becomes permanent rather than looping
// forever.
func (d FailDecision) Requeue() bool {
	return d.Retryable && d.RetryCount <= d.MaxRetries
}

// Fail records a job failure, requeuing it to jobs:pending when the
// decision calls for a retry, or marking it terminally failed otherwise.
func (b *Broker) Fail(ctx context.Context, jobID, workerID string, d FailDecision) (requeued bool, err error) {
	requeue := 0
	if d.Requeue() {
		requeue = 1
	}

	res, err := failScript.Run(ctx, b.rdb, []string{redisconv.PendingQueueKey},
		jobID, workerID, requeue, d.RetryCount, d.LastError, b.now().UnixMilli(), d.Priority, d.SubmittedAtMs).Result()
	if err != nil {
		return false, fmt.Errorf("broker: fail %s: %w", jobID, err)
	}
	if n, ok := res.(int64); ok && n == 0 {
		return false, ErrNotFound
	}
	// job_failed is always emitted per spec.md §7; it is only a *terminal*
	// marker to the event bridge when will_retry is false, since a
	// retryable failure keeps the same job id alive for its next attempt.
	b.emitTerminal(ctx, jobID, "job_failed", map[string]any{
		"error_message":       d.LastError,
		"failure_type":        d.FailureType,
		"failure_reason":      d.FailureReason,
		"failure_description": d.FailureDescription,
		"will_retry":          requeue == 1,
		"retry_count":         d.RetryCount,
	})
	return requeue == 1, nil
}

// PendingCount returns the number of jobs currently waiting in jobs:pending,
// used by the legacy WebSocket interface's subscribe_stats message.
func (b *Broker) PendingCount(ctx context.Context) (int64, error) {
	n, err := b.rdb.ZCard(ctx, redisconv.PendingQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("broker: pending count: %w", err)
	}
	return n, nil
}

// GetJob fetches and deserializes a job's full record.
func (b *Broker) GetJob(ctx context.Context, jobID string) (*jobmodel.Job, error) {
	blob, err := b.rdb.HGet(ctx, redisconv.JobKey(jobID), "blob").Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("broker: get job %s: %w", jobID, err)
	}
	var job jobmodel.Job
	if err := json.Unmarshal([]byte(blob), &job); err != nil {
		return nil, fmt.Errorf("broker: unmarshal job %s: %w", jobID, err)
	}
	return &job, nil
}
