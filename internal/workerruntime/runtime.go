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

// Package workerruntime implements the single-job worker: the polling
// loop, capability-driven dispatch to a connector, progress relay,
// timeout/health monitoring, and terminal attestation emission described in
// spec.md §4.3. Exactly one job is ever in flight per Runtime, per the
// concurrent_jobs=1 hard invariant; an errgroup.Group supervises the
// sibling goroutines (poll loop, heartbeat, health monitor, command reader)
// so a fatal error in any one of them shuts the whole worker down together.
package workerruntime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"jobhub/internal/attestation"
	"jobhub/internal/broker"
	"jobhub/internal/classifier"
	"jobhub/internal/config"
	"jobhub/internal/connector"
	"jobhub/internal/jobmodel"
)

// Runtime is a single worker process's job-execution loop.
type Runtime struct {
	broker       *broker.Broker
	manager      *connector.Manager
	attestations *attestation.Writer
	log          *slog.Logger
	cfg          config.WorkerConfig
	caps         jobmodel.Capabilities
	version      string

	mu     sync.Mutex
	status jobmodel.WorkerStatus
	active *activeJob
}

// activeJob tracks the single in-flight job's execution state, guarded by
// Runtime.mu. This is the worker's active-job table referenced by spec.md
// §5: every suspension point (connector calls, progress writes, attestation
// writes) happens outside this lock.
type activeJob struct {
	job          *jobmodel.Job
	connector    connector.Connector
	attempt      int
	deadline     time.Time
	lastActivity time.Time
	cancel       context.CancelFunc
	cancelled    bool
}

// New builds a Runtime. caps.ConcurrentJobs is forced to 1 regardless of
// what the caller passes, since single-job execution is a hard invariant of
// this runtime, not a configurable policy.
func New(b *broker.Broker, m *connector.Manager, attestations *attestation.Writer, log *slog.Logger, cfg config.WorkerConfig, caps jobmodel.Capabilities, version string) *Runtime {
	caps.ConcurrentJobs = 1
	return &Runtime{
		broker:       b,
		manager:      m,
		attestations: attestations,
		log:          log,
		cfg:          cfg,
		caps:         caps,
		version:      version,
		status:       jobmodel.WorkerInitializing,
	}
}

// Run registers the worker, starts the supervised goroutine set, and blocks
// until ctx is cancelled or one of the sibling loops returns a fatal error.
// On return (any reason) the worker deregisters itself.
func (r *Runtime) Run(ctx context.Context) error {
	now := time.Now()
	worker := &jobmodel.Worker{
		ID:              r.cfg.WorkerID,
		MachineID:       r.cfg.MachineID,
		Status:          jobmodel.WorkerIdle,
		Capabilities:    r.caps,
		LastHeartbeatMs: now.UnixMilli(),
		RegisteredAtMs:  now.UnixMilli(),
		Version:         r.version,
	}
	if err := r.broker.RegisterWorker(ctx, worker); err != nil {
		return fmt.Errorf("workerruntime: register: %w", err)
	}
	r.setStatus(ctx, jobmodel.WorkerIdle, "")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pollLoop(gctx) })
	g.Go(func() error { return r.heartbeatLoop(gctx) })
	g.Go(func() error { return r.healthMonitorLoop(gctx) })
	g.Go(func() error { return r.commandLoop(gctx) })

	err := g.Wait()

	deregCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if dErr := r.broker.Deregister(deregCtx, r.cfg.WorkerID); dErr != nil && r.log != nil {
		r.log.Error("deregister failed", slog.String("error", dErr.Error()))
	}

	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// pollLoop implements spec.md §4.3's cooperative loop: sleep while busy,
// otherwise attempt a claim every tick.
func (r *Runtime) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if r.isBusy() {
			continue
		}

		job, err := r.broker.RequestJob(ctx, r.cfg.WorkerID, r.caps)
		if err == broker.ErrNoJobAvailable {
			continue
		}
		if err != nil {
			r.log.Warn("claim attempt failed, retrying next tick", slog.String("error", err.Error()))
			continue
		}

		r.dispatch(ctx, job)
	}
}

func (r *Runtime) isBusy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status != jobmodel.WorkerIdle || r.active != nil
}

// dispatch runs one job end to end: resolve a connector, execute it with a
// deadline, and route the outcome to completion or failure handling. It
// never returns an error to the poll loop; every failure path is absorbed
// into a broker.Fail/attestation write so the loop can keep polling.
func (r *Runtime) dispatch(ctx context.Context, job *jobmodel.Job) {
	attempt := ExtractRetryAttempt(job) + 1

	conn, ok := r.manager.Resolve(job.ServiceRequired)
	if !ok {
		r.setStatus(ctx, jobmodel.WorkerBusy, "")
		r.finishFailure(ctx, job, attempt, fmt.Errorf("configuration error: no connector registered for service %q", job.ServiceRequired), false)
		r.setStatus(ctx, jobmodel.WorkerIdle, "")
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.cfg.JobTimeout)
	aj := &activeJob{
		job:          job,
		connector:    conn,
		attempt:      attempt,
		deadline:     time.Now().Add(r.cfg.JobTimeout),
		lastActivity: time.Now(),
		cancel:       cancel,
	}

	r.mu.Lock()
	r.active = aj
	r.status = jobmodel.WorkerBusy
	r.mu.Unlock()
	defer cancel()

	r.setStatus(ctx, jobmodel.WorkerBusy, "")
	if err := r.broker.EmitStarted(ctx, job, r.cfg.WorkerID); err != nil && r.log != nil {
		r.log.Warn("emit started failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	if wsConn, isWS := conn.(wsActivityRegistrar); isWS {
		wsConn.RegisterActivityCallback(func(jobID string, at time.Time) {
			r.noteActivity(jobID, at)
		})
	}

	progressCb := func(progress int, message string) {
		r.noteActivity(job.ID, time.Now())
		if err := r.broker.UpdateProgress(ctx, job.ID, jobmodel.ProgressEvent{
			JobID:       job.ID,
			Progress:    progress,
			Message:     message,
			WorkerID:    r.cfg.WorkerID,
			TimestampMs: time.Now().UnixMilli(),
		}); err != nil && r.log != nil {
			r.log.Warn("progress write failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
		}
	}

	result, err := conn.ProcessJob(jobCtx, job, progressCb)

	r.mu.Lock()
	cancelled := aj.cancelled
	r.mu.Unlock()
	if cancelled {
		r.clearActive(ctx)
		return
	}

	if err != nil {
		timedOut := time.Now().After(aj.deadline) || jobCtx.Err() == context.DeadlineExceeded
		if timedOut {
			_ = conn.CancelJob(context.Background(), job.ID)
			r.finishTimeout(ctx, job, attempt)
		} else {
			cl := classifier.Classify(err.Error(), classifier.Context{ServiceType: job.ServiceRequired})
			r.finishFailure(ctx, job, attempt, err, cl.Retryable())
		}
		r.clearActive(ctx)
		return
	}

	r.finishSuccess(ctx, job, attempt, result)
	r.clearActive(ctx)
}

// wsActivityRegistrar is the minimal interface the WebSocket connector
// exposes for the worker to observe inbound-message activity without
// owning its reader goroutine (spec.md §9 circular-reference note).
type wsActivityRegistrar interface {
	RegisterActivityCallback(connector.ActivityCallback)
}

func (r *Runtime) noteActivity(jobID string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil && r.active.job.ID == jobID {
		r.active.lastActivity = at
	}
}

func (r *Runtime) clearActive(ctx context.Context) {
	r.mu.Lock()
	r.active = nil
	r.status = jobmodel.WorkerIdle
	r.mu.Unlock()
	r.setStatus(ctx, jobmodel.WorkerIdle, "")
}

func (r *Runtime) finishSuccess(ctx context.Context, job *jobmodel.Job, attempt int, result []byte) {
	if err := r.broker.Complete(ctx, job.ID, r.cfg.WorkerID, result); err != nil && r.log != nil {
		r.log.Error("complete failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
	if r.attestations == nil {
		return
	}
	rec := attestation.Record{
		JobID:         job.ID,
		WorkerID:      r.cfg.WorkerID,
		MachineID:     r.cfg.MachineID,
		WorkerVersion: r.version,
		WorkflowID:    job.WorkflowID,
		Step:          job.Step,
		TotalSteps:    job.TotalSteps,
		RetryCount:    job.RetryCount,
		MaxRetries:    job.MaxRetries,
		Result:        json.RawMessage(result),
		CreatedAtMs:   time.Now().UnixMilli(),
		CompletedAtMs: time.Now().UnixMilli(),
	}
	if err := r.attestations.WriteCompletion(ctx, job.WorkflowID, job.ID, attempt, rec); err != nil && r.log != nil {
		r.log.Error("completion attestation failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (r *Runtime) finishFailure(ctx context.Context, job *jobmodel.Job, attempt int, failErr error, retryable bool) {
	cl := classifier.Classify(failErr.Error(), classifier.Context{ServiceType: job.ServiceRequired})

	decision := broker.FailDecision{
		Retryable:          retryable,
		LastError:          failErr.Error(),
		RetryCount:         attempt,
		MaxRetries:         job.MaxRetries,
		Priority:           job.Priority,
		SubmittedAtMs:      job.SubmittedAtMs,
		FailureType:        string(cl.Type),
		FailureReason:      string(cl.Reason),
		FailureDescription: cl.Description,
	}

	requeued, err := r.broker.Fail(ctx, job.ID, r.cfg.WorkerID, decision)
	if err != nil && r.log != nil {
		r.log.Error("fail failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	r.writeFailureAttestation(ctx, job, attempt, cl, failErr.Error(), requeued)
}

func (r *Runtime) finishTimeout(ctx context.Context, job *jobmodel.Job, attempt int) {
	msg := fmt.Sprintf("job timeout: exceeded %s", r.cfg.JobTimeout)
	cl := classifier.Classification{Type: classifier.TypeTimeout, Reason: classifier.ReasonJobTimeout, Description: msg}

	decision := broker.FailDecision{
		Retryable:          true,
		LastError:          msg,
		RetryCount:         attempt,
		MaxRetries:         job.MaxRetries,
		Priority:           job.Priority,
		SubmittedAtMs:      job.SubmittedAtMs,
		FailureType:        string(cl.Type),
		FailureReason:      string(cl.Reason),
		FailureDescription: cl.Description,
	}
	requeued, err := r.broker.Fail(ctx, job.ID, r.cfg.WorkerID, decision)
	if err != nil && r.log != nil {
		r.log.Error("fail (timeout) failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}

	r.writeFailureAttestation(ctx, job, attempt, cl, msg, requeued)
}

func (r *Runtime) writeFailureAttestation(ctx context.Context, job *jobmodel.Job, attempt int, cl classifier.Classification, errMsg string, requeued bool) {
	if r.attestations == nil {
		return
	}
	rec := attestation.Record{
		JobID:              job.ID,
		WorkerID:           r.cfg.WorkerID,
		MachineID:          r.cfg.MachineID,
		WorkerVersion:      r.version,
		WorkflowID:         job.WorkflowID,
		Step:               job.Step,
		TotalSteps:         job.TotalSteps,
		RetryCount:         attempt,
		MaxRetries:         job.MaxRetries,
		WillRetry:          requeued,
		ErrorMessage:       errMsg,
		FailureType:        cl.Type,
		FailureReason:      cl.Reason,
		FailureDescription: cl.Description,
		CreatedAtMs:        time.Now().UnixMilli(),
		FailedAtMs:         time.Now().UnixMilli(),
	}

	var err error
	if requeued {
		err = r.attestations.WriteRetryFailure(ctx, job.WorkflowID, job.ID, attempt, rec)
	} else {
		err = r.attestations.WritePermanentFailure(ctx, job.WorkflowID, job.ID, attempt, rec)
	}
	if err != nil && r.log != nil {
		r.log.Error("failure attestation failed", slog.String("job_id", job.ID), slog.String("error", err.Error()))
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.beat(ctx)
		}
	}
}

func (r *Runtime) beat(ctx context.Context) {
	r.mu.Lock()
	status := r.status
	jobID := ""
	if r.active != nil {
		jobID = r.active.job.ID
	}
	r.mu.Unlock()

	if err := r.broker.Heartbeat(ctx, r.cfg.WorkerID, status, jobID, time.Now().UnixMilli()); err != nil && r.log != nil {
		r.log.Warn("heartbeat failed", slog.String("error", err.Error()))
	}
}

// machineEvent is the JSON payload published to machine:{machine}:worker:{id}
// on every status transition.
type machineEvent struct {
	WorkerID  string `json:"worker_id"`
	Status    string `json:"status"`
	JobID     string `json:"job_id,omitempty"`
	Error     string `json:"error,omitempty"`
	Timestamp int64  `json:"ts"`
}

func (r *Runtime) setStatus(ctx context.Context, status jobmodel.WorkerStatus, lastErr string) {
	r.mu.Lock()
	r.status = status
	jobID := ""
	if r.active != nil {
		jobID = r.active.job.ID
	}
	r.mu.Unlock()

	evt := machineEvent{
		WorkerID:  r.cfg.WorkerID,
		Status:    string(status),
		JobID:     jobID,
		Error:     lastErr,
		Timestamp: time.Now().UnixMilli(),
	}
	body, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := r.broker.PublishMachineEvent(ctx, r.cfg.MachineID, r.cfg.WorkerID, body); err != nil && r.log != nil {
		r.log.Debug("machine event publish failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) commandLoop(ctx context.Context) error {
	lastID := "$"
	for {
		if ctx.Err() != nil {
			return nil
		}
		cmds, newLastID, err := r.broker.ReadCommands(ctx, r.cfg.WorkerID, lastID, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn("command read failed", slog.String("error", err.Error()))
			time.Sleep(time.Second)
			continue
		}
		lastID = newLastID
		for _, cmd := range cmds {
			r.handleCommand(ctx, cmd)
		}
	}
}

func (r *Runtime) handleCommand(ctx context.Context, cmd broker.Command) {
	if cmd.Action != broker.CommandCancel {
		return
	}

	r.mu.Lock()
	aj := r.active
	if aj == nil || aj.job.ID != cmd.JobID {
		r.mu.Unlock()
		return
	}
	aj.cancelled = true
	conn := aj.connector
	cancelFn := aj.cancel
	r.mu.Unlock()

	if conn != nil {
		_ = conn.CancelJob(ctx, cmd.JobID)
	}
	if cancelFn != nil {
		cancelFn()
	}
}
