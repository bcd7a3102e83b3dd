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

package attestation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/classifier"
	"jobhub/internal/redisconv"
)

// Kind is the attestation's outcome category.
type Kind string

const (
	KindCompletion      Kind = "completion"
	KindFailureRetry    Kind = "failure_retry"
	KindFailurePermanent Kind = "failure_permanent"
)

// Default TTLs, per the namespace contract: retry attempts are
// short-lived, permanent records persist for a full day.
const (
	DefaultRetryTTL     = 5 * time.Minute
	DefaultPermanentTTL = 24 * time.Hour
)

// Record is the write-once JSON document persisted at every terminal
// outcome and every retry attempt.
type Record struct {
	Kind               Kind    `json:"kind"`
	JobID              string  `json:"job_id"`
	WorkerID           string  `json:"worker_id"`
	MachineID          string  `json:"machine_id"`
	WorkerVersion      string  `json:"worker_version,omitempty"`
	WorkflowID         string  `json:"workflow_id,omitempty"`
	Step               int     `json:"step,omitempty"`
	TotalSteps         int     `json:"total_steps,omitempty"`
	RetryCount         int     `json:"retry_count"`
	WillRetry          bool    `json:"will_retry"`
	MaxRetries         int     `json:"max_retries"`
	ErrorMessage       string  `json:"error_message,omitempty"`
	FailureType        classifier.Type   `json:"failure_type,omitempty"`
	FailureReason      classifier.Reason `json:"failure_reason,omitempty"`
	FailureDescription string  `json:"failure_description,omitempty"`
	Result             any     `json:"result,omitempty"`
	RawServiceRequest  any     `json:"raw_service_request,omitempty"`
	RawServiceResponse any     `json:"raw_service_response,omitempty"`
	CreatedAtMs        int64   `json:"attestation_created_at"`
	CompletedAtMs      int64   `json:"completed_at,omitempty"`
	FailedAtMs         int64   `json:"failed_at,omitempty"`
}

// Scrubbed returns a copy of r with RawServiceRequest/RawServiceResponse run
// through Scrub so no embedded base64 payload is persisted in plain form.
func (r Record) Scrubbed() Record {
	r.RawServiceRequest = Scrub(r.RawServiceRequest)
	r.RawServiceResponse = Scrub(r.RawServiceResponse)
	return r
}

// Writer persists attestation records to Redis under the deterministic keys
// defined by redisconv, with TTLs so forensics data does not accumulate
// forever.
type Writer struct {
	rdb         redis.Cmdable
	retryTTL    time.Duration
	permanentTTL time.Duration
}

// NewWriter builds a Writer. A zero ttl falls back to the package defaults;
// the namespace contract requires TTLs to be non-zero.
func NewWriter(rdb redis.Cmdable, retryTTL, permanentTTL time.Duration) *Writer {
	if retryTTL <= 0 {
		retryTTL = DefaultRetryTTL
	}
	if permanentTTL <= 0 {
		permanentTTL = DefaultPermanentTTL
	}
	return &Writer{rdb: rdb, retryTTL: retryTTL, permanentTTL: permanentTTL}
}

// WriteCompletion writes a completion attestation for jobID/attempt. If
// workflowID is non-empty the key includes the workflow segment.
func (w *Writer) WriteCompletion(ctx context.Context, workflowID, jobID string, attempt int, rec Record) error {
	rec.Kind = KindCompletion
	key := redisconv.CompletionAttestationKey(workflowID, jobID, attempt)
	return w.writeJSON(ctx, key, rec, w.permanentTTL)
}

// WriteRetryFailure writes a retry-attempt failure attestation, short-lived
// by default since a successful retry supersedes it.
func (w *Writer) WriteRetryFailure(ctx context.Context, workflowID, jobID string, attempt int, rec Record) error {
	rec.Kind = KindFailureRetry
	key := redisconv.RetryFailureAttestationKey(workflowID, jobID, attempt)
	return w.writeJSON(ctx, key, rec, w.retryTTL)
}

// WritePermanentFailure writes a permanent failure attestation. Per the
// backwards-compatibility requirement, it also writes a completion key at
// the same attempt number so legacy readers that only look for completion
// keys still observe that the job reached a terminal state.
func (w *Writer) WritePermanentFailure(ctx context.Context, workflowID, jobID string, attempt int, rec Record) error {
	rec.Kind = KindFailurePermanent
	key := redisconv.PermanentFailureAttestationKey(workflowID, jobID)
	if err := w.writeJSON(ctx, key, rec, w.permanentTTL); err != nil {
		return err
	}
	if err := w.writeJSON(ctx, redisconv.CompletionAttestationKey(workflowID, jobID, attempt), rec, w.permanentTTL); err != nil {
		return err
	}
	if workflowID != "" {
		wfKey := redisconv.WorkflowFailureKey(workflowID, nil)
		if err := w.writeJSON(ctx, wfKey, rec, w.permanentTTL); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) writeJSON(ctx context.Context, key string, rec Record, ttl time.Duration) error {
	rec = rec.Scrubbed()
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("attestation: marshal record for %s: %w", key, err)
	}
	if err := w.rdb.Set(ctx, key, body, ttl).Err(); err != nil {
		return fmt.Errorf("attestation: write %s: %w", key, err)
	}
	return nil
}
