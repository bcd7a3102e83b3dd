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

// Package redisconv centralizes the Redis key and stream naming conventions
// shared by every component that talks to the job broker's Redis instance.
// Implementers of other packages must go through these helpers rather than
// formatting keys inline so the namespace stays a single contract.
package redisconv

import "fmt"

// PendingQueueKey is the sorted set holding jobs awaiting a worker claim.
const PendingQueueKey = "jobs:pending"

// WorkersActiveKey is the set of currently registered worker ids.
const WorkersActiveKey = "workers:active"

// JobKey returns the hash key storing a job's record.
func JobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// ActiveSetKey returns the hash key mapping job_id -> serialized job for a
// worker's single-job active set.
func ActiveSetKey(workerID string) string {
	return fmt.Sprintf("jobs:active:%s", workerID)
}

// WorkerKey returns the hash key storing a worker's registration record.
func WorkerKey(workerID string) string {
	return fmt.Sprintf("worker:%s", workerID)
}

// ProgressStreamKey returns the stream key carrying ordered progress events
// for a single job.
func ProgressStreamKey(jobID string) string {
	return fmt.Sprintf("progress:%s", jobID)
}

// CommandStreamKey returns the stream key carrying commands (cancel, pause,
// retry) addressed to a single worker.
func CommandStreamKey(workerID string) string {
	return fmt.Sprintf("commands:%s", workerID)
}

// CompletionAttestationKey returns the key for a worker completion
// attestation. If workflowID is empty the workflow segment is omitted.
func CompletionAttestationKey(workflowID, jobID string, attempt int) string {
	if workflowID == "" {
		return fmt.Sprintf("worker:completion:job-%s:attempt:%d", jobID, attempt)
	}
	return fmt.Sprintf("worker:completion:workflow-%s:job-%s:attempt:%d", workflowID, jobID, attempt)
}

// RetryFailureAttestationKey returns the key for a retry-attempt failure
// attestation.
func RetryFailureAttestationKey(workflowID, jobID string, attempt int) string {
	if workflowID == "" {
		return fmt.Sprintf("worker:failure:job-%s:attempt:%d", jobID, attempt)
	}
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:attempt:%d", workflowID, jobID, attempt)
}

// PermanentFailureAttestationKey returns the key for a permanent (terminal,
// non-retryable) failure attestation.
func PermanentFailureAttestationKey(workflowID, jobID string) string {
	if workflowID == "" {
		return fmt.Sprintf("worker:failure:job-%s:permanent", jobID)
	}
	return fmt.Sprintf("worker:failure:workflow-%s:job-%s:permanent", workflowID, jobID)
}

// WorkflowFailureKey returns the workflow-level mirror of a failure
// attestation. If attempt is nil the permanent form is returned.
func WorkflowFailureKey(workflowID string, attempt *int) string {
	if attempt == nil {
		return fmt.Sprintf("workflow:failure:%s:permanent", workflowID)
	}
	return fmt.Sprintf("workflow:failure:%s:attempt:%d", workflowID, *attempt)
}

// ConnectorKey returns the hash key storing a connector instance's
// lifecycle/health record. Not part of the spec's original namespace table;
// added so BaseConnector has somewhere to report status, last-error, and
// last-check time as required by the connector contract.
func ConnectorKey(connectorID string) string {
	return fmt.Sprintf("connector:%s", connectorID)
}

// MachineEventChannel returns the pub/sub channel for a worker's machine
// events.
func MachineEventChannel(machineID, workerID string) string {
	return fmt.Sprintf("machine:%s:worker:%s", machineID, workerID)
}

// ConnectorStatusChannel returns the pub/sub channel for a connector's
// status changes.
func ConnectorStatusChannel(connectorID string) string {
	return fmt.Sprintf("connector_status:%s", connectorID)
}

// GlobalEventStreamKey is the Redis Stream carrying a copy of every job
// lifecycle event (job_started/job_completed/job_failed/job_cancelled,
// deliberately excluding the high-frequency job_progress tick) for the
// webhook dispatcher's consumer group, independent of any single job's
// progress:{id} stream.
const GlobalEventStreamKey = "jobs:events:all"

// WebhookConsumerGroup is the Redis Stream consumer group name the webhook
// dispatcher's worker pool reads GlobalEventStreamKey under.
const WebhookConsumerGroup = "webhook-dispatch"

// WebhookDLQStreamKey holds events whose webhook delivery exhausted retries.
const WebhookDLQStreamKey = "jobs:events:dead"

// WebhookKey returns the hash key storing a webhook subscription's record.
func WebhookKey(webhookID string) string {
	return fmt.Sprintf("webhook:%s", webhookID)
}

// WebhooksActiveKey is the set of currently registered webhook subscription ids.
const WebhooksActiveKey = "webhooks:active"

// WebhookHistoryKey returns the list key holding a webhook's bounded
// delivery history.
func WebhookHistoryKey(webhookID string) string {
	return fmt.Sprintf("webhook:%s:history", webhookID)
}

// PriorityScore computes the sorted-set score for jobs:pending so that
// higher priority sorts first and, for equal priority, earlier
// submittedAtMs sorts first.
func PriorityScore(priority int64, submittedAtMs int64) float64 {
	return float64(-priority*1e13 + submittedAtMs)
}
