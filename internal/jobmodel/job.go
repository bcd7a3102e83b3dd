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

// Package jobmodel defines the core entities of the job broker: jobs,
// workers, connectors, progress events, and capability requirements.
package jobmodel

import "time"

// Status is a job's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
	StatusTimeout    Status = "timeout"
)

// Valid reports whether s is one of the defined statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusCompleted,
		StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// IsTerminal reports whether s is a terminal status from which a job never
// transitions again.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

func (s Status) String() string { return string(s) }

// Job is the unit of work submitted to the broker and claimed by workers.
type Job struct {
	ID               string         `json:"id"`
	ServiceRequired  string         `json:"service_required"`
	Priority         int64          `json:"priority"`
	Payload          []byte         `json:"payload"`
	Requirements     Requirements   `json:"requirements"`
	WorkflowID       string         `json:"workflow_id,omitempty"`
	Step             int            `json:"step,omitempty"`
	TotalSteps       int            `json:"total_steps,omitempty"`
	CustomerID       string         `json:"customer_id,omitempty"`
	Status           Status         `json:"status"`
	RetryCount       int            `json:"retry_count"`
	MaxRetries       int            `json:"max_retries"`
	CreatedAtMs      int64          `json:"created_at_ms"`
	SubmittedAtMs    int64          `json:"submitted_at_ms"`
	AssignedAtMs     int64          `json:"assigned_at_ms,omitempty"`
	CompletedAtMs    int64          `json:"completed_at_ms,omitempty"`
	AssignedWorkerID string         `json:"assigned_worker_id,omitempty"`
	LastError        string         `json:"last_error,omitempty"`
	Result           []byte         `json:"result,omitempty"`
	CTX              map[string]any `json:"ctx,omitempty"`
}

// NewJob constructs a pending job with sane defaults. now is injected by the
// caller (broker.Submit) so the type stays free of wall-clock reads.
func NewJob(id, serviceRequired string, priority int64, payload []byte, now time.Time) *Job {
	ms := now.UnixMilli()
	return &Job{
		ID:              id,
		ServiceRequired: serviceRequired,
		Priority:        priority,
		Payload:         payload,
		Status:          StatusPending,
		MaxRetries:      3,
		CreatedAtMs:     ms,
		SubmittedAtMs:   ms,
	}
}

// Requirements constrains which workers may claim a job.
type Requirements struct {
	Hardware    map[string]any `json:"hardware,omitempty"`
	Models      []string       `json:"models,omitempty"`
	RegionTags  []string       `json:"region_tags,omitempty"`
	Compliance  []string       `json:"compliance,omitempty"`
}

// ProgressEvent is a single, monotonically ordered progress update for a job.
type ProgressEvent struct {
	JobID     string `json:"job_id"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
	WorkerID  string `json:"worker_id"`
	TimestampMs int64 `json:"ts"`
}
