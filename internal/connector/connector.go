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

// Package connector implements the protocol connector layer: the shared
// BaseConnector lifecycle/health/status-reporting logic, and the three
// protocol variants (REST-sync, REST-async/polling, WebSocket) built on top
// of it via composition rather than inheritance.
package connector

import (
	"context"

	"jobhub/internal/jobmodel"
)

// ProgressCallback is how a connector reports incremental progress back to
// the worker, which forwards it to Redis. The connector owns the sender
// side; cancellation is signaled by the context passed to ProcessJob.
type ProgressCallback func(progress int, message string)

// HealthCheckAction is the outcome of an optional HealthCheckJob call,
// consulted by the worker's job health monitor when a connector has gone
// quiet on an in-flight job.
type HealthCheckAction string

const (
	HealthCheckComplete  HealthCheckAction = "complete_job"
	HealthCheckFail      HealthCheckAction = "fail_job"
	HealthCheckRequeue   HealthCheckAction = "return_to_queue"
	HealthCheckContinue  HealthCheckAction = "continue_monitoring"
)

// HealthCheckResult is returned by HealthChecker.HealthCheckJob.
type HealthCheckResult struct {
	Action HealthCheckAction
	Reason string
	Result []byte
}

// Connector is the contract every protocol variant implements.
type Connector interface {
	ID() string
	ServiceType() string
	Protocol() jobmodel.ConnectorProtocol

	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	CheckHealth(ctx context.Context) bool
	GetAvailableModels(ctx context.Context) []string
	CanProcessJob(job *jobmodel.Job) bool
	ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error)
	CancelJob(ctx context.Context, jobID string) error

	Status() jobmodel.ConnectorRecord
}

// HealthChecker is an optional capability: connectors without a health
// check are left alone by the worker's job health monitor.
type HealthChecker interface {
	HealthCheckJob(ctx context.Context, jobID string) (HealthCheckResult, error)
}
