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
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/jobmodel"
	"jobhub/internal/redisconv"
)

// RegisterWorker writes a worker's initial record and adds it to the active
// worker index.
func (b *Broker) RegisterWorker(ctx context.Context, w *jobmodel.Worker) error {
	capsJSON, err := json.Marshal(w.Capabilities)
	if err != nil {
		return fmt.Errorf("broker: marshal capabilities for %s: %w", w.ID, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, redisconv.WorkerKey(w.ID),
		"machine_id", w.MachineID,
		"status", string(w.Status),
		"capabilities", capsJSON,
		"last_heartbeat_ms", w.LastHeartbeatMs,
		"registered_at_ms", w.RegisteredAtMs,
	)
	pipe.SAdd(ctx, redisconv.WorkersActiveKey, w.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: register worker %s: %w", w.ID, err)
	}
	return nil
}

// Heartbeat refreshes a worker's liveness fields. Called on the worker's
// heartbeat timer and after every progress write.
func (b *Broker) Heartbeat(ctx context.Context, workerID string, status jobmodel.WorkerStatus, currentJobID string, nowMs int64) error {
	err := b.rdb.HSet(ctx, redisconv.WorkerKey(workerID),
		"status", string(status),
		"current_job_id", currentJobID,
		"last_heartbeat_ms", nowMs,
	).Err()
	if err != nil {
		return fmt.Errorf("broker: heartbeat for %s: %w", workerID, err)
	}
	return nil
}

// Deregister removes a worker from the active index on clean shutdown.
func (b *Broker) Deregister(ctx context.Context, workerID string) error {
	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, redisconv.WorkerKey(workerID), "status", string(jobmodel.WorkerOffline))
	pipe.SRem(ctx, redisconv.WorkersActiveKey, workerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("broker: deregister %s: %w", workerID, err)
	}
	return nil
}

// ActiveJobs returns the job ids currently in a worker's active set (0 or 1
// per the single-job invariant).
func (b *Broker) ActiveJobs(ctx context.Context, workerID string) ([]string, error) {
	ids, err := b.rdb.HKeys(ctx, redisconv.ActiveSetKey(workerID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("broker: active jobs for %s: %w", workerID, err)
	}
	return ids, nil
}

// ListActiveWorkerIDs returns every id in the active worker index.
func (b *Broker) ListActiveWorkerIDs(ctx context.Context) ([]string, error) {
	ids, err := b.rdb.SMembers(ctx, redisconv.WorkersActiveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("broker: list active workers: %w", err)
	}
	return ids, nil
}

// WorkerLastHeartbeatMs reads a worker's last_heartbeat_ms field.
func (b *Broker) WorkerLastHeartbeatMs(ctx context.Context, workerID string) (int64, error) {
	val, err := b.rdb.HGet(ctx, redisconv.WorkerKey(workerID), "last_heartbeat_ms").Int64()
	if err == redis.Nil {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("broker: read heartbeat for %s: %w", workerID, err)
	}
	return val, nil
}

// PublishMachineEvent publishes a status-change notification to a worker's
// machine event channel. payload is an arbitrary JSON blob; this is a
// fire-and-forget pub/sub notification, not a durable record.
func (b *Broker) PublishMachineEvent(ctx context.Context, machineID, workerID string, payload []byte) error {
	if err := b.rdb.Publish(ctx, redisconv.MachineEventChannel(machineID, workerID), payload).Err(); err != nil {
		return fmt.Errorf("broker: publish machine event for %s: %w", workerID, err)
	}
	return nil
}
