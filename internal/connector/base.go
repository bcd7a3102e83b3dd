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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/jobmodel"
	"jobhub/internal/redisconv"
)

// BaseConnector implements the lifecycle/health/status-reporting plumbing
// shared by every protocol variant: status string, last error, last check
// time, all mirrored into Redis, with status changes published to
// connector_status:{id}. Per-connector MaxConcurrentJobs is enforced here
// even though workers always set it to 1 today; the base does not assume
// single-job semantics so a future multiplexing connector can raise it.
type BaseConnector struct {
	id                string
	serviceType       string
	protocol          jobmodel.ConnectorProtocol
	maxConcurrentJobs int

	rdb redis.Cmdable
	log *slog.Logger

	mu          sync.Mutex
	status      jobmodel.ConnectorStatus
	lastError   string
	lastCheckMs int64
	activeCount int
}

// NewBaseConnector constructs a BaseConnector. maxConcurrentJobs <= 0
// defaults to 1.
func NewBaseConnector(id, serviceType string, protocol jobmodel.ConnectorProtocol, rdb redis.Cmdable, log *slog.Logger, maxConcurrentJobs int) *BaseConnector {
	if maxConcurrentJobs <= 0 {
		maxConcurrentJobs = 1
	}
	return &BaseConnector{
		id:                id,
		serviceType:       serviceType,
		protocol:          protocol,
		maxConcurrentJobs: maxConcurrentJobs,
		rdb:               rdb,
		log:               log,
		status:            jobmodel.ConnectorStarting,
	}
}

func (b *BaseConnector) ID() string                          { return b.id }
func (b *BaseConnector) ServiceType() string                 { return b.serviceType }
func (b *BaseConnector) Protocol() jobmodel.ConnectorProtocol { return b.protocol }

// TryAcquire reserves one of MaxConcurrentJobs slots. It returns false if
// the connector is already at capacity.
func (b *BaseConnector) TryAcquire() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeCount >= b.maxConcurrentJobs {
		return false
	}
	b.activeCount++
	return true
}

// Release frees a slot acquired by TryAcquire.
func (b *BaseConnector) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.activeCount > 0 {
		b.activeCount--
	}
}

// Status returns the connector's current Redis-visible record.
func (b *BaseConnector) Status() jobmodel.ConnectorRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	return jobmodel.ConnectorRecord{
		ID:          b.id,
		ServiceType: b.serviceType,
		Protocol:    b.protocol,
		Status:      b.status,
		LastError:   b.lastError,
		LastCheckMs: b.lastCheckMs,
		Active:      b.status != jobmodel.ConnectorOffline,
	}
}

// SetStatus transitions the connector's status, persists the record to
// Redis, and publishes the change to connector_status:{id}. lastError may
// be empty.
func (b *BaseConnector) SetStatus(ctx context.Context, status jobmodel.ConnectorStatus, lastError string) error {
	now := time.Now().UnixMilli()

	b.mu.Lock()
	b.status = status
	b.lastError = lastError
	b.lastCheckMs = now
	rec := jobmodel.ConnectorRecord{
		ID:          b.id,
		ServiceType: b.serviceType,
		Protocol:    b.protocol,
		Status:      status,
		LastError:   lastError,
		LastCheckMs: now,
		Active:      status != jobmodel.ConnectorOffline,
	}
	b.mu.Unlock()

	if b.rdb == nil {
		return nil
	}

	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("connector %s: marshal status: %w", b.id, err)
	}

	pipe := b.rdb.TxPipeline()
	pipe.HSet(ctx, redisconv.ConnectorKey(b.id),
		"status", string(status),
		"last_error", lastError,
		"last_check_ms", now,
	)
	pipe.Publish(ctx, redisconv.ConnectorStatusChannel(b.id), body)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("connector %s: publish status: %w", b.id, err)
	}
	return nil
}

// MarkError is a convenience wrapper around SetStatus(ctx, error, ...) that
// also logs the failure.
func (b *BaseConnector) MarkError(ctx context.Context, err error) {
	if b.log != nil {
		b.log.Error("connector error", slog.String("connector_id", b.id), slog.String("error", err.Error()))
	}
	_ = b.SetStatus(ctx, jobmodel.ConnectorErrorStatus, err.Error())
}
