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
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/redisconv"
)

// CommandAction is the set of commands a worker's command stream carries.
type CommandAction string

const (
	CommandCancel CommandAction = "cancel"
	CommandPause  CommandAction = "pause"
	CommandRetry  CommandAction = "retry"
)

// Command is one entry read off a worker's commands:{worker_id} stream.
type Command struct {
	ID          string
	Action      CommandAction
	JobID       string
	TimestampMs int64
}

// AppendCommand appends a command to a worker's command stream. Used
// directly by tests and by Cancel's Lua script in production; exposed here
// for symmetry and for any out-of-band command producer.
func (b *Broker) AppendCommand(ctx context.Context, workerID string, action CommandAction, jobID string) error {
	_, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: redisconv.CommandStreamKey(workerID),
		Values: map[string]any{
			"action": string(action),
			"job_id": jobID,
			"ts":     b.now().UnixMilli(),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("broker: append command for %s: %w", workerID, err)
	}
	return nil
}

// ReadCommands performs a single blocking XREAD against a worker's command
// stream starting after lastID, returning any commands found and the new
// cursor to pass on the next call. lastID "$" means "only commands
// appended after this call begins" and is the right choice for a worker's
// first read on startup.
func (b *Broker) ReadCommands(ctx context.Context, workerID, lastID string, block time.Duration) ([]Command, string, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{redisconv.CommandStreamKey(workerID), lastID},
		Block:   block,
		Count:   50,
	}).Result()
	if err == redis.Nil {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("broker: read commands for %s: %w", workerID, err)
	}

	newLastID := lastID
	var out []Command
	for _, stream := range res {
		for _, msg := range stream.Messages {
			cmd := Command{ID: msg.ID}
			if v, ok := msg.Values["action"].(string); ok {
				cmd.Action = CommandAction(v)
			}
			if v, ok := msg.Values["job_id"].(string); ok {
				cmd.JobID = v
			}
			out = append(out, cmd)
			newLastID = msg.ID
		}
	}
	return out, newLastID, nil
}
