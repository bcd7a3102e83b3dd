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

// ProgressEntry is one raw entry off a job's progress stream, as read by
// the event bridge. Fields mirror whatever UpdateProgress/EmitStarted/the
// terminal-marker writers put in, so the bridge decodes it generically
// rather than this package constraining the event schema.
type ProgressEntry struct {
	ID     string
	Fields map[string]string
}

// ReadProgress performs a single blocking XREAD against a job's progress
// stream starting after lastID, mirroring ReadCommands. lastID "$" means
// "only entries appended after this call begins", the right choice for a
// bridge's first read when it opens a job's reader.
func (b *Broker) ReadProgress(ctx context.Context, jobID, lastID string, block time.Duration) ([]ProgressEntry, string, error) {
	res, err := b.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{redisconv.ProgressStreamKey(jobID), lastID},
		Block:   block,
		Count:   100,
	}).Result()
	if err == redis.Nil {
		return nil, lastID, nil
	}
	if err != nil {
		return nil, lastID, fmt.Errorf("broker: read progress for %s: %w", jobID, err)
	}

	newLastID := lastID
	var out []ProgressEntry
	for _, stream := range res {
		for _, msg := range stream.Messages {
			fields := make(map[string]string, len(msg.Values))
			for k, v := range msg.Values {
				if s, ok := v.(string); ok {
					fields[k] = s
				} else {
					fields[k] = fmt.Sprintf("%v", v)
				}
			}
			out = append(out, ProgressEntry{ID: msg.ID, Fields: fields})
			newLastID = msg.ID
		}
	}
	return out, newLastID, nil
}
