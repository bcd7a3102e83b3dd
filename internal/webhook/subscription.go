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

// Package webhook delivers job lifecycle events to HTTP callbacks, per
// spec.md §4.7: filtered, HMAC-signed, retried with backoff, with a bounded
// delivery history and a dead-letter stream for exhausted deliveries.
package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/redisconv"
)

// Filter narrows which events a subscription receives beyond its Events
// list, per spec.md §4.7 step 1 (job_type, priority, machine id prefix,
// worker id, arbitrary equality on custom keys).
type Filter struct {
	JobType         string            `json:"job_type,omitempty"`
	MinPriority     *int64            `json:"min_priority,omitempty"`
	MachineIDPrefix string            `json:"machine_id_prefix,omitempty"`
	WorkerID        string            `json:"worker_id,omitempty"`
	CustomKeys      map[string]string `json:"custom_keys,omitempty"`
}

// RetryPolicy controls DeliverWithRetries' backoff schedule.
type RetryPolicy struct {
	MaxRetries  int           `json:"max_retries"`
	BaseBackoff time.Duration `json:"base_backoff"`
	MaxBackoff  time.Duration `json:"max_backoff"`
}

// Subscription is a registered webhook callback target.
type Subscription struct {
	ID      string            `json:"id"`
	URL     string            `json:"url"`
	Events  []string          `json:"events"`
	Secret  string            `json:"secret,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Filter  Filter            `json:"filter,omitempty"`
	Retry   RetryPolicy       `json:"retry"`

	CreatedAtMs int64 `json:"created_at_ms"`
}

// DefaultRetryPolicy mirrors the teacher webhook worker's defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseBackoff: time.Second, MaxBackoff: 5 * time.Minute}
}

// wantsEvent reports whether s is registered for the named lifecycle event.
func (s *Subscription) wantsEvent(event string) bool {
	for _, e := range s.Events {
		if e == event || e == "*" {
			return true
		}
	}
	return false
}

// matches applies s.Filter against the fields of a global-stream entry.
func (s *Subscription) matches(fields map[string]string) bool {
	f := s.Filter
	if f.JobType != "" && fields["job_type"] != f.JobType {
		return false
	}
	if f.WorkerID != "" && fields["worker_id"] != f.WorkerID {
		return false
	}
	if f.MachineIDPrefix != "" && !strings.HasPrefix(fields["machine_id"], f.MachineIDPrefix) {
		return false
	}
	if f.MinPriority != nil {
		var priority int64
		_, _ = fmt.Sscanf(fields["priority"], "%d", &priority)
		if priority < *f.MinPriority {
			return false
		}
	}
	if len(f.CustomKeys) > 0 {
		var ctx map[string]any
		_ = json.Unmarshal([]byte(fields["ctx"]), &ctx)
		for k, want := range f.CustomKeys {
			got, ok := ctx[k]
			if !ok || fmt.Sprintf("%v", got) != want {
				return false
			}
		}
	}
	return true
}

// Store persists webhook subscriptions in Redis, keyed per
// redisconv.WebhookKey with membership tracked in WebhooksActiveKey.
type Store struct {
	rdb redis.Cmdable
}

// NewStore builds a Store bound to rdb.
func NewStore(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Put creates or replaces a subscription record.
func (s *Store) Put(ctx context.Context, sub *Subscription) error {
	body, err := json.Marshal(sub)
	if err != nil {
		return fmt.Errorf("webhook store: marshal %s: %w", sub.ID, err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, redisconv.WebhookKey(sub.ID), body, 0)
	pipe.SAdd(ctx, redisconv.WebhooksActiveKey, sub.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhook store: put %s: %w", sub.ID, err)
	}
	return nil
}

// Get loads a single subscription by id.
func (s *Store) Get(ctx context.Context, id string) (*Subscription, error) {
	body, err := s.rdb.Get(ctx, redisconv.WebhookKey(id)).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("webhook store: %s: not found", id)
		}
		return nil, fmt.Errorf("webhook store: get %s: %w", id, err)
	}
	var sub Subscription
	if err := json.Unmarshal([]byte(body), &sub); err != nil {
		return nil, fmt.Errorf("webhook store: decode %s: %w", id, err)
	}
	return &sub, nil
}

// Delete removes a subscription and its membership record.
func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, redisconv.WebhookKey(id))
	pipe.SRem(ctx, redisconv.WebhooksActiveKey, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("webhook store: delete %s: %w", id, err)
	}
	return nil
}

// List returns every registered subscription. Called once per event by the
// dispatcher; subscription counts are expected to stay in the hundreds, not
// the millions, so no pagination is attempted.
func (s *Store) List(ctx context.Context) ([]*Subscription, error) {
	ids, err := s.rdb.SMembers(ctx, redisconv.WebhooksActiveKey).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook store: list ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = redisconv.WebhookKey(id)
	}
	bodies, err := s.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("webhook store: mget: %w", err)
	}

	subs := make([]*Subscription, 0, len(bodies))
	for _, raw := range bodies {
		str, ok := raw.(string)
		if !ok {
			continue
		}
		var sub Subscription
		if err := json.Unmarshal([]byte(str), &sub); err != nil {
			continue
		}
		subs = append(subs, &sub)
	}
	return subs, nil
}

// recordHistory appends a bounded delivery outcome record for a subscription.
func (s *Store) recordHistory(ctx context.Context, webhookID string, entry HistoryEntry) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("webhook store: marshal history for %s: %w", webhookID, err)
	}
	key := redisconv.WebhookHistoryKey(webhookID)
	pipe := s.rdb.Pipeline()
	pipe.LPush(ctx, key, body)
	pipe.LTrim(ctx, key, 0, historyLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// historyLimit bounds each webhook's delivery history list length.
const historyLimit = 200

// HistoryEntry is one recorded delivery attempt outcome.
type HistoryEntry struct {
	EventID     string `json:"event_id"`
	EventType   string `json:"event_type"`
	Outcome     string `json:"outcome"` // success, failed, dead_letter
	Attempts    int    `json:"attempts"`
	StatusCode  int    `json:"status_code,omitempty"`
	Error       string `json:"error,omitempty"`
	DeliveredAt int64  `json:"delivered_at_ms"`
}
