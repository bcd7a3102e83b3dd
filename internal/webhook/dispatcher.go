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

package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/metrics"
	"jobhub/internal/redisconv"
)

// Payload is the canonical JSON body delivered to a subscriber's URL, per
// spec.md §4.7 step 2.
type Payload struct {
	EventType   string         `json:"event_type"`
	EventID     string         `json:"event_id"`
	TimestampMs int64          `json:"timestamp_ms"`
	WebhookID   string         `json:"webhook_id"`
	Data        map[string]any `json:"data"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Dispatcher reads job lifecycle events off redisconv.GlobalEventStreamKey
// through a consumer group and fans each one out to every matching
// subscription, generalizing the teacher webhook worker's Redis Stream
// consumer group, HMAC signing, retry-with-backoff, and dead-letter pattern.
type Dispatcher struct {
	rdb        redis.Cmdable
	store      *Store
	httpClient *http.Client
	log        *slog.Logger

	workerCount int
	maxRetries  int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Config configures a new Dispatcher.
type Config struct {
	RDB         redis.Cmdable
	Store       *Store
	Logger      *slog.Logger
	WorkerCount int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	HTTPTimeout time.Duration
}

// New builds a Dispatcher. Unset Config fields fall back to the same
// defaults as the teacher webhook worker.
func New(cfg Config) *Dispatcher {
	workerCount := cfg.WorkerCount
	if workerCount <= 0 {
		workerCount = 10
	}
	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	baseBackoff := cfg.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 5 * time.Minute
	}
	httpTimeout := cfg.HTTPTimeout
	if httpTimeout <= 0 {
		httpTimeout = 10 * time.Second
	}

	return &Dispatcher{
		rdb:         cfg.RDB,
		store:       cfg.Store,
		httpClient:  &http.Client{Timeout: httpTimeout},
		log:         cfg.Logger,
		workerCount: workerCount,
		maxRetries:  maxRetries,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		stopCh:      make(chan struct{}),
	}
}

// Run creates the consumer group if absent, starts the worker pool, and
// blocks until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	if err := d.createConsumerGroup(ctx); err != nil {
		return fmt.Errorf("webhook dispatcher: %w", err)
	}

	for i := 0; i < d.workerCount; i++ {
		d.wg.Add(1)
		consumer := fmt.Sprintf("dispatcher-%d", i)
		go d.processLoop(ctx, consumer)
	}

	<-ctx.Done()
	close(d.stopCh)
	d.wg.Wait()
	return nil
}

func (d *Dispatcher) createConsumerGroup(ctx context.Context) error {
	err := d.rdb.XGroupCreateMkStream(ctx, redisconv.GlobalEventStreamKey, redisconv.WebhookConsumerGroup, "0").Err()
	if err == nil {
		return nil
	}
	if isBusyGroup(err) {
		return nil
	}
	return fmt.Errorf("create consumer group: %w", err)
}

func isBusyGroup(err error) bool {
	return err != nil && len(err.Error()) >= 9 && err.Error()[:9] == "BUSYGROUP"
}

func (d *Dispatcher) processLoop(ctx context.Context, consumer string) {
	defer d.wg.Done()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}
		if err := d.processNext(ctx, consumer); err != nil {
			if d.log != nil {
				d.log.Warn("webhook dispatcher read failed", slog.String("consumer", consumer), slog.String("error", err.Error()))
			}
			time.Sleep(time.Second)
		}
	}
}

func (d *Dispatcher) processNext(ctx context.Context, consumer string) error {
	streams, err := d.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    redisconv.WebhookConsumerGroup,
		Consumer: consumer,
		Streams:  []string{redisconv.GlobalEventStreamKey, ">"},
		Count:    1,
		Block:    5 * time.Second,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}

	for _, stream := range streams {
		for _, msg := range stream.Messages {
			d.handleMessage(ctx, msg)
		}
	}
	return nil
}

func (d *Dispatcher) handleMessage(ctx context.Context, msg redis.XMessage) {
	fields := stringifyFields(msg.Values)
	event := fields["event"]

	subs, err := d.store.List(ctx)
	if err != nil {
		if d.log != nil {
			d.log.Warn("webhook dispatcher: list subscriptions failed", slog.String("error", err.Error()))
		}
		d.ack(ctx, msg.ID)
		return
	}

	var wg sync.WaitGroup
	for _, sub := range subs {
		if !sub.wantsEvent(event) || !sub.matches(fields) {
			continue
		}
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			d.deliverWithRetries(ctx, sub, msg.ID, event, fields)
		}(sub)
	}
	wg.Wait()

	d.ack(ctx, msg.ID)
}

func (d *Dispatcher) ack(ctx context.Context, msgID string) {
	if err := d.rdb.XAck(ctx, redisconv.GlobalEventStreamKey, redisconv.WebhookConsumerGroup, msgID).Err(); err != nil && d.log != nil {
		d.log.Warn("webhook dispatcher: ack failed", slog.String("message_id", msgID), slog.String("error", err.Error()))
	}
}

// deliverWithRetries attempts delivery up to sub.Retry.MaxRetries (falling
// back to the dispatcher's default) times with exponential backoff,
// honoring Retry-After on 429, then moves the event to the dead-letter
// stream on exhaustion.
func (d *Dispatcher) deliverWithRetries(ctx context.Context, sub *Subscription, msgID, event string, fields map[string]string) {
	maxRetries := sub.Retry.MaxRetries
	if maxRetries <= 0 {
		maxRetries = d.maxRetries
	}
	baseBackoff := sub.Retry.BaseBackoff
	if baseBackoff <= 0 {
		baseBackoff = d.baseBackoff
	}
	maxBackoff := sub.Retry.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = d.maxBackoff
	}

	payload := buildPayload(sub.ID, event, msgID, fields)
	body, err := json.Marshal(payload)
	if err != nil {
		if d.log != nil {
			d.log.Error("webhook dispatcher: marshal payload failed", slog.String("webhook_id", sub.ID), slog.String("error", err.Error()))
		}
		return
	}

	var lastErr error
	var lastStatus int
	var forcedWait time.Duration
	attempts := 0
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attempts = attempt + 1
		if attempt > 0 {
			wait := baseBackoff * time.Duration(1<<uint(attempt-1))
			if wait > maxBackoff {
				wait = maxBackoff
			}
			if forcedWait > 0 {
				wait = forcedWait
			}
			metrics.IncWebhookRetry(sub.ID)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return
			}
		}

		status, retryAfter, err := d.deliverOnce(ctx, sub, payload, body)
		if err == nil {
			metrics.ObserveWebhookDelivery(sub.ID, "success")
			_ = d.store.recordHistory(ctx, sub.ID, HistoryEntry{
				EventID: payload.EventID, EventType: event, Outcome: "success",
				Attempts: attempts, StatusCode: status, DeliveredAt: payload.TimestampMs,
			})
			return
		}
		lastErr = err
		lastStatus = status
		forcedWait = 0
		if status == http.StatusTooManyRequests && retryAfter > 0 {
			forcedWait = retryAfter
		}
	}

	metrics.ObserveWebhookDelivery(sub.ID, "failed")
	_ = d.store.recordHistory(ctx, sub.ID, HistoryEntry{
		EventID: payload.EventID, EventType: event, Outcome: "dead_letter",
		Attempts: attempts, StatusCode: lastStatus, Error: lastErr.Error(), DeliveredAt: payload.TimestampMs,
	})
	d.moveToDLQ(ctx, sub.ID, event, msgID, body, lastErr)
}

// deliverOnce sends a single POST and returns the response status,
// Retry-After duration (0 if absent), and an error for non-2xx/transport
// failures.
func (d *Dispatcher) deliverOnce(ctx context.Context, sub *Subscription, payload Payload, body []byte) (int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return 0, 0, fmt.Errorf("build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", payload.EventType)
	req.Header.Set("X-Webhook-ID", sub.ID)
	req.Header.Set("X-Event-ID", payload.EventID)
	for k, v := range sub.Headers {
		req.Header.Set(k, v)
	}
	if sub.Secret != "" {
		req.Header.Set("X-Webhook-Signature", "sha256="+signHMAC(sub.Secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return 0, 0, fmt.Errorf("send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp.StatusCode, 0, nil
	}

	var retryAfter time.Duration
	if resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			retryAfter = time.Duration(secs) * time.Second
		}
	}
	return resp.StatusCode, retryAfter, fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, string(respBody))
}

func (d *Dispatcher) moveToDLQ(ctx context.Context, webhookID, event, msgID string, body []byte, deliveryErr error) {
	args := &redis.XAddArgs{
		Stream: redisconv.WebhookDLQStreamKey,
		MaxLen: 10000,
		Approx: true,
		Values: map[string]any{
			"webhook_id":  webhookID,
			"event":       event,
			"original_id": msgID,
			"payload":     string(body),
			"error":       deliveryErr.Error(),
			"failed_at":   time.Now().Format(time.RFC3339),
		},
	}
	if _, err := d.rdb.XAdd(ctx, args).Result(); err != nil && d.log != nil {
		d.log.Error("webhook dispatcher: dead-letter write failed", slog.String("webhook_id", webhookID), slog.String("error", err.Error()))
	}
}

func signHMAC(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func buildPayload(webhookID, event, eventID string, fields map[string]string) Payload {
	data := make(map[string]any, len(fields))
	for k, v := range fields {
		data[k] = v
	}
	var ts int64
	if v, ok := fields["ts"]; ok {
		ts, _ = strconv.ParseInt(v, 10, 64)
	}
	return Payload{
		EventType:   event,
		EventID:     eventID,
		TimestampMs: ts,
		WebhookID:   webhookID,
		Data:        data,
	}
}

func stringifyFields(values map[string]any) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprintf("%v", v)
		}
	}
	return out
}
