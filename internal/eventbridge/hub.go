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

// Package eventbridge fans a job's Redis progress stream out to many SSE
// and legacy-WebSocket subscribers, per spec.md §4.6: one Redis reader per
// job id shared by every subscriber of that job, with bounded per-subscriber
// queues and exponential-backoff reconnect on Redis outages.
package eventbridge

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"jobhub/internal/broker"
	"jobhub/internal/metrics"
)

// Event is one decoded progress-stream entry handed to a subscriber.
type Event struct {
	Name   string // job_started, job_progress, job_completed, job_failed, job_cancelled
	Fields map[string]string
}

// IsTerminal reports whether this event ends a job's subscriber streams.
// job_failed is only terminal when will_retry is false: a retryable
// failure keeps the same job id alive for its next attempt.
func (e Event) IsTerminal() bool {
	switch e.Name {
	case "job_completed", "job_cancelled":
		return true
	case "job_failed":
		return e.Fields["will_retry"] != "true"
	default:
		return false
	}
}

// Subscriber receives events for one job, consumed by an SSE handler or a
// WS bridge session.
type Subscriber struct {
	id     uint64
	jobID  string
	ch     chan Event
	dropped bool
}

// Events returns the subscriber's event channel. It closes when the job
// reaches a terminal event or the subscriber is dropped for lagging.
func (s *Subscriber) Events() <-chan Event { return s.ch }

// Dropped reports whether this subscriber was evicted as a slow consumer
// rather than closed normally on job completion.
func (s *Subscriber) Dropped() bool { return s.dropped }

type jobReader struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	lastID string
	cancel context.CancelFunc
}

// Hub owns the job_id -> subscriber-set map and the single Redis reader per
// job id, per spec.md §4.6.
type Hub struct {
	broker    *broker.Broker
	log       *slog.Logger
	queueSize int

	mu      sync.Mutex
	readers map[string]*jobReader
	nextID  uint64
}

// New builds a Hub. queueSize bounds each subscriber's buffered channel
// (spec.md default 256); a non-positive value falls back to that default.
func New(b *broker.Broker, log *slog.Logger, queueSize int) *Hub {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Hub{
		broker:    b,
		log:       log,
		queueSize: queueSize,
		readers:   make(map[string]*jobReader),
	}
}

// Subscribe attaches a new subscriber to jobID's progress stream, opening a
// Redis reader for that job if this is the first subscriber. The returned
// Subscriber must be released with Unsubscribe once the caller is done
// (connection closed, request context cancelled).
func (h *Hub) Subscribe(ctx context.Context, jobID string) *Subscriber {
	h.mu.Lock()
	r, ok := h.readers[jobID]
	if !ok {
		readerCtx, cancel := context.WithCancel(context.Background())
		r = &jobReader{subs: make(map[*Subscriber]struct{}), lastID: "$", cancel: cancel}
		h.readers[jobID] = r
		go h.readerLoop(readerCtx, jobID, r)
	}
	h.nextID++
	sub := &Subscriber{id: h.nextID, jobID: jobID, ch: make(chan Event, h.queueSize)}
	h.mu.Unlock()

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	count := len(r.subs)
	r.mu.Unlock()
	metrics.SetBridgeSubscribers(jobID, count)
	return sub
}

// Unsubscribe detaches sub from its job's reader, closing the reader (and
// forgetting the job) once the last subscriber leaves.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	r, ok := h.readers[sub.jobID]
	if !ok {
		h.mu.Unlock()
		return
	}
	r.mu.Lock()
	delete(r.subs, sub)
	remaining := len(r.subs)
	r.mu.Unlock()

	if remaining == 0 {
		delete(h.readers, sub.jobID)
	}
	h.mu.Unlock()

	metrics.SetBridgeSubscribers(sub.jobID, remaining)
	if remaining == 0 {
		r.cancel()
	}
}

// readerLoop owns the single XREAD BLOCK reader for one job id. It exits
// when ctx is cancelled (last subscriber left) or a terminal event closes
// every subscriber.
func (h *Hub) readerLoop(ctx context.Context, jobID string, r *jobReader) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		r.mu.Lock()
		lastID := r.lastID
		r.mu.Unlock()

		entries, newLastID, err := h.broker.ReadProgress(ctx, jobID, lastID, 5*time.Second)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			if h.log != nil {
				h.log.Warn("event bridge reader error, backing off", slog.String("job_id", jobID), slog.String("error", err.Error()))
			}
			wait := bo.NextBackOff()
			if wait == backoff.Stop {
				wait = 30 * time.Second
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			continue
		}
		bo.Reset()

		r.mu.Lock()
		r.lastID = newLastID
		r.mu.Unlock()

		for _, entry := range entries {
			evt := Event{Name: entry.Fields["event"], Fields: entry.Fields}
			h.broadcast(jobID, r, evt)
			if evt.IsTerminal() {
				h.closeAll(jobID, r)
				return
			}
		}
	}
}

// broadcast delivers evt to every current subscriber of r, non-blockingly.
// A subscriber whose queue is full is evicted as a slow consumer per
// spec.md §4.6 backpressure policy rather than stalling the shared reader.
func (h *Hub) broadcast(jobID string, r *jobReader, evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for sub := range r.subs {
		select {
		case sub.ch <- evt:
		default:
			sub.dropped = true
			close(sub.ch)
			delete(r.subs, sub)
			if h.log != nil {
				h.log.Warn("slow consumer dropped", slog.String("job_id", jobID))
			}
		}
	}
	metrics.SetBridgeSubscribers(jobID, len(r.subs))
}

// closeAll flushes the terminal event to every remaining subscriber (the
// caller already broadcast it before calling this) and closes their
// channels, then forgets the job's reader entirely.
func (h *Hub) closeAll(jobID string, r *jobReader) {
	r.mu.Lock()
	for sub := range r.subs {
		close(sub.ch)
	}
	r.subs = make(map[*Subscriber]struct{})
	r.mu.Unlock()

	h.mu.Lock()
	delete(h.readers, jobID)
	h.mu.Unlock()
	metrics.SetBridgeSubscribers(jobID, 0)
}
