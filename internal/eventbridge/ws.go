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

package eventbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"jobhub/internal/jobmodel"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// inboundWSMessage is the legacy WebSocket interface's message catalog from
// spec.md §6: submit_job, cancel_job, request_job_status, subscribe_progress,
// subscribe_stats, ping. Implementations MUST forward these to the same
// broker operations as the HTTP API and MUST NOT bypass the claim script —
// none of these handlers ever call RequestJob directly.
type inboundWSMessage struct {
	Type        string          `json:"type"`
	JobID       string          `json:"job_id,omitempty"`
	ServiceType string          `json:"service_type,omitempty"`
	Priority    int64           `json:"priority,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Reason      string          `json:"reason,omitempty"`
}

type outboundWSMessage struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// wsSession is one legacy-WebSocket client connection. conn is written from
// multiple goroutines (the read loop's replies, subscription forwarders,
// the stats ticker), so every write goes through writeJSON, which serializes
// access with writeMu — gorilla/websocket permits only one writer at a time.
type wsSession struct {
	hub  *Hub
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	mu            sync.Mutex
	subscriptions map[string]context.CancelFunc
	statsCancel   context.CancelFunc
}

// ServeWS upgrades the HTTP request to the legacy WebSocket interface and
// serves it until the client disconnects.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.log != nil {
			h.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		}
		return
	}

	s := &wsSession{
		hub:           h,
		conn:          conn,
		log:           h.log,
		subscriptions: make(map[string]context.CancelFunc),
	}
	s.readLoop(r.Context())
}

func (s *wsSession) readLoop(ctx context.Context) {
	defer s.close()
	for {
		var msg inboundWSMessage
		if err := s.conn.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(ctx, msg)
	}
}

func (s *wsSession) handle(ctx context.Context, msg inboundWSMessage) {
	switch msg.Type {
	case "ping":
		s.writeJSON(outboundWSMessage{Type: "pong"})

	case "submit_job":
		s.handleSubmitJob(ctx, msg)

	case "cancel_job":
		s.handleCancelJob(ctx, msg)

	case "request_job_status":
		s.handleRequestJobStatus(ctx, msg)

	case "subscribe_progress":
		s.handleSubscribeProgress(msg)

	case "subscribe_stats":
		s.handleSubscribeStats(ctx)

	default:
		s.writeJSON(outboundWSMessage{Type: "error", Data: map[string]string{"message": "unknown message type: " + msg.Type}})
	}
}

func (s *wsSession) handleSubmitJob(ctx context.Context, msg inboundWSMessage) {
	job := jobmodel.NewJob(uuid.NewString(), msg.ServiceType, msg.Priority, msg.Payload, time.Now())
	if _, err := s.hub.broker.Submit(ctx, job); err != nil {
		s.writeJSON(outboundWSMessage{Type: "error", Data: map[string]string{"message": err.Error()}})
		return
	}
	s.writeJSON(outboundWSMessage{Type: "job_submitted", Data: map[string]string{"job_id": job.ID}})
}

func (s *wsSession) handleCancelJob(ctx context.Context, msg inboundWSMessage) {
	reason := msg.Reason
	if reason == "" {
		reason = "cancelled via websocket"
	}
	if err := s.hub.broker.Cancel(ctx, msg.JobID, reason); err != nil {
		s.writeJSON(outboundWSMessage{Type: "error", Data: map[string]string{"message": err.Error()}})
		return
	}
	s.writeJSON(outboundWSMessage{Type: "job_cancelled", Data: map[string]string{"job_id": msg.JobID}})
}

func (s *wsSession) handleRequestJobStatus(ctx context.Context, msg inboundWSMessage) {
	job, err := s.hub.broker.GetJob(ctx, msg.JobID)
	if err != nil {
		s.writeJSON(outboundWSMessage{Type: "error", Data: map[string]string{"message": err.Error()}})
		return
	}
	s.writeJSON(outboundWSMessage{Type: "job_status", Data: job})
}

func (s *wsSession) handleSubscribeProgress(msg inboundWSMessage) {
	s.mu.Lock()
	if _, already := s.subscriptions[msg.JobID]; already {
		s.mu.Unlock()
		return
	}
	subCtx, cancel := context.WithCancel(context.Background())
	s.subscriptions[msg.JobID] = cancel
	s.mu.Unlock()

	sub := s.hub.Subscribe(subCtx, msg.JobID)
	go s.forwardProgress(subCtx, sub)
}

func (s *wsSession) forwardProgress(ctx context.Context, sub *Subscriber) {
	defer s.hub.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			s.writeJSON(outboundWSMessage{Type: evt.Name, Data: evt.Fields})
		}
	}
}

func (s *wsSession) handleSubscribeStats(ctx context.Context) {
	s.mu.Lock()
	if s.statsCancel != nil {
		s.mu.Unlock()
		return
	}
	statsCtx, cancel := context.WithCancel(context.Background())
	s.statsCancel = cancel
	s.mu.Unlock()

	go s.statsLoop(statsCtx)
}

func (s *wsSession) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := s.hub.broker.PendingCount(ctx)
			if err != nil {
				continue
			}
			workers, err := s.hub.broker.ListActiveWorkerIDs(ctx)
			if err != nil {
				continue
			}
			s.writeJSON(outboundWSMessage{Type: "stats", Data: map[string]any{
				"pending_jobs":   pending,
				"active_workers": len(workers),
			}})
		}
	}
}

func (s *wsSession) writeJSON(v any) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil && s.log != nil {
		s.log.Debug("websocket write failed", slog.String("error", err.Error()))
	}
}

func (s *wsSession) close() {
	s.mu.Lock()
	for _, cancel := range s.subscriptions {
		cancel()
	}
	s.subscriptions = nil
	if s.statsCancel != nil {
		s.statsCancel()
	}
	s.mu.Unlock()
	_ = s.conn.Close()
}
