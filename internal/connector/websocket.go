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
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"jobhub/internal/jobmodel"
)

// WSMessageKind classifies an inbound WebSocket message for routing, as
// returned by a concrete service's ClassifyMessage hook.
type WSMessageKind string

const (
	WSMessageProgress WSMessageKind = "job_progress"
	WSMessageComplete WSMessageKind = "job_complete"
	WSMessageFailed   WSMessageKind = "job_failed"
	WSMessageUnknown  WSMessageKind = "unknown"
)

// WebSocketHooks lets a concrete service (e.g. ComfyUI) plug its message
// shape into the shared persistent-connection flow.
type WebSocketHooks interface {
	// ClassifyMessage determines what an inbound message represents.
	ClassifyMessage(raw []byte) WSMessageKind
	// ExtractJobID pulls the correlating job id out of an inbound message.
	ExtractJobID(raw []byte) (jobID string, ok bool)
	// ExtractProgress pulls percentage/message out of a job_progress message.
	ExtractProgress(raw []byte) (progress int, message string)
	// BuildJobMessage builds the outbound message that dispatches job to
	// the backend over the open connection.
	BuildJobMessage(job *jobmodel.Job) ([]byte, error)
	// ParseJobResult extracts the final result payload from a job_complete
	// message.
	ParseJobResult(raw []byte, job *jobmodel.Job) ([]byte, error)
}

// ActivityCallback is how the WebSocket connector reports every inbound
// message's timestamp back to the worker, which tracks
// last_websocket_activity_ts per job for the health monitor. The worker
// registers this callback rather than owning the connector's reader
// goroutine directly, breaking the connector/worker circular reference
// through a callback instead of a pointer cycle.
type ActivityCallback func(jobID string, at time.Time)

// WSConfig carries construction parameters for a WebSocketConnector.
type WSConfig struct {
	ID                string
	ServiceType       string
	URL               string
	Headers           map[string]string
	HandshakeTimeout  time.Duration // defaults to 10s
	HeartbeatInterval time.Duration // defaults to 30s
	MaxReconnectDelay time.Duration // defaults to 30s
	JobTimeout        time.Duration // defaults to 30m
}

// pendingJob tracks one in-flight job's correlation state.
type pendingJob struct {
	resultCh chan wsOutcome
	job      *jobmodel.Job
	progress ProgressCallback
}

type wsOutcome struct {
	result []byte
	err    error
}

// WebSocketConnector maintains a persistent connection to a backend that
// streams job progress/results as messages rather than exposing a
// request/response or poll endpoint (e.g. ComfyUI). Reconnection uses
// capped exponential backoff; inbound messages are routed by
// WebSocketHooks.ClassifyMessage/ExtractJobID to whichever job is waiting.
type WebSocketConnector struct {
	*BaseConnector

	cfg   WSConfig
	hooks WebSocketHooks
	cb    *gobreaker.CircuitBreaker

	activityCb ActivityCallback

	mu       sync.Mutex
	conn     *websocket.Conn
	pending  map[string]*pendingJob
	closed   bool
	cancelRd context.CancelFunc
}

// NewWebSocketConnector constructs a WebSocketConnector around hooks.
func NewWebSocketConnector(cfg WSConfig, hooks WebSocketHooks, rdb redis.Cmdable, log *slog.Logger) *WebSocketConnector {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.MaxReconnectDelay <= 0 {
		cfg.MaxReconnectDelay = 30 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 30 * time.Minute
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.ID,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &WebSocketConnector{
		BaseConnector: NewBaseConnector(cfg.ID, cfg.ServiceType, jobmodel.ProtocolWebSocket, rdb, log, 1),
		cfg:           cfg,
		hooks:         hooks,
		cb:            cb,
		pending:       make(map[string]*pendingJob),
	}
}

// RegisterActivityCallback lets the worker observe inbound message
// timestamps without owning the reader goroutine. Must be called before
// Initialize.
func (c *WebSocketConnector) RegisterActivityCallback(cb ActivityCallback) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.activityCb = cb
}

// Initialize opens the connection and starts the reader/heartbeat
// goroutines, retrying with capped exponential backoff until the first
// connect succeeds or ctx is cancelled.
func (c *WebSocketConnector) Initialize(ctx context.Context) error {
	if err := c.SetStatus(ctx, jobmodel.ConnectorConnecting, ""); err != nil {
		return err
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxReconnectDelay

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.connect(ctx)
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(0))
	if err != nil {
		c.MarkError(ctx, err)
		return fmt.Errorf("websocket %s: connect: %w", c.ID(), err)
	}

	return c.SetStatus(ctx, jobmodel.ConnectorIdle, "")
}

func (c *WebSocketConnector) connect(ctx context.Context) error {
	dialer := &websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	header := make(map[string][]string)
	for k, v := range c.cfg.Headers {
		header[k] = []string{v}
	}

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	readCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.conn = conn
	c.cancelRd = cancel
	c.closed = false
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	go c.heartbeatLoop(readCtx, conn)
	return nil
}

// readLoop is the connector-owned inbound reader: the worker never reads
// from the connection directly, only via ActivityCallback and the pending
// job channels this loop resolves.
func (c *WebSocketConnector) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(err)
			return
		}

		now := time.Now()
		jobID, ok := c.hooks.ExtractJobID(raw)
		if ok {
			c.mu.Lock()
			cb := c.activityCb
			c.mu.Unlock()
			if cb != nil {
				cb(jobID, now)
			}
		}

		switch c.hooks.ClassifyMessage(raw) {
		case WSMessageProgress:
			c.routeProgress(jobID, raw)
		case WSMessageComplete:
			c.routeComplete(jobID, raw)
		case WSMessageFailed:
			c.routeFailed(jobID, raw)
		}
	}
}

func (c *WebSocketConnector) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *WebSocketConnector) handleDisconnect(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.MarkError(context.Background(), fmt.Errorf("connection lost: %w", err))

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = c.cfg.MaxReconnectDelay
	_, _ = backoff.Retry(context.Background(), func() (struct{}, error) {
		return struct{}{}, c.connect(context.Background())
	}, backoff.WithBackOff(bo), backoff.WithMaxTries(0))
}

func (c *WebSocketConnector) routeProgress(jobID string, raw []byte) {
	c.mu.Lock()
	p, ok := c.pending[jobID]
	c.mu.Unlock()
	if !ok || p.progress == nil {
		return
	}
	progress, message := c.hooks.ExtractProgress(raw)
	p.progress(progress, message)
}

func (c *WebSocketConnector) routeComplete(jobID string, raw []byte) {
	c.mu.Lock()
	p, ok := c.pending[jobID]
	if ok {
		delete(c.pending, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	result, err := c.hooks.ParseJobResult(raw, p.job)
	p.resultCh <- wsOutcome{result: result, err: err}
}

func (c *WebSocketConnector) routeFailed(jobID string, raw []byte) {
	c.mu.Lock()
	p, ok := c.pending[jobID]
	if ok {
		delete(c.pending, jobID)
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	p.resultCh <- wsOutcome{err: fmt.Errorf("websocket %s: backend reported job %s failed: %s", c.ID(), jobID, string(raw))}
}

func (c *WebSocketConnector) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	if c.cancelRd != nil {
		c.cancelRd()
	}
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	return c.SetStatus(ctx, jobmodel.ConnectorOffline, "")
}

func (c *WebSocketConnector) CheckHealth(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.closed
}

func (c *WebSocketConnector) GetAvailableModels(ctx context.Context) []string { return nil }

func (c *WebSocketConnector) CanProcessJob(job *jobmodel.Job) bool {
	return job.ServiceRequired == c.ServiceType()
}

// ProcessJob dispatches job over the open connection and blocks until a
// job_complete/job_failed message correlates back, the per-job timeout
// expires, or ctx is cancelled.
func (c *WebSocketConnector) ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("websocket %s: not connected", c.ID())
	}
	p := &pendingJob{resultCh: make(chan wsOutcome, 1), job: job, progress: progress}
	c.pending[job.ID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, job.ID)
		c.mu.Unlock()
	}()

	msg, err := c.hooks.BuildJobMessage(job)
	if err != nil {
		return nil, fmt.Errorf("websocket %s: build job message: %w", c.ID(), err)
	}

	var sendErr error
	_, err = c.cb.Execute(func() (any, error) {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return nil, fmt.Errorf("not connected")
		}
		return nil, conn.WriteMessage(websocket.TextMessage, msg)
	})
	if err != nil {
		sendErr = err
	}
	if sendErr != nil {
		c.MarkError(ctx, sendErr)
		return nil, fmt.Errorf("websocket %s: send job message: %w", c.ID(), sendErr)
	}

	timeout := time.NewTimer(c.cfg.JobTimeout)
	defer timeout.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timeout.C:
		return nil, fmt.Errorf("websocket %s: job %s timed out waiting for backend", c.ID(), job.ID)
	case out := <-p.resultCh:
		return out.result, out.err
	}
}

// CancelJob is best-effort: it drops local correlation state so a late
// inbound message is ignored, but does not ask the backend to abort
// in-flight work (the base WebSocket protocol has no such primitive; a
// concrete service may add one via its own hooks).
func (c *WebSocketConnector) CancelJob(ctx context.Context, jobID string) error {
	c.mu.Lock()
	p, ok := c.pending[jobID]
	if ok {
		delete(c.pending, jobID)
	}
	c.mu.Unlock()
	if ok {
		p.resultCh <- wsOutcome{err: fmt.Errorf("websocket %s: job %s cancelled", c.ID(), jobID)}
	}
	return nil
}
