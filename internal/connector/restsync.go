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
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"

	"jobhub/internal/jobmodel"
	"jobhub/internal/metrics"
)

// AuthScheme names how RESTSyncConnector authenticates outbound requests.
type AuthScheme string

const (
	AuthAPIKey AuthScheme = "api_key"
	AuthBearer AuthScheme = "bearer"
	AuthBasic  AuthScheme = "basic"
	AuthOAuth  AuthScheme = "oauth"
)

// RESTSyncHooks lets a concrete service plug its request/response shape into
// the shared single-round-trip REST flow.
type RESTSyncHooks interface {
	// BuildRequestPayload turns a job into the outbound request body.
	BuildRequestPayload(job *jobmodel.Job) ([]byte, error)
	// ParseResponse extracts the job result from a successful response body.
	ParseResponse(body []byte) ([]byte, error)
	// ValidateServiceResponse inspects a 200 response for embedded failure
	// semantics (e.g. {"status":"error", ...}) that HTTP status alone won't
	// catch. A non-nil error means the job failed despite the 200.
	ValidateServiceResponse(body []byte) error
}

// RESTSyncConnector calls a single endpoint and expects a complete result in
// the response; it does not poll or keep a connection open.
type RESTSyncConnector struct {
	*BaseConnector

	endpoint   string
	method     string
	authScheme AuthScheme
	authValue  string
	headers    map[string]string
	timeout    time.Duration
	policy     RetryPolicy

	hooks  RESTSyncHooks
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

// RESTSyncConfig carries the construction parameters for a RESTSyncConnector.
type RESTSyncConfig struct {
	ID                string
	ServiceType       string
	Endpoint          string
	Method            string // defaults to POST
	AuthScheme        AuthScheme
	AuthValue         string
	Headers           map[string]string
	Timeout           time.Duration // defaults to 30s
	MaxConcurrentJobs int
	RetryPolicy       RetryPolicy
	HTTPClient        *http.Client
}

// NewRESTSyncConnector constructs a RESTSyncConnector around the given hooks.
func NewRESTSyncConnector(cfg RESTSyncConfig, hooks RESTSyncHooks, rdb redis.Cmdable, log *slog.Logger) *RESTSyncConnector {
	if cfg.Method == "" {
		cfg.Method = http.MethodPost
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
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

	return &RESTSyncConnector{
		BaseConnector: NewBaseConnector(cfg.ID, cfg.ServiceType, jobmodel.ProtocolRESTSync, rdb, log, cfg.MaxConcurrentJobs),
		endpoint:      cfg.Endpoint,
		method:        cfg.Method,
		authScheme:    cfg.AuthScheme,
		authValue:     cfg.AuthValue,
		headers:       cfg.Headers,
		timeout:       cfg.Timeout,
		policy:        cfg.RetryPolicy,
		hooks:         hooks,
		client:        client,
		cb:            cb,
	}
}

func (c *RESTSyncConnector) Initialize(ctx context.Context) error {
	return c.SetStatus(ctx, jobmodel.ConnectorIdle, "")
}

func (c *RESTSyncConnector) Cleanup(ctx context.Context) error {
	return c.SetStatus(ctx, jobmodel.ConnectorOffline, "")
}

func (c *RESTSyncConnector) CheckHealth(ctx context.Context) bool {
	return c.Status().Status != jobmodel.ConnectorErrorStatus
}

func (c *RESTSyncConnector) GetAvailableModels(ctx context.Context) []string {
	return nil
}

func (c *RESTSyncConnector) CanProcessJob(job *jobmodel.Job) bool {
	return job.ServiceRequired == c.ServiceType()
}

func (c *RESTSyncConnector) CancelJob(ctx context.Context, jobID string) error {
	// REST-sync has no in-flight cancellation channel; the caller's context
	// cancellation aborts the outstanding HTTP request.
	return nil
}

func (c *RESTSyncConnector) applyAuth(req *http.Request) {
	switch c.authScheme {
	case AuthAPIKey:
		req.Header.Set("X-API-Key", c.authValue)
	case AuthBearer, AuthOAuth:
		req.Header.Set("Authorization", "Bearer "+c.authValue)
	case AuthBasic:
		req.Header.Set("Authorization", "Basic "+c.authValue)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
}

// ProcessJob builds the request, sends it with retry + circuit-breaker
// protection, validates the response, and reports a single progress=100
// event on success.
func (c *RESTSyncConnector) ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error) {
	payload, err := c.hooks.BuildRequestPayload(job)
	if err != nil {
		return nil, fmt.Errorf("rest_sync %s: build request: %w", c.ID(), err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body []byte
	_, err = c.cb.Execute(func() (any, error) {
		start := time.Now()
		attempt := doWithRetry(ctx, c.policy, func(n int) {
			metrics.IncConnectorRetry(c.ID(), c.ServiceType())
			if c.BaseConnector.log != nil {
				c.BaseConnector.log.Debug("rest_sync retry", slog.String("connector_id", c.ID()), slog.Int("attempt", n))
			}
		}, func(ctx context.Context) Attempt {
			req, rerr := http.NewRequestWithContext(ctx, c.method, c.endpoint, bytes.NewReader(payload))
			if rerr != nil {
				return Attempt{Err: rerr}
			}
			req.Header.Set("Content-Type", "application/json")
			c.applyAuth(req)

			resp, rerr := c.client.Do(req)
			if rerr != nil {
				return Attempt{Err: rerr}
			}
			return Attempt{Resp: resp, RetryAfter: retryAfter(resp)}
		})

		statusCode := -1
		if attempt.Resp != nil {
			statusCode = attempt.Resp.StatusCode
		}
		metrics.ObserveConnectorRequest(c.ID(), c.ServiceType(), statusCode, time.Since(start))

		if attempt.Err != nil {
			return nil, attempt.Err
		}
		defer attempt.Resp.Body.Close()
		respBody, rerr := io.ReadAll(attempt.Resp.Body)
		if rerr != nil {
			return nil, fmt.Errorf("read response: %w", rerr)
		}
		if attempt.Resp.StatusCode < 200 || attempt.Resp.StatusCode >= 300 {
			return nil, &HTTPError{StatusCode: attempt.Resp.StatusCode, Body: string(respBody)}
		}
		if verr := c.hooks.ValidateServiceResponse(respBody); verr != nil {
			return nil, verr
		}
		body = respBody
		return nil, nil
	})
	if err != nil {
		c.MarkError(ctx, err)
		return nil, err
	}

	result, err := c.hooks.ParseResponse(body)
	if err != nil {
		return nil, fmt.Errorf("rest_sync %s: parse response: %w", c.ID(), err)
	}
	if progress != nil {
		progress(100, "completed")
	}
	return result, nil
}

// HTTPError wraps a non-2xx REST response so callers can inspect both the
// status code and body for failure classification.
type HTTPError struct {
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := time.ParseDuration(v + "s"); err == nil {
		return secs
	}
	return 0
}
