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

	"jobhub/internal/classifier"
	"jobhub/internal/jobmodel"
	"jobhub/internal/metrics"
)

// PollStatus is the normalized state an async backend reports for a
// submitted job, as extracted by RESTAsyncHooks.ParsePollResponse.
type PollStatus string

const (
	PollQueued     PollStatus = "queued"
	PollRunning    PollStatus = "running"
	PollComplete   PollStatus = "complete"
	PollFailed     PollStatus = "failed"
)

// PollResult is what a single poll of the backend's status endpoint yields.
type PollResult struct {
	Status   PollStatus
	Progress int // 0-100, best effort
	Message  string
	Result   []byte // only meaningful when Status == PollComplete
	Error    string // only meaningful when Status == PollFailed
}

// RESTAsyncHooks lets a concrete service plug into the submit-then-poll flow.
type RESTAsyncHooks interface {
	// BuildSubmitRequest builds the initial submission request body.
	BuildSubmitRequest(job *jobmodel.Job) ([]byte, error)
	// ParseSubmitResponse extracts the backend-assigned job id from the
	// submission response.
	ParseSubmitResponse(body []byte) (backendJobID string, err error)
	// BuildPollRequest builds the polling request for a backend job id.
	BuildPollRequest(backendJobID string) (*http.Request, error)
	// ParsePollResponse extracts status/progress/result from a poll response.
	ParsePollResponse(body []byte) (PollResult, error)
}

// detectRefusal reuses the classifier's semantic-refusal detection so an
// HTTP 200 "complete" response that actually describes a content refusal is
// turned into a GENERATION_REFUSAL failure instead of a false success.
func detectRefusal(result []byte) (classifier.Classification, bool) {
	c := classifier.Classify(string(result), classifier.Context{HTTPStatus: 200})
	if c.Type == classifier.TypeGenerationRefusal {
		return c, true
	}
	return classifier.Classification{}, false
}

// RESTAsyncConnector submits a job then polls a status endpoint until the
// backend reports completion or failure.
type RESTAsyncConnector struct {
	*BaseConnector

	submitEndpoint string
	pollInterval   time.Duration
	maxPollWait    time.Duration
	policy         RetryPolicy

	hooks  RESTAsyncHooks
	client *http.Client
	cb     *gobreaker.CircuitBreaker
}

// RESTAsyncConfig carries construction parameters for a RESTAsyncConnector.
type RESTAsyncConfig struct {
	ID                string
	ServiceType       string
	SubmitEndpoint    string
	PollInterval      time.Duration // defaults to 2s
	MaxPollWait       time.Duration // defaults to 30m
	MaxConcurrentJobs int
	RetryPolicy       RetryPolicy
	HTTPClient        *http.Client
}

func NewRESTAsyncConnector(cfg RESTAsyncConfig, hooks RESTAsyncHooks, rdb redis.Cmdable, log *slog.Logger) *RESTAsyncConnector {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPollWait <= 0 {
		cfg.MaxPollWait = 30 * time.Minute
	}
	if cfg.RetryPolicy == (RetryPolicy{}) {
		cfg.RetryPolicy = DefaultRetryPolicy()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
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

	return &RESTAsyncConnector{
		BaseConnector:  NewBaseConnector(cfg.ID, cfg.ServiceType, jobmodel.ProtocolRESTAsync, rdb, log, cfg.MaxConcurrentJobs),
		submitEndpoint: cfg.SubmitEndpoint,
		pollInterval:   cfg.PollInterval,
		maxPollWait:    cfg.MaxPollWait,
		policy:         cfg.RetryPolicy,
		hooks:          hooks,
		client:         client,
		cb:             cb,
	}
}

func (c *RESTAsyncConnector) Initialize(ctx context.Context) error {
	return c.SetStatus(ctx, jobmodel.ConnectorIdle, "")
}

func (c *RESTAsyncConnector) Cleanup(ctx context.Context) error {
	return c.SetStatus(ctx, jobmodel.ConnectorOffline, "")
}

func (c *RESTAsyncConnector) CheckHealth(ctx context.Context) bool {
	return c.Status().Status != jobmodel.ConnectorErrorStatus
}

func (c *RESTAsyncConnector) GetAvailableModels(ctx context.Context) []string { return nil }

func (c *RESTAsyncConnector) CanProcessJob(job *jobmodel.Job) bool {
	return job.ServiceRequired == c.ServiceType()
}

func (c *RESTAsyncConnector) CancelJob(ctx context.Context, jobID string) error {
	return nil
}

func (c *RESTAsyncConnector) submit(ctx context.Context, job *jobmodel.Job) (string, error) {
	payload, err := c.hooks.BuildSubmitRequest(job)
	if err != nil {
		return "", fmt.Errorf("rest_async %s: build submit request: %w", c.ID(), err)
	}

	var backendID string
	_, err = c.cb.Execute(func() (any, error) {
		start := time.Now()
		attempt := doWithRetry(ctx, c.policy, func(n int) {
			metrics.IncConnectorRetry(c.ID(), c.ServiceType())
		}, func(ctx context.Context) Attempt {
			req, rerr := http.NewRequestWithContext(ctx, http.MethodPost, c.submitEndpoint, bytes.NewReader(payload))
			if rerr != nil {
				return Attempt{Err: rerr}
			}
			req.Header.Set("Content-Type", "application/json")
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
		body, rerr := io.ReadAll(attempt.Resp.Body)
		if rerr != nil {
			return nil, rerr
		}
		if attempt.Resp.StatusCode < 200 || attempt.Resp.StatusCode >= 300 {
			return nil, &HTTPError{StatusCode: attempt.Resp.StatusCode, Body: string(body)}
		}
		id, perr := c.hooks.ParseSubmitResponse(body)
		if perr != nil {
			return nil, perr
		}
		backendID = id
		return nil, nil
	})
	return backendID, err
}

// ProcessJob submits the job then polls until the backend reports a
// terminal state, translating semantic refusals embedded in an otherwise
// successful response into a failure.
func (c *RESTAsyncConnector) ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error) {
	backendID, err := c.submit(ctx, job)
	if err != nil {
		c.MarkError(ctx, err)
		return nil, err
	}

	deadline := time.Now().Add(c.maxPollWait)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("rest_async %s: poll wait exceeded for job %s", c.ID(), job.ID)
			}

			result, err := c.poll(ctx, backendID)
			if err != nil {
				c.MarkError(ctx, err)
				return nil, err
			}

			switch result.Status {
			case PollQueued, PollRunning:
				if progress != nil {
					progress(result.Progress, result.Message)
				}
			case PollComplete:
				if cl, refused := detectRefusal(result.Result); refused {
					return nil, fmt.Errorf("%s: %s", cl.Reason, cl.Description)
				}
				if progress != nil {
					progress(100, "completed")
				}
				return result.Result, nil
			case PollFailed:
				return nil, fmt.Errorf("rest_async %s: backend reported failure: %s", c.ID(), result.Error)
			}
		}
	}
}

func (c *RESTAsyncConnector) poll(ctx context.Context, backendID string) (PollResult, error) {
	req, err := c.hooks.BuildPollRequest(backendID)
	if err != nil {
		return PollResult{}, fmt.Errorf("rest_async %s: build poll request: %w", c.ID(), err)
	}
	req = req.WithContext(ctx)

	resp, err := c.client.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("rest_async %s: poll request: %w", c.ID(), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PollResult{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return PollResult{}, &HTTPError{StatusCode: resp.StatusCode, Body: string(body)}
	}
	return c.hooks.ParsePollResponse(body)
}
