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
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/jobmodel"
)

// SimulationConnector is the built-in fallback backend resolved by
// Manager.Resolve for any service id ending in "-sim" or containing "sim"
// when no dedicated connector is registered, per spec.md §4.3 step 4. It
// never calls out to a real backend: it echoes the job payload back as the
// result after a short, configurable synthetic delay, reporting evenly
// spaced progress along the way. Real provider connectors (ComfyUI,
// OpenAI, Automatic1111, ...) are out of scope per spec.md §1 and are not
// implemented here; operators register those via the connector manager's
// static registry instead.
type SimulationConnector struct {
	*BaseConnector

	steps int
	delay time.Duration
}

// SimulationConfig carries the construction parameters for a
// SimulationConnector.
type SimulationConfig struct {
	ID          string
	ServiceType string
	Steps       int           // number of progress updates emitted, default 4
	StepDelay   time.Duration // delay between each update, default 50ms
}

// NewSimulationConnector constructs a SimulationConnector.
func NewSimulationConnector(cfg SimulationConfig, rdb redis.Cmdable, log *slog.Logger) *SimulationConnector {
	steps := cfg.Steps
	if steps <= 0 {
		steps = 4
	}
	delay := cfg.StepDelay
	if delay <= 0 {
		delay = 50 * time.Millisecond
	}
	serviceType := cfg.ServiceType
	if serviceType == "" {
		serviceType = "simulation"
	}
	return &SimulationConnector{
		BaseConnector: NewBaseConnector(cfg.ID, serviceType, "", rdb, log, 1),
		steps:         steps,
		delay:         delay,
	}
}

func (s *SimulationConnector) Initialize(ctx context.Context) error {
	return s.SetStatus(ctx, jobmodel.ConnectorIdle, "")
}

func (s *SimulationConnector) Cleanup(ctx context.Context) error {
	return s.SetStatus(ctx, jobmodel.ConnectorOffline, "")
}

func (s *SimulationConnector) CheckHealth(ctx context.Context) bool {
	return s.Status().Status != jobmodel.ConnectorErrorStatus
}

func (s *SimulationConnector) GetAvailableModels(ctx context.Context) []string {
	return []string{"simulation-echo"}
}

func (s *SimulationConnector) CanProcessJob(job *jobmodel.Job) bool {
	return true
}

func (s *SimulationConnector) CancelJob(ctx context.Context, jobID string) error {
	return nil
}

// ProcessJob emits s.steps evenly spaced progress events, then echoes the
// job payload back as a JSON result.
func (s *SimulationConnector) ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error) {
	if err := s.SetStatus(ctx, jobmodel.ConnectorActive, ""); err != nil && s.log != nil {
		s.log.Warn("simulation: set active status", slog.String("error", err.Error()))
	}
	defer func() {
		if err := s.SetStatus(ctx, jobmodel.ConnectorIdle, ""); err != nil && s.log != nil {
			s.log.Warn("simulation: set idle status", slog.String("error", err.Error()))
		}
	}()

	for i := 1; i <= s.steps; i++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
		if progress != nil {
			progress(i*100/s.steps, "simulating")
		}
	}

	result, err := json.Marshal(map[string]any{
		"echo":      json.RawMessage(jsonOrQuoted(job.Payload)),
		"job_id":    job.ID,
		"service":   job.ServiceRequired,
		"simulated": true,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// jsonOrQuoted returns payload unchanged if it is already valid JSON,
// otherwise it is embedded as a quoted JSON string so Marshal above never
// fails on an opaque, non-JSON payload.
func jsonOrQuoted(payload []byte) []byte {
	if json.Valid(payload) {
		return payload
	}
	quoted, _ := json.Marshal(string(payload))
	return quoted
}
