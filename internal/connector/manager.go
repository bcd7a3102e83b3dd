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
	"strings"
	"sync"

	"jobhub/internal/jobmodel"
)

// Factory builds a Connector instance for a service type. The connector
// manager's registry maps service-type strings to factories; configuration
// drives which factories actually get instantiated, never reflection.
type Factory func(ctx context.Context) (Connector, error)

// stubConnector is the graceful-degradation fallback registered when a
// connector's Initialize fails: it reports unhealthy and refuses every
// job, but it keeps the service type present in the worker's capability
// advertisement (present-but-inactive) so restarts don't silently drop a
// capability the operator configured.
type stubConnector struct {
	id          string
	serviceType string
}

func (s *stubConnector) ID() string                          { return s.id }
func (s *stubConnector) ServiceType() string                 { return s.serviceType }
func (s *stubConnector) Protocol() jobmodel.ConnectorProtocol { return "" }
func (s *stubConnector) Initialize(ctx context.Context) error { return nil }
func (s *stubConnector) Cleanup(ctx context.Context) error    { return nil }
func (s *stubConnector) CheckHealth(ctx context.Context) bool { return false }
func (s *stubConnector) GetAvailableModels(ctx context.Context) []string { return nil }
func (s *stubConnector) CanProcessJob(job *jobmodel.Job) bool { return false }

func (s *stubConnector) ProcessJob(ctx context.Context, job *jobmodel.Job, progress ProgressCallback) ([]byte, error) {
	return nil, fmt.Errorf("connector %s: offline stub, service %q is present but inactive", s.id, s.serviceType)
}

func (s *stubConnector) CancelJob(ctx context.Context, jobID string) error { return nil }

func (s *stubConnector) Status() jobmodel.ConnectorRecord {
	return jobmodel.ConnectorRecord{
		ID:          s.id,
		ServiceType: s.serviceType,
		Status:      jobmodel.ConnectorOffline,
		Active:      false,
	}
}

// Manager loads configured connectors per worker and provides the
// capability -> connector lookup the polling loop uses to dispatch claimed
// jobs, per spec.md "Connector manager".
type Manager struct {
	log *slog.Logger

	mu         sync.RWMutex
	byService  map[string]Connector
	simulation Connector
}

// NewManager builds an empty Manager. Register connectors with Register,
// then call InitializeAll before the worker starts polling.
func NewManager(log *slog.Logger) *Manager {
	return &Manager{
		log:       log,
		byService: make(map[string]Connector),
	}
}

// Register adds a connector under its own ServiceType(). A connector whose
// service type is exactly "simulation" also becomes the fallback target for
// any service id matching the "-sim"/"sim" mapping rule.
func (m *Manager) Register(c Connector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byService[c.ServiceType()] = c
	if c.ServiceType() == "simulation" {
		m.simulation = c
	}
}

// Resolve returns the connector registered for serviceType, falling back to
// the simulation connector when serviceType ends in "-sim" or contains
// "sim" and no exact-match connector is registered, per spec.md §4.3 step 4.
func (m *Manager) Resolve(serviceType string) (Connector, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if c, ok := m.byService[serviceType]; ok {
		return c, true
	}

	lower := strings.ToLower(serviceType)
	if m.simulation != nil && (strings.HasSuffix(lower, "-sim") || strings.Contains(lower, "sim")) {
		return m.simulation, true
	}
	return nil, false
}

// InitializeAll calls Initialize on every registered connector. A connector
// whose Initialize fails is replaced in the registry by an offline stub so
// capability advertisement stays stable across restarts rather than
// silently dropping the service type; the failure is logged, not returned,
// since one bad connector must not prevent the others from starting.
func (m *Manager) InitializeAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for serviceType, c := range m.byService {
		if err := c.Initialize(ctx); err != nil {
			if m.log != nil {
				m.log.Error("connector initialize failed, registering offline stub",
					slog.String("service_type", serviceType),
					slog.String("connector_id", c.ID()),
					slog.String("error", err.Error()),
				)
			}
			m.byService[serviceType] = &stubConnector{id: c.ID(), serviceType: serviceType}
		}
	}
}

// CleanupAll calls Cleanup on every registered connector, collecting (not
// short-circuiting on) errors.
func (m *Manager) CleanupAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var errs []string
	for _, c := range m.byService {
		if err := c.Cleanup(ctx); err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", c.ID(), err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("connector manager cleanup: %s", strings.Join(errs, "; "))
	}
	return nil
}

// AdvertisedServices returns every registered service type, including ones
// backed by an offline stub, so the worker's capability record always
// reflects what was configured rather than what is currently healthy.
func (m *Manager) AdvertisedServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.byService))
	for serviceType := range m.byService {
		out = append(out, serviceType)
	}
	return out
}

// AggregateHealth reports CheckHealth across every registered connector,
// keyed by service type, for the worker's health-reporting surface.
func (m *Manager) AggregateHealth(ctx context.Context) map[string]bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]bool, len(m.byService))
	for serviceType, c := range m.byService {
		out[serviceType] = c.CheckHealth(ctx)
	}
	return out
}
