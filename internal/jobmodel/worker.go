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

package jobmodel

// WorkerStatus is a worker process's lifecycle state.
type WorkerStatus string

const (
	WorkerInitializing WorkerStatus = "initializing"
	WorkerIdle         WorkerStatus = "idle"
	WorkerBusy         WorkerStatus = "busy"
	WorkerError        WorkerStatus = "error"
	WorkerOffline      WorkerStatus = "offline"
)

// IsolationPolicy controls how a worker's allow/deny customer lists are
// enforced by the claim script.
type IsolationPolicy string

const (
	IsolationNone   IsolationPolicy = "none"
	IsolationLoose  IsolationPolicy = "loose"
	IsolationStrict IsolationPolicy = "strict"
)

// Capabilities is a worker's advertised capability record, consulted by the
// broker's claim script when matching pending jobs.
type Capabilities struct {
	Services         []string          `json:"services"`
	Hardware         map[string]any    `json:"hardware,omitempty"`
	Models           []string          `json:"models,omitempty"`
	Isolation        IsolationPolicy   `json:"isolation"`
	AllowedCustomers []string          `json:"allowed_customers,omitempty"`
	DeniedCustomers  []string          `json:"denied_customers,omitempty"`
	RegionTags       []string          `json:"region_tags,omitempty"`
	ComplianceTags   []string          `json:"compliance_tags,omitempty"`
	Region           string            `json:"region,omitempty"`
	CostTier         string            `json:"cost_tier,omitempty"`
	Tags             map[string]string `json:"tags,omitempty"`
	ConcurrentJobs   int               `json:"concurrent_jobs"`
}

// Worker is a registered worker process's record as stored in worker:{id}.
type Worker struct {
	ID               string       `json:"id"`
	MachineID        string       `json:"machine_id"`
	Status           WorkerStatus `json:"status"`
	Capabilities     Capabilities `json:"capabilities"`
	CurrentJobID     string       `json:"current_job_id,omitempty"`
	LastHeartbeatMs  int64        `json:"last_heartbeat_ms"`
	RegisteredAtMs   int64        `json:"registered_at_ms"`
	Version          string       `json:"version,omitempty"`
}

// ConnectorProtocol distinguishes the three protocol bases a connector may
// implement.
type ConnectorProtocol string

const (
	ProtocolRESTSync   ConnectorProtocol = "rest_sync"
	ProtocolRESTAsync  ConnectorProtocol = "rest_async"
	ProtocolWebSocket  ConnectorProtocol = "websocket"
)

// ConnectorStatus is a connector instance's lifecycle/health state.
type ConnectorStatus string

const (
	ConnectorStarting          ConnectorStatus = "starting"
	ConnectorWaitingForService ConnectorStatus = "waiting_for_service"
	ConnectorConnecting        ConnectorStatus = "connecting"
	ConnectorIdle              ConnectorStatus = "idle"
	ConnectorActive            ConnectorStatus = "active"
	ConnectorErrorStatus       ConnectorStatus = "error"
	ConnectorOffline           ConnectorStatus = "offline"
)

// ConnectorRecord is the Redis-visible snapshot of a connector instance's
// state, owned by exactly one worker process.
type ConnectorRecord struct {
	ID          string            `json:"id"`
	ServiceType string            `json:"service_type"`
	Protocol    ConnectorProtocol `json:"protocol"`
	Status      ConnectorStatus   `json:"status"`
	LastError   string            `json:"last_error,omitempty"`
	LastCheckMs int64             `json:"last_check_ms"`
	Active      bool              `json:"active"`
}
