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

// Package metrics exposes the prometheus collectors shared by the API and
// worker binaries: broker claim outcomes, connector request/retry counts,
// webhook delivery counts, and event-bridge subscriber gauges.
package metrics

import (
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	claimAttempts      *prometheus.CounterVec
	jobsTerminal       *prometheus.CounterVec
	connectorRequests  *prometheus.CounterVec
	connectorRetries   *prometheus.CounterVec
	connectorDuration  *prometheus.HistogramVec
	webhookDeliveries  *prometheus.CounterVec
	webhookRetries     *prometheus.CounterVec
	bridgeSubscribers  *prometheus.GaugeVec
)

// Claim outcome labels for ObserveClaimAttempt.
const (
	ClaimOutcomeClaimed = "claimed"
	ClaimOutcomeNone    = "none"
	ClaimOutcomeError   = "error"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used by
// tests to ensure clean state between independent broker/connector suites.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveClaimAttempt records the outcome of one RequestJob call against the
// broker's claim script.
func ObserveClaimAttempt(workerID, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if claimAttempts != nil {
		claimAttempts.WithLabelValues(sanitizeLabel(workerID, "unknown"), outcome).Inc()
	}
}

// ObserveJobTerminal records that a job reached a terminal status.
func ObserveJobTerminal(serviceType, status string) {
	mu.RLock()
	defer mu.RUnlock()
	if jobsTerminal != nil {
		jobsTerminal.WithLabelValues(sanitizeLabel(serviceType, "unknown"), status).Inc()
	}
}

// ObserveConnectorRequest records a completed connector backend call.
// code should be the HTTP status code, or -1 for non-HTTP failures.
func ObserveConnectorRequest(connectorID, serviceType string, code int, duration time.Duration) {
	status := "error"
	if code >= 0 {
		status = httpStatusLabel(code)
	}
	mu.RLock()
	defer mu.RUnlock()
	if connectorRequests != nil {
		connectorRequests.WithLabelValues(sanitizeLabel(connectorID, "unknown"), sanitizeLabel(serviceType, "unknown"), status).Inc()
	}
	if connectorDuration != nil {
		connectorDuration.WithLabelValues(sanitizeLabel(connectorID, "unknown"), sanitizeLabel(serviceType, "unknown")).Observe(durationSeconds(duration))
	}
}

// IncConnectorRetry increments the retry counter for a connector's internal
// transient-error retry loop.
func IncConnectorRetry(connectorID, serviceType string) {
	mu.RLock()
	defer mu.RUnlock()
	if connectorRetries != nil {
		connectorRetries.WithLabelValues(sanitizeLabel(connectorID, "unknown"), sanitizeLabel(serviceType, "unknown")).Inc()
	}
}

// ObserveWebhookDelivery records a webhook delivery attempt outcome.
func ObserveWebhookDelivery(webhookID, outcome string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookDeliveries != nil {
		webhookDeliveries.WithLabelValues(sanitizeLabel(webhookID, "unknown"), outcome).Inc()
	}
}

// IncWebhookRetry increments the retry counter for a webhook delivery.
func IncWebhookRetry(webhookID string) {
	mu.RLock()
	defer mu.RUnlock()
	if webhookRetries != nil {
		webhookRetries.WithLabelValues(sanitizeLabel(webhookID, "unknown")).Inc()
	}
}

// SetBridgeSubscribers reports the current subscriber count for a job's
// progress fan-out.
func SetBridgeSubscribers(jobID string, count int) {
	mu.RLock()
	defer mu.RUnlock()
	if bridgeSubscribers != nil {
		bridgeSubscribers.WithLabelValues(sanitizeLabel(jobID, "unknown")).Set(float64(count))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	claims := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobhub",
		Subsystem: "broker",
		Name:      "claim_attempts_total",
		Help:      "Total RequestJob claim attempts grouped by worker and outcome.",
	}, []string{"worker", "outcome"})

	terminal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobhub",
		Subsystem: "broker",
		Name:      "jobs_terminal_total",
		Help:      "Total jobs reaching a terminal status, grouped by service type and status.",
	}, []string{"service_type", "status"})

	connReq := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobhub",
		Subsystem: "connector",
		Name:      "requests_total",
		Help:      "Total connector backend requests grouped by connector, service type, and status.",
	}, []string{"connector", "service_type", "status"})

	connRetries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobhub",
		Subsystem: "connector",
		Name:      "retries_total",
		Help:      "Total connector-internal retries grouped by connector and service type.",
	}, []string{"connector", "service_type"})

	connDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "jobhub",
		Subsystem: "connector",
		Name:      "request_duration_seconds",
		Help:      "Duration of connector backend requests.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	}, []string{"connector", "service_type"})

	webhookDel := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobhub",
		Subsystem: "webhook",
		Name:      "deliveries_total",
		Help:      "Total webhook delivery attempts grouped by webhook id and outcome.",
	}, []string{"webhook", "outcome"})

	webhookRet := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "jobhub",
		Subsystem: "webhook",
		Name:      "retries_total",
		Help:      "Total webhook delivery retries grouped by webhook id.",
	}, []string{"webhook"})

	subs := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "jobhub",
		Subsystem: "bridge",
		Name:      "subscribers",
		Help:      "Current number of progress subscribers per job.",
	}, []string{"job"})

	registry.MustRegister(claims, terminal, connReq, connRetries, connDuration, webhookDel, webhookRet, subs)

	reg = registry
	claimAttempts = claims
	jobsTerminal = terminal
	connectorRequests = connReq
	connectorRetries = connRetries
	connectorDuration = connDuration
	webhookDeliveries = webhookDel
	webhookRetries = webhookRet
	bridgeSubscribers = subs
}

func httpStatusLabel(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
