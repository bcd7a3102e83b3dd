package main

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

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/attestation"
	"jobhub/internal/broker"
	"jobhub/internal/config"
	"jobhub/internal/connector"
	"jobhub/internal/jobmodel"
	"jobhub/internal/logging"
	"jobhub/internal/workerruntime"
)

// jobhubWorkerVersion is reported in the worker's registration record
// (jobmodel.Worker.Version) and has no bearing on protocol compatibility.
const jobhubWorkerVersion = "1.0.0"

// jobhub-worker is the single-job worker process from spec.md §4.3: it
// polls the broker for claimable jobs matching its advertised capabilities,
// runs them through a connector, and reports progress/terminal state back.
// Only the built-in simulation connector ships here; real provider
// connectors (ComfyUI, OpenAI, Automatic1111, ...) are out of scope per
// spec.md §1 and would be registered the same way operators wire in their
// own Factory implementations against this same connector.Manager.
func main() {
	log := logging.New()

	cfg, err := config.LoadWorkerConfigFromEnv()
	if err != nil {
		log.Error("config error", "error", err.Error())
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("invalid HUB_REDIS_URL", "error", err.Error())
		os.Exit(2)
	}
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Error("redis unreachable at startup", "error", err.Error())
		os.Exit(1)
	}

	serviceTypes, err := parseWorkerSpecs(cfg.Workers)
	if err != nil {
		log.Error("invalid WORKERS", "error", err.Error())
		os.Exit(2)
	}
	if len(serviceTypes) == 0 {
		serviceTypes = []string{"simulation"}
	}

	manager := connector.NewManager(log)
	for _, serviceType := range serviceTypes {
		manager.Register(connector.NewSimulationConnector(connector.SimulationConfig{
			ID:          cfg.WorkerID + "-" + serviceType,
			ServiceType: serviceType,
		}, rdb, log))
	}
	manager.InitializeAll(ctx)

	caps := jobmodel.Capabilities{
		Services:       manager.AdvertisedServices(),
		Isolation:      jobmodel.IsolationNone,
		ConcurrentJobs: 1,
	}

	b := broker.New(rdb).WithLogger(log)
	writer := attestation.NewWriter(rdb, 5*time.Minute, 24*time.Hour)
	rt := workerruntime.New(b, manager, writer, log, cfg, caps, jobhubWorkerVersion)

	log.Info("jobhub-worker starting",
		"worker_id", cfg.WorkerID,
		"services", strings.Join(caps.Services, ","),
	)

	runErr := rt.Run(ctx)

	cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.CleanupAll(cleanupCtx); err != nil {
		log.Error("connector cleanup failed", "error", err.Error())
	}

	if runErr != nil {
		log.Error("worker runtime exited with error", "error", runErr.Error())
		os.Exit(1)
	}
	log.Info("jobhub-worker stopped cleanly")
}

// parseWorkerSpecs parses "WORKERS=<type>:<count>,<type>:<count>" into the
// set of distinct service types to register. count is validated but
// otherwise unused: the connector manager registers one connector instance
// per service type regardless of count, since a single jobhub-worker
// process only ever runs one job at a time (concurrent_jobs=1) no matter
// how many connector types it advertises.
func parseWorkerSpecs(specs []string) ([]string, error) {
	var types []string
	seen := make(map[string]bool)
	for _, spec := range specs {
		spec = strings.TrimSpace(spec)
		if spec == "" {
			continue
		}
		parts := strings.SplitN(spec, ":", 2)
		serviceType := strings.TrimSpace(parts[0])
		if serviceType == "" {
			return nil, fmt.Errorf("empty service type in spec %q", spec)
		}
		if len(parts) == 2 {
			if _, err := strconv.Atoi(strings.TrimSpace(parts[1])); err != nil {
				return nil, err
			}
		}
		if !seen[serviceType] {
			seen[serviceType] = true
			types = append(types, serviceType)
		}
	}
	return types, nil
}
