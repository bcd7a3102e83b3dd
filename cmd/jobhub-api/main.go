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
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"jobhub/internal/attestation"
	"jobhub/internal/broker"
	"jobhub/internal/config"
	"jobhub/internal/eventbridge"
	"jobhub/internal/httpapi"
	"jobhub/internal/logging"
	"jobhub/internal/webhook"
)

// jobhub-api is the submission-side process from spec.md §1: it owns the
// HTTP submission API, the SSE/WebSocket progress bridge, the stale-worker
// sweeper, and the webhook dispatcher. jobhub-worker is a separate process
// (cmd/jobhub-worker) and never runs in this binary.
func main() {
	log := logging.New()

	cfg, err := config.LoadAPIConfigFromEnv()
	if err != nil {
		log.Error("config error", "error", err.Error())
		os.Exit(1)
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Error("invalid JOBHUB_REDIS_URL", "error", err.Error())
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

	b := broker.New(rdb).WithLogger(log)
	writer := attestation.NewWriter(rdb, cfg.RetryAttestationTTL, cfg.PermanentAttestationTTL)
	sweeper := broker.NewSweeper(b, writer, log, 10*time.Second, 30*time.Second, 3)
	bridge := eventbridge.New(b, log, cfg.BridgeSubscriberQueueSize)
	webhookStore := webhook.NewStore(rdb)
	dispatcher := webhook.New(webhook.Config{
		RDB:         rdb,
		Store:       webhookStore,
		Logger:      log,
		WorkerCount: cfg.WebhookWorkerCount,
		MaxRetries:  cfg.WebhookMaxRetries,
		HTTPTimeout: cfg.WebhookHTTPTimeout,
	})

	var adminAuth *httpapi.BearerAuth
	if hash := os.Getenv("JOBHUB_ADMIN_TOKEN_HASH"); hash != "" {
		adminAuth = httpapi.NewBearerAuth(hash)
	} else {
		log.Warn("JOBHUB_ADMIN_TOKEN_HASH not set, webhook admin routes are unauthenticated")
	}

	var corsOrigins []string
	if raw := os.Getenv("JOBHUB_CORS_ORIGINS"); raw != "" {
		corsOrigins = strings.Split(raw, ",")
	}

	router := httpapi.NewRouter(httpapi.Config{
		Broker:       b,
		Bridge:       bridge,
		WebhookStore: webhookStore,
		Logger:       log,
		RateLimitRPM: cfg.RateLimitRequestsPerMinute,
		CORSOrigins:  corsOrigins,
		AdminAuth:    adminAuth,
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := sweeper.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("sweeper stopped", "error", err.Error())
		}
	}()
	go func() {
		if err := dispatcher.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("webhook dispatcher stopped", "error", err.Error())
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info("jobhub-api listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error("http server failed", "error", err.Error())
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err.Error())
		fmt.Fprintln(os.Stderr, "jobhub-api: forced exit after shutdown timeout")
		os.Exit(1)
	}
}
