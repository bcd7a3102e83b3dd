package broker

import (
	"context"
	"log/slog"
	"io"
	"testing"
	"time"

	"jobhub/internal/attestation"
	"jobhub/internal/jobmodel"
	"jobhub/internal/redisconv"
)

func TestSweeperRecoversStaleWorker(t *testing.T) {
	b, rdb := newTestBroker(t)
	ctx := context.Background()
	submitEchoJob(t, b, "j7", 50, 1000)

	job, err := b.RequestJob(ctx, "w2", echoCaps())
	if err != nil {
		t.Fatalf("RequestJob: %v", err)
	}
	if job.ID != "j7" {
		t.Fatalf("expected to claim j7, got %s", job.ID)
	}

	worker := &jobmodel.Worker{
		ID:              "w2",
		MachineID:       "m1",
		Status:          jobmodel.WorkerBusy,
		Capabilities:    echoCaps(),
		LastHeartbeatMs: time.Now().Add(-10 * time.Minute).UnixMilli(),
		RegisteredAtMs:  time.Now().Add(-20 * time.Minute).UnixMilli(),
	}
	if err := b.RegisterWorker(ctx, worker); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}
	if err := rdb.HSet(ctx, redisconv.WorkerKey("w2"), "last_heartbeat_ms", worker.LastHeartbeatMs).Err(); err != nil {
		t.Fatalf("HSet heartbeat: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := attestation.NewWriter(rdb, 0, 0)
	sweeper := NewSweeper(b, writer, log, time.Second, 30*time.Second, 3)

	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	active, err := b.ActiveJobs(ctx, "w2")
	if err != nil {
		t.Fatalf("ActiveJobs: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no orphan entries in worker's active set, got %v", active)
	}

	recovered, err := b.GetJob(ctx, "j7")
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if recovered.Status != jobmodel.StatusPending {
		t.Fatalf("expected job re-pending after sweep, got %s", recovered.Status)
	}
	if recovered.RetryCount != 1 {
		t.Fatalf("expected retry_count incremented to 1, got %d", recovered.RetryCount)
	}

	failureKey := redisconv.RetryFailureAttestationKey("", "j7", 1)
	if _, err := rdb.Get(ctx, failureKey).Result(); err != nil {
		t.Fatalf("expected worker_lost attestation present: %v", err)
	}

	workerIDs, err := b.ListActiveWorkerIDs(ctx)
	if err != nil {
		t.Fatalf("ListActiveWorkerIDs: %v", err)
	}
	for _, id := range workerIDs {
		if id == "w2" {
			t.Fatalf("expected stale worker deregistered")
		}
	}
}

func TestSweeperIgnoresFreshWorker(t *testing.T) {
	b, rdb := newTestBroker(t)
	ctx := context.Background()

	worker := &jobmodel.Worker{
		ID:              "w1",
		Status:          jobmodel.WorkerIdle,
		Capabilities:    echoCaps(),
		LastHeartbeatMs: time.Now().UnixMilli(),
		RegisteredAtMs:  time.Now().UnixMilli(),
	}
	if err := b.RegisterWorker(ctx, worker); err != nil {
		t.Fatalf("RegisterWorker: %v", err)
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	writer := attestation.NewWriter(rdb, 0, 0)
	sweeper := NewSweeper(b, writer, log, time.Second, 30*time.Second, 3)
	if err := sweeper.SweepOnce(ctx); err != nil {
		t.Fatalf("SweepOnce: %v", err)
	}

	ids, err := b.ListActiveWorkerIDs(ctx)
	if err != nil {
		t.Fatalf("ListActiveWorkerIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "w1" {
		t.Fatalf("expected fresh worker to remain registered, got %v", ids)
	}
}
