package attestation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobhub/internal/classifier"
	"jobhub/internal/redisconv"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr := miniredis.RunT(t)
	return redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestWriteCompletionRoundTrip(t *testing.T) {
	rdb := newTestRedis(t)
	w := NewWriter(rdb, 0, 0)
	ctx := context.Background()

	rec := Record{JobID: "j1", WorkerID: "w1", MachineID: "m1", RetryCount: 0, CreatedAtMs: 1000}
	if err := w.WriteCompletion(ctx, "", "j1", 1, rec); err != nil {
		t.Fatalf("WriteCompletion: %v", err)
	}

	key := redisconv.CompletionAttestationKey("", "j1", 1)
	raw, err := rdb.Get(ctx, key).Result()
	if err != nil {
		t.Fatalf("get %s: %v", key, err)
	}
	var got Record
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Kind != KindCompletion || got.JobID != "j1" {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestWritePermanentFailureAlsoWritesCompletionAndWorkflow(t *testing.T) {
	rdb := newTestRedis(t)
	w := NewWriter(rdb, 0, 0)
	ctx := context.Background()

	rec := Record{
		JobID:         "j7",
		WorkerID:      "w2",
		WorkflowID:    "wf1",
		RetryCount:    3,
		MaxRetries:    3,
		FailureType:   classifier.TypeAuthError,
		FailureReason: classifier.ReasonInvalidAPIKey,
	}
	if err := w.WritePermanentFailure(ctx, "wf1", "j7", 4, rec); err != nil {
		t.Fatalf("WritePermanentFailure: %v", err)
	}

	permKey := redisconv.PermanentFailureAttestationKey("wf1", "j7")
	if _, err := rdb.Get(ctx, permKey).Result(); err != nil {
		t.Fatalf("expected permanent key present: %v", err)
	}
	compKey := redisconv.CompletionAttestationKey("wf1", "j7", 4)
	if _, err := rdb.Get(ctx, compKey).Result(); err != nil {
		t.Fatalf("expected backwards-compat completion key present: %v", err)
	}
	wfKey := redisconv.WorkflowFailureKey("wf1", nil)
	if _, err := rdb.Get(ctx, wfKey).Result(); err != nil {
		t.Fatalf("expected workflow-level failure key present: %v", err)
	}
}

func TestWriteScrubsRawPayloads(t *testing.T) {
	rdb := newTestRedis(t)
	w := NewWriter(rdb, 0, 0)
	ctx := context.Background()

	blob := ""
	for i := 0; i < 260; i++ {
		blob += "Z"
	}
	rec := Record{
		JobID:             "j9",
		RawServiceRequest: map[string]any{"image_base64": blob},
	}
	if err := w.WriteCompletion(ctx, "", "j9", 1, rec); err != nil {
		t.Fatalf("WriteCompletion: %v", err)
	}
	raw, err := rdb.Get(ctx, redisconv.CompletionAttestationKey("", "j9", 1)).Result()
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var got Record
	if err := json.Unmarshal([]byte(raw), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	reqMap := got.RawServiceRequest.(map[string]any)
	if reqMap["image_base64"] != scrubbedPlaceholder {
		t.Fatalf("expected raw request scrubbed before write, got %v", reqMap["image_base64"])
	}
}
