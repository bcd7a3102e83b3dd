package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"jobhub/internal/broker"
	"jobhub/internal/eventbridge"
	"jobhub/internal/jobmodel"
	"jobhub/internal/webhook"
)

func newTestRouter(t *testing.T) (http.Handler, *broker.Broker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := broker.New(rdb)
	bridge := eventbridge.New(b, nil, 0)
	store := webhook.NewStore(rdb)

	router := NewRouter(Config{
		Broker:       b,
		Bridge:       bridge,
		WebhookStore: store,
		RateLimitRPM: 6000,
	})
	return router, b
}

func TestSubmitGetCancelJob(t *testing.T) {
	router, _ := newTestRouter(t)

	body, _ := json.Marshal(map[string]any{
		"type":     "rest_echo",
		"priority": 50,
		"payload":  map[string]string{"msg": "hi"},
	})
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var created submitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if created.JobID == "" {
		t.Fatal("expected a non-empty job id")
	}

	getReq := httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil)
	getRec := httptest.NewRecorder()
	router.ServeHTTP(getRec, getReq)
	if getRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", getRec.Code)
	}
	var job jobmodel.Job
	if err := json.Unmarshal(getRec.Body.Bytes(), &job); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if job.Status != jobmodel.StatusPending {
		t.Fatalf("expected pending status, got %s", job.Status)
	}

	cancelReq := httptest.NewRequest(http.MethodPost, "/jobs/"+created.JobID+"/cancel", bytes.NewReader([]byte(`{"reason":"test"}`)))
	cancelRec := httptest.NewRecorder()
	router.ServeHTTP(cancelRec, cancelReq)
	if cancelRec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", cancelRec.Code, cancelRec.Body.String())
	}

	afterReq := httptest.NewRequest(http.MethodGet, "/jobs/"+created.JobID, nil)
	afterRec := httptest.NewRecorder()
	router.ServeHTTP(afterRec, afterReq)
	var cancelled jobmodel.Job
	if err := json.Unmarshal(afterRec.Body.Bytes(), &cancelled); err != nil {
		t.Fatalf("decode cancelled job: %v", err)
	}
	if cancelled.Status != jobmodel.StatusCancelled {
		t.Fatalf("expected cancelled status, got %s", cancelled.Status)
	}
}

func TestGetJobNotFound(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestSubmitRejectsMissingType(t *testing.T) {
	router, _ := newTestRouter(t)
	req := httptest.NewRequest(http.MethodPost, "/jobs/", bytes.NewReader([]byte(`{"priority":1}`)))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
