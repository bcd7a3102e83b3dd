package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"jobhub/internal/jobmodel"
)

type asyncEchoHooks struct {
	pollURL string
}

func (h asyncEchoHooks) BuildSubmitRequest(job *jobmodel.Job) ([]byte, error) {
	return json.Marshal(map[string]any{"job_id": job.ID})
}

func (h asyncEchoHooks) ParseSubmitResponse(body []byte) (string, error) {
	var out struct {
		BackendJobID string `json:"backend_job_id"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	return out.BackendJobID, nil
}

func (h asyncEchoHooks) BuildPollRequest(backendJobID string) (*http.Request, error) {
	return http.NewRequest(http.MethodGet, h.pollURL+"?id="+backendJobID, nil)
}

func (h asyncEchoHooks) ParsePollResponse(body []byte) (PollResult, error) {
	var out struct {
		Status   string `json:"status"`
		Progress int    `json:"progress"`
		Result   string `json:"result"`
		Error    string `json:"error"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return PollResult{}, err
	}
	return PollResult{
		Status:   PollStatus(out.Status),
		Progress: out.Progress,
		Result:   []byte(out.Result),
		Error:    out.Error,
	}, nil
}

func TestRESTAsyncProcessJobCompletesAfterPolling(t *testing.T) {
	var pollCount int
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"backend_job_id": "backend-1"})
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		pollCount++
		if pollCount < 2 {
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "running", "progress": 50})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "complete", "result": "done"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRESTAsyncConnector(RESTAsyncConfig{
		ID:           "async-1",
		ServiceType:  "video-gen",
		SubmitEndpoint: srv.URL + "/submit",
		PollInterval: 5 * time.Millisecond,
		MaxPollWait:  time.Second,
		RetryPolicy:  RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond},
	}, asyncEchoHooks{pollURL: srv.URL + "/poll"}, nil, nil)

	var lastProgress int
	result, err := c.ProcessJob(context.Background(), newTestJob(), func(p int, msg string) { lastProgress = p })
	if err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if string(result) != "done" {
		t.Fatalf("unexpected result %q", result)
	}
	if lastProgress != 100 {
		t.Fatalf("expected terminal progress 100, got %d", lastProgress)
	}
}

func TestRESTAsyncProcessJobPropagatesBackendFailure(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/submit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"backend_job_id": "backend-2"})
	})
	mux.HandleFunc("/poll", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": "failed", "error": "gpu oom"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewRESTAsyncConnector(RESTAsyncConfig{
		ID:           "async-2",
		ServiceType:  "video-gen",
		SubmitEndpoint: srv.URL + "/submit",
		PollInterval: 5 * time.Millisecond,
		MaxPollWait:  time.Second,
		RetryPolicy:  RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond},
	}, asyncEchoHooks{pollURL: srv.URL + "/poll"}, nil, nil)

	_, err := c.ProcessJob(context.Background(), newTestJob(), nil)
	if err == nil {
		t.Fatal("expected error for backend-reported failure")
	}
}

func TestRESTAsyncProcessJobSubmitFailureSkipsPolling(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewRESTAsyncConnector(RESTAsyncConfig{
		ID:           "async-3",
		ServiceType:  "video-gen",
		SubmitEndpoint: srv.URL,
		RetryPolicy:  RetryPolicy{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffMultiplier: 1, MaxDelay: time.Millisecond},
	}, asyncEchoHooks{pollURL: srv.URL}, nil, nil)

	_, err := c.ProcessJob(context.Background(), newTestJob(), nil)
	if err == nil {
		t.Fatal("expected submit failure to short-circuit before polling")
	}
}

func TestDetectRefusal(t *testing.T) {
	cl, refused := detectRefusal([]byte("Request declined due to content policy violation."))
	if !refused {
		t.Fatalf("expected refusal detection to trigger, got classification %+v", cl)
	}

	_, refused = detectRefusal([]byte("here is your generated image"))
	if refused {
		t.Fatal("expected non-refusal content to not be flagged")
	}
}
