package connector

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"jobhub/internal/jobmodel"
)

type echoWSMessage struct {
	Kind     string `json:"kind"`
	JobID    string `json:"job_id"`
	Progress int    `json:"progress"`
	Message  string `json:"message"`
	Result   string `json:"result"`
}

type echoWSHooks struct{}

func (echoWSHooks) ClassifyMessage(raw []byte) WSMessageKind {
	var msg echoWSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return WSMessageUnknown
	}
	switch msg.Kind {
	case "progress":
		return WSMessageProgress
	case "complete":
		return WSMessageComplete
	case "failed":
		return WSMessageFailed
	default:
		return WSMessageUnknown
	}
}

func (echoWSHooks) ExtractJobID(raw []byte) (string, bool) {
	var msg echoWSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return "", false
	}
	return msg.JobID, msg.JobID != ""
}

func (echoWSHooks) ExtractProgress(raw []byte) (int, string) {
	var msg echoWSMessage
	_ = json.Unmarshal(raw, &msg)
	return msg.Progress, msg.Message
}

func (echoWSHooks) BuildJobMessage(job *jobmodel.Job) ([]byte, error) {
	return json.Marshal(map[string]string{"job_id": job.ID, "action": "start"})
}

func (echoWSHooks) ParseJobResult(raw []byte, job *jobmodel.Job) ([]byte, error) {
	var msg echoWSMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return []byte(msg.Result), nil
}

var wsUpgrader = websocket.Upgrader{}

// newEchoWSServer replies to every inbound message with a "complete"
// message echoing the job id straight back, simulating a backend that
// finishes the job the instant it's dispatched.
func newEchoWSServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var in map[string]string
			_ = json.Unmarshal(raw, &in)
			out, _ := json.Marshal(echoWSMessage{Kind: "complete", JobID: in["job_id"], Result: "echoed-result"})
			if err := conn.WriteMessage(websocket.TextMessage, out); err != nil {
				return
			}
		}
	}))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func TestWebSocketConnectorProcessJobRoundTrip(t *testing.T) {
	srv := newEchoWSServer(t)
	defer srv.Close()

	c := NewWebSocketConnector(WSConfig{
		ID:          "ws-1",
		ServiceType: "streaming-gen",
		URL:         wsURL(srv.URL),
		JobTimeout:  2 * time.Second,
	}, echoWSHooks{}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Cleanup(context.Background())

	if !c.CheckHealth(ctx) {
		t.Fatal("expected connector to report healthy after connect")
	}

	result, err := c.ProcessJob(ctx, newTestJob(), nil)
	if err != nil {
		t.Fatalf("ProcessJob: %v", err)
	}
	if string(result) != "echoed-result" {
		t.Fatalf("unexpected result %q", result)
	}
}

func TestWebSocketConnectorProcessJobBeforeConnectFails(t *testing.T) {
	c := NewWebSocketConnector(WSConfig{
		ID:          "ws-2",
		ServiceType: "streaming-gen",
		URL:         "ws://127.0.0.1:0",
	}, echoWSHooks{}, nil, nil)

	_, err := c.ProcessJob(context.Background(), newTestJob(), nil)
	if err == nil {
		t.Fatal("expected error when processing job before Initialize")
	}
}

func TestWebSocketConnectorCancelJobResolvesPending(t *testing.T) {
	srv := newEchoWSServer(t)
	defer srv.Close()

	c := NewWebSocketConnector(WSConfig{
		ID:          "ws-3",
		ServiceType: "streaming-gen",
		URL:         wsURL(srv.URL),
		JobTimeout:  2 * time.Second,
	}, echoWSHooks{}, nil, nil)

	ctx := context.Background()
	if err := c.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer c.Cleanup(ctx)

	c.mu.Lock()
	c.pending["job-cancel"] = &pendingJob{resultCh: make(chan wsOutcome, 1)}
	c.mu.Unlock()

	if err := c.CancelJob(ctx, "job-cancel"); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}

	c.mu.Lock()
	_, stillPending := c.pending["job-cancel"]
	c.mu.Unlock()
	if stillPending {
		t.Fatal("expected cancelled job to be removed from pending map")
	}
}
