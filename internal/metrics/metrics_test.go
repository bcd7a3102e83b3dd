package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestObserveClaimAttemptExposed(t *testing.T) {
	Reset()
	ObserveClaimAttempt("w1", ClaimOutcomeClaimed)
	ObserveClaimAttempt("w1", ClaimOutcomeNone)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler().ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.Contains(body, "jobhub_broker_claim_attempts_total") {
		t.Fatalf("expected claim attempts metric in output, got: %s", body)
	}
}

func TestObserveConnectorRequestBucketsStatus(t *testing.T) {
	Reset()
	ObserveConnectorRequest("comfy1", "image_gen", 200, 50*time.Millisecond)
	ObserveConnectorRequest("comfy1", "image_gen", 503, 10*time.Millisecond)
	IncConnectorRetry("comfy1", "image_gen")

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `status="2xx"`) || !strings.Contains(body, `status="5xx"`) {
		t.Fatalf("expected status buckets in output, got: %s", body)
	}
	if !strings.Contains(body, "jobhub_connector_retries_total") {
		t.Fatalf("expected retry counter in output")
	}
}

func TestSanitizeLabelFallback(t *testing.T) {
	if got := sanitizeLabel("  ", "unknown"); got != "unknown" {
		t.Fatalf("expected fallback for blank label, got %q", got)
	}
	if got := sanitizeLabel("job/with spaces!", "unknown"); got != "job_with_spaces_" {
		t.Fatalf("unexpected sanitized label: %q", got)
	}
}
