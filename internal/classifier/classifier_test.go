package classifier

import (
	"strings"
	"testing"
)

func TestClassifyMatrix(t *testing.T) {
	cases := []struct {
		name    string
		message string
		ctx     Context
		want    Type
		reason  Reason
	}{
		{"refusal_safety", "cannot generate this image due to policy", Context{}, TypeGenerationRefusal, ReasonSafetyFilter},
		{"refusal_violence", "request blocked: violence detected in prompt", Context{}, TypeGenerationRefusal, ReasonViolenceDetected},
		{"refusal_copyright", "blocked by copyright filter", Context{}, TypeGenerationRefusal, ReasonCopyrightBlocker},
		{"refusal_nsfw", "nsfw content detected", Context{}, TypeGenerationRefusal, ReasonNSFWContent},
		{"refusal_hate", "hate speech detected in output", Context{}, TypeGenerationRefusal, ReasonHateSpeech},
		{"refusal_pii", "response contains personal info", Context{}, TypeGenerationRefusal, ReasonPersonalInfo},
		{"refusal_policy", "rejected: policy violation", Context{}, TypeGenerationRefusal, ReasonPolicyViolation},

		{"auth_invalid_key", "invalid api key provided", Context{}, TypeAuthError, ReasonInvalidAPIKey},
		{"auth_expired", "token expired, please refresh", Context{}, TypeAuthError, ReasonExpiredToken},
		{"auth_insufficient", "insufficient permission to access resource", Context{}, TypeAuthError, ReasonInsufficientPermissions},
		{"auth_suspended", "account suspended for billing", Context{}, TypeAuthError, ReasonAccountSuspended},

		{"rate_rpm", "rate limit exceeded, requests per minute", Context{}, TypeRateLimit, ReasonRequestsPerMinute},
		{"rate_tpm", "tokens per minute limit reached", Context{}, TypeRateLimit, ReasonTokensPerMinute},
		{"rate_daily", "daily quota exceeded", Context{}, TypeRateLimit, ReasonDailyQuotaExceeded},
		{"rate_concurrent", "too many concurrent request slots in use", Context{}, TypeRateLimit, ReasonConcurrentRequests},

		{"net_connrefused", "dial tcp: connection refused", Context{}, TypeNetworkError, ReasonConnectionFailed},
		{"net_dns", "dns lookup failed, could not resolve host", Context{}, TypeNetworkError, ReasonDNSResolution},
		{"net_ssl", "ssl certificate verify failed", Context{}, TypeNetworkError, ReasonSSLCertificate},
		{"net_proxy", "upstream proxy error", Context{}, TypeNetworkError, ReasonProxyError},
		{"net_timeout", "network timeout while connecting", Context{}, TypeNetworkError, ReasonNetworkTimeout},

		{"svc_down", "service is down for this region", Context{}, TypeServiceError, ReasonServiceDown},
		{"svc_unavailable", "service temporarily unavailable", Context{}, TypeServiceError, ReasonServiceUnavailable},
		{"svc_maintenance", "backend is under maintenance mode", Context{}, TypeServiceError, ReasonMaintenanceMode},
		{"svc_degraded", "service is degraded right now", Context{}, TypeServiceError, ReasonDegradedPerformance},

		{"timeout_job", "job timeout exceeded", Context{}, TypeTimeout, ReasonJobTimeout},
		{"timeout_processing", "processing timeout while rendering", Context{}, TypeTimeout, ReasonProcessingTimeout},
		{"timeout_queue", "queue timeout, queued too long", Context{}, TypeTimeout, ReasonQueueTimeout},

		{"val_payload", "invalid payload: missing fields", Context{}, TypeValidationError, ReasonInvalidPayload},
		{"val_missing", "missing required field: prompt", Context{}, TypeValidationError, ReasonMissingRequiredField},
		{"val_format", "invalid format for parameter seed", Context{}, TypeValidationError, ReasonInvalidFormat},
		{"val_unsupported", "unsupported operation requested", Context{}, TypeValidationError, ReasonUnsupportedOperation},
		{"val_model", "model not found: sdxl-turbo-v9", Context{}, TypeValidationError, ReasonModelNotFound},
		{"val_component", "component error in node graph", Context{}, TypeValidationError, ReasonComponentError},

		{"res_oom", "out of memory while allocating tensor", Context{}, TypeResourceLimit, ReasonOutOfMemory},
		{"res_disk", "no space left on device", Context{}, TypeResourceLimit, ReasonDiskSpaceFull},
		{"res_gpu", "cuda out of memory", Context{}, TypeResourceLimit, ReasonGPUMemoryFull},
		{"res_concurrent", "concurrent limit reached for account", Context{}, TypeResourceLimit, ReasonConcurrentLimit},

		{"resp_format", "invalid response: unparseable response body", Context{}, TypeResponseError, ReasonInvalidResponseFormat},
		{"resp_contenttype", "unexpected content-type returned", Context{}, TypeResponseError, ReasonUnexpectedContentType},
		{"resp_corrupted", "corrupted response payload", Context{}, TypeResponseError, ReasonCorruptedData},
		{"resp_missing", "missing expected data in response", Context{}, TypeResponseError, ReasonMissingExpectedData},

		{"sys_internal", "internal error occurred", Context{}, TypeSystemError, ReasonInternalError},
		{"sys_config", "configuration error detected", Context{}, TypeSystemError, ReasonConfigError},
		{"sys_dependency", "dependency error in upstream dependency", Context{}, TypeSystemError, ReasonDependencyError},
		{"sys_gpu", "gpu error: device lost", Context{}, TypeSystemError, ReasonGPUError},
		{"sys_unknown", "something completely unanticipated happened", Context{}, TypeSystemError, ReasonUnknownError},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(tc.message, tc.ctx)
			if got.Type != tc.want || got.Reason != tc.reason {
				t.Fatalf("Classify(%q) = (%s, %s), want (%s, %s)", tc.message, got.Type, got.Reason, tc.want, tc.reason)
			}
		})
	}
}

func TestClassifyIsPure(t *testing.T) {
	msg := "rate limit exceeded"
	ctx := Context{ServiceType: "openai", HTTPStatus: 429}
	first := Classify(msg, ctx)
	for i := 0; i < 5; i++ {
		if got := Classify(msg, ctx); got != first {
			t.Fatalf("classify not pure: iteration %d got %+v, want %+v", i, got, first)
		}
	}
}

func TestClassifyHTTPStatusPrecedence(t *testing.T) {
	got := Classify("unexpected failure", Context{HTTPStatus: 401})
	if got.Type != TypeAuthError || got.Reason != ReasonInvalidAPIKey {
		t.Fatalf("expected 401 to decide auth_error/invalid_api_key, got %+v", got)
	}

	got = Classify("please slow down", Context{HTTPStatus: 429})
	if got.Type != TypeRateLimit {
		t.Fatalf("expected 429 to decide rate_limit, got %+v", got)
	}

	got = Classify("boom", Context{HTTPStatus: 503})
	if got.Type != TypeServiceError {
		t.Fatalf("expected 5xx to decide service_error, got %+v", got)
	}
}

func TestClassifyModerationBlockedWithRequestID(t *testing.T) {
	msg := `{"error":"moderation_blocked","message":"Your request was rejected by the safety system ... wfr_0199961219e2757f90717eccfffb8a71"}`
	got := Classify(msg, Context{HTTPStatus: 200, ServiceType: "openai"})
	if got.Type != TypeGenerationRefusal || got.Reason != ReasonSafetyFilter {
		t.Fatalf("expected generation_refusal/safety_filter, got %+v", got)
	}
	if !strings.Contains(got.Description, "wfr_0199961219e2757f90717eccfffb8a71") {
		t.Fatalf("expected description to contain request id, got %q", got.Description)
	}
}

func TestClassifyTimeoutFlag(t *testing.T) {
	got := Classify("the operation did not finish", Context{Timeout: true})
	if got.Type != TypeTimeout {
		t.Fatalf("expected timeout flag to force timeout type, got %+v", got)
	}
}
