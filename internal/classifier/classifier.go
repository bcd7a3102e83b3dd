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

// Package classifier implements the pure failure-classification function
// shared by every worker and connector: given a raw error message and a
// small amount of context, it returns a stable (type, reason, description)
// label. It never reads the clock or any global state.
package classifier

import (
	"regexp"
	"strings"
)

// Type is the top-level failure category.
type Type string

const (
	TypeGenerationRefusal Type = "generation_refusal"
	TypeAuthError         Type = "auth_error"
	TypeRateLimit         Type = "rate_limit"
	TypeNetworkError      Type = "network_error"
	TypeServiceError      Type = "service_error"
	TypeTimeout           Type = "timeout"
	TypeValidationError   Type = "validation_error"
	TypeResourceLimit     Type = "resource_limit"
	TypeResponseError     Type = "response_error"
	TypeSystemError       Type = "system_error"
)

// Reason is the specific, within-Type cause.
type Reason string

const (
	ReasonSafetyFilter      Reason = "safety_filter"
	ReasonViolenceDetected  Reason = "violence_detected"
	ReasonCopyrightBlocker  Reason = "copyright_blocker"
	ReasonNSFWContent       Reason = "nsfw_content"
	ReasonHateSpeech        Reason = "hate_speech"
	ReasonPersonalInfo      Reason = "personal_info"
	ReasonPolicyViolation   Reason = "policy_violation"

	ReasonInvalidAPIKey          Reason = "invalid_api_key"
	ReasonExpiredToken           Reason = "expired_token"
	ReasonInsufficientPermissions Reason = "insufficient_permissions"
	ReasonAccountSuspended       Reason = "account_suspended"

	ReasonRequestsPerMinute   Reason = "requests_per_minute"
	ReasonTokensPerMinute     Reason = "tokens_per_minute"
	ReasonDailyQuotaExceeded  Reason = "daily_quota_exceeded"
	ReasonConcurrentRequests  Reason = "concurrent_requests"

	ReasonConnectionFailed Reason = "connection_failed"
	ReasonDNSResolution    Reason = "dns_resolution"
	ReasonSSLCertificate   Reason = "ssl_certificate"
	ReasonProxyError       Reason = "proxy_error"
	ReasonNetworkTimeout   Reason = "network_timeout"

	ReasonServiceDown          Reason = "service_down"
	ReasonServiceUnavailable   Reason = "service_unavailable"
	ReasonMaintenanceMode      Reason = "maintenance_mode"
	ReasonDegradedPerformance  Reason = "degraded_performance"

	ReasonJobTimeout        Reason = "job_timeout"
	ReasonProcessingTimeout Reason = "processing_timeout"
	ReasonQueueTimeout      Reason = "queue_timeout"

	ReasonInvalidPayload       Reason = "invalid_payload"
	ReasonMissingRequiredField Reason = "missing_required_field"
	ReasonInvalidFormat        Reason = "invalid_format"
	ReasonUnsupportedOperation Reason = "unsupported_operation"
	ReasonModelNotFound        Reason = "model_not_found"
	ReasonComponentError       Reason = "component_error"

	ReasonOutOfMemory     Reason = "out_of_memory"
	ReasonDiskSpaceFull   Reason = "disk_space_full"
	ReasonGPUMemoryFull   Reason = "gpu_memory_full"
	ReasonConcurrentLimit Reason = "concurrent_limit"

	ReasonInvalidResponseFormat   Reason = "invalid_response_format"
	ReasonUnexpectedContentType  Reason = "unexpected_content_type"
	ReasonCorruptedData          Reason = "corrupted_data"
	ReasonMissingExpectedData    Reason = "missing_expected_data"

	ReasonInternalError   Reason = "internal_error"
	ReasonConfigError     Reason = "config_error"
	ReasonDependencyError Reason = "dependency_error"
	ReasonGPUError        Reason = "gpu_error"
	ReasonUnknownError    Reason = "unknown_error"
	// ReasonWorkerLost is used by the broker's stale-worker sweeper, not by
	// Classify: it labels jobs recovered from a worker whose heartbeat
	// lapsed, not a backend-reported failure.
	ReasonWorkerLost Reason = "worker_lost"
)

// Context carries the extra signal a classifier may use beyond the raw
// message. All fields are optional except ServiceType.
type Context struct {
	ServiceType string
	HTTPStatus  int // 0 means absent
	Timeout     bool
	RawResponse string
}

// Classification is the classifier's output.
type Classification struct {
	Type        Type
	Reason      Reason
	Description string
}

// Retryable reports whether the classification's Type is retryable at the
// job level, per the propagation policy: auth, validation, refusal,
// resource, and most response errors are not retryable; network, rate
// limit, timeout, and service errors are.
func (c Classification) Retryable() bool {
	switch c.Type {
	case TypeNetworkError, TypeRateLimit, TypeTimeout, TypeServiceError:
		return true
	default:
		return false
	}
}

type pattern struct {
	re     *regexp.Regexp
	reason Reason
}

var requestIDPattern = regexp.MustCompile(`wfr_[A-Za-z0-9]+`)

var refusalPatterns = []pattern{
	{regexp.MustCompile(`(?i)violence|violent content`), ReasonViolenceDetected},
	{regexp.MustCompile(`(?i)copyright`), ReasonCopyrightBlocker},
	{regexp.MustCompile(`(?i)nsfw|explicit content|sexual content`), ReasonNSFWContent},
	{regexp.MustCompile(`(?i)hate speech|hateful`), ReasonHateSpeech},
	{regexp.MustCompile(`(?i)personal info|pii detected`), ReasonPersonalInfo},
	{regexp.MustCompile(`(?i)policy violation`), ReasonPolicyViolation},
	{regexp.MustCompile(`(?i)cannot generate|unable to create|not allowed|refused|declined|moderation_blocked|safety system|content policy`), ReasonSafetyFilter},
}

var authPatterns = []pattern{
	{regexp.MustCompile(`(?i)expired token|token expired`), ReasonExpiredToken},
	{regexp.MustCompile(`(?i)insufficient permission|forbidden|access denied`), ReasonInsufficientPermissions},
	{regexp.MustCompile(`(?i)account suspended|account disabled`), ReasonAccountSuspended},
	{regexp.MustCompile(`(?i)invalid api key|invalid_api_key|unauthorized|authentication failed`), ReasonInvalidAPIKey},
}

var rateLimitPatterns = []pattern{
	{regexp.MustCompile(`(?i)tokens per minute|tokens_per_minute`), ReasonTokensPerMinute},
	{regexp.MustCompile(`(?i)daily quota|quota exceeded`), ReasonDailyQuotaExceeded},
	{regexp.MustCompile(`(?i)concurrent request`), ReasonConcurrentRequests},
	{regexp.MustCompile(`(?i)rate limit|requests per minute|too many requests`), ReasonRequestsPerMinute},
}

var networkPatterns = []pattern{
	{regexp.MustCompile(`(?i)dns|could not resolve`), ReasonDNSResolution},
	{regexp.MustCompile(`(?i)ssl|tls certificate|certificate verify`), ReasonSSLCertificate},
	{regexp.MustCompile(`(?i)proxy error|proxy_error`), ReasonProxyError},
	{regexp.MustCompile(`(?i)network timeout`), ReasonNetworkTimeout},
	{regexp.MustCompile(`(?i)connection refused|connection reset|connection failed|no route to host|dial tcp`), ReasonConnectionFailed},
}

var resourcePatterns = []pattern{
	{regexp.MustCompile(`(?i)out of memory|oom`), ReasonOutOfMemory},
	{regexp.MustCompile(`(?i)disk space|no space left`), ReasonDiskSpaceFull},
	{regexp.MustCompile(`(?i)gpu memory|cuda out of memory|vram`), ReasonGPUMemoryFull},
	{regexp.MustCompile(`(?i)concurrent limit|too many concurrent`), ReasonConcurrentLimit},
}

var servicePatterns = []pattern{
	{regexp.MustCompile(`(?i)maintenance mode|under maintenance`), ReasonMaintenanceMode},
	{regexp.MustCompile(`(?i)degraded`), ReasonDegradedPerformance},
	{regexp.MustCompile(`(?i)service unavailable|temporarily unavailable`), ReasonServiceUnavailable},
	{regexp.MustCompile(`(?i)service down|service is down`), ReasonServiceDown},
}

var timeoutPatterns = []pattern{
	{regexp.MustCompile(`(?i)job timeout|job_timeout`), ReasonJobTimeout},
	{regexp.MustCompile(`(?i)queue timeout|queued too long`), ReasonQueueTimeout},
	{regexp.MustCompile(`(?i)processing timeout`), ReasonProcessingTimeout},
	{regexp.MustCompile(`(?i)network timeout`), ReasonNetworkTimeout},
	{regexp.MustCompile(`(?i)timed? ?out`), ReasonProcessingTimeout},
}

var validationPatterns = []pattern{
	{regexp.MustCompile(`(?i)missing required field|missing_required_field|required field`), ReasonMissingRequiredField},
	{regexp.MustCompile(`(?i)invalid format|invalid_format|malformed`), ReasonInvalidFormat},
	{regexp.MustCompile(`(?i)unsupported operation|not supported`), ReasonUnsupportedOperation},
	{regexp.MustCompile(`(?i)model not found|model_not_found|unknown model`), ReasonModelNotFound},
	{regexp.MustCompile(`(?i)component error|node error`), ReasonComponentError},
	{regexp.MustCompile(`(?i)invalid payload|invalid_payload|validation failed|invalid request`), ReasonInvalidPayload},
}

var responsePatterns = []pattern{
	{regexp.MustCompile(`(?i)unexpected content.?type`), ReasonUnexpectedContentType},
	{regexp.MustCompile(`(?i)corrupted|truncated response`), ReasonCorruptedData},
	{regexp.MustCompile(`(?i)missing expected data|missing field in response`), ReasonMissingExpectedData},
	{regexp.MustCompile(`(?i)invalid response|unparseable response|invalid json`), ReasonInvalidResponseFormat},
}

var systemPatterns = []pattern{
	{regexp.MustCompile(`(?i)config error|configuration error|misconfigured`), ReasonConfigError},
	{regexp.MustCompile(`(?i)dependency error|upstream dependency`), ReasonDependencyError},
	{regexp.MustCompile(`(?i)gpu error|cuda error`), ReasonGPUError},
	{regexp.MustCompile(`(?i)internal error|internal_error`), ReasonInternalError},
}

// Classify maps a raw error message plus context to a stable classification.
// It is pure: the same (message, context) pair always yields the same
// result, and it never consults the clock or any mutable global state.
func Classify(message string, ctx Context) Classification {
	trimmed := strings.TrimSpace(message)
	full := trimmed
	if ctx.RawResponse != "" && !strings.Contains(full, ctx.RawResponse) {
		full = full + " " + ctx.RawResponse
	}

	if ctx.HTTPStatus != 0 {
		if c, ok := classifyByStatus(ctx.HTTPStatus, full, trimmed); ok {
			return c
		}
	}

	if ctx.Timeout {
		return Classification{TypeTimeout, matchOr(full, timeoutPatterns, ReasonProcessingTimeout), describe(trimmed)}
	}

	if reason, ok := match(full, refusalPatterns); ok {
		return Classification{TypeGenerationRefusal, reason, describeRefusal(trimmed)}
	}
	if reason, ok := match(full, authPatterns); ok {
		return Classification{TypeAuthError, reason, describe(trimmed)}
	}
	if reason, ok := match(full, rateLimitPatterns); ok {
		return Classification{TypeRateLimit, reason, describe(trimmed)}
	}
	if reason, ok := match(full, networkPatterns); ok {
		return Classification{TypeNetworkError, reason, describe(trimmed)}
	}
	if reason, ok := match(full, resourcePatterns); ok {
		return Classification{TypeResourceLimit, reason, describe(trimmed)}
	}
	if reason, ok := match(full, servicePatterns); ok {
		return Classification{TypeServiceError, reason, describe(trimmed)}
	}
	if reason, ok := match(full, timeoutPatterns); ok {
		return Classification{TypeTimeout, reason, describe(trimmed)}
	}
	if reason, ok := match(full, validationPatterns); ok {
		return Classification{TypeValidationError, reason, describe(trimmed)}
	}
	if reason, ok := match(full, responsePatterns); ok {
		return Classification{TypeResponseError, reason, describe(trimmed)}
	}
	if reason, ok := match(full, systemPatterns); ok {
		return Classification{TypeSystemError, reason, describe(trimmed)}
	}

	return Classification{TypeSystemError, ReasonUnknownError, describe(trimmed)}
}

func classifyByStatus(status int, full, trimmed string) (Classification, bool) {
	switch {
	case status == 401:
		reason := matchOr(full, authPatterns, ReasonInvalidAPIKey)
		return Classification{TypeAuthError, reason, describe(trimmed)}, true
	case status == 403:
		return Classification{TypeAuthError, ReasonInsufficientPermissions, describe(trimmed)}, true
	case status == 429:
		reason := matchOr(full, rateLimitPatterns, ReasonRequestsPerMinute)
		return Classification{TypeRateLimit, reason, describe(trimmed)}, true
	case status >= 500:
		if reason, ok := match(full, refusalPatterns); ok {
			return Classification{TypeGenerationRefusal, reason, describeRefusal(trimmed)}, true
		}
		reason := matchOr(full, servicePatterns, ReasonServiceUnavailable)
		return Classification{TypeServiceError, reason, describe(trimmed)}, true
	case status == 400 || status == 422:
		reason := matchOr(full, validationPatterns, ReasonInvalidPayload)
		return Classification{TypeValidationError, reason, describe(trimmed)}, true
	case status == 200:
		// A 200 still may carry a semantic refusal (e.g. async polling
		// result text); let the message-pattern chain decide.
		return Classification{}, false
	default:
		return Classification{}, false
	}
}

func match(s string, patterns []pattern) (Reason, bool) {
	for _, p := range patterns {
		if p.re.MatchString(s) {
			return p.reason, true
		}
	}
	return "", false
}

func matchOr(s string, patterns []pattern, fallback Reason) Reason {
	if reason, ok := match(s, patterns); ok {
		return reason
	}
	return fallback
}

func describe(message string) string {
	if message == "" {
		return "no error message provided"
	}
	return message
}

// describeRefusal echoes the trimmed offending text and, if present, the
// provider request id so operators can correlate with backend logs.
func describeRefusal(message string) string {
	desc := describe(message)
	if id := requestIDPattern.FindString(message); id != "" && !strings.Contains(desc, id) {
		desc = desc + " (" + id + ")"
	}
	return desc
}
