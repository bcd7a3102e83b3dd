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

package workerruntime

import (
	"encoding/json"

	"jobhub/internal/jobmodel"
)

// ExtractRetryAttempt resolves the retry count for a job from whichever of
// the upstream conventions is present, in strict first-match precedence
// order:
//
//	ctx.workflow_context.retry_attempt > payload.ctx.retry_count >
//	payload.ctx.retryCount > job.retry_count > 0
//
// Presence, not truthiness, decides the match: workflow_context.retry_attempt
// = 0 is still "primary source present, use it" and short-circuits the rest
// of the chain. Malformed ctx JSON anywhere along the chain falls through to
// the next source rather than aborting extraction.
func ExtractRetryAttempt(job *jobmodel.Job) int {
	if job == nil {
		return 0
	}

	if job.CTX != nil {
		if wfCtx, ok := job.CTX["workflow_context"].(map[string]any); ok {
			if n, ok := asInt(wfCtx["retry_attempt"]); ok {
				return n
			}
		}
	}

	if len(job.Payload) > 0 {
		var payload struct {
			CTX map[string]any `json:"ctx"`
		}
		if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.CTX != nil {
			if n, ok := asInt(payload.CTX["retry_count"]); ok {
				return n
			}
			if n, ok := asInt(payload.CTX["retryCount"]); ok {
				return n
			}
		}
	}

	return job.RetryCount
}

// asInt reports whether v decodes to an integer, accepting both JSON
// numbers (float64, the json.Unmarshal-into-any default) and int/int64
// values a caller may have constructed directly.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	case int64:
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}
