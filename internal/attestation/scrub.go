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

package attestation

import (
	"reflect"
	"regexp"
	"strings"
)

const scrubbedPlaceholder = "[SCRUBBED_BASE64_DATA]"
const circularPlaceholder = "[CIRCULAR]"

var longBase64Pattern = regexp.MustCompile(`^[A-Za-z0-9+/=]{200,}$`)

// Scrub walks v recursively (maps and slices produced by json.Unmarshal into
// any) and replaces values that look like base64 blobs with a placeholder.
// A string is scrubbed if it matches a long base64 alphabet run, starts with
// a data URI base64 prefix, or lives under a key whose name contains
// "base64" (case-insensitive). Scrub is idempotent: Scrub(Scrub(x)) == Scrub(x).
// Self-referencing maps/slices are broken with a "[CIRCULAR]" marker rather
// than recursing forever.
func Scrub(v any) any {
	return scrubValue(v, "", make(map[uintptr]bool))
}

func scrubValue(v any, key string, onPath map[uintptr]bool) any {
	switch val := v.(type) {
	case string:
		if shouldScrubString(val, key) {
			return scrubbedPlaceholder
		}
		return val
	case map[string]any:
		ptr := reflect.ValueOf(val).Pointer()
		if onPath[ptr] {
			return circularPlaceholder
		}
		onPath[ptr] = true
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = scrubValue(vv, k, onPath)
		}
		delete(onPath, ptr)
		return out
	case []any:
		ptr := reflect.ValueOf(val).Pointer()
		if len(val) > 0 && onPath[ptr] {
			return circularPlaceholder
		}
		if len(val) > 0 {
			onPath[ptr] = true
		}
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = scrubValue(vv, key, onPath)
		}
		if len(val) > 0 {
			delete(onPath, ptr)
		}
		return out
	default:
		return v
	}
}

func shouldScrubString(s, key string) bool {
	if s == scrubbedPlaceholder {
		return false
	}
	if strings.Contains(strings.ToLower(key), "base64") {
		return true
	}
	if strings.HasPrefix(s, "data:") && strings.Contains(s, ";base64,") {
		return true
	}
	if longBase64Pattern.MatchString(s) {
		return true
	}
	return false
}
