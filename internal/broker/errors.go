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

package broker

import "errors"

// Sentinel errors returned by broker operations. Callers should use
// errors.Is against these rather than string matching.
var (
	// ErrNotFound is returned when a job id has no corresponding record.
	ErrNotFound = errors.New("broker: job not found")

	// ErrNoJobAvailable is returned by RequestJob when no pending job
	// matches the caller's capabilities. It is not an error condition;
	// callers sleep and poll again.
	ErrNoJobAvailable = errors.New("broker: no job available")

	// ErrClaimLost indicates a claim script ran but another worker's
	// concurrent claim won the race for the same job.
	ErrClaimLost = errors.New("broker: claim lost to a concurrent worker")
)
