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

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"jobhub/internal/broker"
	"jobhub/internal/jobmodel"
)

// jobsHandler serves POST /jobs, GET /jobs/{id}, POST /jobs/{id}/cancel,
// per spec.md §6.
type jobsHandler struct {
	broker *broker.Broker
	log    *slog.Logger
}

// submitRequest is the JSON body for POST /jobs.
type submitRequest struct {
	Type         string                `json:"type"`
	Priority     int64                 `json:"priority"`
	Payload      json.RawMessage       `json:"payload"`
	Requirements jobmodel.Requirements `json:"requirements"`
	CustomerID   string                `json:"customer_id,omitempty"`
	WorkflowID   string                `json:"workflow_id,omitempty"`
	Step         int                   `json:"step,omitempty"`
	TotalSteps   int                   `json:"total_steps,omitempty"`
	CTX          map[string]any        `json:"ctx,omitempty"`
}

// submitResponse is the 201 response for POST /jobs.
type submitResponse struct {
	JobID           string `json:"job_id"`
	Position        int64  `json:"position"`
	NotifiedWorkers int    `json:"notified_workers"`
}

func (h *jobsHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}

	job := jobmodel.NewJob(uuid.NewString(), req.Type, req.Priority, req.Payload, time.Now())
	job.Requirements = req.Requirements
	job.CustomerID = req.CustomerID
	job.WorkflowID = req.WorkflowID
	job.Step = req.Step
	job.TotalSteps = req.TotalSteps
	job.CTX = req.CTX

	ctx := r.Context()
	jobID, err := h.broker.Submit(ctx, job)
	if err != nil {
		h.logErr("submit", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
		return
	}

	position, err := h.broker.Position(ctx, jobID)
	if err != nil {
		h.logErr("position", err)
		position = -1
	}

	// The submission API does not itself fan out a wake-up notification to
	// workers: workers poll on their own interval (spec.md §4.3 step 1), so
	// notified_workers is always 0 here. It is kept in the response shape
	// because spec.md §6 names it as part of the contract.
	writeJSON(w, http.StatusCreated, submitResponse{
		JobID:           jobID,
		Position:        position,
		NotifiedWorkers: 0,
	})
}

func (h *jobsHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := h.broker.GetJob(r.Context(), id)
	if errors.Is(err, broker.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logErr("get", err)
		writeError(w, http.StatusInternalServerError, "failed to read job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

func (h *jobsHandler) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req cancelRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by client"
	}

	err := h.broker.Cancel(r.Context(), id, req.Reason)
	if errors.Is(err, broker.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		h.logErr("cancel", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": id, "status": "cancelled"})
}

func (h *jobsHandler) logErr(op string, err error) {
	if h.log != nil {
		h.log.Error("httpapi: job request failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
