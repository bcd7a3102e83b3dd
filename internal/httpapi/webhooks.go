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
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"jobhub/internal/webhook"
)

// webhookHandler administers webhook subscriptions (spec.md §4.7). These
// routes sit behind httpapi.Config.AdminAuth because a subscription's
// secret field grants an attacker the ability to forge signed deliveries.
type webhookHandler struct {
	store *webhook.Store
	log   *slog.Logger
}

type createWebhookRequest struct {
	URL     string               `json:"url"`
	Events  []string             `json:"events"`
	Secret  string               `json:"secret,omitempty"`
	Headers map[string]string    `json:"headers,omitempty"`
	Filter  webhook.Filter       `json:"filter,omitempty"`
	Retry   *webhook.RetryPolicy `json:"retry,omitempty"`
}

func (h *webhookHandler) create(w http.ResponseWriter, r *http.Request) {
	var req createWebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.URL == "" || len(req.Events) == 0 {
		writeError(w, http.StatusBadRequest, "url and events are required")
		return
	}

	retry := webhook.DefaultRetryPolicy()
	if req.Retry != nil {
		retry = *req.Retry
	}

	sub := &webhook.Subscription{
		ID:          uuid.NewString(),
		URL:         req.URL,
		Events:      req.Events,
		Secret:      req.Secret,
		Headers:     req.Headers,
		Filter:      req.Filter,
		Retry:       retry,
		CreatedAtMs: time.Now().UnixMilli(),
	}

	if err := h.store.Put(r.Context(), sub); err != nil {
		h.logErr("create", err)
		writeError(w, http.StatusInternalServerError, "failed to create webhook")
		return
	}
	writeJSON(w, http.StatusCreated, redactSecret(sub))
}

func (h *webhookHandler) list(w http.ResponseWriter, r *http.Request) {
	subs, err := h.store.List(r.Context())
	if err != nil {
		h.logErr("list", err)
		writeError(w, http.StatusInternalServerError, "failed to list webhooks")
		return
	}
	out := make([]*webhook.Subscription, len(subs))
	for i, sub := range subs {
		out[i] = redactSecret(sub)
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *webhookHandler) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sub, err := h.store.Get(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "webhook not found")
		return
	}
	writeJSON(w, http.StatusOK, redactSecret(sub))
}

func (h *webhookHandler) delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.store.Delete(r.Context(), id); err != nil {
		h.logErr("delete", err)
		writeError(w, http.StatusInternalServerError, "failed to delete webhook")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *webhookHandler) logErr(op string, err error) {
	if h.log != nil {
		h.log.Error("httpapi: webhook request failed", slog.String("op", op), slog.String("error", err.Error()))
	}
}

// redactSecret returns a shallow copy of sub with Secret blanked so it
// never round-trips back to an API client that only needs to know a
// secret is configured, not what it is.
func redactSecret(sub *webhook.Subscription) *webhook.Subscription {
	copied := *sub
	if copied.Secret != "" {
		copied.Secret = "[CONFIGURED]"
	}
	return &copied
}
