// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/manager"
	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/model"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

// webhookConfig is the webhook block of create/update bodies.
type webhookConfig struct {
	URL    string   `json:"url"`
	Events []string `json:"events,omitempty"`
}

type createInstanceRequest struct {
	ID                     string         `json:"id,omitempty"`
	Name                   string         `json:"name"`
	Webhook                *webhookConfig `json:"webhook,omitempty"`
	TypingIndicatorEnabled *bool          `json:"typingIndicatorEnabled,omitempty"`
	ApplyTypingTo          []string       `json:"applyTypingTo,omitempty"`
}

// webhookPatch distinguishes absent fields from empty ones.
type webhookPatch struct {
	URL    *string   `json:"url,omitempty"`
	Events *[]string `json:"events,omitempty"`
}

type updateInstanceRequest struct {
	Name                   *string       `json:"name,omitempty"`
	Webhook                *webhookPatch `json:"webhook,omitempty"`
	TypingIndicatorEnabled *bool         `json:"typingIndicatorEnabled,omitempty"`
	ApplyTypingTo          *[]string     `json:"applyTypingTo,omitempty"`
}

// instanceSummary is the list row: the full snapshot stays behind
// /client/status.
type instanceSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	PhoneNumber string `json:"phoneNumber,omitempty"`
}

// decodeJSON reads a hardened JSON body: size-capped, unknown fields
// rejected.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func instanceID(r *http.Request) string {
	return chi.URLParam(r, "id")
}

// instanceLogContext lifts the {id} route parameter into the log context,
// so every line emitted while serving the request names the tenant.
func instanceLogContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := log.ContextWithInstanceID(r.Context(), instanceID(r))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// handleListInstances implements GET /instances.
func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	snaps := s.manager.List()
	out := make([]instanceSummary, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, instanceSummary{
			ID:          snap.ID,
			Name:        snap.Name,
			Status:      string(snap.State),
			PhoneNumber: snap.PhoneNumber,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCreateInstance implements POST /instances. The instance id defaults
// to the name when the caller does not pick one; a webhook URL is mandatory
// here even though restored records may lack one.
func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}
	if req.Webhook == nil || req.Webhook.URL == "" {
		writeBadRequest(w, r, "webhook.url is required")
		return
	}

	id := req.ID
	if id == "" {
		id = req.Name
	}

	params := manager.CreateParams{
		ID:            id,
		Name:          req.Name,
		WebhookURL:    req.Webhook.URL,
		WebhookEvents: req.Webhook.Events,
		TypingEnabled: req.TypingIndicatorEnabled,
		TypingApplyTo: req.ApplyTypingTo,
	}

	snap, err := s.manager.Create(r.Context(), params)
	if err != nil {
		respondError(w, r, err)
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "api.instance_created").
		Str(log.FieldInstanceID, snap.ID).
		Str(log.FieldState, string(snap.State)).
		Msg("instance created")

	writeJSON(w, http.StatusCreated, snap)
}

// handleUpdateInstance implements PUT /instances/{id}, a partial patch.
func (s *Server) handleUpdateInstance(w http.ResponseWriter, r *http.Request) {
	var req updateInstanceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	params := manager.UpdateParams{
		Name:          req.Name,
		TypingEnabled: req.TypingIndicatorEnabled,
		TypingApplyTo: req.ApplyTypingTo,
	}
	if req.Webhook != nil {
		params.WebhookURL = req.Webhook.URL
		params.WebhookEvents = req.Webhook.Events
	}

	snap, err := s.manager.Update(r.Context(), instanceID(r), params)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleDeleteInstance implements DELETE /instances/{id}: hard delete,
// including the instance's idempotency records.
func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := instanceID(r)
	if err := s.manager.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "api.instance_deleted").
		Msg("instance deleted")

	w.WriteHeader(http.StatusNoContent)
}

// coarseStatus folds the nine lifecycle states into the handful of words
// tenant dashboards show.
func coarseStatus(st model.InstanceState) string {
	switch st {
	case model.StateReady:
		return "connected"
	case model.StateNeedsQR, model.StateFailedQRTimeout:
		return "needs_qr"
	case model.StateStartingBrowser, model.StateConnecting:
		return "connecting"
	case model.StateDisconnected, model.StatePaused:
		return "disconnected"
	case model.StateRestricted:
		return "restricted"
	default:
		return "error"
	}
}
