// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package api

import (
	"encoding/base64"
	"net/http"
	"time"

	"github.com/michaelasham/wa-hub-sub000/internal/domain/instance/manager"
	"github.com/michaelasham/wa-hub-sub000/internal/log"
)

type sendMessageRequest struct {
	ChatID         string `json:"chatId"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
	Shop           string `json:"shop,omitempty"`
	OrderID        string `json:"orderId,omitempty"`
	Action         string `json:"action,omitempty"`
	Audience       string `json:"audience,omitempty"`
}

type createPollRequest struct {
	ChatID          string   `json:"chatId"`
	Caption         string   `json:"caption"`
	Options         []string `json:"options"`
	MultipleAnswers bool     `json:"multipleAnswers,omitempty"`
	IdempotencyKey  string   `json:"idempotencyKey,omitempty"`
	Shop            string   `json:"shop,omitempty"`
	OrderID         string   `json:"orderId,omitempty"`
	Action          string   `json:"action,omitempty"`
	Audience        string   `json:"audience,omitempty"`
}

type qrResponse struct {
	QR       string    `json:"qr"`
	State    string    `json:"state"`
	LastQRAt time.Time `json:"lastQrAt,omitzero"`
}

// clientStatusResponse is the full per-session view. instanceStatus is the
// coarse rollup, state the exact machine state.
type clientStatusResponse struct {
	InstanceStatus string `json:"instanceStatus"`
	manager.Snapshot
}

// handleQR implements GET /instances/{id}/client/qr. Only a session sitting
// on the QR screen has one; everything else is a 404.
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	qr, snap, err := s.manager.QR(instanceID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qrResponse{
		QR:       base64.StdEncoding.EncodeToString([]byte(qr)),
		State:    string(snap.State),
		LastQRAt: snap.LastQRAt,
	})
}

// handleClientStatus implements GET /instances/{id}/client/status.
func (s *Server) handleClientStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Get(instanceID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, clientStatusResponse{
		InstanceStatus: coarseStatus(snap.State),
		Snapshot:       snap,
	})
}

// handleSendMessage implements POST /instances/{id}/client/action/send-message.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.manager.SendMessage(r.Context(), instanceID(r), manager.SendMessageParams{
		ChatID:         req.ChatID,
		Body:           req.Message,
		IdempotencyKey: req.IdempotencyKey,
		Shop:           req.Shop,
		OrderID:        req.OrderID,
		Action:         req.Action,
		Audience:       req.Audience,
	})
	s.respondEnqueue(w, r, res, err)
}

// handleCreatePoll implements POST /instances/{id}/client/action/create-poll.
func (s *Server) handleCreatePoll(w http.ResponseWriter, r *http.Request) {
	var req createPollRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeBadRequest(w, r, "invalid JSON body: "+err.Error())
		return
	}

	res, err := s.manager.SendPoll(r.Context(), instanceID(r), manager.SendPollParams{
		ChatID:          req.ChatID,
		Caption:         req.Caption,
		Options:         req.Options,
		MultipleAnswers: req.MultipleAnswers,
		IdempotencyKey:  req.IdempotencyKey,
		Shop:            req.Shop,
		OrderID:         req.OrderID,
		Action:          req.Action,
		Audience:        req.Audience,
	})
	s.respondEnqueue(w, r, res, err)
}

// handleLogout implements POST /instances/{id}/client/action/logout: unlink
// the device when a live session exists, then hard-delete the instance.
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := instanceID(r)

	// Best effort: terminal sessions have nothing to unlink.
	if err := s.manager.Logout(r.Context(), id); err != nil {
		logger := log.WithComponentFromContext(r.Context(), "api")
		logger.Debug().
			Err(err).
			Msg("driver logout skipped")
	}

	if err := s.manager.Delete(r.Context(), id); err != nil {
		respondError(w, r, err)
		return
	}

	logger := log.WithComponentFromContext(r.Context(), "api")
	logger.Info().
		Str("event", "api.instance_logged_out").
		Msg("instance logged out and deleted")

	w.WriteHeader(http.StatusNoContent)
}

// handleDiagnostics implements GET /instances/{id}/diagnostics.
func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	diag, err := s.manager.Diagnostics(instanceID(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, diag)
}

// respondEnqueue maps enqueue outcomes: 200 for an idempotent replay that
// was already sent, 202 for anything newly accepted. Errors carry the
// instance state and queue depth when the instance still exists.
func (s *Server) respondEnqueue(w http.ResponseWriter, r *http.Request, res manager.EnqueueResult, err error) {
	if err != nil {
		resp := buildErrorResponse(r, err)
		if snap, gerr := s.manager.Get(instanceID(r)); gerr == nil {
			resp.State = string(snap.State)
			depth := snap.QueueDepth
			resp.QueueDepth = &depth
		}
		respondErrorEnvelope(w, r, err, resp)
		return
	}

	code := http.StatusAccepted
	if res.Status == "sent" {
		code = http.StatusOK
	}
	writeJSON(w, code, res)
}
