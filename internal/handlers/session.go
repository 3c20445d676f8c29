package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"location-share-client/internal/middleware"
	"location-share-client/internal/models"
	"location-share-client/internal/services"

	"github.com/rs/zerolog/log"
)

// SharingController is the part of the session controller exposed to the UI bridge
type SharingController interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, confirm services.ConfirmFunc) error
	SetForeground(foreground bool)
	View() models.ViewState
	SubscribeView(fn func(models.ViewState)) func()
}

// SessionHandler handles location sharing requests from the UI
type SessionHandler struct {
	controller SharingController
}

// NewSessionHandler creates a new session handler
func NewSessionHandler(controller SharingController) *SessionHandler {
	return &SessionHandler{controller: controller}
}

// StopRequest represents the request body for stopping location sharing
type StopRequest struct {
	Confirm bool `json:"confirm"`
}

// LifecycleRequest represents an app foreground/background transition
type LifecycleRequest struct {
	Foreground bool `json:"foreground"`
}

// GetState handles GET /api/v1/location-sharing
func (h *SessionHandler) GetState(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, h.controller.View(), http.StatusOK)
}

// Start handles POST /api/v1/location-sharing/start
func (h *SessionHandler) Start(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	if err := h.controller.Start(ctx); err != nil {
		log.Error().Err(err).Str("user_id", userID).Msg("Failed to start location sharing")

		switch {
		case errors.Is(err, services.ErrPermissionDenied):
			respondError(w, "Location permission denied. Enable location access in system settings", http.StatusForbidden)
		case errors.Is(err, services.ErrRequestFailed):
			respondError(w, "Failed to start location sharing, please retry", http.StatusBadGateway)
		default:
			respondError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, h.controller.View(), http.StatusOK)
}

// Stop handles POST /api/v1/location-sharing/stop
func (h *SessionHandler) Stop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := middleware.GetUserID(ctx)

	var req StopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var confirm services.ConfirmFunc
	if req.Confirm {
		confirm = services.Confirmed
	}

	if err := h.controller.Stop(ctx, confirm); err != nil {
		switch {
		case errors.Is(err, services.ErrConfirmationRequired):
			respondError(w, "confirm must be true to stop sharing", http.StatusBadRequest)
		case errors.Is(err, services.ErrRequestFailed):
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to stop location sharing")
			respondError(w, "Failed to stop location sharing, still sharing", http.StatusBadGateway)
		default:
			log.Error().Err(err).Str("user_id", userID).Msg("Failed to stop location sharing")
			respondError(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	respondJSON(w, h.controller.View(), http.StatusOK)
}

// Lifecycle handles POST /api/v1/location-sharing/lifecycle
func (h *SessionHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	var req LifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	h.controller.SetForeground(req.Foreground)
	w.WriteHeader(http.StatusNoContent)
}
