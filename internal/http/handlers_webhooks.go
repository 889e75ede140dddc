package httpx

import (
	"errors"
	"net/http"

	"github.com/keepsake-labs/keepsake/internal/data"
	"github.com/keepsake-labs/keepsake/internal/domain/model"
	"github.com/keepsake-labs/keepsake/internal/service"
)

// WebhookSinkHandlers provides HTTP handlers for webhook sink operations.
type WebhookSinkHandlers struct {
	Svc *service.WebhookSinkService
}

const (
	defaultWebhookSinkListLimit = 50  // Default number of sinks returned when limit is not specified
	maxWebhookSinkListLimit     = 100 // Maximum number of sinks that can be requested in one call
)

// Create handles HTTP requests to register a new webhook sink.
func (h *WebhookSinkHandlers) Create(w http.ResponseWriter, r *http.Request) {
	var req model.CreateWebhookSinkRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	sink, err := h.Svc.Create(r.Context(), &req)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrWebhookSinkNameExists):
			WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "name_conflict", Err: err})
		case isValidationError(err):
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation_failed", Err: err})
		default:
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "create_failed", Err: err})
		}
		return
	}

	WriteJSON(w, http.StatusCreated, sink)
}

// List handles HTTP requests to list webhook sinks with pagination.
func (h *WebhookSinkHandlers) List(w http.ResponseWriter, r *http.Request) {
	limit, offset := ParseLimitOffset(r, defaultWebhookSinkListLimit, maxWebhookSinkListLimit)

	sinks, err := h.Svc.List(r.Context(), limit, offset)
	if err != nil {
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "list_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"webhooks": sinks,
		"limit":    limit,
		"offset":   offset,
	})
}

// GetByID handles HTTP requests to get a webhook sink by ID.
func (h *WebhookSinkHandlers) GetByID(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_path",
				Err:     errors.New("webhook sink id is required"),
			},
		)
		return
	}

	sink, err := h.Svc.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrWebhookSinkNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "webhook_not_found", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "get_failed", Err: err})
		return
	}

	WriteJSON(w, http.StatusOK, sink)
}

// Update handles HTTP requests to update a webhook sink.
func (h *WebhookSinkHandlers) Update(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_path",
				Err:     errors.New("webhook sink id is required"),
			},
		)
		return
	}

	var req *model.UpdateWebhookSinkRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	sink, err := h.Svc.Update(r.Context(), id, req)
	if err != nil {
		switch {
		case errors.Is(err, data.ErrWebhookSinkNotFound):
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "webhook_not_found", Err: err})
		case errors.Is(err, data.ErrWebhookSinkNameExists):
			WriteError(w, ErrorParams{Code: http.StatusConflict, ErrCode: "name_conflict", Err: err})
		case isValidationError(err):
			WriteError(w, ErrorParams{Code: http.StatusBadRequest, ErrCode: "validation_failed", Err: err})
		default:
			WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "update_failed", Err: err})
		}
		return
	}

	WriteJSON(w, http.StatusOK, sink)
}

// Delete handles HTTP requests to delete a webhook sink.
func (h *WebhookSinkHandlers) Delete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		WriteError(
			w,
			ErrorParams{
				Code:    http.StatusBadRequest,
				ErrCode: "invalid_path",
				Err:     errors.New("webhook sink id is required"),
			},
		)
		return
	}

	deleted, err := h.Svc.Delete(r.Context(), id)
	if err != nil {
		if errors.Is(err, data.ErrWebhookSinkNotFound) {
			WriteError(w, ErrorParams{Code: http.StatusNotFound, ErrCode: "webhook_not_found", Err: err})
			return
		}
		WriteError(w, ErrorParams{Code: http.StatusInternalServerError, ErrCode: "delete_failed", Err: err})
		return
	}

	if !deleted {
		WriteError(
			w,
			ErrorParams{
				Code:    http.StatusNotFound,
				ErrCode: "webhook_not_found",
				Err:     errors.New("webhook sink not found"),
			},
		)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}
