package api

import (
	"log/slog"
	"net/http"

	"github.com/phrazzld/focusqueue/internal/api/shared"
	"github.com/phrazzld/focusqueue/internal/queue"
)

// ItemHandler exposes the queue's producer surface over HTTP.
type ItemHandler struct {
	store  queue.Store
	logger *slog.Logger
}

// NewItemHandler creates a handler backed by the given store.
func NewItemHandler(store queue.Store, logger *slog.Logger) *ItemHandler {
	return &ItemHandler{
		store:  store,
		logger: logger.With("component", "item_handler"),
	}
}

// Enqueue handles POST /api/items. The item is accepted for background
// processing, so the response is 202 with the assigned id; a payload that
// is already queued yields 409.
func (h *ItemHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var req EnqueueRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := shared.ValidateRequest(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Validation failed: "+err.Error())
		return
	}

	priority := queue.PriorityNormal
	if req.Priority != "" {
		priority, _ = queue.ParsePriority(req.Priority)
	}

	id, err := h.store.Enqueue(r.Context(), req.PayloadRef, priority)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	h.logger.Info("item accepted",
		"item_id", id,
		"payload_ref", req.PayloadRef,
		"priority", priority.String())

	shared.RespondWithJSON(w, r, http.StatusAccepted, EnqueueResponse{
		ID:         id.String(),
		PayloadRef: req.PayloadRef,
		Priority:   priority.String(),
		Status:     string(queue.StatusPending),
	})
}

// Get handles GET /api/items/{id}.
func (h *ItemHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, GetSafeErrorMessage(err))
		return
	}

	item, err := h.store.GetItem(r.Context(), id)
	if err != nil {
		shared.RespondWithErrorAndLog(w, r, MapErrorToStatusCode(err), GetSafeErrorMessage(err), err)
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, itemResponseFrom(item))
}
