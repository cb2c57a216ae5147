package api

import (
	"time"

	"github.com/phrazzld/focusqueue/internal/queue"
)

// EnqueueRequest is the body of POST /api/items.
type EnqueueRequest struct {
	PayloadRef string `json:"payload_ref" validate:"required"`
	Priority   string `json:"priority"    validate:"omitempty,oneof=high normal low"`
}

// EnqueueResponse acknowledges an accepted item.
type EnqueueResponse struct {
	ID         string `json:"id"`
	PayloadRef string `json:"payload_ref"`
	Priority   string `json:"priority"`
	Status     string `json:"status"`
}

// ItemResponse is the representation returned by GET /api/items/{id}.
type ItemResponse struct {
	ID           string     `json:"id"`
	PayloadRef   string     `json:"payload_ref"`
	Priority     string     `json:"priority"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

func itemResponseFrom(item *queue.Item) ItemResponse {
	return ItemResponse{
		ID:           item.ID.String(),
		PayloadRef:   item.PayloadRef,
		Priority:     item.Priority.String(),
		Status:       string(item.Status),
		Attempts:     item.Attempts,
		CreatedAt:    item.CreatedAt,
		StartedAt:    item.StartedAt,
		CompletedAt:  item.CompletedAt,
		ErrorMessage: item.ErrorMessage,
	}
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status string `json:"status"`
}
