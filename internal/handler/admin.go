package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// OutboxOperator lists and requeues outbox records that exhausted their
// delivery attempts.  *outbox.Relay implements it.
type OutboxOperator interface {
	Failed(ctx context.Context, limit int) ([]model.OutboxRecord, error)
	Requeue(ctx context.Context, id uint64) error
}

// AdminHandler serves operator endpoints.
type AdminHandler struct {
	Outbox OutboxOperator
}

func NewAdminHandler(ob OutboxOperator) *AdminHandler {
	if ob == nil {
		panic("nil outbox operator passed to NewAdminHandler")
	}
	return &AdminHandler{Outbox: ob}
}

// FailedOutbox handles GET /v1/admin/outbox/failed?limit=n.
func (h *AdminHandler) FailedOutbox(c echo.Context) error {
	limit := 100
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			return badRequest(c, "limit must be between 1 and 1000")
		}
		limit = n
	}
	list, err := h.Outbox.Failed(c.Request().Context(), limit)
	if err != nil {
		return RenderError(c, err)
	}
	out := make([]outboxResponse, 0, len(list))
	for _, r := range list {
		out = append(out, outboxResponse{
			ID:         r.ID,
			EventID:    r.EventID,
			Topic:      r.Topic,
			Status:     string(r.Status),
			RetryCount: r.RetryCount,
			LastError:  r.LastError,
			CreatedAt:  r.CreatedAt.UTC(),
			UpdatedAt:  r.UpdatedAt.UTC(),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"records": out})
}

// RequeueOutbox handles POST /v1/admin/outbox/:id/requeue.
func (h *AdminHandler) RequeueOutbox(c echo.Context) error {
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid outbox id")
	}
	if err := h.Outbox.Requeue(c.Request().Context(), id); err != nil {
		return RenderError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}
