package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/service"
)

// PointHandler exposes the caller's point balance.
type PointHandler struct {
	Ledger *service.Ledger
}

func NewPointHandler(l *service.Ledger) *PointHandler {
	if l == nil {
		panic("nil ledger passed to NewPointHandler")
	}
	return &PointHandler{Ledger: l}
}

// Balance handles GET /v1/points.
func (h *PointHandler) Balance(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	b, err := h.Ledger.Balance(c.Request().Context(), userID)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusOK, balanceResponse{Balance: b.Balance, UpdatedAt: b.UpdatedAt.UTC()})
}

// Charge handles POST /v1/points/charge with {"amount": n}.
func (h *PointHandler) Charge(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	b, err := h.Ledger.Charge(c.Request().Context(), userID, body.Amount)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusOK, balanceResponse{Balance: b.Balance, UpdatedAt: b.UpdatedAt.UTC()})
}

// History handles GET /v1/points/history, oldest entry first.
func (h *PointHandler) History(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	list, err := h.Ledger.History(c.Request().Context(), userID)
	if err != nil {
		return RenderError(c, err)
	}
	out := make([]historyResponse, 0, len(list))
	for _, e := range list {
		out = append(out, historyResponse{
			Type:         string(e.Type),
			Amount:       e.Amount,
			BalanceAfter: e.BalanceAfter,
			CreatedAt:    e.CreatedAt.UTC(),
		})
	}
	return c.JSON(http.StatusOK, echo.Map{"history": out})
}
