package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/service"
)

// TokenHandler exposes the admission queue.
type TokenHandler struct {
	Admission *service.Admission
}

func NewTokenHandler(adm *service.Admission) *TokenHandler {
	if adm == nil {
		panic("nil admission passed to NewTokenHandler")
	}
	return &TokenHandler{Admission: adm}
}

// Issue handles POST /v1/schedules/:id/tokens.  The token is ACTIVE when a
// slot is free and nobody is waiting, WAITING otherwise.
func (h *TokenHandler) Issue(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	ctx := c.Request().Context()
	t, err := h.Admission.Issue(ctx, userID, scheduleID)
	if err != nil {
		return RenderError(c, err)
	}
	st, err := h.Admission.Status(ctx, t.ID)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusCreated, toTokenStatus(st))
}

// Status handles GET /v1/schedules/:id/tokens/:token.  Tokens of other
// users or schedules are reported as not found.
func (h *TokenHandler) Status(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	st, err := h.Admission.Status(c.Request().Context(), c.Param("token"))
	if err != nil {
		return RenderError(c, err)
	}
	if st.Token.UserID != userID || st.Token.ScheduleID != scheduleID {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "token not found"})
	}
	return c.JSON(http.StatusOK, toTokenStatus(st))
}

// Activate handles POST /v1/schedules/:id/tokens/activate, promoting up to
// "count" waiting tokens in FIFO order.
func (h *TokenHandler) Activate(c echo.Context) error {
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	var body struct {
		Count int `json:"count"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	if body.Count <= 0 {
		return badRequest(c, "count must be positive")
	}
	tokens, err := h.Admission.Activate(c.Request().Context(), scheduleID, body.Count)
	if err != nil {
		return RenderError(c, err)
	}
	out := make([]tokenResponse, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, toToken(t, 0))
	}
	return c.JSON(http.StatusOK, echo.Map{"activated": out})
}
