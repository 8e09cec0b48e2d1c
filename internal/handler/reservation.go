package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/service"
)

// ReservationHandler drives the reservation lifecycle on behalf of the
// caller.  Create and Pay are mounted behind the queue-token interceptor.
type ReservationHandler struct {
	Reservations *service.Reservations
	Payments     *service.Payments
}

func NewReservationHandler(res *service.Reservations, pay *service.Payments) *ReservationHandler {
	if res == nil || pay == nil {
		panic("nil service passed to NewReservationHandler")
	}
	return &ReservationHandler{Reservations: res, Payments: pay}
}

// Create handles POST /v1/schedules/:id/reservations with {"seat_id": n}.
// The seat is held until the returned expires_at.
func (h *ReservationHandler) Create(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	var body struct {
		SeatID uint64 `json:"seat_id"`
	}
	if err := c.Bind(&body); err != nil || body.SeatID == 0 {
		return badRequest(c, "seat_id is required")
	}
	r, err := h.Reservations.Create(c.Request().Context(), userID, scheduleID, body.SeatID)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusCreated, toReservation(r))
}

// Pay handles POST /v1/schedules/:id/reservations/:rid/payment with
// {"amount": n}.  The amount must equal the reservation price.
func (h *ReservationHandler) Pay(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	reservationID, ok := pathID(c, "rid")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	var body struct {
		Amount int64 `json:"amount"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	ctx := c.Request().Context()
	r, err := h.Reservations.Get(ctx, userID, reservationID)
	if err != nil {
		return RenderError(c, err)
	}
	if r.ScheduleID != scheduleID {
		return c.JSON(http.StatusNotFound, echo.Map{"error": "reservation not found"})
	}
	r, err = h.Payments.Pay(ctx, userID, reservationID, body.Amount)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusOK, toReservation(r))
}

// Get handles GET /v1/reservations/:id.
func (h *ReservationHandler) Get(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	r, err := h.Reservations.Get(c.Request().Context(), userID, id)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusOK, toReservation(r))
}

// Cancel handles DELETE /v1/reservations/:id.  Only confirmed reservations
// can be cancelled; the seat returns to the inventory.
func (h *ReservationHandler) Cancel(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	id, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid reservation id")
	}
	r, err := h.Reservations.Cancel(c.Request().Context(), userID, id)
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusOK, toReservation(r))
}

// List handles GET /v1/my-reservations.
func (h *ReservationHandler) List(c echo.Context) error {
	userID, err := currentUser(c)
	if err != nil {
		return err
	}
	list, err := h.Reservations.ListByUser(c.Request().Context(), userID)
	if err != nil {
		return RenderError(c, err)
	}
	out := make([]reservationResponse, 0, len(list))
	for i := range list {
		out = append(out, toReservation(&list[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"reservations": out})
}
