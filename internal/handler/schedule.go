package handler

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/service"
)

// ScheduleHandler creates schedules and lists their seats.
type ScheduleHandler struct {
	Inventory *service.Inventory
}

func NewScheduleHandler(inv *service.Inventory) *ScheduleHandler {
	if inv == nil {
		panic("nil inventory passed to NewScheduleHandler")
	}
	return &ScheduleHandler{Inventory: inv}
}

// Create handles POST /v1/schedules.  Body:
//
//	{"title": "...", "starts_at": "2030-01-01T20:00:00Z", "seats": 50, "price": 1000}
func (h *ScheduleHandler) Create(c echo.Context) error {
	var body struct {
		Title    string    `json:"title"`
		StartsAt time.Time `json:"starts_at"`
		Seats    int       `json:"seats"`
		Price    int64     `json:"price"`
	}
	if err := c.Bind(&body); err != nil {
		return badRequest(c, "invalid request body")
	}
	s, err := h.Inventory.CreateSchedule(c.Request().Context(), service.CreateScheduleInput{
		Title:    body.Title,
		StartsAt: body.StartsAt,
		Seats:    body.Seats,
		Price:    body.Price,
	})
	if err != nil {
		return RenderError(c, err)
	}
	return c.JSON(http.StatusCreated, toSchedule(s))
}

// Seats handles GET /v1/schedules/:id/seats and lists available seats.  The
// listing may be served from cache and is only a hint.
func (h *ScheduleHandler) Seats(c echo.Context) error {
	scheduleID, ok := pathID(c, "id")
	if !ok {
		return badRequest(c, "invalid schedule id")
	}
	ctx := c.Request().Context()
	s, err := h.Inventory.Schedule(ctx, scheduleID)
	if err != nil {
		return RenderError(c, err)
	}
	seats, err := h.Inventory.FindAvailable(ctx, scheduleID)
	if err != nil {
		return RenderError(c, err)
	}
	out := make([]seatResponse, 0, len(seats))
	for _, st := range seats {
		out = append(out, seatResponse{ID: st.ID, SeatNo: st.SeatNo, Price: st.Price})
	}
	resp := toSchedule(s)
	n := len(out)
	resp.Available = &n
	return c.JSON(http.StatusOK, echo.Map{"schedule": resp, "seats": out})
}
