package handler

import (
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/service"
)

// Response shapes.  Times are RFC 3339 in UTC.

type scheduleResponse struct {
	ID        uint64    `json:"id"`
	Title     string    `json:"title"`
	StartsAt  time.Time `json:"starts_at"`
	MaxSeats  int       `json:"max_seats"`
	Available *int      `json:"available,omitempty"`
}

type seatResponse struct {
	ID     uint64 `json:"id"`
	SeatNo uint32 `json:"seat_no"`
	Price  int64  `json:"price"`
}

type tokenResponse struct {
	Token      string    `json:"token"`
	ScheduleID uint64    `json:"schedule_id"`
	Status     string    `json:"status"`
	Position   int       `json:"position,omitempty"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type reservationResponse struct {
	ID         uint64    `json:"id"`
	ScheduleID uint64    `json:"schedule_id"`
	SeatID     uint64    `json:"seat_id"`
	Status     string    `json:"status"`
	Price      int64     `json:"price"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type balanceResponse struct {
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

type historyResponse struct {
	Type         string    `json:"type"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
}

type outboxResponse struct {
	ID         uint64    `json:"id"`
	EventID    string    `json:"event_id"`
	Topic      string    `json:"topic"`
	Status     string    `json:"status"`
	RetryCount int       `json:"retry_count"`
	LastError  string    `json:"last_error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func toSchedule(s *model.Schedule) scheduleResponse {
	return scheduleResponse{ID: s.ID, Title: s.Title, StartsAt: s.StartsAt.UTC(), MaxSeats: s.MaxSeats}
}

func toToken(t model.Token, position int) tokenResponse {
	return tokenResponse{
		Token:      t.ID,
		ScheduleID: t.ScheduleID,
		Status:     string(t.Status),
		Position:   position,
		ExpiresAt:  t.ExpiresAt.UTC(),
	}
}

func toTokenStatus(st *service.TokenStatus) tokenResponse {
	return toToken(st.Token, st.Position)
}

func toReservation(r *model.Reservation) reservationResponse {
	return reservationResponse{
		ID:         r.ID,
		ScheduleID: r.ScheduleID,
		SeatID:     r.SeatID,
		Status:     string(r.Status),
		Price:      r.Price,
		CreatedAt:  r.CreatedAt.UTC(),
		ExpiresAt:  r.ExpiresAt.UTC(),
	}
}
