// Package queue defines the events exchanged over the message broker and the
// AMQP publisher and consumer that move them.
package queue

// Routing keys on the events exchange.
const (
	TopicReservationConfirmed    = "reservation.confirmed"
	TopicReservationCancelled    = "reservation.cancelled"
	TopicReservationExpired      = "reservation.expired"
	TopicSeatReleaseCompensation = "seat.release.compensation"
)

// ReservationEvent is published when a reservation changes state.  It
// contains enough information for downstream consumers to log, notify, or
// trigger analytics without querying the primary database.
type ReservationEvent struct {
	ReservationID uint64 `json:"reservation_id"`
	UserID        uint64 `json:"user_id"`
	ScheduleID    uint64 `json:"schedule_id"`
	SeatID        uint64 `json:"seat_id"`
	Price         int64  `json:"price"`
	Status        string `json:"status"`
	OccurredAt    string `json:"occurred_at"`
}

// SeatReleaseCompensationEvent is published when a reservation reached a
// terminal status but its seat could not be released in the same step.
// The consumer releases the seat so the schedule count is restored.
type SeatReleaseCompensationEvent struct {
	ReservationID uint64 `json:"reservation_id"`
	ScheduleID    uint64 `json:"schedule_id"`
	SeatID        uint64 `json:"seat_id"`
	Reason        string `json:"reason"`
	OccurredAt    string `json:"occurred_at"`
}
