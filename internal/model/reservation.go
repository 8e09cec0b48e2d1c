package model

import "time"

// ReservationStatus is the lifecycle state of a reservation.
type ReservationStatus string

const (
	ReservationPreempted ReservationStatus = "PREEMPTED"
	ReservationConfirmed ReservationStatus = "CONFIRMED"
	ReservationCancelled ReservationStatus = "CANCELLED"
	ReservationExpired   ReservationStatus = "EXPIRED"
)

// Terminal reports whether the status releases its seat for good.
func (s ReservationStatus) Terminal() bool {
	return s == ReservationCancelled || s == ReservationExpired
}

// transitions lists every allowed edge of the reservation state machine,
// keyed by the action that takes it.
var transitions = map[string]struct{ from, to ReservationStatus }{
	"confirm": {ReservationPreempted, ReservationConfirmed},
	"expire":  {ReservationPreempted, ReservationExpired},
	"cancel":  {ReservationConfirmed, ReservationCancelled},
}

// Transition returns the status reached by applying action from current,
// or a *TransitionError when the edge does not exist.
func Transition(current ReservationStatus, action string) (ReservationStatus, error) {
	edge, ok := transitions[action]
	if !ok {
		return current, &TransitionError{From: current, Action: action}
	}
	if current != edge.from {
		return current, &TransitionError{From: current, To: edge.to, Action: action}
	}
	return edge.to, nil
}

// Reservation is a user's claim on one seat.  A seat has at most one
// PREEMPTED or CONFIRMED reservation at a time.
//
// Fields:
//  ID         – primary key identifier.
//  UserID     – user who holds the claim.
//  ScheduleID – schedule of the seat.
//  SeatID     – claimed seat.
//  Status     – PREEMPTED, CONFIRMED, CANCELLED or EXPIRED.
//  Price      – seat price captured at creation, in points.
//  CreatedAt  – creation timestamp.
//  ExpiresAt  – end of the hold; only meaningful while PREEMPTED.
//  Version    – optimistic locking counter.
type Reservation struct {
	ID         uint64            // reservations.id
	UserID     uint64            // reservations.user_id
	ScheduleID uint64            // reservations.schedule_id
	SeatID     uint64            // reservations.seat_id
	Status     ReservationStatus // reservations.status
	Price      int64             // reservations.price
	CreatedAt  time.Time         // reservations.created_at_ms
	ExpiresAt  time.Time         // reservations.expires_at_ms
	Version    uint32            // reservations.version
}

// HoldElapsed reports whether the hold window is over at now.
func (r Reservation) HoldElapsed(now time.Time) bool { return !now.Before(r.ExpiresAt) }
