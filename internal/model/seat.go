package model

import "time"

// Schedule is one scheduled performance of an event.  Seats and the
// available-seat aggregate hang off it.
//
// Fields:
//  ID       – primary key identifier.
//  Title    – display title of the event.
//  StartsAt – when the performance begins.
//  MaxSeats – number of seats created with the schedule; upper bound of
//             the aggregate count.
type Schedule struct {
	ID        uint64    // schedules.id
	Title     string    // schedules.title
	StartsAt  time.Time // schedules.starts_at_ms
	MaxSeats  int       // schedules.max_seats
	CreatedAt time.Time // schedules.created_at_ms
}

// Seat is a purchasable unit within a schedule.  Available flips to false
// on assignment and back to true on release; it is only mutated by the
// inventory through compare-and-swap on Version.
//
// Fields:
//  ID         – primary key identifier.
//  ScheduleID – schedule the seat belongs to.
//  SeatNo     – 1-based seat number within the schedule.
//  Price      – price in points.
//  Available  – availability flag.
//  Version    – optimistic locking counter.
type Seat struct {
	ID         uint64 // seats.id
	ScheduleID uint64 // seats.schedule_id
	SeatNo     uint32 // seats.seat_no
	Price      int64  // seats.price
	Available  bool   // seats.available
	Version    uint32 // seats.version
}

// ScheduleSeatCount is the per-schedule aggregate of remaining seats.
// Available stays within [0, MaxSeats]; it moves by exactly one per
// assignment or release.
type ScheduleSeatCount struct {
	ScheduleID uint64 // schedule_seat_counts.schedule_id
	Available  int    // schedule_seat_counts.available
	MaxSeats   int    // schedule_seat_counts.max_seats
	Version    uint32 // schedule_seat_counts.version
}
