package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/outbox"
	"github.com/iliyamo/ticket-reservation/internal/queue"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

const defaultHoldTTL = 5 * time.Minute

// Reservations drives the reservation state machine.  Token checks happen
// before these methods are called (see Admission.Guard); the methods
// themselves only trust the database.
type Reservations struct {
	db           *sql.DB
	reservations *repository.ReservationRepo
	inventory    *Inventory
	outbox       *outbox.Recorder
	locker       lock.Locker
	lockOpts     lock.Options
	clock        clock.Clock
	holdTTL      time.Duration
	log          *slog.Logger

	// release frees the seat in the second phase of Expire.
	release func(ctx context.Context, tx *sql.Tx, seatID uint64) error
}

func NewReservations(db *sql.DB, inv *Inventory, rec *outbox.Recorder, locker lock.Locker, lockOpts lock.Options, clk clock.Clock, holdTTL time.Duration, logger *slog.Logger) *Reservations {
	if holdTTL <= 0 {
		holdTTL = defaultHoldTTL
	}
	s := &Reservations{
		db:           db,
		reservations: repository.NewReservationRepo(db),
		inventory:    inv,
		outbox:       rec,
		locker:       locker,
		lockOpts:     lockOpts,
		clock:        clk,
		holdTTL:      holdTTL,
		log:          componentLogger(logger, "reservations"),
	}
	s.release = inv.ReleaseTx
	return s
}

// Create holds a seat for the user.  The seat flag, the schedule count and
// the PREEMPTED reservation are written on one transaction; if the seat is
// taken the call reports model.ErrSeatUnavailable and writes nothing.
func (s *Reservations) Create(ctx context.Context, userID, scheduleID, seatID uint64) (res *model.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "reservations.Create", trace.WithAttributes(
		attribute.Int64("user.id", int64(userID)),
		attribute.Int64("schedule.id", int64(scheduleID)),
		attribute.Int64("seat.id", int64(seatID)),
	))
	defer func() { endSpan(span, err) }()

	if userID == 0 {
		return nil, model.ErrInvalidInput
	}
	err = lock.Run(ctx, s.locker, s.lockOpts, []string{lock.SeatKey(seatID)}, func(ctx context.Context) error {
		return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			seat, err := s.inventory.AssignTx(ctx, tx, scheduleID, seatID)
			if err != nil {
				return err
			}
			now := s.clock.Now()
			r := &model.Reservation{
				UserID:     userID,
				ScheduleID: scheduleID,
				SeatID:     seat.ID,
				Status:     model.ReservationPreempted,
				Price:      seat.Price,
				CreatedAt:  now,
				ExpiresAt:  now.Add(s.holdTTL),
			}
			if err := s.reservations.CreateTx(ctx, tx, r); err != nil {
				return err
			}
			res = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("seat held", "reservation_id", res.ID, "seat_id", seatID, "user_id", userID, "expires_at", res.ExpiresAt)
	return res, nil
}

// ConfirmTx moves a PREEMPTED reservation to CONFIRMED and records the
// confirmation event on tx.  The caller has debited the payment on the same
// transaction.  A hold whose window already closed reports
// model.ErrHoldElapsed even if the sweeper has not expired it yet.
func (s *Reservations) ConfirmTx(ctx context.Context, tx *sql.Tx, reservationID uint64) (*model.Reservation, error) {
	r, err := s.reservations.GetByIDTx(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	to, err := model.Transition(r.Status, "confirm")
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	if r.HoldElapsed(now) {
		return nil, model.ErrHoldElapsed
	}
	if err := s.reservations.UpdateStatusTx(ctx, tx, r.ID, r.Version, r.Status, to); err != nil {
		return nil, err
	}
	r.Status = to
	r.Version++
	if _, err := s.outbox.RecordTx(ctx, tx, queue.TopicReservationConfirmed, reservationEvent(r, now)); err != nil {
		return nil, err
	}
	return r, nil
}

// Cancel moves a CONFIRMED reservation of the user to CANCELLED and
// releases its seat on the same transaction.
func (s *Reservations) Cancel(ctx context.Context, userID, reservationID uint64) (*model.Reservation, error) {
	current, err := s.Get(ctx, userID, reservationID)
	if err != nil {
		return nil, err
	}
	var out *model.Reservation
	err = lock.Run(ctx, s.locker, s.lockOpts, []string{lock.SeatKey(current.SeatID)}, func(ctx context.Context) error {
		return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			r, err := s.reservations.GetByIDTx(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			to, err := model.Transition(r.Status, "cancel")
			if err != nil {
				return err
			}
			if err := s.reservations.UpdateStatusTx(ctx, tx, r.ID, r.Version, r.Status, to); err != nil {
				return err
			}
			if err := s.inventory.ReleaseTx(ctx, tx, r.SeatID); err != nil {
				return err
			}
			r.Status = to
			r.Version++
			if _, err := s.outbox.RecordTx(ctx, tx, queue.TopicReservationCancelled, reservationEvent(r, s.clock.Now())); err != nil {
				return err
			}
			out = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("reservation cancelled", "reservation_id", out.ID, "seat_id", out.SeatID)
	return out, nil
}

// Expire ends an elapsed hold.  The reservation is first moved to EXPIRED
// together with its event; the seat is released in a second transaction.
// If the release fails, a compensation event is recorded so the seat is
// freed asynchronously, and Expire still reports success because the
// reservation did expire.  Expiring a reservation that is not PREEMPTED
// reports a *model.TransitionError; a hold that has not elapsed reports
// model.ErrHoldNotElapsed.
func (s *Reservations) Expire(ctx context.Context, reservationID uint64) (res *model.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "reservations.Expire", trace.WithAttributes(
		attribute.Int64("reservation.id", int64(reservationID)),
	))
	defer func() { endSpan(span, err) }()

	current, err := s.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	err = lock.Run(ctx, s.locker, s.lockOpts, []string{lock.SeatKey(current.SeatID)}, func(ctx context.Context) error {
		err := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			r, err := s.reservations.GetByIDTx(ctx, tx, reservationID)
			if err != nil {
				return err
			}
			to, err := model.Transition(r.Status, "expire")
			if err != nil {
				return err
			}
			now := s.clock.Now()
			if !r.HoldElapsed(now) {
				return model.ErrHoldNotElapsed
			}
			if err := s.reservations.UpdateStatusTx(ctx, tx, r.ID, r.Version, r.Status, to); err != nil {
				return err
			}
			r.Status = to
			r.Version++
			if _, err := s.outbox.RecordTx(ctx, tx, queue.TopicReservationExpired, reservationEvent(r, now)); err != nil {
				return err
			}
			res = r
			return nil
		})
		if err != nil {
			return err
		}

		relErr := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			return s.release(ctx, tx, res.SeatID)
		})
		if relErr == nil {
			return nil
		}
		s.log.Warn("seat release after expiry failed, compensating", "reservation_id", res.ID, "seat_id", res.SeatID, "err", relErr)
		compErr := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			_, err := s.outbox.RecordTx(ctx, tx, queue.TopicSeatReleaseCompensation, queue.SeatReleaseCompensationEvent{
				ReservationID: res.ID,
				ScheduleID:    res.ScheduleID,
				SeatID:        res.SeatID,
				Reason:        relErr.Error(),
				OccurredAt:    s.clock.Now().Format(time.RFC3339),
			})
			return err
		})
		if compErr != nil {
			// The sweeper's orphan repair still finds the seat.
			s.log.Error("record compensation failed", "reservation_id", res.ID, "seat_id", res.SeatID, "err", compErr)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("hold expired", "reservation_id", res.ID, "seat_id", res.SeatID)
	return res, nil
}

// ExpireDue expires up to limit elapsed holds and returns how many were
// expired.  Holds a concurrent caller already moved on are skipped.
func (s *Reservations) ExpireDue(ctx context.Context, limit int) (int, error) {
	ids, err := s.reservations.ListDueHolds(ctx, s.clock.Now(), limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if _, err := s.Expire(ctx, id); err != nil {
			if !isExpectedOutcome(err) && !errors.Is(err, model.ErrConflict) {
				s.log.Warn("expire hold failed", "reservation_id", id, "err", err)
			}
			continue
		}
		n++
	}
	return n, nil
}

// Get returns a reservation owned by userID.  Reservations of other users
// are reported as not found.
func (s *Reservations) Get(ctx context.Context, userID, reservationID uint64) (*model.Reservation, error) {
	r, err := s.reservations.GetByID(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if r.UserID != userID {
		return nil, model.ErrReservationNotFound
	}
	return r, nil
}

// ListByUser returns the user's reservations, newest first.
func (s *Reservations) ListByUser(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	return s.reservations.ListByUser(ctx, userID)
}

func reservationEvent(r *model.Reservation, at time.Time) queue.ReservationEvent {
	return queue.ReservationEvent{
		ReservationID: r.ID,
		UserID:        r.UserID,
		ScheduleID:    r.ScheduleID,
		SeatID:        r.SeatID,
		Price:         r.Price,
		Status:        string(r.Status),
		OccurredAt:    at.Format(time.RFC3339),
	}
}
