package service

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

// Inventory owns seats and the per-schedule available count.  The seat flag
// and the count always move together on one transaction.
type Inventory struct {
	db           *sql.DB
	schedules    *repository.ScheduleRepo
	seats        *repository.SeatRepo
	reservations *repository.ReservationRepo
	locker       lock.Locker
	lockOpts     lock.Options
	clock        clock.Clock
	log          *slog.Logger
}

func NewInventory(db *sql.DB, locker lock.Locker, lockOpts lock.Options, clk clock.Clock, logger *slog.Logger) *Inventory {
	return &Inventory{
		db:           db,
		schedules:    repository.NewScheduleRepo(db),
		seats:        repository.NewSeatRepo(db),
		reservations: repository.NewReservationRepo(db),
		locker:       locker,
		lockOpts:     lockOpts,
		clock:        clk,
		log:          componentLogger(logger, "inventory"),
	}
}

// CreateScheduleInput describes a new schedule with Seats seats numbered
// from 1, each priced Price points.
type CreateScheduleInput struct {
	Title    string
	StartsAt time.Time
	Seats    int
	Price    int64
}

// maxSeatsPerSchedule bounds one bulk insert.
const maxSeatsPerSchedule = 5000

// CreateSchedule inserts a schedule, its seats and its count row.
func (s *Inventory) CreateSchedule(ctx context.Context, in CreateScheduleInput) (*model.Schedule, error) {
	in.Title = strings.TrimSpace(in.Title)
	if in.Title == "" || in.Seats <= 0 || in.Seats > maxSeatsPerSchedule || in.Price < 0 || in.StartsAt.IsZero() {
		return nil, model.ErrInvalidInput
	}
	sched := &model.Schedule{
		Title:     in.Title,
		StartsAt:  in.StartsAt.UTC(),
		MaxSeats:  in.Seats,
		CreatedAt: s.clock.Now(),
	}
	err := repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
		if err := s.schedules.CreateTx(ctx, tx, sched); err != nil {
			return err
		}
		seats := make([]model.Seat, in.Seats)
		for i := range seats {
			seats[i] = model.Seat{ScheduleID: sched.ID, SeatNo: uint32(i + 1), Price: in.Price}
		}
		return s.seats.CreateBulkTx(ctx, tx, seats)
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("schedule created", "schedule_id", sched.ID, "seats", in.Seats)
	return sched, nil
}

// AssignTx marks the seat unavailable and takes one off the schedule count.
// The seat must belong to scheduleID.  A seat that is already unavailable,
// or that changed since it was read, reports model.ErrSeatUnavailable and
// nothing is written.
func (s *Inventory) AssignTx(ctx context.Context, tx *sql.Tx, scheduleID, seatID uint64) (*model.Seat, error) {
	seat, err := s.seats.GetByIDTx(ctx, tx, seatID)
	if err != nil {
		return nil, err
	}
	if seat.ScheduleID != scheduleID {
		return nil, model.ErrSeatNotFound
	}
	if !seat.Available {
		return nil, model.ErrSeatUnavailable
	}
	if err := s.seats.SetAvailableTx(ctx, tx, seat.ID, seat.Version, false); err != nil {
		if errors.Is(err, model.ErrVersionMismatch) {
			return nil, model.ErrSeatUnavailable
		}
		return nil, err
	}
	if err := s.schedules.DecrementTx(ctx, tx, seat.ScheduleID); err != nil {
		return nil, err
	}
	seat.Available = false
	seat.Version++
	return seat, nil
}

// ReleaseTx marks the seat available and puts one back on the schedule
// count.  Releasing a seat that is already available reports
// model.ErrSeatNotHeld.
func (s *Inventory) ReleaseTx(ctx context.Context, tx *sql.Tx, seatID uint64) error {
	seat, err := s.seats.GetByIDTx(ctx, tx, seatID)
	if err != nil {
		return err
	}
	if seat.Available {
		return model.ErrSeatNotHeld
	}
	if err := s.seats.SetAvailableTx(ctx, tx, seat.ID, seat.Version, true); err != nil {
		return err
	}
	return s.schedules.IncrementTx(ctx, tx, seat.ScheduleID)
}

// FindAvailable returns the available seats of a schedule.  The list is a
// hint; AssignTx is what actually guarantees a seat.
func (s *Inventory) FindAvailable(ctx context.Context, scheduleID uint64) ([]model.Seat, error) {
	if _, err := s.schedules.GetByID(ctx, scheduleID); err != nil {
		return nil, err
	}
	return s.seats.ListBySchedule(ctx, scheduleID, true)
}

// Schedule returns a schedule by id.
func (s *Inventory) Schedule(ctx context.Context, scheduleID uint64) (*model.Schedule, error) {
	return s.schedules.GetByID(ctx, scheduleID)
}

// Count returns the available-seat aggregate of a schedule.
func (s *Inventory) Count(ctx context.Context, scheduleID uint64) (*model.ScheduleSeatCount, error) {
	return s.schedules.Count(ctx, scheduleID)
}

// ReleaseOrphan releases a seat that is unavailable while no PREEMPTED or
// CONFIRMED reservation references it.  It reports whether a release
// happened; a seat that is available or legitimately held is left alone.
func (s *Inventory) ReleaseOrphan(ctx context.Context, seatID uint64) (bool, error) {
	released := false
	err := lock.Run(ctx, s.locker, s.lockOpts, []string{lock.SeatKey(seatID)}, func(ctx context.Context) error {
		return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			seat, err := s.seats.GetByIDTx(ctx, tx, seatID)
			if err != nil {
				return err
			}
			if seat.Available {
				return nil
			}
			live, err := s.reservations.FindLiveBySeatTx(ctx, tx, seatID)
			if err != nil {
				return err
			}
			if live != nil {
				return nil
			}
			if err := s.ReleaseTx(ctx, tx, seatID); err != nil {
				return err
			}
			released = true
			return nil
		})
	})
	if err != nil {
		return false, err
	}
	if released {
		s.log.Info("orphaned seat released", "seat_id", seatID)
	}
	return released, nil
}

// RepairOrphans releases up to limit orphaned seats and returns how many
// were released.  Failures on one seat are logged and do not stop the
// others.
func (s *Inventory) RepairOrphans(ctx context.Context, limit int) (int, error) {
	ids, err := s.seats.ListOrphaned(ctx, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		ok, err := s.ReleaseOrphan(ctx, id)
		if err != nil {
			s.log.Warn("orphan release failed", "seat_id", id, "err", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}
