package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// ScheduleRepo provides access to schedules and their available-seat
// aggregate (schedule_seat_counts).
type ScheduleRepo struct {
	db *sql.DB
}

// NewScheduleRepo returns a ScheduleRepo bound to db.
func NewScheduleRepo(db *sql.DB) *ScheduleRepo { return &ScheduleRepo{db: db} }

// CreateTx inserts the schedule and its aggregate row with available equal
// to max.  The generated ID is written back to s.
func (r *ScheduleRepo) CreateTx(ctx context.Context, tx *sql.Tx, s *model.Schedule) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO schedules (title, starts_at_ms, max_seats, created_at_ms) VALUES (?, ?, ?, ?)`,
		s.Title, toMillis(s.StartsAt), s.MaxSeats, toMillis(s.CreatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	s.ID = uint64(id)
	_, err = tx.ExecContext(ctx,
		`INSERT INTO schedule_seat_counts (schedule_id, available, max_seats, version) VALUES (?, ?, ?, 0)`,
		s.ID, s.MaxSeats, s.MaxSeats)
	return err
}

// GetByID returns a schedule or model.ErrScheduleNotFound.
func (r *ScheduleRepo) GetByID(ctx context.Context, id uint64) (*model.Schedule, error) {
	var (
		s                 model.Schedule
		startsAt, created int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT id, title, starts_at_ms, max_seats, created_at_ms FROM schedules WHERE id = ?`, id).
		Scan(&s.ID, &s.Title, &startsAt, &s.MaxSeats, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrScheduleNotFound
		}
		return nil, err
	}
	s.StartsAt = fromMillis(startsAt)
	s.CreatedAt = fromMillis(created)
	return &s, nil
}

// Count returns the aggregate for a schedule.
func (r *ScheduleRepo) Count(ctx context.Context, scheduleID uint64) (*model.ScheduleSeatCount, error) {
	return scanCount(r.db.QueryRowContext(ctx, countQuery, scheduleID))
}

const countQuery = `SELECT schedule_id, available, max_seats, version FROM schedule_seat_counts WHERE schedule_id = ?`

func scanCount(row *sql.Row) (*model.ScheduleSeatCount, error) {
	var c model.ScheduleSeatCount
	if err := row.Scan(&c.ScheduleID, &c.Available, &c.MaxSeats, &c.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrScheduleNotFound
		}
		return nil, err
	}
	return &c, nil
}

// DecrementTx takes one seat off the aggregate.  The predicate keeps the
// count from going negative; hitting it reports model.ErrCountOutOfBounds.
func (r *ScheduleRepo) DecrementTx(ctx context.Context, tx *sql.Tx, scheduleID uint64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE schedule_seat_counts SET available = available - 1, version = version + 1
		 WHERE schedule_id = ? AND available > 0`, scheduleID)
	if err != nil {
		return err
	}
	return boundsErr(res)
}

// IncrementTx puts one seat back, never past max_seats.
func (r *ScheduleRepo) IncrementTx(ctx context.Context, tx *sql.Tx, scheduleID uint64) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE schedule_seat_counts SET available = available + 1, version = version + 1
		 WHERE schedule_id = ? AND available < max_seats`, scheduleID)
	if err != nil {
		return err
	}
	return boundsErr(res)
}

func boundsErr(res sql.Result) error {
	if err := expectOne(res); err != nil {
		if errors.Is(err, model.ErrVersionMismatch) {
			return model.ErrCountOutOfBounds
		}
		return err
	}
	return nil
}
