package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// SeatRepo provides access to the seats of a schedule.
type SeatRepo struct {
	db *sql.DB
}

// NewSeatRepo constructs a SeatRepo with the given DB handle.
func NewSeatRepo(db *sql.DB) *SeatRepo {
	return &SeatRepo{db: db}
}

const seatColumns = `id, schedule_id, seat_no, price, available, version`

// CreateBulkTx inserts multiple seats in a single statement.  Seats start
// available with version 0.
func (r *SeatRepo) CreateBulkTx(ctx context.Context, tx *sql.Tx, seats []model.Seat) error {
	if len(seats) == 0 {
		return nil
	}
	query := `INSERT INTO seats (schedule_id, seat_no, price, available, version) VALUES `
	args := make([]interface{}, 0, len(seats)*3)
	for i, seat := range seats {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, 1, 0)"
		args = append(args, seat.ScheduleID, seat.SeatNo, seat.Price)
	}
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// GetByIDTx reads a seat inside a unit of work.
func (r *SeatRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Seat, error) {
	return scanSeat(tx.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats WHERE id = ?`, id))
}

// GetByID reads a seat outside any transaction.
func (r *SeatRepo) GetByID(ctx context.Context, id uint64) (*model.Seat, error) {
	return scanSeat(r.db.QueryRowContext(ctx, `SELECT `+seatColumns+` FROM seats WHERE id = ?`, id))
}

func scanSeat(row *sql.Row) (*model.Seat, error) {
	var s model.Seat
	if err := row.Scan(&s.ID, &s.ScheduleID, &s.SeatNo, &s.Price, &s.Available, &s.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrSeatNotFound
		}
		return nil, err
	}
	return &s, nil
}

// ListBySchedule returns the seats of a schedule ordered by seat number.
// When onlyAvailable is set, unavailable seats are filtered out.  The result
// is a snapshot; it may be stale by the time the caller acts on it.
func (r *SeatRepo) ListBySchedule(ctx context.Context, scheduleID uint64, onlyAvailable bool) ([]model.Seat, error) {
	q := `SELECT ` + seatColumns + ` FROM seats WHERE schedule_id = ?`
	if onlyAvailable {
		q += ` AND available = 1`
	}
	q += ` ORDER BY seat_no`
	rows, err := r.db.QueryContext(ctx, q, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	result := []model.Seat{}
	for rows.Next() {
		var s model.Seat
		if err := rows.Scan(&s.ID, &s.ScheduleID, &s.SeatNo, &s.Price, &s.Available, &s.Version); err != nil {
			return nil, err
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// SetAvailableTx flips the availability flag with compare-and-swap on both
// the version observed by the caller and the opposite flag value.
func (r *SeatRepo) SetAvailableTx(ctx context.Context, tx *sql.Tx, id uint64, version uint32, available bool) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE seats SET available = ?, version = version + 1
		 WHERE id = ? AND version = ? AND available = ?`,
		available, id, version, !available)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListOrphaned returns unavailable seats that have no PREEMPTED or
// CONFIRMED reservation.  Such seats are left behind when a release failed
// after the reservation already reached a terminal status.
func (r *SeatRepo) ListOrphaned(ctx context.Context, limit int) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT s.id FROM seats s
		 LEFT JOIN reservations r ON r.live_seat_id = s.id
		 WHERE s.available = 0 AND r.id IS NULL
		 ORDER BY s.id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountUnavailable returns how many seats of the schedule are taken.
func (r *SeatRepo) CountUnavailable(ctx context.Context, scheduleID uint64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM seats WHERE schedule_id = ? AND available = 0`, scheduleID).Scan(&n)
	return n, err
}
