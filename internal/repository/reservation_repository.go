package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// ReservationRepo persists reservations.  live_seat_id mirrors seat_id while
// the reservation is PREEMPTED or CONFIRMED and is NULL once it is
// CANCELLED or EXPIRED, so the unique index on it allows at most one
// non-terminal reservation per seat.
type ReservationRepo struct {
	db *sql.DB
}

// NewReservationRepo returns a new ReservationRepo bound to the given database.
func NewReservationRepo(db *sql.DB) *ReservationRepo { return &ReservationRepo{db: db} }

const reservationColumns = `id, user_id, schedule_id, seat_id, status, price, created_at_ms, expires_at_ms, version`

func scanReservation(row rowScanner) (*model.Reservation, error) {
	var (
		res                model.Reservation
		status             string
		created, expiresAt int64
	)
	err := row.Scan(&res.ID, &res.UserID, &res.ScheduleID, &res.SeatID, &status, &res.Price, &created, &expiresAt, &res.Version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrReservationNotFound
		}
		return nil, err
	}
	res.Status = model.ReservationStatus(status)
	res.CreatedAt = fromMillis(created)
	res.ExpiresAt = fromMillis(expiresAt)
	return &res, nil
}

// CreateTx inserts a reservation and populates its generated ID.  A live
// reservation already holding the seat reports model.ErrSeatUnavailable.
func (r *ReservationRepo) CreateTx(ctx context.Context, tx *sql.Tx, res *model.Reservation) error {
	var live any
	if !res.Status.Terminal() {
		live = res.SeatID
	}
	result, err := tx.ExecContext(ctx,
		`INSERT INTO reservations (user_id, schedule_id, seat_id, live_seat_id, status, price, created_at_ms, expires_at_ms, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		res.UserID, res.ScheduleID, res.SeatID, live, string(res.Status), res.Price,
		toMillis(res.CreatedAt), toMillis(res.ExpiresAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return model.ErrSeatUnavailable
		}
		return err
	}
	id, err := result.LastInsertId()
	if err != nil {
		return err
	}
	res.ID = uint64(id)
	res.Version = 0
	return nil
}

// GetByID reads a reservation.
func (r *ReservationRepo) GetByID(ctx context.Context, id uint64) (*model.Reservation, error) {
	return scanReservation(r.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
}

// GetByIDTx reads a reservation inside a unit of work.
func (r *ReservationRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id uint64) (*model.Reservation, error) {
	return scanReservation(tx.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations WHERE id = ?`, id))
}

// FindLiveBySeatTx returns the PREEMPTED or CONFIRMED reservation of a
// seat, or nil when there is none.
func (r *ReservationRepo) FindLiveBySeatTx(ctx context.Context, tx *sql.Tx, seatID uint64) (*model.Reservation, error) {
	res, err := scanReservation(tx.QueryRowContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE live_seat_id = ?`, seatID))
	if errors.Is(err, model.ErrReservationNotFound) {
		return nil, nil
	}
	return res, err
}

// UpdateStatusTx moves a reservation from one status to another with
// compare-and-swap on version and the expected current status.  Reaching a
// terminal status clears live_seat_id.
func (r *ReservationRepo) UpdateStatusTx(ctx context.Context, tx *sql.Tx, id uint64, version uint32, from, to model.ReservationStatus) error {
	q := `UPDATE reservations SET status = ?, version = version + 1`
	if to.Terminal() {
		q += `, live_seat_id = NULL`
	}
	q += ` WHERE id = ? AND version = ? AND status = ?`
	res, err := tx.ExecContext(ctx, q, string(to), id, version, string(from))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ListDueHolds returns IDs of PREEMPTED reservations whose hold ended at or
// before now, oldest expiry first.
func (r *ReservationRepo) ListDueHolds(ctx context.Context, now time.Time, limit int) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id FROM reservations WHERE status = ? AND expires_at_ms <= ? ORDER BY expires_at_ms, id LIMIT ?`,
		string(model.ReservationPreempted), toMillis(now), limit)
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

// ListByUser returns a user's reservations, newest first.
func (r *ReservationRepo) ListByUser(ctx context.Context, userID uint64) ([]model.Reservation, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+reservationColumns+` FROM reservations WHERE user_id = ? ORDER BY created_at_ms DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.Reservation{}
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *res)
	}
	return out, rows.Err()
}

// CountLiveBySeat returns how many non-terminal reservations reference the
// seat.  Used by tests and reconciliation checks.
func (r *ReservationRepo) CountLiveBySeat(ctx context.Context, seatID uint64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM reservations WHERE seat_id = ? AND status IN (?, ?)`,
		seatID, string(model.ReservationPreempted), string(model.ReservationConfirmed)).Scan(&n)
	return n, err
}
