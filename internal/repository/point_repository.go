package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// PointRepo persists per-user balances and the append-only history.  A
// balance update and its history row are always written on the same
// transaction.
type PointRepo struct{ db *sql.DB }

// NewPointRepo returns a PointRepo bound to db.
func NewPointRepo(db *sql.DB) *PointRepo { return &PointRepo{db: db} }

// GetOrInitTx returns the user's balance, creating a zero balance and its
// INIT history entry on first touch.
func (r *PointRepo) GetOrInitTx(ctx context.Context, tx *sql.Tx, userID uint64, now time.Time) (*model.PointBalance, error) {
	b, err := r.getTx(ctx, tx, userID)
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO point_balances (user_id, balance, version, updated_at_ms) VALUES (?, 0, 0, ?)`,
		userID, toMillis(now)); err != nil {
		if IsUniqueViolation(err) {
			return nil, model.ErrVersionMismatch
		}
		return nil, err
	}
	if err := r.AppendHistoryTx(ctx, tx, model.PointHistory{
		UserID: userID, Type: model.PointInit, Amount: 0, BalanceAfter: 0, CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return &model.PointBalance{UserID: userID, UpdatedAt: now}, nil
}

func (r *PointRepo) getTx(ctx context.Context, tx *sql.Tx, userID uint64) (*model.PointBalance, error) {
	var (
		b       model.PointBalance
		updated int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT user_id, balance, version, updated_at_ms FROM point_balances WHERE user_id = ?`, userID).
		Scan(&b.UserID, &b.Balance, &b.Version, &updated)
	if err != nil {
		return nil, err
	}
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

// Get returns the balance of a user; a user never seen has balance zero.
func (r *PointRepo) Get(ctx context.Context, userID uint64) (*model.PointBalance, error) {
	var (
		b       model.PointBalance
		updated int64
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT user_id, balance, version, updated_at_ms FROM point_balances WHERE user_id = ?`, userID).
		Scan(&b.UserID, &b.Balance, &b.Version, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &model.PointBalance{UserID: userID}, nil
		}
		return nil, err
	}
	b.UpdatedAt = fromMillis(updated)
	return &b, nil
}

// UpdateBalanceTx writes a new balance with compare-and-swap on version.
func (r *PointRepo) UpdateBalanceTx(ctx context.Context, tx *sql.Tx, userID uint64, version uint32, balance int64, now time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE point_balances SET balance = ?, version = version + 1, updated_at_ms = ?
		 WHERE user_id = ? AND version = ?`,
		balance, toMillis(now), userID, version)
	if err != nil {
		return err
	}
	return expectOne(res)
}

// AppendHistoryTx appends one ledger entry.
func (r *PointRepo) AppendHistoryTx(ctx context.Context, tx *sql.Tx, h model.PointHistory) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO point_history (user_id, type, amount, balance_after, created_at_ms) VALUES (?, ?, ?, ?, ?)`,
		h.UserID, string(h.Type), h.Amount, h.BalanceAfter, toMillis(h.CreatedAt))
	return err
}

// History returns a user's ledger entries in the order they were written.
func (r *PointRepo) History(ctx context.Context, userID uint64) ([]model.PointHistory, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, user_id, type, amount, balance_after, created_at_ms FROM point_history WHERE user_id = ? ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.PointHistory{}
	for rows.Next() {
		var (
			h       model.PointHistory
			typ     string
			created int64
		)
		if err := rows.Scan(&h.ID, &h.UserID, &typ, &h.Amount, &h.BalanceAfter, &created); err != nil {
			return nil, err
		}
		h.Type = model.PointHistoryType(typ)
		h.CreatedAt = fromMillis(created)
		out = append(out, h)
	}
	return out, rows.Err()
}
