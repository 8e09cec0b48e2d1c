package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// TokenRepo persists admission queue tokens.  The live_key column holds
// "<user>:<schedule>" while a token is WAITING or ACTIVE and NULL once it is
// EXPIRED; its unique index backs the one-live-token-per-pair rule.
type TokenRepo struct{ db *sql.DB }

// NewTokenRepo returns a TokenRepo bound to db.
func NewTokenRepo(db *sql.DB) *TokenRepo { return &TokenRepo{db: db} }

const tokenColumns = `id, user_id, schedule_id, status, created_at_ms, expires_at_ms, version`

func liveKey(userID, scheduleID uint64) string {
	return fmt.Sprintf("%d:%d", userID, scheduleID)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*model.Token, error) {
	var (
		t                  model.Token
		status             string
		created, expiresAt int64
	)
	if err := row.Scan(&t.ID, &t.UserID, &t.ScheduleID, &status, &created, &expiresAt, &t.Version); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrTokenNotFound
		}
		return nil, err
	}
	t.Status = model.TokenStatus(status)
	t.CreatedAt = fromMillis(created)
	t.ExpiresAt = fromMillis(expiresAt)
	return &t, nil
}

// CreateTx inserts a WAITING or ACTIVE token.  A live token for the same
// pair trips the unique index and reports model.ErrDuplicateToken.
func (r *TokenRepo) CreateTx(ctx context.Context, tx *sql.Tx, t *model.Token) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tokens (id, user_id, schedule_id, status, live_key, created_at_ms, expires_at_ms, version)
		 VALUES (?, ?, ?, ?, ?, ?, ?, 0)`,
		t.ID, t.UserID, t.ScheduleID, string(t.Status), liveKey(t.UserID, t.ScheduleID),
		toMillis(t.CreatedAt), toMillis(t.ExpiresAt))
	if err != nil {
		if IsUniqueViolation(err) {
			return model.ErrDuplicateToken
		}
		return err
	}
	return nil
}

// GetByID reads a token.
func (r *TokenRepo) GetByID(ctx context.Context, id string) (*model.Token, error) {
	return scanToken(r.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id))
}

// GetByIDTx reads a token inside a unit of work.
func (r *TokenRepo) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (*model.Token, error) {
	return scanToken(tx.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = ?`, id))
}

// FindLiveTx returns the WAITING or ACTIVE token of a pair, or nil.
func (r *TokenRepo) FindLiveTx(ctx context.Context, tx *sql.Tx, userID, scheduleID uint64) (*model.Token, error) {
	t, err := scanToken(tx.QueryRowContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens WHERE live_key = ?`, liveKey(userID, scheduleID)))
	if errors.Is(err, model.ErrTokenNotFound) {
		return nil, nil
	}
	return t, err
}

// CountActiveTx counts ACTIVE tokens of a schedule whose window is still
// open at now.
func (r *TokenRepo) CountActiveTx(ctx context.Context, tx *sql.Tx, scheduleID uint64, now time.Time) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE schedule_id = ? AND status = ? AND expires_at_ms > ?`,
		scheduleID, string(model.TokenActive), toMillis(now)).Scan(&n)
	return n, err
}

// CountActive is CountActiveTx outside a transaction.
func (r *TokenRepo) CountActive(ctx context.Context, scheduleID uint64, now time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens WHERE schedule_id = ? AND status = ? AND expires_at_ms > ?`,
		scheduleID, string(model.TokenActive), toMillis(now)).Scan(&n)
	return n, err
}

// OldestWaitingTx returns up to limit unexpired WAITING tokens of a
// schedule in issue order.
func (r *TokenRepo) OldestWaitingTx(ctx context.Context, tx *sql.Tx, scheduleID uint64, now time.Time, limit int) ([]model.Token, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT `+tokenColumns+` FROM tokens
		 WHERE schedule_id = ? AND status = ? AND expires_at_ms > ?
		 ORDER BY created_at_ms, id LIMIT ?`,
		scheduleID, string(model.TokenWaiting), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// WaitingPosition returns the 1-based FIFO position of a WAITING token.
func (r *TokenRepo) WaitingPosition(ctx context.Context, t model.Token) (int, error) {
	var ahead int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tokens
		 WHERE schedule_id = ? AND status = ?
		   AND (created_at_ms < ? OR (created_at_ms = ? AND id < ?))`,
		t.ScheduleID, string(model.TokenWaiting), toMillis(t.CreatedAt), toMillis(t.CreatedAt), t.ID).Scan(&ahead)
	if err != nil {
		return 0, err
	}
	return ahead + 1, nil
}

// ActivateTx moves a WAITING token to ACTIVE with a fresh expiry.
func (r *TokenRepo) ActivateTx(ctx context.Context, tx *sql.Tx, id string, version uint32, expiresAt time.Time) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tokens SET status = ?, expires_at_ms = ?, version = version + 1
		 WHERE id = ? AND version = ? AND status = ?`,
		string(model.TokenActive), toMillis(expiresAt), id, version, string(model.TokenWaiting))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ExpireTx marks one live token EXPIRED.
func (r *TokenRepo) ExpireTx(ctx context.Context, tx *sql.Tx, id string, version uint32) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tokens SET status = ?, live_key = NULL, version = version + 1
		 WHERE id = ? AND version = ? AND status IN (?, ?)`,
		string(model.TokenExpired), id, version, string(model.TokenWaiting), string(model.TokenActive))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// ExpireElapsed marks every live token whose window closed at or before now
// EXPIRED and returns how many were changed.  Each row flips atomically on
// its own status predicate, so concurrent sweeps never double count.
func (r *TokenRepo) ExpireElapsed(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE tokens SET status = ?, live_key = NULL, version = version + 1
		 WHERE status IN (?, ?) AND expires_at_ms <= ?`,
		string(model.TokenExpired), string(model.TokenWaiting), string(model.TokenActive), toMillis(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// SchedulesWithWaiting lists schedules that have at least one unexpired
// WAITING token.
func (r *TokenRepo) SchedulesWithWaiting(ctx context.Context, now time.Time) ([]uint64, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT DISTINCT schedule_id FROM tokens WHERE status = ? AND expires_at_ms > ? ORDER BY schedule_id`,
		string(model.TokenWaiting), toMillis(now))
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
