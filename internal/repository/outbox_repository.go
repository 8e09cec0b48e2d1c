package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// OutboxRepo persists outbox records.
type OutboxRepo struct{ db *sql.DB }

// NewOutboxRepo returns an OutboxRepo bound to db.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

const outboxColumns = `id, event_id, topic, payload, status, retry_count, last_error, created_at_ms, updated_at_ms, next_attempt_at_ms`

func scanOutbox(row rowScanner) (*model.OutboxRecord, error) {
	var (
		rec              model.OutboxRecord
		status           string
		created, updated int64
		next             int64
	)
	if err := row.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Payload, &status, &rec.RetryCount, &rec.LastError, &created, &updated, &next); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, model.ErrOutboxNotFound
		}
		return nil, err
	}
	rec.Status = model.OutboxStatus(status)
	rec.CreatedAt = fromMillis(created)
	rec.UpdatedAt = fromMillis(updated)
	rec.NextAttemptAt = fromMillis(next)
	return &rec, nil
}

// InsertTx writes a PENDING record on the caller's transaction, next to the
// state change it describes.
func (r *OutboxRepo) InsertTx(ctx context.Context, tx *sql.Tx, rec *model.OutboxRecord) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO outbox (event_id, topic, payload, status, retry_count, last_error, created_at_ms, updated_at_ms, next_attempt_at_ms)
		 VALUES (?, ?, ?, ?, 0, '', ?, ?, ?)`,
		rec.EventID, rec.Topic, rec.Payload, string(model.OutboxPending),
		toMillis(rec.CreatedAt), toMillis(rec.CreatedAt), toMillis(rec.CreatedAt))
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	rec.ID = uint64(id)
	rec.Status = model.OutboxPending
	rec.UpdatedAt = rec.CreatedAt
	rec.NextAttemptAt = rec.CreatedAt
	return nil
}

// ListDeliverable returns PENDING records and ERROR records that still have
// retries left and whose backoff ended by now, in insertion order.
func (r *OutboxRepo) ListDeliverable(ctx context.Context, maxRetries int, now time.Time, limit int) ([]model.OutboxRecord, error) {
	return r.list(ctx,
		`SELECT `+outboxColumns+` FROM outbox
		 WHERE (status = ? OR (status = ? AND retry_count < ?)) AND next_attempt_at_ms <= ?
		 ORDER BY id LIMIT ?`,
		string(model.OutboxPending), string(model.OutboxError), maxRetries, toMillis(now), limit)
}

// ListExhausted returns ERROR records that used up their retries and wait
// for an operator.
func (r *OutboxRepo) ListExhausted(ctx context.Context, maxRetries, limit int) ([]model.OutboxRecord, error) {
	return r.list(ctx,
		`SELECT `+outboxColumns+` FROM outbox WHERE status = ? AND retry_count >= ? ORDER BY id LIMIT ?`,
		string(model.OutboxError), maxRetries, limit)
}

// ListByTopic returns every record of a topic in insertion order.
func (r *OutboxRepo) ListByTopic(ctx context.Context, topic string) ([]model.OutboxRecord, error) {
	return r.list(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE topic = ? ORDER BY id`, topic)
}

func (r *OutboxRepo) list(ctx context.Context, q string, args ...any) ([]model.OutboxRecord, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []model.OutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// GetByID reads one record.
func (r *OutboxRepo) GetByID(ctx context.Context, id uint64) (*model.OutboxRecord, error) {
	return scanOutbox(r.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM outbox WHERE id = ?`, id))
}

// MarkSent records a delivery acknowledged by the broker.
func (r *OutboxRepo) MarkSent(ctx context.Context, id uint64, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, updated_at_ms = ? WHERE id = ? AND status IN (?, ?)`,
		string(model.OutboxSent), toMillis(now), id, string(model.OutboxPending), string(model.OutboxError))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// MarkFailed records a failed delivery attempt.  The record is not listed
// as deliverable again before next.
func (r *OutboxRepo) MarkFailed(ctx context.Context, id uint64, cause string, now, next time.Time) error {
	if len(cause) > 512 {
		cause = cause[:512]
	}
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, retry_count = retry_count + 1, last_error = ?, updated_at_ms = ?, next_attempt_at_ms = ?
		 WHERE id = ? AND status IN (?, ?)`,
		string(model.OutboxError), cause, toMillis(now), toMillis(next), id, string(model.OutboxPending), string(model.OutboxError))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// Requeue resets an ERROR record to PENDING with a fresh retry budget.
func (r *OutboxRepo) Requeue(ctx context.Context, id uint64, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE outbox SET status = ?, retry_count = 0, updated_at_ms = ?, next_attempt_at_ms = ? WHERE id = ? AND status = ?`,
		string(model.OutboxPending), toMillis(now), toMillis(now), id, string(model.OutboxError))
	if err != nil {
		return err
	}
	return expectOne(res)
}

// PurgeSent deletes SENT records last touched before cutoff.
func (r *OutboxRepo) PurgeSent(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM outbox WHERE status = ? AND updated_at_ms < ?`, string(model.OutboxSent), toMillis(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
