package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/retry"
)

// Payments debits points and confirms a hold as one unit of work.
type Payments struct {
	db           *sql.DB
	reservations *Reservations
	ledger       *Ledger
	admission    *Admission
	locker       lock.Locker
	lockOpts     lock.Options
	policy       retry.Policy
	log          *slog.Logger

	// settle is the transactional body of one payment attempt.
	settle func(ctx context.Context, tx *sql.Tx, userID, reservationID uint64, amount int64) (*model.Reservation, error)
}

func NewPayments(db *sql.DB, res *Reservations, ledger *Ledger, adm *Admission, locker lock.Locker, lockOpts lock.Options, policy retry.Policy, logger *slog.Logger) *Payments {
	s := &Payments{
		db:           db,
		reservations: res,
		ledger:       ledger,
		admission:    adm,
		locker:       locker,
		lockOpts:     lockOpts,
		policy:       policy,
		log:          componentLogger(logger, "payments"),
	}
	s.settle = s.settleTx
	return s
}

// Pay charges amount to the user and confirms the reservation.  The debit,
// its history entry, the confirmation, its outbox event and the retirement
// of the user's ACTIVE token commit together or not at all.  Transient
// storage failures are retried under the payment policy; rule violations,
// missing entities and conflicts are returned on the first attempt.  A
// transient failure that outlives the retries is returned wrapped in
// model.ErrTransient.
func (s *Payments) Pay(ctx context.Context, userID, reservationID uint64, amount int64) (res *model.Reservation, err error) {
	ctx, span := tracer.Start(ctx, "payments.Pay", trace.WithAttributes(
		attribute.Int64("user.id", int64(userID)),
		attribute.Int64("reservation.id", int64(reservationID)),
		attribute.Int64("amount", amount),
	))
	defer func() { endSpan(span, err) }()

	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	current, err := s.reservations.Get(ctx, userID, reservationID)
	if err != nil {
		return nil, err
	}
	if amount != current.Price {
		return nil, model.ErrAmountMismatch
	}

	keys := []string{lock.SeatKey(current.SeatID), lock.PointKey(userID)}
	attempts := 0
	err = retry.Do(ctx, s.policy, repository.IsTransient, func(ctx context.Context) error {
		attempts++
		return lock.Run(ctx, s.locker, s.lockOpts, keys, func(ctx context.Context) error {
			return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
				r, err := s.settle(ctx, tx, userID, reservationID, amount)
				if err != nil {
					return err
				}
				res = r
				return nil
			})
		})
	})
	span.SetAttributes(attribute.Int("attempts", attempts))
	if err != nil {
		if attempts > 1 {
			s.log.Warn("payment failed after retries", "reservation_id", reservationID, "attempts", attempts, "err", err)
		}
		if repository.IsTransient(err) && !errors.Is(err, model.ErrTransient) {
			err = fmt.Errorf("payment: %w", errors.Join(err, model.ErrTransient))
		}
		return nil, err
	}
	s.log.Info("payment completed", "reservation_id", reservationID, "user_id", userID, "amount", amount)
	return res, nil
}

// settleTx confirms the hold, debits the points and retires the token.
func (s *Payments) settleTx(ctx context.Context, tx *sql.Tx, userID, reservationID uint64, amount int64) (*model.Reservation, error) {
	r, err := s.reservations.ConfirmTx(ctx, tx, reservationID)
	if err != nil {
		return nil, err
	}
	if _, err := s.ledger.UseTx(ctx, tx, userID, amount); err != nil {
		return nil, err
	}
	if err := s.admission.ConsumeTx(ctx, tx, userID, r.ScheduleID); err != nil {
		return nil, err
	}
	return r, nil
}
