package service

import (
	"context"
	"database/sql"
	"log/slog"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

const defaultPointUpperLimit int64 = 1_000_000

// Ledger keeps per-user point balances in [0, upper limit].  Every balance
// change appends a history entry on the same transaction.
type Ledger struct {
	db         *sql.DB
	points     *repository.PointRepo
	locker     lock.Locker
	lockOpts   lock.Options
	clock      clock.Clock
	upperLimit int64
	log        *slog.Logger
}

func NewLedger(db *sql.DB, locker lock.Locker, lockOpts lock.Options, clk clock.Clock, upperLimit int64, logger *slog.Logger) *Ledger {
	if upperLimit <= 0 {
		upperLimit = defaultPointUpperLimit
	}
	return &Ledger{
		db:         db,
		points:     repository.NewPointRepo(db),
		locker:     locker,
		lockOpts:   lockOpts,
		clock:      clk,
		upperLimit: upperLimit,
		log:        componentLogger(logger, "ledger"),
	}
}

// Charge adds amount to the user's balance.
func (s *Ledger) Charge(ctx context.Context, userID uint64, amount int64) (*model.PointBalance, error) {
	if userID == 0 {
		return nil, model.ErrInvalidInput
	}
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	var out *model.PointBalance
	err := lock.Run(ctx, s.locker, s.lockOpts, []string{lock.PointKey(userID)}, func(ctx context.Context) error {
		return repository.InTx(ctx, s.db, func(tx *sql.Tx) error {
			b, err := s.applyTx(ctx, tx, userID, model.PointCharge, amount)
			out = b
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("points charged", "user_id", userID, "amount", amount, "balance", out.Balance)
	return out, nil
}

// UseTx debits amount on tx.  The caller holds the user's point lock.
func (s *Ledger) UseTx(ctx context.Context, tx *sql.Tx, userID uint64, amount int64) (*model.PointBalance, error) {
	if amount <= 0 {
		return nil, model.ErrInvalidAmount
	}
	return s.applyTx(ctx, tx, userID, model.PointUse, amount)
}

func (s *Ledger) applyTx(ctx context.Context, tx *sql.Tx, userID uint64, typ model.PointHistoryType, amount int64) (*model.PointBalance, error) {
	now := s.clock.Now()
	b, err := s.points.GetOrInitTx(ctx, tx, userID, now)
	if err != nil {
		return nil, err
	}
	next := b.Balance
	switch typ {
	case model.PointCharge:
		next += amount
		if next > s.upperLimit {
			return nil, model.ErrBalanceLimit
		}
	case model.PointUse:
		next -= amount
		if next < 0 {
			return nil, model.ErrInsufficientBalance
		}
	default:
		return nil, model.ErrInvalidInput
	}
	if err := s.points.UpdateBalanceTx(ctx, tx, userID, b.Version, next, now); err != nil {
		return nil, err
	}
	if err := s.points.AppendHistoryTx(ctx, tx, model.PointHistory{
		UserID: userID, Type: typ, Amount: amount, BalanceAfter: next, CreatedAt: now,
	}); err != nil {
		return nil, err
	}
	return &model.PointBalance{UserID: userID, Balance: next, Version: b.Version + 1, UpdatedAt: now}, nil
}

// Balance returns the user's balance; an unknown user has zero.
func (s *Ledger) Balance(ctx context.Context, userID uint64) (*model.PointBalance, error) {
	return s.points.Get(ctx, userID)
}

// History returns the user's ledger entries, oldest first.
func (s *Ledger) History(ctx context.Context, userID uint64) ([]model.PointHistory, error) {
	return s.points.History(ctx, userID)
}
