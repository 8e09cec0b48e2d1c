package model

import "time"

// PointHistoryType classifies a ledger entry.
type PointHistoryType string

const (
	PointInit   PointHistoryType = "INIT"
	PointCharge PointHistoryType = "CHARGE"
	PointUse    PointHistoryType = "USE"
)

// PointBalance is a user's closed-loop point balance, bounded by the
// configured upper limit.
type PointBalance struct {
	UserID    uint64    // point_balances.user_id
	Balance   int64     // point_balances.balance
	Version   uint32    // point_balances.version
	UpdatedAt time.Time // point_balances.updated_at_ms
}

// PointHistory is one append-only ledger entry.  Replaying INIT and CHARGE
// amounts minus USE amounts reproduces the balance.
type PointHistory struct {
	ID           uint64           // point_history.id
	UserID       uint64           // point_history.user_id
	Type         PointHistoryType // point_history.type
	Amount       int64            // point_history.amount
	BalanceAfter int64            // point_history.balance_after
	CreatedAt    time.Time        // point_history.created_at_ms
}
