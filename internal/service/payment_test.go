package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/queue"
)

func countHistory(t *testing.T, h *harness, userID uint64, typ model.PointHistoryType) (int, int64) {
	t.Helper()
	entries, err := h.ledger.History(context.Background(), userID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	n, sum := 0, int64(0)
	for _, e := range entries {
		if e.Type == typ {
			n++
			sum += e.Amount
		}
	}
	return n, sum
}

func TestPayments_PayConfirmsAndDebits(t *testing.T) {
	h := newHarness(t, AdmissionConfig{Ceiling: 1})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 2, 4000)

	tok, err := h.admission.Issue(ctx, 1, scheduleID)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	waiting, _ := h.admission.Issue(ctx, 2, scheduleID)
	res, err := h.reservations.Create(ctx, 1, scheduleID, seats[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ledger.Charge(ctx, 1, 10000); err != nil {
		t.Fatalf("charge: %v", err)
	}

	paid, err := h.payments.Pay(ctx, 1, res.ID, 4000)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if paid.Status != model.ReservationConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", paid.Status)
	}
	bal, _ := h.ledger.Balance(ctx, 1)
	if bal.Balance != 6000 {
		t.Fatalf("expected balance 6000, got %d", bal.Balance)
	}
	if n, sum := countHistory(t, h, 1, model.PointUse); n != 1 || sum != 4000 {
		t.Fatalf("expected one USE entry of 4000, got %d entries totalling %d", n, sum)
	}
	if got := h.outboxTopics(t, queue.TopicReservationConfirmed); got != 1 {
		t.Fatalf("expected 1 confirmed event, got %d", got)
	}

	// The buyer's token is retired so the next user can be promoted.
	if _, err := h.admission.Validate(ctx, scheduleID, tok.ID); !errors.Is(err, model.ErrTokenExpired) {
		t.Fatalf("expected buyer token consumed, got %v", err)
	}
	if _, err := h.admission.Activate(ctx, scheduleID, 1); err != nil {
		t.Fatalf("expected promotion after consumption, got %v", err)
	}
	if _, err := h.admission.Validate(ctx, scheduleID, waiting.ID); err != nil {
		t.Fatalf("expected waiting token promoted, got %v", err)
	}

	// Paying twice is a rule violation and debits nothing.
	if _, err := h.payments.Pay(ctx, 1, res.ID, 4000); !errors.Is(err, model.ErrRuleViolation) {
		t.Fatalf("expected rule violation on second pay, got %v", err)
	}
	if n, _ := countHistory(t, h, 1, model.PointUse); n != 1 {
		t.Fatalf("expected still one USE entry, got %d", n)
	}
}

func TestPayments_FailuresLeaveNoTrace(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 1, 4000)

	res, err := h.reservations.Create(ctx, 1, scheduleID, seats[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ledger.Charge(ctx, 1, 1000); err != nil {
		t.Fatalf("charge: %v", err)
	}

	tests := []struct {
		name    string
		user    uint64
		amount  int64
		advance time.Duration
		want    error
	}{
		{"insufficient balance", 1, 4000, 0, model.ErrInsufficientBalance},
		{"amount mismatch", 1, 3999, 0, model.ErrAmountMismatch},
		{"zero amount", 1, 0, 0, model.ErrInvalidAmount},
		{"other user", 2, 4000, 0, model.ErrReservationNotFound},
		{"hold elapsed", 1, 4000, 5 * time.Minute, model.ErrHoldElapsed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h.clock.Advance(tt.advance)
			if _, err := h.payments.Pay(ctx, tt.user, res.ID, tt.amount); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			got, err := h.reservations.Get(ctx, 1, res.ID)
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != model.ReservationPreempted {
				t.Fatalf("expected reservation to stay PREEMPTED, got %s", got.Status)
			}
			if n, _ := countHistory(t, h, 1, model.PointUse); n != 0 {
				t.Fatalf("expected no USE entry, got %d", n)
			}
			if got := h.outboxTopics(t, queue.TopicReservationConfirmed); got != 0 {
				t.Fatalf("expected no confirmed event, got %d", got)
			}
		})
	}
	bal, _ := h.ledger.Balance(ctx, 1)
	if bal.Balance != 1000 {
		t.Fatalf("expected balance untouched at 1000, got %d", bal.Balance)
	}
}

// flakySettle runs the real unit of work and then fails the first n
// attempts with a deadlock so their writes are rolled back.
func flakySettle(h *harness, n int, calls *int) func(context.Context, *sql.Tx, uint64, uint64, int64) (*model.Reservation, error) {
	return func(ctx context.Context, tx *sql.Tx, userID, reservationID uint64, amount int64) (*model.Reservation, error) {
		*calls++
		r, err := h.payments.settleTx(ctx, tx, userID, reservationID, amount)
		if err != nil {
			return nil, err
		}
		if *calls <= n {
			return nil, &mysql.MySQLError{Number: 1213, Message: "Deadlock found when trying to get lock"}
		}
		return r, nil
	}
}

func TestPayments_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 1, 4000)

	res, err := h.reservations.Create(ctx, 1, scheduleID, seats[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ledger.Charge(ctx, 1, 10000); err != nil {
		t.Fatalf("charge: %v", err)
	}

	calls := 0
	h.payments.settle = flakySettle(h, 2, &calls)
	paid, err := h.payments.Pay(ctx, 1, res.ID, 4000)
	if err != nil {
		t.Fatalf("pay: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected success on the third attempt, got %d attempts", calls)
	}
	if paid.Status != model.ReservationConfirmed {
		t.Fatalf("expected CONFIRMED, got %s", paid.Status)
	}
	if n, sum := countHistory(t, h, 1, model.PointUse); n != 1 || sum != 4000 {
		t.Fatalf("expected exactly one USE entry of 4000, got %d entries totalling %d", n, sum)
	}
	bal, _ := h.ledger.Balance(ctx, 1)
	if bal.Balance != 6000 {
		t.Fatalf("expected balance 6000, got %d", bal.Balance)
	}
	if got := h.outboxTopics(t, queue.TopicReservationConfirmed); got != 1 {
		t.Fatalf("expected 1 confirmed event, got %d", got)
	}
}

func TestPayments_RuleViolationIsNotRetried(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 1, 4000)

	res, err := h.reservations.Create(ctx, 1, scheduleID, seats[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ledger.Charge(ctx, 1, 1000); err != nil {
		t.Fatalf("charge: %v", err)
	}

	calls := 0
	h.payments.settle = flakySettle(h, 0, &calls)
	if _, err := h.payments.Pay(ctx, 1, res.ID, 4000); !errors.Is(err, model.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestPayments_ExhaustedRetriesAreTransient(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 1, 4000)

	res, err := h.reservations.Create(ctx, 1, scheduleID, seats[0])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := h.ledger.Charge(ctx, 1, 10000); err != nil {
		t.Fatalf("charge: %v", err)
	}

	calls := 0
	h.payments.settle = flakySettle(h, 100, &calls)
	_, err = h.payments.Pay(ctx, 1, res.ID, 4000)
	if !errors.Is(err, model.ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) || myErr.Number != 1213 {
		t.Fatalf("expected the driver error kept in the chain, got %v", err)
	}
	if calls != h.payments.policy.Attempts {
		t.Fatalf("expected %d attempts, got %d", h.payments.policy.Attempts, calls)
	}
	if n, _ := countHistory(t, h, 1, model.PointUse); n != 0 {
		t.Fatalf("expected no USE entry, got %d", n)
	}
	got, _ := h.reservations.Get(ctx, 1, res.ID)
	if got.Status != model.ReservationPreempted {
		t.Fatalf("expected reservation to stay PREEMPTED, got %s", got.Status)
	}
}
