package service

import (
	"context"
	"errors"
	"testing"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

func TestLedger_ChargeLimits(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()

	tests := []struct {
		name   string
		amount int64
		want   error
	}{
		{"zero", 0, model.ErrInvalidAmount},
		{"negative", -5, model.ErrInvalidAmount},
		{"over upper limit", 100_001, model.ErrBalanceLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.ledger.Charge(ctx, 1, tt.amount); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}

	if _, err := h.ledger.Charge(ctx, 1, 100_000); err != nil {
		t.Fatalf("charge to the limit: %v", err)
	}
	if _, err := h.ledger.Charge(ctx, 1, 1); !errors.Is(err, model.ErrBalanceLimit) {
		t.Fatalf("expected ErrBalanceLimit past the limit, got %v", err)
	}
}

func TestLedger_HistoryReplaysBalance(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 2, 700)

	for _, amt := range []int64{1000, 250} {
		if _, err := h.ledger.Charge(ctx, 3, amt); err != nil {
			t.Fatalf("charge: %v", err)
		}
	}
	res, _ := h.reservations.Create(ctx, 3, scheduleID, seats[0])
	if _, err := h.payments.Pay(ctx, 3, res.ID, 700); err != nil {
		t.Fatalf("pay: %v", err)
	}

	entries, err := h.ledger.History(ctx, 3)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(entries) != 4 || entries[0].Type != model.PointInit {
		t.Fatalf("expected INIT + 2 CHARGE + USE, got %+v", entries)
	}
	var replay int64
	for _, e := range entries {
		switch e.Type {
		case model.PointInit, model.PointCharge:
			replay += e.Amount
		case model.PointUse:
			replay -= e.Amount
		}
		if e.BalanceAfter != replay {
			t.Fatalf("expected balance_after %d, got %d", replay, e.BalanceAfter)
		}
	}
	bal, _ := h.ledger.Balance(ctx, 3)
	if bal.Balance != replay || replay != 550 {
		t.Fatalf("expected balance 550 reconstructed from history, got balance %d replay %d", bal.Balance, replay)
	}
}

func TestLedger_UnknownUserHasZeroBalance(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	bal, err := h.ledger.Balance(context.Background(), 42)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal.Balance != 0 || bal.UserID != 42 {
		t.Fatalf("unexpected balance %+v", bal)
	}
}
