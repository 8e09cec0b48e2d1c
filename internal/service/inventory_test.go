package service

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

func TestInventory_CreateScheduleValidation(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()

	tests := []struct {
		name string
		in   CreateScheduleInput
	}{
		{"empty title", CreateScheduleInput{Title: " ", StartsAt: testStart, Seats: 10}},
		{"no seats", CreateScheduleInput{Title: "x", StartsAt: testStart, Seats: 0}},
		{"negative price", CreateScheduleInput{Title: "x", StartsAt: testStart, Seats: 1, Price: -1}},
		{"missing start", CreateScheduleInput{Title: "x", Seats: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.inventory.CreateSchedule(ctx, tt.in); !errors.Is(err, model.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestInventory_AssignAndRelease(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 3, 1000)

	err := repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		_, err := h.inventory.AssignTx(ctx, tx, scheduleID, seats[0])
		return err
	})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	c, _ := h.inventory.Count(ctx, scheduleID)
	if c.Available != 2 {
		t.Fatalf("expected 2 available, got %d", c.Available)
	}
	h.assertCountInvariant(t, scheduleID)

	err = repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		_, err := h.inventory.AssignTx(ctx, tx, scheduleID, seats[0])
		return err
	})
	if !errors.Is(err, model.ErrSeatUnavailable) {
		t.Fatalf("expected ErrSeatUnavailable on second assign, got %v", err)
	}

	err = repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		_, err := h.inventory.AssignTx(ctx, tx, scheduleID+1, seats[1])
		return err
	})
	if !errors.Is(err, model.ErrSeatNotFound) {
		t.Fatalf("expected ErrSeatNotFound for seat of another schedule, got %v", err)
	}

	if err := repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		return h.inventory.ReleaseTx(ctx, tx, seats[0])
	}); err != nil {
		t.Fatalf("release: %v", err)
	}
	err = repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		return h.inventory.ReleaseTx(ctx, tx, seats[0])
	})
	if !errors.Is(err, model.ErrSeatNotHeld) {
		t.Fatalf("expected ErrSeatNotHeld on double release, got %v", err)
	}
	c, _ = h.inventory.Count(ctx, scheduleID)
	if c.Available != 3 {
		t.Fatalf("expected 3 available, got %d", c.Available)
	}
	h.assertCountInvariant(t, scheduleID)
}

func TestInventory_FindAvailableUnknownSchedule(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	if _, err := h.inventory.FindAvailable(context.Background(), 999); !errors.Is(err, model.ErrScheduleNotFound) {
		t.Fatalf("expected ErrScheduleNotFound, got %v", err)
	}
}

func TestInventory_RepairOrphans(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 2, 500)

	// Seat 0 is held by a live reservation, seat 1 is taken without one.
	if _, err := h.reservations.Create(ctx, 7, scheduleID, seats[0]); err != nil {
		t.Fatalf("create reservation: %v", err)
	}
	if err := repository.InTx(ctx, h.db, func(tx *sql.Tx) error {
		_, err := h.inventory.AssignTx(ctx, tx, scheduleID, seats[1])
		return err
	}); err != nil {
		t.Fatalf("assign orphan: %v", err)
	}

	n, err := h.inventory.RepairOrphans(ctx, 10)
	if err != nil {
		t.Fatalf("repair: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 repaired seat, got %d", n)
	}
	held, _ := repository.NewSeatRepo(h.db).GetByID(ctx, seats[0])
	if held.Available {
		t.Fatalf("expected seat with live reservation to stay unavailable")
	}
	freed, _ := repository.NewSeatRepo(h.db).GetByID(ctx, seats[1])
	if !freed.Available {
		t.Fatalf("expected orphaned seat to be released")
	}
	h.assertCountInvariant(t, scheduleID)

	released, err := h.inventory.ReleaseOrphan(ctx, seats[1])
	if err != nil || released {
		t.Fatalf("expected second release to be a no-op, got released=%v err=%v", released, err)
	}
}

func TestInventory_CreateScheduleSeatsArePriced(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, _ := h.seedSchedule(t, 4, 2500)

	seats, err := h.inventory.FindAvailable(ctx, scheduleID)
	if err != nil {
		t.Fatalf("find available: %v", err)
	}
	if len(seats) != 4 {
		t.Fatalf("expected 4 seats, got %d", len(seats))
	}
	for i, s := range seats {
		if s.SeatNo != uint32(i+1) || s.Price != 2500 || !s.Available {
			t.Fatalf("unexpected seat %+v", s)
		}
	}
	sched, err := h.inventory.Schedule(ctx, scheduleID)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if !sched.StartsAt.Equal(testStart.Add(48 * time.Hour)) {
		t.Fatalf("expected starts_at %v, got %v", testStart.Add(48*time.Hour), sched.StartsAt)
	}
}
