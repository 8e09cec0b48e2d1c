package service

import (
	"context"
	"testing"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

func TestSweeper_ExpiresElapsedHold(t *testing.T) {
	h := newHarness(t, AdmissionConfig{})
	ctx := context.Background()
	scheduleID, seats := h.seedSchedule(t, 5, 100)

	res, err := h.reservations.Create(ctx, 1, scheduleID, seats[2])
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	before, _ := h.inventory.Count(ctx, scheduleID)

	h.clock.Advance(5*time.Minute + time.Second)
	out, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if out.HoldsExpired != 1 {
		t.Fatalf("expected 1 hold expired, got %d", out.HoldsExpired)
	}

	got, _ := h.reservations.Get(ctx, 1, res.ID)
	if got.Status != model.ReservationExpired {
		t.Fatalf("expected EXPIRED, got %s", got.Status)
	}
	seats2, _ := h.inventory.FindAvailable(ctx, scheduleID)
	found := false
	for _, s := range seats2 {
		if s.ID == seats[2] {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected seat available again")
	}
	after, _ := h.inventory.Count(ctx, scheduleID)
	if after.Available != before.Available+1 {
		t.Fatalf("expected count incremented by 1, got %d -> %d", before.Available, after.Available)
	}
	h.assertCountInvariant(t, scheduleID)

	// A second sweep finds nothing to do.
	again, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if again != (SweepResult{}) {
		t.Fatalf("expected empty second sweep, got %+v", again)
	}
}

func TestSweeper_PromotesAfterTokenExpiry(t *testing.T) {
	h := newHarness(t, AdmissionConfig{Ceiling: 2, ActiveTTL: time.Minute, WaitingTTL: time.Hour, PromoteBatch: 5})
	ctx := context.Background()
	scheduleID, _ := h.seedSchedule(t, 1, 100)

	for user := uint64(1); user <= 5; user++ {
		if _, err := h.admission.Issue(ctx, user, scheduleID); err != nil {
			t.Fatalf("issue: %v", err)
		}
	}
	h.clock.Advance(2 * time.Minute)

	out, err := h.sweeper.RunOnce(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if out.TokensExpired != 2 || out.TokensPromoted != 2 {
		t.Fatalf("expected 2 expired and 2 promoted, got %+v", out)
	}
	active, _ := h.admission.ActiveCount(ctx, scheduleID)
	if active != 2 {
		t.Fatalf("expected active count at ceiling 2, got %d", active)
	}
}
