package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/outbox"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/retry"
	"github.com/iliyamo/ticket-reservation/internal/testutil"
)

var testStart = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	db           *sql.DB
	clock        *clock.Manual
	locker       *lock.LocalLocker
	inventory    *Inventory
	admission    *Admission
	reservations *Reservations
	ledger       *Ledger
	payments     *Payments
	sweeper      *Sweeper
	outbox       *repository.OutboxRepo
}

func newHarness(t *testing.T, adm AdmissionConfig) *harness {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewManual(testStart)
	locker := lock.NewLocalLocker()
	opts := lock.Options{Wait: 5 * time.Second, Lease: 30 * time.Second}

	outboxRepo := repository.NewOutboxRepo(db)
	rec := outbox.NewRecorder(outboxRepo, clk)
	inv := NewInventory(db, locker, opts, clk, nil)
	admission := NewAdmission(db, locker, opts, clk, adm, nil)
	res := NewReservations(db, inv, rec, locker, opts, clk, 5*time.Minute, nil)
	ledger := NewLedger(db, locker, opts, clk, 100_000, nil)
	payments := NewPayments(db, res, ledger, admission, locker, opts, retry.DefaultPolicy, nil)
	sweeper := NewSweeper(admission, res, inv, SweeperConfig{Interval: time.Second, BatchSize: 50}, nil)

	return &harness{
		db:           db,
		clock:        clk,
		locker:       locker,
		inventory:    inv,
		admission:    admission,
		reservations: res,
		ledger:       ledger,
		payments:     payments,
		sweeper:      sweeper,
		outbox:       outboxRepo,
	}
}

// seedSchedule creates a schedule through the inventory and returns it with
// its seat IDs.
func (h *harness) seedSchedule(t *testing.T, seats int, price int64) (uint64, []uint64) {
	t.Helper()
	ctx := context.Background()
	sched, err := h.inventory.CreateSchedule(ctx, CreateScheduleInput{
		Title:    "Opening Night",
		StartsAt: testStart.Add(48 * time.Hour),
		Seats:    seats,
		Price:    price,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	all, err := h.inventory.FindAvailable(ctx, sched.ID)
	if err != nil {
		t.Fatalf("find available: %v", err)
	}
	ids := make([]uint64, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	return sched.ID, ids
}

// assertCountInvariant checks available + unavailable == max for a
// schedule.
func (h *harness) assertCountInvariant(t *testing.T, scheduleID uint64) {
	t.Helper()
	ctx := context.Background()
	c, err := h.inventory.Count(ctx, scheduleID)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	taken, err := repository.NewSeatRepo(h.db).CountUnavailable(ctx, scheduleID)
	if err != nil {
		t.Fatalf("count unavailable: %v", err)
	}
	if c.Available+taken != c.MaxSeats {
		t.Fatalf("expected available(%d) + unavailable(%d) == max(%d)", c.Available, taken, c.MaxSeats)
	}
}

func (h *harness) outboxTopics(t *testing.T, topic string) int {
	t.Helper()
	recs, err := h.outbox.ListByTopic(context.Background(), topic)
	if err != nil {
		t.Fatalf("list outbox: %v", err)
	}
	return len(recs)
}
