package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/clock"
	"github.com/iliyamo/ticket-reservation/internal/config"
	"github.com/iliyamo/ticket-reservation/internal/lock"
	"github.com/iliyamo/ticket-reservation/internal/outbox"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/retry"
	"github.com/iliyamo/ticket-reservation/internal/service"
	"github.com/iliyamo/ticket-reservation/internal/testutil"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, outbox.Message) error { return nil }

func newServer(t *testing.T) *echo.Echo {
	t.Helper()
	db := testutil.NewTestDB(t)
	clk := clock.NewSystem()
	locker := lock.NewLocalLocker()
	opts := lock.Options{Wait: 5 * time.Second, Lease: 30 * time.Second}

	outboxRepo := repository.NewOutboxRepo(db)
	inv := service.NewInventory(db, locker, opts, clk, nil)
	adm := service.NewAdmission(db, locker, opts, clk, service.AdmissionConfig{Ceiling: 1}, nil)
	res := service.NewReservations(db, inv, outbox.NewRecorder(outboxRepo, clk), locker, opts, clk, 5*time.Minute, nil)
	ledger := service.NewLedger(db, locker, opts, clk, 100_000, nil)
	pay := service.NewPayments(db, res, ledger, adm, locker, opts, retry.DefaultPolicy, nil)
	relay := outbox.NewRelay(outboxRepo, nopPublisher{}, locker, clk, outbox.RelayConfig{}, nil)

	return New(Deps{
		DB:           db,
		RateLimit:    config.RateLimitConfig{Enabled: false},
		Cache:        config.CacheConfig{Enabled: false},
		Inventory:    inv,
		Admission:    adm,
		Reservations: res,
		Payments:     pay,
		Ledger:       ledger,
		Relay:        relay,
	})
}

type call struct {
	method string
	path   string
	user   uint64
	token  string
	body   any
}

func do(t *testing.T, e *echo.Echo, c call, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if c.body != nil {
		if err := json.NewEncoder(&buf).Encode(c.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(c.method, c.path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if c.user != 0 {
		req.Header.Set("X-User-ID", strconv.FormatUint(c.user, 10))
	}
	if c.token != "" {
		req.Header.Set("X-Queue-Token", c.token)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if out != nil && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
			t.Fatalf("%s %s: decode %q: %v", c.method, c.path, rec.Body.String(), err)
		}
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	e := newServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("expected 200 ok, got %d %q", rec.Code, rec.Body.String())
	}
}

func TestMissingIdentity(t *testing.T) {
	e := newServer(t)
	if code := do(t, e, call{method: http.MethodGet, path: "/v1/points"}, nil); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestPurchaseFlow(t *testing.T) {
	e := newServer(t)
	const buyer, other = 1, 2

	var sched struct {
		ID uint64 `json:"id"`
	}
	code := do(t, e, call{method: http.MethodPost, path: "/v1/schedules", user: buyer, body: map[string]any{
		"title": "Opening Night", "starts_at": "2030-01-01T20:00:00Z", "seats": 2, "price": 100,
	}}, &sched)
	if code != http.StatusCreated || sched.ID == 0 {
		t.Fatalf("expected 201 with id, got %d %+v", code, sched)
	}
	base := "/v1/schedules/" + strconv.FormatUint(sched.ID, 10)

	var listing struct {
		Seats []struct {
			ID uint64 `json:"id"`
		} `json:"seats"`
	}
	if code := do(t, e, call{method: http.MethodGet, path: base + "/seats", user: buyer}, &listing); code != http.StatusOK || len(listing.Seats) != 2 {
		t.Fatalf("expected 2 seats, got %d %+v", code, listing)
	}
	seatID := listing.Seats[0].ID

	var tok struct {
		Token    string `json:"token"`
		Status   string `json:"status"`
		Position int    `json:"position"`
	}
	if code := do(t, e, call{method: http.MethodPost, path: base + "/tokens", user: buyer}, &tok); code != http.StatusCreated || tok.Status != "ACTIVE" {
		t.Fatalf("expected ACTIVE token, got %d %+v", code, tok)
	}
	var waiting struct {
		Token    string `json:"token"`
		Status   string `json:"status"`
		Position int    `json:"position"`
	}
	if code := do(t, e, call{method: http.MethodPost, path: base + "/tokens", user: other}, &waiting); code != http.StatusCreated || waiting.Status != "WAITING" || waiting.Position != 1 {
		t.Fatalf("expected WAITING at position 1, got %d %+v", code, waiting)
	}
	if code := do(t, e, call{method: http.MethodPost, path: base + "/tokens", user: buyer}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for duplicate token, got %d", code)
	}
	if code := do(t, e, call{method: http.MethodGet, path: base + "/tokens/" + waiting.Token, user: buyer}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's token, got %d", code)
	}

	reserve := call{method: http.MethodPost, path: base + "/reservations", user: buyer, body: map[string]any{"seat_id": seatID}}
	if code := do(t, e, reserve, nil); code != http.StatusForbidden {
		t.Fatalf("expected 403 without queue token, got %d", code)
	}
	blocked := reserve
	blocked.user, blocked.token = other, waiting.Token
	if code := do(t, e, blocked, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 for WAITING token, got %d", code)
	}

	reserve.token = tok.Token
	var r struct {
		ID     uint64 `json:"id"`
		Status string `json:"status"`
		Price  int64  `json:"price"`
	}
	if code := do(t, e, reserve, &r); code != http.StatusCreated || r.Status != "PREEMPTED" {
		t.Fatalf("expected PREEMPTED reservation, got %d %+v", code, r)
	}
	var conflict map[string]any
	if code := do(t, e, reserve, &conflict); code != http.StatusConflict || conflict["retry"] != true {
		t.Fatalf("expected 409 with retry for a held seat, got %d %v", code, conflict)
	}

	payPath := base + "/reservations/" + strconv.FormatUint(r.ID, 10) + "/payment"
	pay := call{method: http.MethodPost, path: payPath, user: buyer, token: tok.Token, body: map[string]any{"amount": r.Price}}
	if code := do(t, e, pay, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on empty balance, got %d", code)
	}
	if code := do(t, e, call{method: http.MethodPost, path: "/v1/points/charge", user: buyer, body: map[string]any{"amount": 150}}, nil); code != http.StatusOK {
		t.Fatalf("expected charge 200, got %d", code)
	}
	if code := do(t, e, pay, &r); code != http.StatusOK || r.Status != "CONFIRMED" {
		t.Fatalf("expected CONFIRMED after payment, got %d %+v", code, r)
	}

	var bal struct {
		Balance int64 `json:"balance"`
	}
	if code := do(t, e, call{method: http.MethodGet, path: "/v1/points", user: buyer}, &bal); code != http.StatusOK || bal.Balance != 50 {
		t.Fatalf("expected balance 50, got %d %+v", code, bal)
	}
	var hist struct {
		History []struct {
			Type string `json:"type"`
		} `json:"history"`
	}
	if code := do(t, e, call{method: http.MethodGet, path: "/v1/points/history", user: buyer}, &hist); code != http.StatusOK || len(hist.History) != 3 {
		t.Fatalf("expected INIT, CHARGE and USE entries, got %d %+v", code, hist)
	}

	resPath := "/v1/reservations/" + strconv.FormatUint(r.ID, 10)
	if code := do(t, e, call{method: http.MethodGet, path: resPath, user: other}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's reservation, got %d", code)
	}
	var mine struct {
		Reservations []struct {
			ID uint64 `json:"id"`
		} `json:"reservations"`
	}
	if code := do(t, e, call{method: http.MethodGet, path: "/v1/my-reservations", user: buyer}, &mine); code != http.StatusOK || len(mine.Reservations) != 1 {
		t.Fatalf("expected one reservation, got %d %+v", code, mine)
	}
	if code := do(t, e, call{method: http.MethodDelete, path: resPath, user: buyer}, &r); code != http.StatusOK || r.Status != "CANCELLED" {
		t.Fatalf("expected CANCELLED, got %d %+v", code, r)
	}
	if code := do(t, e, call{method: http.MethodDelete, path: resPath, user: buyer}, nil); code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 on second cancel, got %d", code)
	}

	var failed struct {
		Records []any `json:"records"`
	}
	if code := do(t, e, call{method: http.MethodGet, path: "/v1/admin/outbox/failed", user: buyer}, &failed); code != http.StatusOK || len(failed.Records) != 0 {
		t.Fatalf("expected no failed records, got %d %+v", code, failed)
	}
	if code := do(t, e, call{method: http.MethodPost, path: "/v1/admin/outbox/999/requeue", user: buyer}, nil); code != http.StatusNotFound {
		t.Fatalf("expected 404 requeueing unknown record, got %d", code)
	}
}

func TestActivateEmptyQueueIsCapacity(t *testing.T) {
	e := newServer(t)
	var sched struct {
		ID uint64 `json:"id"`
	}
	do(t, e, call{method: http.MethodPost, path: "/v1/schedules", user: 1, body: map[string]any{
		"title": "Matinee", "starts_at": "2030-01-02T14:00:00Z", "seats": 1, "price": 10,
	}}, &sched)
	path := "/v1/schedules/" + strconv.FormatUint(sched.ID, 10) + "/tokens/activate"
	if code := do(t, e, call{method: http.MethodPost, path: path, user: 1, body: map[string]any{"count": 5}}, nil); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 with nobody waiting, got %d", code)
	}
	if code := do(t, e, call{method: http.MethodPost, path: path, user: 1, body: map[string]any{"count": 0}}, nil); code != http.StatusBadRequest {
		t.Fatalf("expected 400 for zero count, got %d", code)
	}
}
