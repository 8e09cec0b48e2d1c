package database

import (
	"context"
	"path/filepath"
	"testing"
)

func TestMigrate_SQLiteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, err := Open(DriverSQLite, SQLiteDSN(filepath.Join(t.TempDir(), "m.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	for i := 0; i < 2; i++ {
		if err := Migrate(ctx, db, DriverSQLite); err != nil {
			t.Fatalf("migrate run %d: %v", i+1, err)
		}
	}

	for _, table := range []string{"schedules", "seats", "schedule_seat_counts", "tokens", "reservations", "point_balances", "point_history", "outbox"} {
		var n int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n); err != nil {
			t.Fatalf("lookup %s: %v", table, err)
		}
		if n != 1 {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	var applied int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 2 {
		t.Fatalf("expected 2 applied migrations, got %d", applied)
	}

	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM pragma_table_info('outbox') WHERE name = 'next_attempt_at_ms'`).Scan(&n); err != nil {
		t.Fatalf("lookup outbox column: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected outbox.next_attempt_at_ms to exist")
	}
}

func TestMigrate_UnknownDriver(t *testing.T) {
	db, err := Open(DriverSQLite, SQLiteDSN(filepath.Join(t.TempDir(), "m.db")))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := Migrate(context.Background(), db, "oracle"); err == nil {
		t.Fatalf("expected error for driver without migrations")
	}
}
