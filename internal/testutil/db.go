package testutil

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/iliyamo/ticket-reservation/internal/database"
)

// NewTestDB opens a migrated SQLite database in a temp directory that is
// removed when the test ends.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.DriverSQLite, database.SQLiteDSN(filepath.Join(t.TempDir(), "test.db")))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := database.Migrate(ctx, db, database.DriverSQLite); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return db
}
