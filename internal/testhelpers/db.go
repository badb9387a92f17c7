package testhelpers

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"go.uber.org/zap"

	"github.com/volt772/stormbeaver/internal/config"
	"github.com/volt772/stormbeaver/internal/db"
	"github.com/volt772/stormbeaver/internal/db/migrate"
)

// NewTestDB opens a migrated SQLite database in a temp dir. It uses a real
// file so concurrent connections share one database. Closed on cleanup.
func NewTestDB(t *testing.T) *sql.DB {
	t.Helper()
	cfg := &config.Config{
		SQLiteDriver:       "sqlite3",
		SQLitePath:         filepath.Join(t.TempDir(), "weather.db"),
		SQLiteMaxOpenConns: 4,
		SQLiteMaxIdleConns: 4,
	}
	conn, err := db.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close(conn) })

	if err := migrate.Run(context.Background(), conn, zap.NewNop()); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return conn
}

// CountRows returns the number of rows in table. Table names are fixed by callers.
func CountRows(t *testing.T, conn *sql.DB, table string) int {
	t.Helper()
	var n int
	if err := conn.QueryRow("SELECT count(*) FROM " + table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
