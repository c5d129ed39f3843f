package testdb

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Open provisions a database for the duration of t. A provisioning failure
// stops the test before its body runs. Teardown is registered with t.Cleanup,
// and a teardown failure fails the test.
//
// Cleanups run last-in first-out, so pools registered for closing after Open
// returns are closed before the database is dropped.
func Open(t testing.TB, cfg Config) *TestDB {
	t.Helper()

	db, err := NewWithConfig(cfg)
	if err != nil {
		t.Fatalf("%v", err)
	}
	closeOnCleanup(t, db)
	return db
}

// closeOnCleanup drops db when t ends and fails t if that does not work.
func closeOnCleanup(t testing.TB, db *TestDB) {
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Fatalf("%v", err)
		}
	})
}

// OpenPool is Open followed by Pool. The pool is closed when t ends, ahead
// of the database being dropped.
func OpenPool(t testing.TB, cfg Config) (*TestDB, *pgxpool.Pool) {
	t.Helper()

	db := Open(t, cfg)
	pool, err := db.Pool(context.Background())
	if err != nil {
		t.Fatalf("testdb: opening pool on %s: %v", db.Name(), err)
	}
	t.Cleanup(pool.Close)
	return db, pool
}
