//go:build integration

package migrations_test

import (
	"context"
	"os"
	"testing"
	"testing/fstest"

	"github.com/allyourbase/testdb"
	"github.com/allyourbase/testdb/internal/migrations"
	"github.com/allyourbase/testdb/internal/testserver"
	"github.com/allyourbase/testdb/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
)

var sharedServer *testserver.Server

func TestMain(m *testing.M) {
	srv, cleanup := testserver.StartForTestMain(context.Background())
	sharedServer = srv
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// emptyPool returns a pool on a fresh database with nothing applied.
func emptyPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	_, pool := testdb.OpenPool(t, sharedServer.Config(""))
	return pool
}

func TestUpAppliesInVersionOrder(t *testing.T) {
	pool := emptyPool(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"10_add_done.sql":    {Data: []byte("ALTER TABLE items ADD done bool NOT NULL DEFAULT false")},
		"2_create_items.sql": {Data: []byte("CREATE TABLE items (id serial PRIMARY KEY, name text)")},
	}
	runner := migrations.NewRunner(pool, fsys, testutil.DiscardLogger())

	n, err := runner.Up(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, n, 2)

	_, err = pool.Exec(ctx, "INSERT INTO items (name, done) VALUES ('a', true)")
	testutil.NoError(t, err)
}

func TestUpIsIdempotent(t *testing.T) {
	pool := emptyPool(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"1_create_items.sql": {Data: []byte("CREATE TABLE items (id int)")},
	}
	runner := migrations.NewRunner(pool, fsys, testutil.DiscardLogger())

	n, err := runner.Up(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, n, 1)

	n, err = runner.Up(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, n, 0)

	// A new file is picked up on the next run.
	fsys["2_more.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE more (id int)")}
	n, err = runner.Up(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, n, 1)
}

func TestUpRollsBackFailedMigration(t *testing.T) {
	pool := emptyPool(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"1_good.sql":  {Data: []byte("CREATE TABLE good (id int)")},
		"2_bad.sql":   {Data: []byte("CREATE TABLE half (id int); SELECT * FROM missing_table")},
		"3_never.sql": {Data: []byte("CREATE TABLE never (id int)")},
	}
	runner := migrations.NewRunner(pool, fsys, testutil.DiscardLogger())

	n, err := runner.Up(ctx)
	testutil.ErrorContains(t, err, "executing migration 2_bad.sql")
	testutil.Equal(t, n, 1)

	var exists bool
	err = pool.QueryRow(ctx, "SELECT to_regclass('half') IS NOT NULL").Scan(&exists)
	testutil.NoError(t, err)
	testutil.False(t, exists, "table from failed migration should be rolled back")

	err = pool.QueryRow(ctx, "SELECT to_regclass('never') IS NOT NULL").Scan(&exists)
	testutil.NoError(t, err)
	testutil.False(t, exists, "migrations after a failure must not run")

	var recorded int
	err = pool.QueryRow(ctx, "SELECT count(*) FROM "+migrations.TrackingTable).Scan(&recorded)
	testutil.NoError(t, err)
	testutil.Equal(t, recorded, 1)
}

func TestUpDetectsModifiedMigration(t *testing.T) {
	pool := emptyPool(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"1_create_items.sql": {Data: []byte("CREATE TABLE items (id int)")},
	}
	_, err := migrations.NewRunner(pool, fsys, testutil.DiscardLogger()).Up(ctx)
	testutil.NoError(t, err)

	fsys["1_create_items.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE items (id bigint)")}
	_, err = migrations.NewRunner(pool, fsys, testutil.DiscardLogger()).Up(ctx)
	testutil.ErrorContains(t, err, "modified after it was applied")
}

func TestStatus(t *testing.T) {
	pool := emptyPool(t)
	ctx := context.Background()

	fsys := fstest.MapFS{
		"1_one.sql": {Data: []byte("CREATE TABLE one (id int)")},
	}
	runner := migrations.NewRunner(pool, fsys, testutil.DiscardLogger())
	_, err := runner.Up(ctx)
	testutil.NoError(t, err)

	fsys["2_two.sql"] = &fstest.MapFile{Data: []byte("CREATE TABLE two (id int)")}
	statuses, err := runner.Status(ctx)
	testutil.NoError(t, err)
	testutil.SliceLen(t, statuses, 2)

	testutil.Equal(t, statuses[0].Name, "1_one.sql")
	testutil.NotNil(t, statuses[0].AppliedAt)
	testutil.Equal(t, statuses[1].Name, "2_two.sql")
	testutil.True(t, statuses[1].AppliedAt == nil, "2_two.sql should be pending")
}

func TestUpOnSingleConnection(t *testing.T) {
	db := testdb.Open(t, sharedServer.Config(""))
	ctx := context.Background()

	conn, err := db.Conn(ctx)
	testutil.NoError(t, err)
	defer conn.Close(ctx)

	fsys := fstest.MapFS{
		"1_create_items.sql": {Data: []byte("CREATE TABLE items (id int)")},
	}
	n, err := migrations.NewRunner(conn, fsys, testutil.DiscardLogger()).Up(ctx)
	testutil.NoError(t, err)
	testutil.Equal(t, n, 1)
}
