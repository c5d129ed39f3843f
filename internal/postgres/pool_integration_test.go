//go:build integration

package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/allyourbase/testdb"
	"github.com/allyourbase/testdb/internal/postgres"
	"github.com/allyourbase/testdb/internal/testserver"
	"github.com/allyourbase/testdb/internal/testutil"
)

var sharedServer *testserver.Server

func TestMain(m *testing.M) {
	srv, cleanup := testserver.StartForTestMain(context.Background())
	sharedServer = srv
	code := m.Run()
	cleanup()
	os.Exit(code)
}

func TestNewPool(t *testing.T) {
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, postgres.Config{
		URL:      sharedServer.URL,
		MaxConns: 5,
	}, testutil.DiscardLogger())
	testutil.NoError(t, err)
	defer pool.Close()

	testutil.Equal(t, pool.Config().MaxConns, int32(5))

	var result int
	err = pool.QueryRow(ctx, "SELECT 1").Scan(&result)
	testutil.NoError(t, err)
	testutil.Equal(t, result, 1)
}

func TestNewPoolMissingDatabase(t *testing.T) {
	ctx := context.Background()

	// A database that existed and has since been dropped.
	db, err := testdb.NewWithConfig(sharedServer.Config(""))
	testutil.NoError(t, err)
	testutil.NoError(t, db.Close())

	_, err = postgres.NewPool(ctx, postgres.Config{URL: db.URL(), MaxConns: 1}, testutil.DiscardLogger())
	testutil.True(t, postgres.IsMissingDatabase(err), "expected missing database, got %v", err)
}

func TestConnectAndServerVersion(t *testing.T) {
	ctx := context.Background()

	conn, err := postgres.Connect(ctx, sharedServer.URL)
	testutil.NoError(t, err)
	defer conn.Close(ctx)

	version, err := postgres.ServerVersion(ctx, conn)
	testutil.NoError(t, err)
	testutil.True(t, version != "", "server version should not be empty")
}

func TestPoolClose(t *testing.T) {
	ctx := context.Background()

	pool, err := postgres.NewPool(ctx, postgres.Config{
		URL:      sharedServer.URL,
		MaxConns: 2,
	}, testutil.DiscardLogger())
	testutil.NoError(t, err)

	pool.Close()

	err = pool.Ping(ctx)
	testutil.True(t, err != nil, "expected error after pool close")
}
