package testdb

import (
	"context"
	"fmt"
	"io/fs"

	"github.com/allyourbase/testdb/internal/migrations"
	"github.com/allyourbase/testdb/internal/postgres"
	"github.com/jackc/pgx/v5"
)

// Ends every other session on the target database so DROP DATABASE does not
// refuse with "database is being accessed by other users".
const terminateBackendsSQL = `
	SELECT pg_terminate_backend(pid)
	FROM pg_stat_activity
	WHERE datname = $1 AND pid <> pg_backend_pid()`

// run drives one lifecycle workflow to completion on the calling goroutine.
// The context is detached from any caller: provisioning and teardown are
// bounded by the configured timeout but cannot be cancelled.
func (db *TestDB) run(workflow func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), db.timeout)
	defer cancel()
	return workflow(ctx)
}

// provision creates the database and applies src to it. A failure after
// CREATE DATABASE leaves the database in place.
func (db *TestDB) provision(ctx context.Context, src fs.FS) (int, error) {
	if err := db.createDatabase(ctx); err != nil {
		return 0, err
	}
	if src == nil {
		return 0, nil
	}

	conn, err := postgres.Connect(ctx, db.url)
	if err != nil {
		return 0, fmt.Errorf("connecting to new database: %w", err)
	}
	defer conn.Close(ctx)

	applied, err := migrations.NewRunner(conn, src, db.logger).Up(ctx)
	if err != nil {
		return applied, fmt.Errorf("applying migrations: %w", err)
	}
	return applied, nil
}

func (db *TestDB) createDatabase(ctx context.Context) error {
	admin, err := postgres.Connect(ctx, db.serverURL)
	if err != nil {
		return fmt.Errorf("connecting to server: %w", err)
	}
	defer admin.Close(ctx)

	if version, err := postgres.ServerVersion(ctx, admin); err == nil {
		db.logger.Debug("connected to server", "version", version)
	}

	if _, err := admin.Exec(ctx, "CREATE DATABASE "+quoteIdent(db.name)); err != nil {
		return fmt.Errorf("creating database: %w", err)
	}
	return nil
}

// teardown terminates other sessions on the database, then drops it.
func (db *TestDB) teardown(ctx context.Context) error {
	n, err := dropDatabase(ctx, db.serverURL, db.name)
	if n > 0 {
		db.logger.Debug("terminated lingering connections", "count", n)
	}
	return err
}

// Drop removes database name from the server at serverURL, terminating any
// sessions still connected to it. It is how leftovers of aborted runs are
// cleaned up; a live TestDB should be released with Close instead.
func Drop(ctx context.Context, serverURL, name string) error {
	_, err := dropDatabase(ctx, serverURL, name)
	return err
}

// The order matters: the server rejects dropping a database that is in use.
func dropDatabase(ctx context.Context, serverURL, name string) (int64, error) {
	admin, err := postgres.Connect(ctx, serverURL)
	if err != nil {
		return 0, fmt.Errorf("connecting to server: %w", err)
	}
	defer admin.Close(ctx)

	tag, err := admin.Exec(ctx, terminateBackendsSQL, name)
	if err != nil {
		return 0, fmt.Errorf("terminating connections: %w", err)
	}
	terminated := tag.RowsAffected()

	if _, err := admin.Exec(ctx, "DROP DATABASE "+quoteIdent(name)); err != nil {
		return terminated, fmt.Errorf("dropping database: %w", err)
	}
	return terminated, nil
}

// List returns the databases on the server whose names carry NamePrefix,
// in name order.
func List(ctx context.Context, serverURL string) ([]string, error) {
	admin, err := postgres.Connect(ctx, serverURL)
	if err != nil {
		return nil, fmt.Errorf("connecting to server: %w", err)
	}
	defer admin.Close(ctx)

	rows, err := admin.Query(ctx,
		"SELECT datname FROM pg_database WHERE starts_with(datname, $1) ORDER BY datname", NamePrefix)
	if err != nil {
		return nil, fmt.Errorf("listing databases: %w", err)
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning database names: %w", err)
	}
	return names, nil
}

func quoteIdent(name string) string {
	return pgx.Identifier{name}.Sanitize()
}
