package testdb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/allyourbase/testdb/internal/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	gormpostgres "gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Pool opens a new connection pool on the database, capped at the configured
// MaxConns. Every call returns an independent pool owned by the caller;
// pools still open at Close have their connections terminated.
func (db *TestDB) Pool(ctx context.Context) (*pgxpool.Pool, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return postgres.NewPool(ctx, postgres.Config{
		URL:      db.url,
		MaxConns: db.maxConns,
	}, db.logger)
}

// Conn opens a single connection to the database.
func (db *TestDB) Conn(ctx context.Context) (*pgx.Conn, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return postgres.Connect(ctx, db.url)
}

// SQLDB returns a database/sql handle on the database backed by the pgx
// driver. Connections are opened lazily.
func (db *TestDB) SQLDB() (*sql.DB, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	connCfg, err := pgx.ParseConfig(db.url)
	if err != nil {
		return nil, fmt.Errorf("parsing database URL: %w", err)
	}
	sqlDB := stdlib.OpenDB(*connCfg)
	sqlDB.SetMaxOpenConns(int(db.maxConns))
	return sqlDB, nil
}

// Gorm returns a GORM handle on the database. A nil cfg uses GORM defaults
// with query logging silenced.
func (db *TestDB) Gorm(cfg *gorm.Config) (*gorm.DB, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if cfg == nil {
		cfg = &gorm.Config{Logger: gormlogger.Discard}
	}
	gdb, err := gorm.Open(gormpostgres.Open(db.url), cfg)
	if err != nil {
		return nil, fmt.Errorf("opening gorm: %w", err)
	}
	sqlDB, err := gdb.DB()
	if err != nil {
		return nil, fmt.Errorf("getting gorm connection pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(int(db.maxConns))
	return gdb, nil
}
