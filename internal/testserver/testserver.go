// Package testserver shares one PostgreSQL server across the integration
// tests of a package. The server is chosen by the same TESTDB_* environment
// and testdb.toml the CLI reads; by default it is an external server on
// localhost:5432.
package testserver

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/allyourbase/testdb"
	"github.com/allyourbase/testdb/internal/config"
	"github.com/allyourbase/testdb/internal/pgserver"
)

// Server is the administrative endpoint of the shared server.
type Server struct {
	URL    string
	cfg    *config.Config
	logger *slog.Logger
}

// Config returns a testdb.Config for this server applying the migrations in
// migrationsDir.
func (s *Server) Config(migrationsDir string) testdb.Config {
	cfg := pgserver.TestDBConfig(s.cfg, s.URL, s.logger)
	cfg.MigrationsDir = migrationsDir
	return cfg
}

// StartForTestMain resolves and starts the shared server.
// Panics on failure since TestMain has no *testing.T.
func StartForTestMain(ctx context.Context) (*Server, func()) {
	cfg, err := config.Load("", nil)
	if err != nil {
		panic(fmt.Sprintf("loading test server config: %v", err))
	}

	level := slog.LevelWarn
	if cfg.Logging.Level == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	var (
		srv    pgserver.Server
		tmpDir string
	)
	if cfg.Server.Provider == pgserver.ProviderEmbedded {
		// Package test binaries run in parallel, so each one gets its own
		// postmaster, port and pid file.
		tmpDir, err = os.MkdirTemp("", "testdb-embedded-")
		if err != nil {
			panic(fmt.Sprintf("creating embedded server directory: %v", err))
		}
		port, err := pgserver.FreePort()
		if err != nil {
			os.RemoveAll(tmpDir)
			panic(fmt.Sprintf("configuring test server: %v", err))
		}
		srv = pgserver.NewEmbedded(embeddedConfig(cfg, tmpDir, port, logger))
	} else {
		srv, err = pgserver.FromConfig(cfg, logger)
		if err != nil {
			panic(fmt.Sprintf("configuring test server: %v", err))
		}
	}

	removeTmp := func() {
		if tmpDir != "" {
			os.RemoveAll(tmpDir)
		}
	}

	url, err := srv.Start(ctx)
	if err != nil {
		removeTmp()
		panic(fmt.Sprintf("starting test server (provider %q): %v", cfg.Server.Provider, err))
	}

	cleanup := func() {
		if err := srv.Stop(); err != nil {
			logger.Error("stopping test server", "error", err)
		}
		removeTmp()
	}
	return &Server{URL: url, cfg: cfg, logger: logger}, cleanup
}

// embeddedConfig places an embedded server's data, runtime files and pid
// file under dir and binds it to port. The binary cache stays shared.
func embeddedConfig(cfg *config.Config, dir string, port uint32, logger *slog.Logger) pgserver.EmbeddedConfig {
	return pgserver.EmbeddedConfig{
		Port:       port,
		DataDir:    filepath.Join(dir, "data"),
		RuntimeDir: filepath.Join(dir, "run"),
		PIDFile:    filepath.Join(dir, "pg.pid"),
		User:       cfg.Database.User,
		Password:   cfg.Database.Password,
		Logger:     logger,
	}
}
