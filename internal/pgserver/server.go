// Package pgserver supplies the PostgreSQL server that test databases are
// created on: an existing one, an embedded child process, or a container.
package pgserver

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/allyourbase/testdb"
	"github.com/allyourbase/testdb/internal/config"
)

// Provider names accepted in server.provider.
const (
	ProviderExternal  = "external"
	ProviderEmbedded  = "embedded"
	ProviderContainer = "container"
)

// Server is a running (or reachable) PostgreSQL server.
type Server interface {
	// Start makes the server available and returns its administrative URL.
	Start(ctx context.Context) (string, error)
	// Stop releases anything Start acquired.
	Stop() error
}

// FromConfig builds the Server selected by cfg.Server.Provider.
func FromConfig(cfg *config.Config, logger *slog.Logger) (Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db := cfg.Database
	switch cfg.Server.Provider {
	case "", ProviderExternal:
		url := db.URL
		if url == "" {
			url = testdb.FormatServerURL(db.Host, uint16(db.Port), db.User, db.Password)
		}
		return NewExternal(url), nil
	case ProviderEmbedded:
		return NewEmbedded(EmbeddedConfig{
			Port:     uint32(cfg.Server.EmbeddedPort),
			DataDir:  cfg.Server.EmbeddedDataDir,
			User:     db.User,
			Password: db.Password,
			Logger:   logger,
		}), nil
	case ProviderContainer:
		return NewContainer(ContainerConfig{
			Image:    cfg.Server.ContainerImage,
			User:     db.User,
			Password: db.Password,
			Logger:   logger,
		}), nil
	default:
		return nil, fmt.Errorf("unknown server provider %q", cfg.Server.Provider)
	}
}

// TestDBConfig maps cfg onto the library's configuration for a server
// reachable at adminURL.
func TestDBConfig(cfg *config.Config, adminURL string, logger *slog.Logger) testdb.Config {
	return testdb.Config{
		URL:           adminURL,
		MigrationsDir: cfg.Database.MigrationsDir,
		MaxConns:      int32(cfg.Database.MaxConns),
		Timeout:       time.Duration(cfg.Database.Timeout) * time.Second,
		Logger:        logger,
	}
}

// External is a server someone else runs.
type External struct {
	url string
}

// NewExternal wraps an existing server's administrative URL.
func NewExternal(url string) *External {
	return &External{url: url}
}

func (e *External) Start(ctx context.Context) (string, error) {
	if e.url == "" {
		return "", fmt.Errorf("no server URL configured")
	}
	return e.url, nil
}

func (e *External) Stop() error { return nil }
