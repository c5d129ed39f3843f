package pgserver

import (
	"context"
	"fmt"
	"log/slog"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// ContainerConfig holds settings for a containerized PostgreSQL server.
type ContainerConfig struct {
	Image    string // default postgres:16-alpine
	User     string // default postgres
	Password string // default postgres
	Logger   *slog.Logger
}

// Container runs PostgreSQL in a throwaway Docker container.
type Container struct {
	cfg       ContainerConfig
	container *tcpostgres.PostgresContainer
	connURL   string
	logger    *slog.Logger
}

// NewContainer creates a Container server. Does not start anything.
func NewContainer(cfg ContainerConfig) *Container {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Image == "" {
		cfg.Image = "postgres:16-alpine"
	}
	if cfg.User == "" {
		cfg.User = "postgres"
	}
	// The image refuses to initialize without a superuser password.
	if cfg.Password == "" {
		cfg.Password = "postgres"
	}
	return &Container{cfg: cfg, logger: cfg.Logger}
}

// Start runs the container, waits for it to accept connections and returns
// its administrative URL.
func (c *Container) Start(ctx context.Context) (string, error) {
	if c.container != nil {
		return c.connURL, nil
	}

	c.logger.Info("starting postgres container", "image", c.cfg.Image)
	ctr, err := tcpostgres.Run(ctx, c.cfg.Image,
		tcpostgres.WithDatabase("postgres"),
		tcpostgres.WithUsername(c.cfg.User),
		tcpostgres.WithPassword(c.cfg.Password),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		return "", fmt.Errorf("starting postgres container: %w", err)
	}

	connURL, err := ctr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = ctr.Terminate(context.Background())
		return "", fmt.Errorf("getting container connection string: %w", err)
	}

	c.container = ctr
	c.connURL = connURL
	c.logger.Info("postgres container started", "id", ctr.GetContainerID())
	return connURL, nil
}

// Stop terminates and removes the container.
func (c *Container) Stop() error {
	if c.container == nil {
		return nil
	}
	err := c.container.Terminate(context.Background())
	c.container = nil
	if err != nil {
		return fmt.Errorf("terminating postgres container: %w", err)
	}
	c.logger.Info("postgres container stopped")
	return nil
}
