package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/allyourbase/testdb/internal/migrations"
	"github.com/allyourbase/testdb/internal/postgres"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Work with the migration set applied to test databases",
	Long: `Migrations are files named <version>_<description>.sql in the migrations
directory (default: ./migrations), applied in ascending version order.

Create a new migration:
  testdb migrate create add_posts_table

Check the migration set for naming or ordering problems:
  testdb migrate check

Show applied/pending state of a database:
  testdb migrate status --database-url postgres://.../test_...`,
}

var migrateCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new migration file",
	Args:  cobra.ExactArgs(1),
	RunE:  runMigrateCreate,
}

var migrateCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Validate migration file names and versions without a database",
	Args:  cobra.NoArgs,
	RunE:  runMigrateCheck,
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show migration status (applied/pending) of a database",
	Args:  cobra.NoArgs,
	RunE:  runMigrateStatus,
}

func init() {
	migrateCmd.AddCommand(migrateCreateCmd)
	migrateCmd.AddCommand(migrateCheckCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	for _, cmd := range []*cobra.Command{migrateCreateCmd, migrateCheckCmd, migrateStatusCmd} {
		cmd.Flags().String("config", "", "Path to testdb.toml config file")
		cmd.Flags().String("migrations-dir", "", "Migrations directory (overrides config)")
	}
	migrateStatusCmd.Flags().String("database-url", "", "URL of the database to inspect")
}

func runMigrateCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	path, err := migrations.CreateFile(cfg.Database.MigrationsDir, args[0])
	if err != nil {
		return fmt.Errorf("creating migration: %w", err)
	}
	fmt.Printf("Created migration: %s\n", path)
	return nil
}

func runMigrateCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	runner := migrations.NewDirRunner(nil, cfg.Database.MigrationsDir, newLogger(cfg.Logging.Level, cfg.Logging.Format))
	set, err := runner.Load()
	if err != nil {
		return err
	}
	for _, m := range set {
		fmt.Printf("%-20d  %s\n", m.Version, m.Name)
	}
	fmt.Printf("%d migration(s) OK.\n", len(set))
	return nil
}

func runMigrateStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	dbURL, _ := cmd.Flags().GetString("database-url")
	if dbURL == "" {
		return fmt.Errorf("--database-url is required: point it at a test database, not the server")
	}

	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	ctx, cancel := context.WithTimeout(cmd.Context(), time.Duration(cfg.Database.Timeout)*time.Second)
	defer cancel()

	pool, err := postgres.NewPool(ctx, postgres.Config{URL: dbURL, MaxConns: 1}, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer pool.Close()

	runner := migrations.NewDirRunner(pool, cfg.Database.MigrationsDir, logger)
	if err := runner.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping: %w", err)
	}

	statuses, err := runner.Status(ctx)
	if err != nil {
		return fmt.Errorf("getting status: %w", err)
	}

	if len(statuses) == 0 {
		fmt.Printf("No migrations found in %s\n", cfg.Database.MigrationsDir)
		return nil
	}

	fmt.Printf("%-50s  %s\n", "MIGRATION", "STATUS")
	fmt.Printf("%-50s  %s\n", "---------", "------")
	for _, s := range statuses {
		if s.AppliedAt != nil {
			fmt.Printf("%-50s  applied %s\n", s.Name, s.AppliedAt.Format(time.RFC3339))
		} else {
			fmt.Printf("%-50s  pending\n", s.Name)
		}
	}
	return nil
}
