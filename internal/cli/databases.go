package cli

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/allyourbase/testdb"
	"github.com/allyourbase/testdb/internal/pgserver"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var createCmd = &cobra.Command{
	Use:   "create",
	Short: "Provision a migrated test database and leave it in place",
	Long: `Create a test_<uuid> database, apply the migrations and print its URL.
The database is not dropped on exit; remove it with 'testdb drop <name>'.`,
	Args: cobra.NoArgs,
	RunE: runCreate,
}

var dropCmd = &cobra.Command{
	Use:   "drop <name>...",
	Short: "Terminate connections to and drop test databases",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDrop,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List test databases on the server",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Drop every test database on the server",
	Long: `Drop every database named test_<uuid>. Use this after interrupted test
runs, or after a failed migration left a half-built database behind.
Databases in use by a running test suite are dropped too.`,
	Args: cobra.NoArgs,
	RunE: runPrune,
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, dropCmd, listCmd, pruneCmd} {
		addServerFlags(cmd)
	}
	createCmd.Flags().String("migrations-dir", "", "Migrations directory (overrides config)")
	pruneCmd.Flags().Bool("dry-run", false, "Only print the databases that would be dropped")
	pruneCmd.Flags().Int("parallel", 4, "Number of databases dropped concurrently")
}

// session is what every server-facing command needs.
type session struct {
	adminURL string
	timeout  time.Duration
	stop     func()
}

func openSession(cmd *cobra.Command) (*session, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)
	url, stop, err := startServer(cmd, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{
		adminURL: url,
		timeout:  time.Duration(cfg.Database.Timeout) * time.Second,
		stop:     stop,
	}, nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	switch p := cfg.Server.Provider; p {
	case pgserver.ProviderEmbedded, pgserver.ProviderContainer:
		return fmt.Errorf("create needs a server that outlives the command; the %s provider stops on exit", p)
	}

	url, stop, err := startServer(cmd, cfg, logger)
	if err != nil {
		return err
	}
	defer stop()

	db, err := testdb.NewWithConfig(pgserver.TestDBConfig(cfg, url, logger))
	if err != nil {
		return err
	}

	fmt.Printf("Created %s\n", db.Name())
	fmt.Printf("URL: %s\n", db.URL())
	fmt.Printf("Drop it with: testdb drop %s\n", db.Name())
	return nil
}

func runDrop(cmd *cobra.Command, args []string) error {
	for _, name := range args {
		if !strings.HasPrefix(name, testdb.NamePrefix) {
			return fmt.Errorf("refusing to drop %q: not a %s database", name, testdb.NamePrefix)
		}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.stop()

	for _, name := range args {
		ctx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
		err := testdb.Drop(ctx, s.adminURL, name)
		cancel()
		if err != nil {
			return fmt.Errorf("dropping %s: %w", name, err)
		}
		fmt.Printf("Dropped %s\n", name)
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.stop()

	ctx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
	defer cancel()

	names, err := testdb.List(ctx, s.adminURL)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		fmt.Println("No test databases.")
		return nil
	}
	for _, name := range names {
		fmt.Println(name)
	}
	return nil
}

func runPrune(cmd *cobra.Command, args []string) error {
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	parallel, _ := cmd.Flags().GetInt("parallel")
	if parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", parallel)
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.stop()

	listCtx, cancel := context.WithTimeout(cmd.Context(), s.timeout)
	names, err := testdb.List(listCtx, s.adminURL)
	cancel()
	if err != nil {
		return err
	}

	if dryRun {
		for _, name := range names {
			fmt.Printf("Would drop %s\n", name)
		}
		return nil
	}

	var dropped atomic.Int64
	g, ctx := errgroup.WithContext(cmd.Context())
	g.SetLimit(parallel)
	for _, name := range names {
		g.Go(func() error {
			dropCtx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			if err := testdb.Drop(dropCtx, s.adminURL, name); err != nil {
				return fmt.Errorf("dropping %s: %w", name, err)
			}
			dropped.Add(1)
			return nil
		})
	}
	err = g.Wait()

	fmt.Printf("Dropped %d database(s).\n", dropped.Load())
	return err
}
