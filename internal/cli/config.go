package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/allyourbase/testdb/internal/config"
	"github.com/allyourbase/testdb/internal/pgserver"
	"github.com/spf13/cobra"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print resolved configuration",
	Long: `Load and print the resolved testdb configuration as TOML.
Shows the result of merging defaults, testdb.toml, environment variables, and flags.`,
	RunE: runConfig,
}

func init() {
	configCmd.Flags().String("config", "", "Path to testdb.toml config file")
	configCmd.Flags().Bool("init", false, "Write a commented default testdb.toml instead of printing")
}

func runConfig(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	if initFile, _ := cmd.Flags().GetBool("init"); initFile {
		if configPath == "" {
			configPath = config.DefaultPath
		}
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists", configPath)
		}
		if err := config.GenerateDefault(configPath); err != nil {
			return fmt.Errorf("writing %s: %w", configPath, err)
		}
		fmt.Printf("Wrote %s\n", configPath)
		return nil
	}

	cfg, err := config.Load(configPath, nil)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	out, err := cfg.ToTOML()
	if err != nil {
		return fmt.Errorf("serializing config: %w", err)
	}

	fmt.Print(out)
	return nil
}

// addServerFlags registers the flags every server-facing command accepts.
func addServerFlags(cmd *cobra.Command) {
	cmd.Flags().String("config", "", "Path to testdb.toml config file")
	cmd.Flags().String("database-url", "", "Administrative PostgreSQL URL (overrides config)")
	cmd.Flags().String("provider", "", "Server provider: external, embedded, container (overrides config)")
}

// loadConfig resolves configuration for cmd: defaults → file → env → flags.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := make(map[string]string)
	for _, name := range []string{"database-url", "migrations-dir", "provider"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Value.String() != "" {
			flags[name] = f.Value.String()
		}
	}

	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, flags)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

// startServer starts the configured server and returns its administrative
// URL along with a function that stops it.
func startServer(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger) (string, func(), error) {
	srv, err := pgserver.FromConfig(cfg, logger)
	if err != nil {
		return "", nil, err
	}
	url, err := srv.Start(cmd.Context())
	if err != nil {
		return "", nil, fmt.Errorf("starting server: %w", err)
	}
	stop := func() {
		if err := srv.Stop(); err != nil {
			logger.Warn("stopping server", "error", err)
		}
	}
	return url, stop, nil
}

func newLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	return slog.New(handler)
}
