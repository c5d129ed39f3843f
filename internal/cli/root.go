package cli

import (
	"github.com/spf13/cobra"
)

var (
	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

// SetVersion is called from main to inject build-time version info.
func SetVersion(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date
}

var rootCmd = &cobra.Command{
	Use:   "testdb",
	Short: "Disposable PostgreSQL databases for tests",
	Long: `testdb manages the throwaway databases that test suites create with the
testdb library. Every database it creates is named test_<uuid>.

Clean up databases left behind by interrupted test runs:
  testdb list
  testdb prune

Provision a migrated database for manual poking:
  testdb create --migrations-dir ./migrations`,
	SilenceUsage: true,
}

func init() {
	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(dropCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
