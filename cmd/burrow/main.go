package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit codes follow sysexits conventions: configuration problems are usage
// errors, unreachable startup dependencies are service-unavailable, and a
// shutdown that overruns its deadline is a temporary failure.
const (
	exitOK          = 0
	exitConfig      = 64
	exitUnavailable = 69
	exitInternal    = 70
	exitShutdown    = 75
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitInternal)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - self-hosted CI job orchestrator",
	Long: `Burrow intercepts GitHub Actions jobs delegated by proxy runners and
executes them in ephemeral, policy-gated containerd sandboxes.

All configuration comes from BURROW_* environment variables.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}
