package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/burrowci/burrow/pkg/config"
	"github.com/burrowci/burrow/pkg/log"
	"github.com/burrowci/burrow/pkg/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	Long: `Connect to the configured store, apply any pending schema migrations,
and exit. The serve command does this implicitly at startup; migrate exists
so deployments can roll schemas forward before rolling binaries.`,
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(migrate())
	},
}

func migrate() int {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitConfig
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("migrate")

	// Open applies migrations as part of connecting.
	store, err := storage.Open(cfg.Store)
	if err != nil {
		log.Err(logger.Error(), err).Str("driver", cfg.Store.Driver).Msg("Migration failed")
		return exitUnavailable
	}
	store.Close()

	logger.Info().Str("driver", cfg.Store.Driver).Msg("Migrations applied")
	return exitOK
}
