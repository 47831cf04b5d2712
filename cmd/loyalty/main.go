/*
main.go - Application entry point

PURPOSE:
  The loyalty binary: HTTP server plus operator commands sharing the same
  configuration and wiring.

COMMANDS:
  serve        HTTP API, expiration scheduler, optional catalog seed
  sweep        Flat expiration sweep (optional per-account cap)
  expire-aged  Expire accruals older than the retention horizon
  buckets      Recompute 30/60/90 day expiring buckets
  reconcile    Compare balances with their movement history
  catalog      Import or export rules, campaigns and rewards (YAML/JSON)
  migrate      Create the database schema

CONFIGURATION:
  --config points at an optional YAML file. Every key can be overridden
  with a LOYALTY_* environment variable (see config/config.go), and a .env
  file in the working directory is loaded first.

EXAMPLES:
  loyalty serve --config ./loyalty.yaml
  LOYALTY_STORE_DRIVER=memory loyalty serve
  loyalty sweep --batch 2026-10 --cap 500
  loyalty catalog import ./catalog.yaml

SEE ALSO:
  - app.go: dependency wiring
  - serve.go: server startup and graceful shutdown
*/
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/warp/loyalty-engine/config"
	"github.com/warp/loyalty-engine/logging"
)

var Version = "dev"

var (
	cfgFile   string
	cfg       *config.Config
	logCloser io.Closer
)

func main() {
	rootCmd := &cobra.Command{
		Use:               "loyalty",
		Short:             "Loyalty points ledger and rules engine",
		Version:           Version,
		SilenceUsage:      true,
		PersistentPreRunE: setup,
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if logCloser != nil {
				logCloser.Close()
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(expireAgedCmd())
	rootCmd.AddCommand(bucketsCmd())
	rootCmd.AddCommand(reconcileCmd())
	rootCmd.AddCommand(catalogCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup(cmd *cobra.Command, args []string) error {
	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}
	logCloser, err = logging.Init(logging.Config{
		Level:       cfg.LogLevel,
		Environment: cfg.Env,
		LogFile:     cfg.LogFile,
	})
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	return nil
}
