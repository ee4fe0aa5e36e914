package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/anisbkh/drbackup/internal/config"
	"github.com/anisbkh/drbackup/internal/dr"
	"github.com/anisbkh/drbackup/internal/engine"
	"github.com/anisbkh/drbackup/internal/logger"
)

var (
	// ConfigFile is the path to the YAML configuration.
	ConfigFile string
	// Debug switches the logger to development output.
	Debug bool

	rootCmd = &cobra.Command{
		Use:   "drbackup",
		Short: "Backup and disaster-recovery engine for the tenant data store",
		Long: `drbackup produces encrypted, triple-redundant backups of the
multi-tenant data store, ships its write-ahead log for point-in-time
recovery, and automates the disaster-recovery runbook.`,
	}
)

// Execute runs the root command.
func Execute() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(func() {
		if _, err := logger.Init(Debug); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: logger init: %v\n", err)
			os.Exit(1)
		}
	})
	rootCmd.PersistentFlags().
		StringVarP(&ConfigFile, "config", "c", "./configs/config.yaml", "path to YAML config file")
	rootCmd.PersistentFlags().
		BoolVar(&Debug, "debug", false, "verbose development logging")

	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(restoreCmd)
	rootCmd.AddCommand(drCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(alertsCmd)
}

// buildEngine loads the config and wires the engine for one command run.
func buildEngine(ctx context.Context, hooks dr.Hooks) (*engine.Engine, error) {
	var cfg config.Config
	if err := cfg.Load(ConfigFile); err != nil {
		return nil, err
	}
	return engine.New(ctx, cfg, hooks)
}
