package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rewired-gh/busrisk/internal/config"
	"github.com/rewired-gh/busrisk/internal/logger"
)

// app carries the state shared by all subcommands.
type app struct {
	configPath string
	bucket     string
	key        string
	cfg        *config.Config
}

func newRootCommand() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "busrisk",
		Short:         "Bus incident risk analysis",
		Long:          `Fetch a bus-incident CSV from an object store, label serious and hospitalized injuries, train a random forest and rank the risk factors.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "configs/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&a.bucket, "bucket", "", "Override source.bucket")
	rootCmd.PersistentFlags().StringVar(&a.key, "key", "", "Override source.key")

	versionCmd := newVersionCommand()
	rootCmd.AddCommand(
		newRunCommand(a),
		newLabelCommand(a),
		newServeCommand(a),
		versionCmd,
	)

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		// The version command needs no configuration
		if cmd.Name() == versionCmd.Name() {
			return nil
		}
		return a.loadConfig()
	}

	return rootCmd
}

// loadConfig loads, overrides and validates the configuration, then sets up logging.
func (a *app) loadConfig() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if a.bucket != "" {
		cfg.Source.Bucket = a.bucket
	}
	if a.key != "" {
		cfg.Source.Key = a.key
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger.Init(cfg.Logging.Level, cfg.Logging.Format)
	logger.Info("Configuration loaded from %s", a.configPath)
	a.cfg = cfg
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		stop()
		logger.Fatal("%v", err)
	}
	logger.Sync()
}
