package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/busrisk/internal/logger"
	"github.com/rewired-gh/busrisk/internal/metrics"
	"github.com/rewired-gh/busrisk/internal/server"
	"github.com/rewired-gh/busrisk/internal/storage"
)

func newServeCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve stored run results over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context())
		},
	}
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	if !cfg.Storage.Enabled {
		return errors.New("storage must be enabled to serve results")
	}

	db, err := storage.New(cfg.Storage.DBPath, cfg.Storage.MaxRuns)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	registry := prometheus.NewRegistry()
	runMetrics, err := metrics.NewRunMetrics(registry)
	if err != nil {
		return err
	}
	seedMetrics(ctx, db, runMetrics)

	srv := server.New(db, server.Options{
		Address:         cfg.Server.Address,
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		DefaultLimit:    cfg.Server.DefaultLimit,
		Registry:        registry,
	})
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}
	logger.Info("Service stopped")
	return nil
}

// seedMetrics loads the latest stored run into the gauges served on /metrics.
func seedMetrics(ctx context.Context, db *storage.Storage, m *metrics.RunMetrics) {
	run, err := db.LatestRun(ctx)
	if errors.Is(err, storage.ErrRunNotFound) {
		logger.Debug("No stored runs yet")
		return
	}
	if err != nil {
		logger.Warn("Failed to load latest run: %v", err)
		return
	}
	importances, err := db.GetTopImportances(ctx, run.ID, 0)
	if err != nil {
		logger.Warn("Failed to load importances for run %s: %v", run.ID, err)
	}
	m.RecordRun(run, importances)
	logger.Info("Serving results of run %s", run.ID)
}
