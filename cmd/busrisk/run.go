package main

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rewired-gh/busrisk/internal/config"
	"github.com/rewired-gh/busrisk/internal/export"
	"github.com/rewired-gh/busrisk/internal/logger"
	"github.com/rewired-gh/busrisk/internal/metrics"
	"github.com/rewired-gh/busrisk/internal/pipeline"
	"github.com/rewired-gh/busrisk/internal/storage"
	"github.com/rewired-gh/busrisk/internal/telegram"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Fetch, label, train and export one dataset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	cfg := a.cfg

	// Initialize Telegram client
	var telegramClient *telegram.Client
	if cfg.Telegram.Enabled {
		var err error
		telegramClient, err = telegram.NewClient(cfg.Telegram.BotToken, cfg.Telegram.ChatID,
			cfg.Telegram.MaxRetries, cfg.Telegram.RetryDelayBase, cfg.Telegram.TopFeatures)
		if err != nil {
			return fmt.Errorf("failed to initialize Telegram client: %w", err)
		}
		logger.Info("Telegram client initialized successfully")
	} else {
		logger.Debug("Telegram notifications disabled")
	}

	// Initialize metrics
	var runMetrics *metrics.RunMetrics
	if cfg.Metrics.Enabled {
		var err error
		runMetrics, err = metrics.NewRunMetrics(prometheus.NewRegistry())
		if err != nil {
			return err
		}
	}

	res, err := runPipeline(ctx, cfg)
	if err != nil {
		logger.Error("Run failed: %v", err)
		if runMetrics != nil {
			runMetrics.RecordFailure()
			writeMetrics(runMetrics, cfg.Metrics.TextfilePath)
		}
		if telegramClient != nil {
			if sendErr := telegramClient.SendError(err); sendErr != nil {
				logger.Warn("Failed to send error notification to Telegram: %v", sendErr)
			}
		}
		return err
	}

	if runMetrics != nil {
		runMetrics.RecordRun(&res.Summary, res.Importances)
		writeMetrics(runMetrics, cfg.Metrics.TextfilePath)
	}

	if telegramClient != nil {
		logger.Debug("Sending run summary to Telegram")
		if err := telegramClient.SendRunSummary(&res.Summary, res.Importances); err != nil {
			logger.Warn("Failed to send Telegram notification: %v", err)
		} else {
			logger.Info("Sent Telegram run summary")
		}
	}

	return nil
}

// runPipeline executes one run and persists its primary results.
func runPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Result, error) {
	startTime := time.Now()
	logger.Info("Starting run for %s", location(cfg))

	exporter, err := export.New(export.Options{
		Dir:         cfg.Export.Dir,
		Formats:     cfg.Export.Formats,
		TopFeatures: cfg.Export.TopFeatures,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize exporter: %w", err)
	}

	p, store, err := newPipeline(ctx, cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close object store: %v", err)
		}
	}()

	res, err := p.Run(ctx, location(cfg))
	if err != nil {
		return nil, err
	}

	paths, err := exporter.Export(res)
	if err != nil {
		return nil, err
	}
	logger.Info("Exported %d files for run %s", len(paths), res.Summary.ID)

	if cfg.Storage.Enabled {
		if err := saveRun(ctx, cfg, res); err != nil {
			return nil, err
		}
	} else {
		logger.Debug("Results database disabled")
	}

	logger.Info("Run %s completed in %v (%d records, %d high risk)",
		res.Summary.ID, time.Since(startTime), res.Summary.Records, res.Summary.HighRisk)
	return res, nil
}

func saveRun(ctx context.Context, cfg *config.Config, res *pipeline.Result) error {
	db, err := storage.New(cfg.Storage.DBPath, cfg.Storage.MaxRuns)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error("Failed to close storage: %v", err)
		}
	}()

	if err := db.SaveRun(ctx, &res.Summary, res.Incidents, res.Importances); err != nil {
		return err
	}
	logger.Debug("Saved run %s to %s", res.Summary.ID, cfg.Storage.DBPath)

	removed, err := db.RotateRuns(ctx)
	if err != nil {
		logger.Warn("Failed to rotate runs: %v", err)
	} else if removed > 0 {
		logger.Info("Rotated %d old runs", removed)
	}
	return nil
}

func writeMetrics(m *metrics.RunMetrics, path string) {
	if err := m.WriteTextfile(path); err != nil {
		logger.Warn("Failed to write metrics: %v", err)
		return
	}
	logger.Debug("Wrote metrics to %s", path)
}
