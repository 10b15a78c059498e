package main

import (
	"context"
	"fmt"

	"github.com/rewired-gh/busrisk/internal/config"
	"github.com/rewired-gh/busrisk/internal/dataset"
	"github.com/rewired-gh/busrisk/internal/features"
	"github.com/rewired-gh/busrisk/internal/forest"
	"github.com/rewired-gh/busrisk/internal/labeler"
	"github.com/rewired-gh/busrisk/internal/objectstore"
	"github.com/rewired-gh/busrisk/internal/pipeline"
)

func location(cfg *config.Config) objectstore.Location {
	return objectstore.Location{Bucket: cfg.Source.Bucket, Key: cfg.Source.Key}
}

func newObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	return objectstore.New(ctx, objectstore.Options{
		Backend:         cfg.Source.Backend,
		BaseURL:         cfg.Source.BaseURL,
		Root:            cfg.Source.Root,
		CredentialsFile: cfg.Source.CredentialsFile,
		Endpoint:        cfg.Source.Endpoint,
		Timeout:         cfg.Source.Timeout,
		MaxObjectBytes:  cfg.Source.MaxObjectBytes(),
	})
}

// datasetColumns maps incident attributes to source headers. The description
// column always comes from the labeler section.
func datasetColumns(cfg *config.Config) dataset.Columns {
	cols := dataset.DefaultColumns()
	cols.Description = cfg.Labeler.DescriptionColumn

	for attr, name := range cfg.Dataset.Columns {
		switch attr {
		case "id":
			cols.ID = name
		case "date":
			cols.Date = name
		case "year":
			cols.Year = name
		case "route":
			cols.Route = name
		case "operator":
			cols.Operator = name
		case "group_name":
			cols.GroupName = name
		case "bus_garage":
			cols.BusGarage = name
		case "borough":
			cols.Borough = name
		case "event_type":
			cols.EventType = name
		case "victim_category":
			cols.VictimCategory = name
		case "victim_sex":
			cols.VictimSex = name
		case "victim_age":
			cols.VictimAge = name
		}
	}
	return cols
}

func pipelineConfig(cfg *config.Config) (pipeline.Config, error) {
	lab, err := labeler.New(cfg.Labeler.Markers, cfg.Labeler.CaseSensitive)
	if err != nil {
		return pipeline.Config{}, fmt.Errorf("invalid labeler configuration: %w", err)
	}

	return pipeline.Config{
		Dataset: dataset.Options{
			Delimiter:  cfg.Dataset.DelimiterRune(),
			NullValues: cfg.Dataset.NullValues,
		},
		Columns:     datasetColumns(cfg),
		TimeLayouts: cfg.Dataset.TimeLayouts,
		Labeler:     lab,
		LabelColumn: cfg.Labeler.OutputColumn,
		Features: features.Config{
			Categorical:    cfg.Features.Categorical,
			Numeric:        cfg.Features.Numeric,
			Timestamp:      cfg.Features.Timestamp,
			TimestampParts: cfg.Features.TimestampParts,
			TimeLayouts:    cfg.Dataset.TimeLayouts,
		},
		Forest: forest.Options{
			Trees:               cfg.Model.Trees,
			MaxDepth:            cfg.Model.MaxDepth,
			MinSamplesSplit:     cfg.Model.MinSamplesSplit,
			MinSamplesLeaf:      cfg.Model.MinSamplesLeaf,
			MaxFeatures:         cfg.Model.MaxFeatures,
			MinImpurityDecrease: cfg.Model.MinImpurityDecrease,
			Criterion:           cfg.Model.Criterion,
			ClassWeight:         cfg.Model.ClassWeight,
			Seed:                cfg.Model.Seed,
			Workers:             cfg.Model.Workers,
		},
	}, nil
}

// newPipeline opens the configured object store and builds the pipeline over it.
// The caller closes the returned store.
func newPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, objectstore.Store, error) {
	pcfg, err := pipelineConfig(cfg)
	if err != nil {
		return nil, nil, err
	}
	store, err := newObjectStore(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize object store: %w", err)
	}
	p, err := pipeline.New(store, pcfg)
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return p, store, nil
}
