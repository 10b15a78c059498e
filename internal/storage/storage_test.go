package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/rewired-gh/busrisk/internal/models"
)

func newTestStorage(t *testing.T, maxRuns int) *Storage {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "data", "busrisk.db"), maxRuns)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRun(id string, started time.Time) *models.RunSummary {
	return &models.RunSummary{
		ID:            id,
		Bucket:        "tfl",
		Key:           "bus_safety.csv",
		StartedAt:     started,
		FinishedAt:    started.Add(3 * time.Second),
		Records:       3,
		HighRisk:      2,
		Trained:       true,
		Features:      2,
		Trees:         100,
		Seed:          42,
		ClassWeight:   "balanced",
		TrainDuration: 1500 * time.Millisecond,
		Evaluation: &models.Evaluation{
			Samples: 3, Accuracy: 2.0 / 3.0, Precision: 1, Recall: 0.5, F1: 2.0 / 3.0,
			TruePositives: 1, FalseNegatives: 1, TrueNegatives: 1,
		},
	}
}

func testIncidents() []models.Incident {
	yes, no := true, false
	high, low := 0.91, 0.12
	return []models.Incident{
		{ID: "row-1", Date: time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC), Year: 2015, Route: "1", Operator: "London General",
			Borough: "Southwark", InjuryDescription: "Reported Serious Injury", HighRisk: true, Predicted: &yes, RiskScore: &high},
		{ID: "row-2", Year: 2015, Route: "4", Borough: "Islington", InjuryDescription: "Injuries treated on scene",
			HighRisk: false, Predicted: &no, RiskScore: &low},
		{ID: "row-3", Year: 2016, Route: "N29", InjuryDescription: "Reported Minor Injury - Treated at Hospital", HighRisk: true},
	}
}

func testImportances() []models.FeatureImportance {
	return []models.FeatureImportance{
		{Rank: 1, Feature: "Borough", Importance: 0.7},
		{Rank: 2, Feature: "Victims Age", Importance: 0.3},
	}
}

func TestStorage_SaveAndGetRun(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	started := time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)
	run := testRun("run-1", started)
	if err := s.SaveRun(ctx, run, testIncidents(), testImportances()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if !got.StartedAt.Equal(started) {
		t.Errorf("Expected started at %v, got %v", started, got.StartedAt)
	}
	if got.Key != run.Key || got.Records != 3 || got.HighRisk != 2 || !got.Trained {
		t.Errorf("Unexpected run: %+v", got)
	}
	if got.TrainDuration != run.TrainDuration {
		t.Errorf("Expected train duration %v, got %v", run.TrainDuration, got.TrainDuration)
	}
	if got.Evaluation == nil || *got.Evaluation != *run.Evaluation {
		t.Errorf("Expected evaluation %+v, got %+v", run.Evaluation, got.Evaluation)
	}
}

func TestStorage_GetRunNotFound(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound, got %v", err)
	}
	if _, err := s.LatestRun(ctx); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound from empty database, got %v", err)
	}
	if _, err := s.GetIncidents(ctx, "missing", IncidentFilter{}); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("Expected ErrRunNotFound for incidents, got %v", err)
	}
}

func TestStorage_UntrainedRun(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	now := time.Now()
	run := &models.RunSummary{ID: "empty", Key: "empty.csv", StartedAt: now, FinishedAt: now, ClassWeight: "balanced"}
	if err := s.SaveRun(ctx, run, nil, nil); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	got, err := s.GetRun(ctx, "empty")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Evaluation != nil {
		t.Errorf("Expected no evaluation, got %+v", got.Evaluation)
	}
	if got.Trained {
		t.Error("Expected untrained run")
	}
}

func TestStorage_GetIncidents(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	if err := s.SaveRun(ctx, testRun("run-1", time.Now()), testIncidents(), testImportances()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	all, err := s.GetIncidents(ctx, "run-1", IncidentFilter{})
	if err != nil {
		t.Fatalf("GetIncidents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 incidents, got %d", len(all))
	}
	if all[0].ID != "row-1" || all[2].ID != "row-3" {
		t.Errorf("Expected source order, got %s..%s", all[0].ID, all[2].ID)
	}
	if !all[0].Date.Equal(time.Date(2015, 1, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected date: %v", all[0].Date)
	}
	if !all[1].Date.IsZero() {
		t.Errorf("Expected zero date for missing value, got %v", all[1].Date)
	}
	if all[0].Predicted == nil || !*all[0].Predicted || all[0].RiskScore == nil || *all[0].RiskScore != 0.91 {
		t.Errorf("Unexpected prediction for row-1: %v %v", all[0].Predicted, all[0].RiskScore)
	}
	if all[2].Predicted != nil || all[2].RiskScore != nil {
		t.Errorf("Expected no prediction for row-3")
	}

	highRisk := true
	filtered, err := s.GetIncidents(ctx, "run-1", IncidentFilter{HighRisk: &highRisk})
	if err != nil {
		t.Fatalf("GetIncidents failed: %v", err)
	}
	if len(filtered) != 2 {
		t.Errorf("Expected 2 high-risk incidents, got %d", len(filtered))
	}

	page, err := s.GetIncidents(ctx, "run-1", IncidentFilter{Limit: 1, Offset: 1})
	if err != nil {
		t.Fatalf("GetIncidents failed: %v", err)
	}
	if len(page) != 1 || page[0].ID != "row-2" {
		t.Errorf("Expected row-2 on page, got %+v", page)
	}
}

func TestStorage_GetTopImportances(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	if err := s.SaveRun(ctx, testRun("run-1", time.Now()), nil, testImportances()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}

	top, err := s.GetTopImportances(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("GetTopImportances failed: %v", err)
	}
	if len(top) != 1 || top[0].Feature != "Borough" {
		t.Errorf("Expected Borough on top, got %+v", top)
	}

	all, err := s.GetTopImportances(ctx, "run-1", 0)
	if err != nil {
		t.Fatalf("GetTopImportances failed: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("Expected 2 importances, got %d", len(all))
	}
}

func TestStorage_SaveRunReplaces(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	run := testRun("run-1", time.Now())
	if err := s.SaveRun(ctx, run, testIncidents(), testImportances()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := s.SaveRun(ctx, run, testIncidents()[:1], testImportances()[:1]); err != nil {
		t.Fatalf("SaveRun (replace) failed: %v", err)
	}

	incidents, err := s.GetIncidents(ctx, "run-1", IncidentFilter{})
	if err != nil {
		t.Fatalf("GetIncidents failed: %v", err)
	}
	if len(incidents) != 1 {
		t.Errorf("Expected 1 incident after replace, got %d", len(incidents))
	}
}

func TestStorage_SaveRunValidation(t *testing.T) {
	s := newTestStorage(t, 10)
	ctx := context.Background()

	bad := testRun("", time.Now())
	if err := s.SaveRun(ctx, bad, nil, nil); err == nil {
		t.Error("Expected error for run without ID")
	}

	run := testRun("run-1", time.Now())
	invalid := []models.FeatureImportance{{Rank: 0, Feature: "x", Importance: 0.5}}
	if err := s.SaveRun(ctx, run, nil, invalid); err == nil {
		t.Error("Expected error for invalid importance")
	}
}

func TestStorage_ListAndRotateRuns(t *testing.T) {
	s := newTestStorage(t, 3)
	ctx := context.Background()

	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := testRun(fmt.Sprintf("run-%d", i), base.Add(time.Duration(i)*time.Hour))
		if err := s.SaveRun(ctx, run, testIncidents(), testImportances()); err != nil {
			t.Fatalf("SaveRun failed: %v", err)
		}
	}

	latest, err := s.LatestRun(ctx)
	if err != nil {
		t.Fatalf("LatestRun failed: %v", err)
	}
	if latest.ID != "run-4" {
		t.Errorf("Expected run-4 as latest, got %s", latest.ID)
	}

	removed, err := s.RotateRuns(ctx)
	if err != nil {
		t.Fatalf("RotateRuns failed: %v", err)
	}
	if removed != 2 {
		t.Errorf("Expected 2 runs removed, got %d", removed)
	}

	runs, err := s.ListRuns(ctx, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("Expected 3 runs after rotation, got %d", len(runs))
	}
	if runs[0].ID != "run-4" || runs[2].ID != "run-2" {
		t.Errorf("Expected newest first, got %s..%s", runs[0].ID, runs[2].ID)
	}

	// Incidents of rotated runs are removed with them
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM incidents WHERE run_id = 'run-0'`).Scan(&count); err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected cascade delete of incidents, %d remain", count)
	}

	limited, err := s.ListRuns(ctx, 1)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("Expected 1 run, got %d", len(limited))
	}
}

func TestStorage_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "busrisk.db")
	ctx := context.Background()

	s, err := New(path, 10)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := s.SaveRun(ctx, testRun("run-1", time.Now()), testIncidents(), testImportances()); err != nil {
		t.Fatalf("SaveRun failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := New(path, 10)
	if err != nil {
		t.Fatalf("New (reopen) failed: %v", err)
	}
	defer reopened.Close()

	if _, err := reopened.GetRun(ctx, "run-1"); err != nil {
		t.Errorf("Expected run to survive reopen: %v", err)
	}
}
