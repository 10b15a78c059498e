package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rewired-gh/busrisk/internal/models"
	"github.com/rewired-gh/busrisk/internal/storage"
)

func seededStore(t *testing.T) *storage.Storage {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "busrisk.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	start := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	yes, no := true, false
	score := 0.8

	older := &models.RunSummary{ID: "run-old", Key: "bus_safety.csv", StartedAt: start, FinishedAt: start.Add(time.Second)}
	require.NoError(t, s.SaveRun(ctx, older, nil, nil))

	latest := &models.RunSummary{
		ID: "run-new", Key: "bus_safety.csv", StartedAt: start.Add(time.Hour), FinishedAt: start.Add(time.Hour + 2*time.Second),
		Records: 3, HighRisk: 1, Trained: true, Features: 2, Trees: 10, Seed: 42, ClassWeight: "balanced",
	}
	incidents := []models.Incident{
		{ID: "row-1", Borough: "Camden", InjuryDescription: "Reported Serious Injury", HighRisk: true, Predicted: &yes, RiskScore: &score},
		{ID: "row-2", Borough: "Hackney", InjuryDescription: "Injuries treated on scene", Predicted: &no},
		{ID: "row-3", Borough: "Camden", InjuryDescription: "Injuries treated on scene", Predicted: &no},
	}
	importances := []models.FeatureImportance{
		{Rank: 1, Feature: "Borough", Importance: 0.7},
		{Rank: 2, Feature: "Route", Importance: 0.3},
	}
	require.NoError(t, s.SaveRun(ctx, latest, incidents, importances))
	return s
}

func do(t *testing.T, h http.Handler, target string, out any) int {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if out != nil && rec.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
	}
	return rec.Code
}

func TestHealth(t *testing.T) {
	srv := New(seededStore(t), Options{})
	var body map[string]string
	assert.Equal(t, http.StatusOK, do(t, srv.Handler(), "/healthz", &body))
	assert.Equal(t, "ok", body["status"])
}

func TestRuns(t *testing.T) {
	h := New(seededStore(t), Options{DefaultLimit: 10}).Handler()

	var runs []models.RunSummary
	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs", &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "run-new", runs[0].ID)

	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs?limit=1", &runs))
	assert.Len(t, runs, 1)

	var run models.RunSummary
	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/latest", &run))
	assert.Equal(t, "run-new", run.ID)
	assert.True(t, run.Trained)

	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-old", &run))
	assert.Equal(t, "run-old", run.ID)
	assert.False(t, run.Trained)

	assert.Equal(t, http.StatusNotFound, do(t, h, "/api/v1/runs/missing", nil))
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/v1/runs?limit=-1", nil))
}

func TestIncidents(t *testing.T) {
	h := New(seededStore(t), Options{DefaultLimit: 10}).Handler()

	var incidents []models.Incident
	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-new/incidents", &incidents))
	assert.Len(t, incidents, 3)

	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-new/incidents?high_risk=true", &incidents))
	require.Len(t, incidents, 1)
	assert.Equal(t, "row-1", incidents[0].ID)
	require.NotNil(t, incidents[0].RiskScore)
	assert.InDelta(t, 0.8, *incidents[0].RiskScore, 1e-9)

	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-new/incidents?high_risk=false&limit=1&offset=1", &incidents))
	require.Len(t, incidents, 1)
	assert.Equal(t, "row-3", incidents[0].ID)

	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/v1/runs/run-new/incidents?high_risk=maybe", nil))
	assert.Equal(t, http.StatusBadRequest, do(t, h, "/api/v1/runs/run-new/incidents?offset=x", nil))
	assert.Equal(t, http.StatusNotFound, do(t, h, "/api/v1/runs/missing/incidents", nil))
}

func TestImportances(t *testing.T) {
	h := New(seededStore(t), Options{}).Handler()

	var ranking []models.FeatureImportance
	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-new/importances", &ranking))
	require.Len(t, ranking, 2)
	assert.Equal(t, "Borough", ranking[0].Feature)

	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-new/importances?top=1", &ranking))
	assert.Len(t, ranking, 1)

	require.Equal(t, http.StatusOK, do(t, h, "/api/v1/runs/run-old/importances", &ranking))
	assert.Empty(t, ranking)
}

func TestLatestRun_EmptyStore(t *testing.T) {
	s, err := storage.New(filepath.Join(t.TempDir(), "empty.db"), 0)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, http.StatusNotFound, do(t, New(s, Options{}).Handler(), "/api/v1/runs/latest", nil))
}

type failingStore struct{ RunStore }

func (failingStore) ListRuns(context.Context, int) ([]models.RunSummary, error) {
	return nil, errors.New("disk I/O error")
}

func TestStoreFailure(t *testing.T) {
	rec := httptest.NewRecorder()
	New(failingStore{}, Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk")
}

func TestMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "busrisk_test_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Inc()

	rec := httptest.NewRecorder()
	New(seededStore(t), Options{Registry: registry}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "busrisk_test_total 1"))

	rec = httptest.NewRecorder()
	New(seededStore(t), Options{}).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRun_Shutdown(t *testing.T) {
	srv := New(seededStore(t), Options{Address: "127.0.0.1:0", ShutdownTimeout: time.Second})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
