// Package server exposes stored run results over a read-only HTTP API for
// dashboards and BI tools.
package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rewired-gh/busrisk/internal/logger"
	"github.com/rewired-gh/busrisk/internal/models"
	"github.com/rewired-gh/busrisk/internal/storage"
)

// RunStore is the read side of the results database.
type RunStore interface {
	ListRuns(ctx context.Context, limit int) ([]models.RunSummary, error)
	LatestRun(ctx context.Context) (*models.RunSummary, error)
	GetRun(ctx context.Context, id string) (*models.RunSummary, error)
	GetIncidents(ctx context.Context, runID string, filter storage.IncidentFilter) ([]models.Incident, error)
	GetTopImportances(ctx context.Context, runID string, k int) ([]models.FeatureImportance, error)
}

// Options configure the server.
type Options struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	DefaultLimit    int
	// Registry, when set, is served on /metrics.
	Registry *prometheus.Registry
}

// Server is the results API.
type Server struct {
	echo  *echo.Echo
	store RunStore
	opts  Options
}

// New builds the server and registers its routes.
func New(store RunStore, opts Options) *Server {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 100
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Server.ReadTimeout = opts.ReadTimeout
	e.Server.WriteTimeout = opts.WriteTimeout
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Debug("%s %s %d %v", v.Method, v.URI, v.Status, v.Latency)
			return nil
		},
	}))

	s := &Server{echo: e, store: store, opts: opts}

	e.GET("/healthz", s.health)
	if opts.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	}

	api := e.Group("/api/v1")
	api.GET("/runs", s.listRuns)
	api.GET("/runs/latest", s.latestRun)
	api.GET("/runs/:id", s.getRun)
	api.GET("/runs/:id/incidents", s.getIncidents)
	api.GET("/runs/:id/importances", s.getImportances)

	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Results API listening on %s", s.opts.Address)
		if err := s.echo.Start(s.opts.Address); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listRuns(c echo.Context) error {
	limit, err := intParam(c, "limit", s.opts.DefaultLimit)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	runs, err := s.store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) latestRun(c echo.Context) error {
	run, err := s.store.LatestRun(c.Request().Context())
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) getRun(c echo.Context) error {
	run, err := s.store.GetRun(c.Request().Context(), c.Param("id"))
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) getIncidents(c echo.Context) error {
	filter := storage.IncidentFilter{}
	if v := c.QueryParam("high_risk"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "high_risk must be true or false"})
		}
		filter.HighRisk = &b
	}
	var err error
	if filter.Limit, err = intParam(c, "limit", s.opts.DefaultLimit); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	if filter.Offset, err = intParam(c, "offset", 0); err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}

	incidents, err := s.store.GetIncidents(c.Request().Context(), c.Param("id"), filter)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, incidents)
}

func (s *Server) getImportances(c echo.Context) error {
	top, err := intParam(c, "top", 0)
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
	}
	ranking, err := s.store.GetTopImportances(c.Request().Context(), c.Param("id"), top)
	if err != nil {
		return s.storeError(c, err)
	}
	return c.JSON(http.StatusOK, ranking)
}

func (s *Server) storeError(c echo.Context, err error) error {
	if errors.Is(err, storage.ErrRunNotFound) {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "run not found"})
	}
	logger.Error("Results query failed: %v", err)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

// intParam parses a non-negative integer query parameter.
func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}
