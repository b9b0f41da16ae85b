// Package api serves the read-only REST surface over the loaded
// spatial data: sensors, measurements, the satellite/ground comparison
// and the published dashboard.
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/montreal-gis/airwatch/internal/blob"
	"github.com/montreal-gis/airwatch/internal/db"
)

// Store is the query surface the API needs from the database layer.
type Store interface {
	ListSensors(ctx context.Context) ([]db.SensorInfo, error)
	FetchMeasurements(ctx context.Context, q db.MeasurementQuery) ([]db.Measurement, error)
	FetchComparison(ctx context.Context) ([]db.ComparisonRow, error)
	FetchScoredComparison(ctx context.Context) ([]db.ScoredRow, error)
}

// Options configures the server.
type Options struct {
	ListenAddr    string
	BearerToken   string
	DashboardPath string
	DefaultLimit  int
	Logger        zerolog.Logger
}

// Server bundles router and dependencies for the REST API.
type Server struct {
	opts   Options
	store  Store
	blobs  blob.Store
	engine *gin.Engine
}

// New constructs a server with routes and middleware.
func New(opts Options, store Store, blobs blob.Store) *Server {
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = 500
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(corsMiddleware())

	server := &Server{opts: opts, store: store, blobs: blobs, engine: engine}
	server.registerRoutes()
	return server
}

// Engine exposes the underlying gin engine (for tests).
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.opts.ListenAddr,
		Handler: s.engine,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	s.opts.Logger.Info().Str("addr", s.opts.ListenAddr).Msg("api listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (s *Server) registerRoutes() {
	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	protected := s.engine.Group("/")
	if s.opts.BearerToken != "" {
		protected.Use(bearerAuthMiddleware(s.opts.BearerToken))
	}

	protected.GET("/sensors", s.handleListSensors)
	protected.GET("/sensors/:name/measurements", s.handleMeasurements)
	protected.GET("/comparison", s.handleComparison)
	protected.GET("/comparison.csv", s.handleComparisonCSV)
	protected.GET("/anomalies", s.handleAnomalies)
	protected.GET("/dashboard", s.handleDashboard)
}

func bearerAuthMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		auth := c.GetHeader("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		token := strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		if token != expected {
			c.AbortWithStatus(http.StatusUnauthorized)
			return
		}
		c.Next()
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *Server) handleListSensors(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	sensors, err := s.store.ListSensors(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"sensors": sensors, "count": len(sensors)})
}

func (s *Server) handleMeasurements(c *gin.Context) {
	name := c.Param("name")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "sensor name is required"})
		return
	}

	limit := s.opts.DefaultLimit
	if limitStr := c.Query("last_n"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_n"})
			return
		}
		limit = parsed
	}

	var since *time.Time
	var until *time.Time

	if daysStr := c.Query("last_n_days"); daysStr != "" {
		days, err := strconv.Atoi(daysStr)
		if err != nil || days <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid last_n_days"})
			return
		}
		t := time.Now().UTC().Add(-time.Duration(days) * 24 * time.Hour)
		since = &t
	}

	if startStr := c.Query("start"); startStr != "" {
		t, err := time.Parse(time.RFC3339, startStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid start timestamp"})
			return
		}
		tt := t.UTC()
		since = &tt
	}

	if endStr := c.Query("end"); endStr != "" {
		t, err := time.Parse(time.RFC3339, endStr)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid end timestamp"})
			return
		}
		tt := t.UTC()
		until = &tt
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	measurements, err := s.store.FetchMeasurements(ctx, db.MeasurementQuery{
		SensorName: name,
		Parameter:  strings.ToLower(strings.TrimSpace(c.Query("parameter"))),
		Limit:      limit,
		Since:      since,
		Until:      until,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"sensor_name":  name,
		"count":        len(measurements),
		"measurements": measurements,
	})
}

func (s *Server) handleComparison(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	rows, err := s.store.FetchComparison(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"rows": rows, "count": len(rows)})
}

func (s *Server) handleComparisonCSV(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	rows, err := s.store.FetchComparison(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="pollutant_comparison.csv"`)
	c.Status(http.StatusOK)
	if err := db.WriteComparisonCSV(c.Writer, rows); err != nil {
		s.opts.Logger.Error().Err(err).Msg("csv export aborted mid-stream")
	}
}

func (s *Server) handleAnomalies(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 15*time.Second)
	defer cancel()

	rows, err := s.store.FetchScoredComparison(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	anomalies := make([]db.ScoredRow, 0)
	for _, r := range rows {
		if r.Anomalous {
			anomalies = append(anomalies, r)
		}
	}

	c.JSON(http.StatusOK, gin.H{"anomalies": anomalies, "count": len(anomalies)})
}

func (s *Server) handleDashboard(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	url, err := s.blobs.PublicURL(ctx, s.opts.DashboardPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"dashboard_url": url})
}
