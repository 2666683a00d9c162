// Package api exposes the segmentation service over HTTP: run creation,
// status, results and a server-sent-events progress stream.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/marketlens/segmenter/pkg/database"
	"github.com/marketlens/segmenter/pkg/models"
	"github.com/marketlens/segmenter/pkg/service"
)

// RunService is the orchestrator surface the handlers call.
type RunService interface {
	CreateRun(ctx context.Context, req service.CreateRunRequest) (*models.Run, error)
	GetRun(ctx context.Context, runID string) (*models.Run, error)
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	GetResults(ctx context.Context, runID string) (*service.RunResults, error)
}

// RunLauncher starts and cancels background executions.
type RunLauncher interface {
	Launch(runID string) error
	Cancel(runID string) bool
}

// Server wires the HTTP surface.
type Server struct {
	svc      RunService
	launcher RunLauncher
	db       *database.Client
}

// NewServer creates the API server.
func NewServer(svc RunService, launcher RunLauncher, db *database.Client) *Server {
	return &Server{svc: svc, launcher: launcher, db: db}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())

	router.GET("/health", s.Health)

	v1 := router.Group("/api/v1")
	{
		runs := v1.Group("/product-segmentation")
		runs.POST("", s.CreateRun)
		runs.GET("", s.ListRuns)
		runs.GET("/:run_id", s.GetRun)
		runs.GET("/:run_id/segments", s.GetSegments)
		runs.GET("/:run_id/stream", s.StreamRun)
		runs.POST("/:run_id/cancel", s.CancelRun)
	}

	return router
}

// Health reports service and database health.
func (s *Server) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(ctx, s.db.DB())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "unhealthy",
			"database": dbHealth,
			"error":    err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbHealth,
	})
}
