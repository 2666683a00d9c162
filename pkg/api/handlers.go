package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/marketlens/segmenter/pkg/service"
)

// CreateRun accepts a segmentation request, persists the run and launches
// its execution. Responds 202 with an empty body; the Location header points
// at the run's progress stream.
func (s *Server) CreateRun(c *gin.Context) {
	var req service.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": fmt.Sprintf("invalid request body: %v", err)})
		return
	}

	run, err := s.svc.CreateRun(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}

	if err := s.launcher.Launch(run.ID); err != nil {
		respondError(c, err)
		return
	}

	c.Header("Location", "/api/v1/product-segmentation/"+run.ID+"/stream")
	c.Status(http.StatusAccepted)
}

// GetRun returns the run's current state.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.svc.GetRun(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"run":              run,
		"progress_percent": run.ProgressPercent(),
	})
}

// ListRuns returns recent runs, newest first.
func (s *Server) ListRuns(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	runs, err := s.svc.ListRuns(c.Request.Context(), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// GetSegments returns the run's consolidated segments and the per-product
// assignment pairs.
func (s *Server) GetSegments(c *gin.Context) {
	results, err := s.svc.GetResults(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, results)
}

// CancelRun cancels an in-flight execution on this process.
func (s *Server) CancelRun(c *gin.Context) {
	runID := c.Param("run_id")

	if _, err := s.svc.GetRun(c.Request.Context(), runID); err != nil {
		respondError(c, err)
		return
	}

	if !s.launcher.Cancel(runID) {
		c.JSON(http.StatusConflict, gin.H{"error": "run is not executing"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run_id": runID, "cancelled": true})
}

// respondError maps service errors onto HTTP statuses.
func respondError(c *gin.Context, err error) {
	var invalid *service.InvalidInputError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": invalid.Error()})
	case errors.Is(err, service.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrRunTerminal):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}
