package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atelierhq/atelier/pkg/models"
	"github.com/atelierhq/atelier/pkg/runs"
	"github.com/atelierhq/atelier/pkg/version"
)

// startRunHandler handles POST /api/runs. The run executes in the
// background; callers follow it over SSE or WebSocket using the returned
// id, or poll the artifact endpoint.
func (s *Server) startRunHandler(c *gin.Context) {
	var req models.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.ApplyDefaults(s.cfg.Defaults.Agents, s.cfg.Defaults.MCP)

	runID, err := s.mgr.Start(req)
	if err != nil {
		if errors.Is(err, runs.ErrDraining) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	s.logger.Info("Run accepted via REST", "run_id", runID, "requester", requester(c))
	c.JSON(http.StatusAccepted, models.RunStartResponse{RunID: runID})
}

// artifactHandler handles GET /api/runs/:id/artifact. A run that is still
// in flight answers 409 so pollers can tell "not yet" from "never existed".
func (s *Server) artifactHandler(c *gin.Context) {
	runID := c.Param("id")

	if s.mgr.IsRunning(runID) {
		c.JSON(http.StatusConflict, gin.H{"error": "run is still in progress"})
		return
	}
	art, ok := s.mgr.Artifact(runID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, art)
}

// cancelRunHandler handles POST /api/runs/:id/cancel. Cancellation is
// asynchronous: the run settles with a cancelled artifact shortly after.
func (s *Server) cancelRunHandler(c *gin.Context) {
	runID := c.Param("id")

	if !s.mgr.Cancel(runID) {
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelling"})
}

// healthHandler handles GET /api/health.
func (s *Server) healthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, models.HealthResponse{
		Status:        "ok",
		ActiveRuns:    s.mgr.ActiveCount(),
		BackendFamily: string(s.cfg.Backend.Family),
		Version:       version.GitCommit,
	})
}
