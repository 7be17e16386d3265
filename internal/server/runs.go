package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	pipelinedomain "github.com/smallbiznis/costflow/internal/pipeline/domain"
	providerdomain "github.com/smallbiznis/costflow/internal/provider/domain"
)

type triggerRunRequest struct {
	Provider     string `json:"provider" validate:"required,max=64"`
	Domain       string `json:"domain" validate:"required,max=64"`
	PipelineName string `json:"pipeline_name" validate:"max=128"`
	StartDate    string `json:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string `json:"end_date" validate:"required,datetime=2006-01-02"`
}

func (s *Server) TriggerRun(c *gin.Context) {
	var req triggerRunRequest
	if !s.bindJSON(c, &req) {
		return
	}

	dates, err := providerdomain.ParseDateRange(req.StartDate, req.EndDate)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	run, err := s.runs.Trigger(c.Request.Context(), pipelinedomain.TriggerRequest{
		TenantID:     tenantFrom(c),
		Provider:     req.Provider,
		Domain:       req.Domain,
		PipelineName: strings.TrimSpace(req.PipelineName),
		Range:        dates,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": run})
}

func (s *Server) GetRun(c *gin.Context) {
	run, ok := s.loadRun(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": run})
}

func (s *Server) CancelRun(c *gin.Context) {
	existing, ok := s.loadRun(c)
	if !ok {
		return
	}

	run, err := s.runs.Cancel(c.Request.Context(), existing.ID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": run})
}

// loadRun resolves :id and hides runs owned by other tenants.
func (s *Server) loadRun(c *gin.Context) (*pipelinedomain.Run, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return nil, false
	}

	run, err := s.runs.Status(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return nil, false
	}
	if run.TenantID != tenantFrom(c) {
		AbortWithError(c, ErrNotFound)
		return nil, false
	}
	return run, true
}
