package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	aggregationdomain "github.com/smallbiznis/costflow/internal/aggregation/domain"
)

type aggregateRequest struct {
	GroupBy    []string            `json:"group_by" validate:"max=8,dive,required"`
	Filters    map[string][]string `json:"filters"`
	From       string              `json:"from" validate:"required,datetime=2006-01-02"`
	To         string              `json:"to" validate:"required,datetime=2006-01-02"`
	Currency   string              `json:"currency" validate:"omitempty,len=3"`
	PathPrefix string              `json:"path_prefix" validate:"max=512"`
}

func (s *Server) Aggregate(c *gin.Context) {
	var req aggregateRequest
	if !s.bindJSON(c, &req) {
		return
	}

	from, err := time.Parse(time.DateOnly, req.From)
	if err != nil {
		AbortWithError(c, aggregationdomain.ErrInvalidRange)
		return
	}
	to, err := time.Parse(time.DateOnly, req.To)
	if err != nil {
		AbortWithError(c, aggregationdomain.ErrInvalidRange)
		return
	}

	bypass := wantsBypass(c)
	result, err := s.aggregations.Aggregate(c.Request.Context(), aggregationdomain.Query{
		TenantID:   tenantFrom(c),
		GroupBy:    req.GroupBy,
		Filters:    req.Filters,
		From:       from,
		To:         to,
		Currency:   req.Currency,
		PathPrefix: req.PathPrefix,
		Bypass:     bypass,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	switch {
	case bypass:
		c.Header("X-Cache", "BYPASS")
	case result.Cached:
		c.Header("X-Cache", "HIT")
	default:
		c.Header("X-Cache", "MISS")
	}
	c.JSON(http.StatusOK, gin.H{"data": result})
}

// wantsBypass honours Cache-Control: no-cache and ?bypass=true.
func wantsBypass(c *gin.Context) bool {
	if strings.Contains(strings.ToLower(c.GetHeader("Cache-Control")), "no-cache") {
		return true
	}
	bypass, _ := strconv.ParseBool(c.Query("bypass"))
	return bypass
}

func (s *Server) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": s.aggregations.Stats()})
}

func (s *Server) InvalidateTenantCache(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	if err := s.aggregations.InvalidateTenant(c.Request.Context(), tenantID); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
