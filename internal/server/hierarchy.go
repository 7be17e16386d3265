package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	hierarchydomain "github.com/smallbiznis/costflow/internal/hierarchy/domain"
)

func (s *Server) CreateEntity(c *gin.Context) {
	var req hierarchydomain.CreateRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.TenantID = tenantFrom(c)

	entity, err := s.hierarchy.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": entity})
}

func (s *Server) GetEntity(c *gin.Context) {
	entity, err := s.hierarchy.Get(c.Request.Context(), tenantFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entity})
}

// DeleteEntity closes the entity and its subtree.
func (s *Server) DeleteEntity(c *gin.Context) {
	closed, err := s.hierarchy.SoftDelete(c.Request.Context(), tenantFrom(c), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"closed": closed}})
}

func (s *Server) MoveEntity(c *gin.Context) {
	var req hierarchydomain.MoveRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.TenantID = tenantFrom(c)
	req.ID = strings.TrimSpace(c.Param("id"))

	entity, err := s.hierarchy.Move(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": entity})
}
