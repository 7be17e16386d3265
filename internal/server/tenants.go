package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	credentialdomain "github.com/smallbiznis/costflow/internal/credential/domain"
	tenantdomain "github.com/smallbiznis/costflow/internal/tenant/domain"
)

func (s *Server) EnableProvider(c *gin.Context) {
	s.toggleProvider(c, true)
}

func (s *Server) DisableProvider(c *gin.Context) {
	s.toggleProvider(c, false)
}

func (s *Server) toggleProvider(c *gin.Context, enable bool) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))

	var err error
	if enable {
		err = s.providers.Enable(c.Request.Context(), tenantID, provider)
	} else {
		err = s.providers.Disable(c.Request.Context(), tenantID, provider)
	}
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"tenant_id": tenantID,
		"provider":  provider,
		"enabled":   enable,
	}})
}

// PutCredential stores a credential. The secret is never echoed back.
func (s *Server) PutCredential(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}

	var req credentialdomain.PutRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.TenantID = tenantID
	req.Provider = strings.ToLower(strings.TrimSpace(c.Param("provider")))

	if err := s.credentials.Put(c.Request.Context(), req); err != nil {
		AbortWithError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

func (s *Server) GetTenantSettings(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}
	settings, err := s.tenants.Get(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}

func (s *Server) ConfigureTenant(c *gin.Context) {
	tenantID, ok := tenantParam(c)
	if !ok {
		return
	}

	var req tenantdomain.ConfigureRequest
	if !s.bindJSON(c, &req) {
		return
	}
	req.TenantID = tenantID

	settings, err := s.tenants.Configure(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": settings})
}
