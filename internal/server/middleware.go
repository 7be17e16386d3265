package server

import (
	"reflect"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	obslogger "github.com/smallbiznis/costflow/internal/observability/logger"
)

const contextTenantKey = "tenant_id"

// RequireTenant rejects requests without an X-Tenant-ID header.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := strings.ToLower(strings.TrimSpace(c.GetHeader(obslogger.TenantHeader)))
		if tenantID == "" {
			AbortWithError(c, ErrMissingTenant)
			return
		}
		c.Set(contextTenantKey, tenantID)
		c.Next()
	}
}

func tenantFrom(c *gin.Context) string {
	return c.GetString(contextTenantKey)
}

// tenantParam reads :tenant from the path.
func tenantParam(c *gin.Context) (string, bool) {
	tenantID := strings.ToLower(strings.TrimSpace(c.Param("tenant")))
	if tenantID == "" {
		AbortWithError(c, ErrMissingTenant)
		return "", false
	}
	return tenantID, true
}

// NewValidator reports field errors under their JSON names.
func NewValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// bindJSON decodes the body and runs validate tags.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		AbortWithError(c, invalidRequestError())
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		AbortWithError(c, err)
		return false
	}
	return true
}
