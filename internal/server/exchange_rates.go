package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	exchangedomain "github.com/smallbiznis/costflow/internal/exchangerate/domain"
)

func (s *Server) AppendExchangeRate(c *gin.Context) {
	var req exchangedomain.AppendRequest
	if !s.bindJSON(c, &req) {
		return
	}

	rate, err := s.rates.Append(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": rate})
}
