package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) ListQuarantine(c *gin.Context) {
	if s.quarantine == nil {
		AbortWithError(c, ErrNotFound)
		return
	}

	limit, err := parseOptionalInt(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "invalid limit"))
		return
	}
	size := 0
	if limit != nil {
		size = *limit
	}

	rows, err := s.quarantine.List(c.Request.Context(), c.Query("topic"), size)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": rows})
}
