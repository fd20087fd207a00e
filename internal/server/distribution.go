package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const maxCallbackBytes = 1 << 20

func (s *Server) SubmitDistribution(c *gin.Context) {
	record, err := s.royalty.SubmitForDistribution(c.Request.Context(), c.Param("release_id"), c.Param("platform_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": record})
}

func (s *Server) RetryDistribution(c *gin.Context) {
	record, err := s.royalty.RetryDistribution(c.Request.Context(), c.Param("release_id"), c.Param("platform_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": record})
}

func (s *Server) TakedownDistribution(c *gin.Context) {
	record, err := s.royalty.TakedownDistribution(c.Request.Context(), c.Param("release_id"), c.Param("platform_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": record})
}

func (s *Server) GetDistributionStatus(c *gin.Context) {
	records, err := s.royalty.DistributionStatus(c.Request.Context(), c.Param("release_id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": records})
}

// HandlePlatformCallback acknowledges discarded and duplicate callbacks with
// 200 so platforms stop redelivering them.
func (s *Server) HandlePlatformCallback(c *gin.Context) {
	platformID := strings.TrimSpace(c.Param("platform_id"))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCallbackBytes))
	if err != nil || len(payload) == 0 {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.royalty.ApplyDistributionCallback(c.Request.Context(), platformID, payload)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
