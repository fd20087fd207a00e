package server

import (
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	contextEntityIDKey    = "entity_id"
	contextRecipientIDKey = "recipient_id"
)

// EntityContext exposes the :entity_id path parameter to request logging.
func (s *Server) EntityContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		entityID := strings.TrimSpace(c.Param("entity_id"))
		if entityID == "" {
			AbortWithError(c, newValidationError("entity_id", "required", "entity_id is required"))
			return
		}
		c.Set(contextEntityIDKey, entityID)
		c.Next()
	}
}

// RecipientContext exposes the :recipient_id path parameter to request logging.
func (s *Server) RecipientContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		recipientID := strings.TrimSpace(c.Param("recipient_id"))
		if recipientID == "" {
			AbortWithError(c, newValidationError("recipient_id", "required", "recipient_id is required"))
			return
		}
		c.Set(contextRecipientIDKey, recipientID)
		c.Next()
	}
}
