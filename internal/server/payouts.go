package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	payoutdomain "github.com/smallbiznis/royalty/internal/payout/domain"
)

type closePayoutRequest struct {
	RecipientID  string `json:"recipient_id"`
	Currency     string `json:"currency"`
	ScheduleDate string `json:"schedule_date"`
}

// ClosePayoutBatch answers 204 when the balance stays below the payout
// threshold.
func (s *Server) ClosePayoutBatch(c *gin.Context) {
	var req closePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextRecipientIDKey, strings.TrimSpace(req.RecipientID))

	scheduleDate, err := parseOptionalTime(req.ScheduleDate)
	if err != nil {
		AbortWithError(c, newValidationError("schedule_date", "invalid_schedule_date", "invalid schedule_date"))
		return
	}
	if scheduleDate == nil {
		next := payoutdomain.ScheduleDateFor(s.clock.Now(), s.policies.Get().Payout.Schedule)
		scheduleDate = &next
	}

	payout, err := s.royalty.ClosePayoutBatch(c.Request.Context(), payoutdomain.CloseRequest{
		RecipientID:  req.RecipientID,
		Currency:     req.Currency,
		ScheduleDate: *scheduleDate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if payout == nil {
		c.Status(http.StatusNoContent)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": payout})
}

func (s *Server) ListPayouts(c *gin.Context) {
	payouts, err := s.royalty.PayoutHistory(c.Request.Context(), c.GetString(contextRecipientIDKey))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payouts})
}

func (s *Server) GetBalance(c *gin.Context) {
	balance, err := s.royalty.Balance(c.Request.Context(), c.GetString(contextRecipientIDKey), c.Param("currency"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": balance})
}

func (s *Server) MarkPayoutProcessing(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	payout, err := s.royalty.MarkPayoutProcessing(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payout})
}

type completePayoutRequest struct {
	ReferenceNumber string `json:"reference_number"`
}

func (s *Server) MarkPayoutCompleted(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req completePayoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.royalty.MarkPayoutCompleted(c.Request.Context(), id, strings.TrimSpace(req.ReferenceNumber))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payout})
}

type payoutReasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) MarkPayoutFailed(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req payoutReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.royalty.MarkPayoutFailed(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) CancelPayout(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}
	var req payoutReasonRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	payout, err := s.royalty.CancelPayout(c.Request.Context(), id, strings.TrimSpace(req.Reason))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": payout})
}

func (s *Server) GetPayoutStatement(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	pdf, err := s.statements.Render(c.Request.Context(), id, s.clock.Now())
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=\"statement-%s.pdf\"", id.String()))
	c.Data(http.StatusOK, "application/pdf", pdf)
}
