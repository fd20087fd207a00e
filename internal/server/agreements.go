package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	splitdomain "github.com/smallbiznis/royalty/internal/split/domain"
)

func (s *Server) CreateAgreement(c *gin.Context) {
	var req splitdomain.CreateAgreementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextEntityIDKey, strings.TrimSpace(req.EntityID))

	agreement, err := s.royalty.CreateSplitAgreement(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": agreement})
}

func (s *Server) ListAgreements(c *gin.Context) {
	knownAt, err := parseOptionalTime(c.Query("known_at"))
	if err != nil {
		AbortWithError(c, newValidationError("known_at", "invalid_known_at", "invalid known_at"))
		return
	}

	agreements, err := s.royalty.ListAgreements(c.Request.Context(), splitdomain.ListRequest{
		EntityID:  c.GetString(contextEntityIDKey),
		SplitType: splitdomain.SplitType(strings.TrimSpace(c.Query("split_type"))),
		KnownAt:   timeOrZero(knownAt),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": agreements})
}

type reviseAgreementsRequest struct {
	SplitType     string                   `json:"split_type"`
	EffectiveDate string                   `json:"effective_date"`
	Shares        []splitdomain.ShareInput `json:"shares"`
}

func (s *Server) ReviseAgreements(c *gin.Context) {
	var req reviseAgreementsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	effective, err := parseOptionalTime(req.EffectiveDate)
	if err != nil || effective == nil {
		AbortWithError(c, newValidationError("effective_date", "invalid_effective_date", "effective_date is required"))
		return
	}

	agreements, err := s.royalty.ReviseSplits(c.Request.Context(), splitdomain.ReviseRequest{
		EntityID:      c.GetString(contextEntityIDKey),
		SplitType:     req.SplitType,
		EffectiveDate: *effective,
		Shares:        req.Shares,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": agreements})
}

// ValidateAgreements answers 200 when the agreements partition 100% at every
// instant and otherwise surfaces the integrity error.
func (s *Server) ValidateAgreements(c *gin.Context) {
	splitType := strings.TrimSpace(c.Query("split_type"))
	if err := s.royalty.ValidateSplits(c.Request.Context(), c.GetString(contextEntityIDKey), splitType); err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": gin.H{"valid": true}})
}
