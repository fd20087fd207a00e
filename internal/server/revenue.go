package server

import (
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	allocationdomain "github.com/smallbiznis/royalty/internal/allocation/domain"
	ledgerdomain "github.com/smallbiznis/royalty/internal/ledger/domain"
	"github.com/smallbiznis/royalty/pkg/db/pagination"
)

func (s *Server) IngestRevenue(c *gin.Context) {
	var req ledgerdomain.IngestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	c.Set(contextEntityIDKey, strings.TrimSpace(req.EntityID))

	if limit := s.limiter.AllowPlatform(c.Request.Context(), req.PlatformID); !limit.Allowed {
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(limit.RetryAfter.Seconds()))))
		AbortWithError(c, ErrRateLimited)
		return
	}

	outcome, err := s.royalty.IngestRevenue(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status := http.StatusCreated
	switch {
	case outcome.Status == ledgerdomain.IngestStatusDuplicate:
		status = http.StatusOK
	case outcome.Blocked != nil:
		status = http.StatusAccepted
	}
	c.JSON(status, gin.H{"data": outcome})
}

func (s *Server) ListFacts(c *gin.Context) {
	var query struct {
		pagination.Pagination
		From string `form:"from"`
		To   string `form:"to"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	from, err := parseOptionalTime(query.From)
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(query.To)
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	facts, pageInfo, err := s.royalty.ListFacts(c.Request.Context(), ledgerdomain.QueryRequest{
		EntityID: c.GetString(contextEntityIDKey),
		From:     timeOrZero(from),
		To:       timeOrZero(to),
	}, query.Pagination)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": facts, "page_info": pageInfo})
}

func (s *Server) GetFact(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	fact, err := s.royalty.Fact(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.Set(contextEntityIDKey, fact.EntityID)

	c.JSON(http.StatusOK, gin.H{"data": fact})
}

func (s *Server) ListFactAllocations(c *gin.Context) {
	id, err := parseSnowflakeID(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_id", "invalid id"))
		return
	}

	allocations, err := s.royalty.AllocationsByFact(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": allocations})
}

func (s *Server) ListEntityAllocations(c *gin.Context) {
	from, err := parseOptionalTime(c.Query("from"))
	if err != nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "invalid from"))
		return
	}
	to, err := parseOptionalTime(c.Query("to"))
	if err != nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "invalid to"))
		return
	}

	allocations, err := s.royalty.AllocationsByEntity(c.Request.Context(), c.GetString(contextEntityIDKey), timeOrZero(from), timeOrZero(to))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": allocations})
}

type reconcileRequest struct {
	From    string `json:"from"`
	To      string `json:"to"`
	KnownAt string `json:"known_at"`
}

func (s *Server) ReconcileEntity(c *gin.Context) {
	var req reconcileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	from, err := parseOptionalTime(req.From)
	if err != nil || from == nil {
		AbortWithError(c, newValidationError("from", "invalid_from", "from is required"))
		return
	}
	to, err := parseOptionalTime(req.To)
	if err != nil || to == nil {
		AbortWithError(c, newValidationError("to", "invalid_to", "to is required"))
		return
	}
	knownAt, err := parseOptionalTime(req.KnownAt)
	if err != nil {
		AbortWithError(c, newValidationError("known_at", "invalid_known_at", "invalid known_at"))
		return
	}

	outcome, err := s.royalty.ReconcileEntity(c.Request.Context(), allocationdomain.ReconcileRequest{
		EntityID: c.GetString(contextEntityIDKey),
		From:     *from,
		To:       *to,
		KnownAt:  timeOrZero(knownAt),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": outcome})
}
