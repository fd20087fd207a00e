package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/royalty/internal/royaltyerr"
	"github.com/smallbiznis/royalty/pkg/db/pagination"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
	Details any               `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, pagination.ErrInvalidCursor):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: "request", Code: err.Error(), Message: "invalid request"},
			},
		}
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	}

	switch royaltyerr.KindOf(err) {
	case royaltyerr.KindValidation:
		var vErr *royaltyerr.ValidationError
		errors.As(err, &vErr)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{Field: vErr.Field, Code: vErr.Code, Message: validationErrorMessage(vErr.Code)},
			},
		}
	case royaltyerr.KindIntegrity:
		var iErr *royaltyerr.IntegrityError
		errors.As(err, &iErr)
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    "integrity_error",
			Message: iErr.Error(),
			Details: iErr,
		}
	case royaltyerr.KindStateTransition:
		var tErr *royaltyerr.StateTransitionError
		errors.As(err, &tErr)
		return http.StatusConflict, errorPayload{
			Type:    "state_transition_error",
			Message: tErr.Error(),
			Details: tErr,
		}
	case royaltyerr.KindDuplicate:
		return http.StatusConflict, errorPayload{
			Type:    "duplicate",
			Message: "duplicate",
		}
	case royaltyerr.KindNotFound:
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case royaltyerr.KindExternal:
		var xErr *royaltyerr.ExternalError
		errors.As(err, &xErr)
		return http.StatusBadGateway, errorPayload{
			Type:    "external_error",
			Message: "upstream " + xErr.Source + " failed",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog reports the error type and code attached to request logs.
func classifyErrorForLog(err error) (string, string) {
	if err == nil {
		return "", ""
	}
	if vErr := asValidationErrors(err); vErr != nil {
		code := ""
		if len(vErr.Errors) > 0 {
			code = vErr.Errors[0].Code
		}
		return string(royaltyerr.KindValidation), code
	}
	var vErr *royaltyerr.ValidationError
	if errors.As(err, &vErr) {
		return string(royaltyerr.KindValidation), vErr.Code
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound) {
		return string(royaltyerr.KindNotFound), ""
	}
	if errors.Is(err, ErrRateLimited) {
		return "rate_limited", ""
	}
	var xErr *royaltyerr.ExternalError
	if errors.As(err, &xErr) {
		return string(royaltyerr.KindExternal), xErr.Source
	}
	return string(royaltyerr.KindOf(err)), ""
}
