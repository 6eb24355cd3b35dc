package middleware

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/tenderdesk/orggov/internal/apperror"
)

var statusByCode = map[apperror.Code]int{
	apperror.CodeUnauthorized:     http.StatusUnauthorized,
	apperror.CodeForbidden:        http.StatusForbidden,
	apperror.CodeNotFound:         http.StatusNotFound,
	apperror.CodeValidation:       http.StatusBadRequest,
	apperror.CodeAlreadyExists:    http.StatusConflict,
	apperror.CodeInvitationExists: http.StatusConflict,
	apperror.CodeAlreadyMember:    http.StatusConflict,
	apperror.CodeRateLimited:      http.StatusTooManyRequests,
	apperror.CodeInternal:         http.StatusInternalServerError,
}

// StatusFor maps an error code to its HTTP status.
func StatusFor(code apperror.Code) int {
	if s, ok := statusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// AbortWithError writes err as {"error": {code, message, details}} and aborts the chain.
// Internal causes are never exposed.
func AbortWithError(c *gin.Context, err error) {
	e := apperror.From(err)
	if e == nil {
		e = apperror.Internal("unexpected error", nil)
	}
	if retry, ok := e.Details["retry_after_seconds"].(int); ok {
		c.Header("Retry-After", strconv.Itoa(retry))
	}
	c.AbortWithStatusJSON(StatusFor(e.Code), gin.H{"error": e})
}
