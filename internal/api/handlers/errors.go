package handlers

import (
	"net/http"
	"strings"

	"example.com/eduwallet/services/partners/internal/models"
	"example.com/eduwallet/services/partners/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Stable error codes returned to callers
const (
	CodeUnauthenticated     = "UNAUTHENTICATED"
	CodeInvalidSignature    = "INVALID_SIGNATURE"
	CodeStalePayload        = "STALE_PAYLOAD"
	CodeNotFound            = "NOT_FOUND"
	CodeDuplicateEnrollment = "DUPLICATE_ENROLLMENT"
	CodeInvalidTransition   = "INVALID_TRANSITION"
	CodeConcurrentUpdate    = "CONCURRENT_UPDATE"
	CodeValidation          = "VALIDATION_ERROR"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUnavailable         = "UNAVAILABLE"
	CodeInternal            = "INTERNAL_ERROR"
)

// Response is the envelope of every API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
	Code    string      `json:"code,omitempty"`
}

// RespondOK writes a success envelope
func RespondOK(c *gin.Context, status int, data interface{}, message string) {
	c.JSON(status, Response{Success: true, Data: data, Message: message})
}

// ErrorStatus maps an error to its HTTP status, code and public message.
// Messages never include internal identifiers except for validation errors,
// whose text names the offending fields.
func ErrorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, models.ErrStalePayload):
		return http.StatusUnauthorized, CodeStalePayload, "Webhook timestamp outside the accepted window"
	case errors.Is(err, models.ErrInvalidSignature):
		return http.StatusUnauthorized, CodeInvalidSignature, "Invalid webhook signature"
	case errors.Is(err, models.ErrUnauthenticated):
		return http.StatusUnauthorized, CodeUnauthenticated, "Authentication required"
	case errors.Is(err, models.ErrRateLimited):
		return http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, CodeNotFound, "Resource not found"
	case errors.Is(err, models.ErrDuplicateEnrollment):
		return http.StatusConflict, CodeDuplicateEnrollment, "Student is already enrolled in this course"
	case errors.Is(err, models.ErrConcurrentUpdate):
		return http.StatusConflict, CodeConcurrentUpdate, "Enrollment is being updated concurrently, retry later"
	case errors.Is(err, models.ErrInvalidTransition):
		return http.StatusOK, CodeInvalidTransition, "No change applied"
	case errors.Is(err, models.ErrInvalidArgument):
		return http.StatusBadRequest, CodeValidation, validationMessage(err)
	default:
		return http.StatusInternalServerError, CodeInternal, "Internal server error"
	}
}

// RespondError writes the error envelope for err. Invalid transitions are
// reported as successful no-ops.
func RespondError(c *gin.Context, err error) {
	status, code, message := ErrorStatus(err)

	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
		tracing.NoticeError(c.Request.Context(), err)
	} else {
		log.Debug().Err(err).Str("path", c.FullPath()).Str("code", code).Msg("Request rejected")
	}

	c.JSON(status, Response{
		Success: status < http.StatusBadRequest,
		Message: message,
		Code:    code,
	})
}

func validationMessage(err error) string {
	msg := err.Error()
	msg = strings.TrimSuffix(msg, ": "+models.ErrInvalidArgument.Error())
	if msg == models.ErrInvalidArgument.Error() || msg == "" {
		return "Invalid request"
	}
	return msg
}
