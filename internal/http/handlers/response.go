// Package handlers provides HTTP handler implementations for the public API.
//
// This file defines the standard response utilities used across all endpoints,
// including structured error envelopes, consistent JSON serialization, and
// helpers for common HTTP patterns. The goal is to guarantee uniform responses
// for both success and failure cases, making the API predictable and
// machine-friendly.
//
// Conventions:
//   - All error responses must return an ErrorResponse with a stable `code`.
//   - `fail()` centralizes error logging and formatting, ensuring 5xx responses
//     are logged with request context for observability.
//   - `ok()` and `noContent()` simplify writing success responses in a consistent
//     shape across handlers.
//
// Example error response:
//
//	HTTP/1.1 402 Payment Required
//	{
//	  "request_id": "123e4567-e89b-12d3-a456-426614174000",
//	  "code": "insufficient_credits",
//	  "message": "insufficient credits: balance 1, required 2",
//	  "balance": 1,
//	  "required": 2
//	}
//
// Example success response:
//
//	HTTP/1.1 200 OK
//	{ "task": { "task_no": "abc123", "status": "running" }, "progress": 20 }
package handlers

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-credits-backend/internal/http/middleware"
	"github.com/tbourn/go-credits-backend/internal/services"
)

// ErrorResponse is the standard error envelope returned by all endpoints.
//
// Fields:
//   - RequestID: Optional correlation ID, echoed from X-Request-ID header, used
//     to correlate server logs with client-side errors.
//   - Code: A stable, machine-readable string (see errors.go constants).
//   - Message: A human-readable error description, safe for display to users.
//
// This struct is used in OpenAPI documentation via Swagger annotations.
type ErrorResponse struct {
	// Correlates server logs and client errors
	RequestID string `json:"request_id,omitempty" example:"123e4567-e89b-12d3-a456-426614174000"`
	// Stable, machine-readable code (see errors.go constants)
	Code string `json:"code" example:"not_found"`
	// Human-readable message (safe to show to users)
	Message string `json:"message" example:"resource not found"`
	// Spendable balance, set only for insufficient_credits
	Balance *int64 `json:"balance,omitempty" example:"1"`
	// Credits the operation needs, set only for insufficient_credits
	Required *int64 `json:"required,omitempty" example:"2"`
}

// fail aborts the request with a structured error and logs server-side errors.
//
// It constructs an ErrorResponse, writes it as JSON with the given HTTP status,
// and calls gin.Context.AbortWithStatusJSON to stop further processing.
//
// Server errors (>=500) are logged using the request-scoped logger from middleware.
func fail(c *gin.Context, status int, code, msg string) {
	reqID := c.Writer.Header().Get("X-Request-ID")
	resp := ErrorResponse{
		RequestID: reqID,
		Code:      code,
		Message:   msg,
	}

	// Log 5xx (server-side) with request-scoped logger
	if status >= http.StatusInternalServerError {
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Int("status", status).
			Str("code", code).
			Str("message", msg).
			Msg("api error")
	}

	c.AbortWithStatusJSON(status, resp)
}

// Fail is the exported variant of fail().
//
// External packages (e.g., router setup) should call Fail to return
// consistent error envelopes without directly depending on unexported helpers.
func Fail(c *gin.Context, status int, code, msg string) { fail(c, status, code, msg) }

// failService maps a service error onto the HTTP error taxonomy. Unknown
// errors become 500 with fallbackCode.
func failService(c *gin.Context, err error, fallbackCode string) {
	var (
		ve *services.ValidationError
		ce *services.CreditInsufficientError
		pe *services.ProviderError
		se *services.TaskStateError
	)
	switch {
	case errors.As(err, &ve):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, ve.Error())
	case errors.Is(err, services.ErrOrphanedJob):
		// Checked before the credit error it may wrap: the provider already
		// accepted the job.
		fail(c, http.StatusInternalServerError, ErrCodeOrphaned, "job accepted by provider but not recorded; it will be reconciled")
	case errors.As(err, &ce):
		failCredits(c, ce)
	case errors.As(err, &pe):
		if services.IsRetryable(pe) {
			c.Header("Retry-After", "5")
			fail(c, http.StatusServiceUnavailable, ErrCodeProviderUnavailable, pe.Error())
			return
		}
		fail(c, http.StatusBadGateway, ErrCodeProviderRejected, pe.Error())
	case errors.As(err, &se):
		fail(c, http.StatusConflict, ErrCodeTaskState, se.Error())
	case errors.Is(err, services.ErrTaskNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "task not found")
	case errors.Is(err, services.ErrLotNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "credit lot not found")
	case errors.Is(err, services.ErrRequestInProgress):
		fail(c, http.StatusConflict, ErrCodeInProgress, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		fail(c, http.StatusGatewayTimeout, ErrCodeProviderUnavailable, "request timed out")
	default:
		middleware.LoggerFrom(c).Error().Err(err).Str("code", fallbackCode).Msg("unhandled service error")
		fail(c, http.StatusInternalServerError, fallbackCode, "internal server error")
	}
}

// failCredits writes a 402 carrying the balance and requirement.
func failCredits(c *gin.Context, ce *services.CreditInsufficientError) {
	bal, req := ce.Balance, ce.Required
	c.AbortWithStatusJSON(http.StatusPaymentRequired, ErrorResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      ErrCodeInsufficientCredits,
		Message:   ce.Error(),
		Balance:   &bal,
		Required:  &req,
	})
}

// ok writes a success JSON response.
//
// It serializes `body` as JSON with the given HTTP status code.
func ok(c *gin.Context, status int, body any) {
	c.JSON(status, body)
}

// noContent writes an HTTP 204 No Content response.
//
// Used when the operation succeeds but there is no response body.
func noContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}
