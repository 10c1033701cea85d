// Package apierr provides the structured error envelope and HTTP status
// mapping, compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"
)

// Error type constants. Each has a canonical HTTP status (see Status).
const (
	TypeInvalidRequest      = "invalid_request_error"
	TypeAuthentication      = "authentication_error"
	TypeBudgetExceeded      = "budget_exceeded"
	TypeRateLimit           = "rate_limit_error"
	TypeProviderUnavailable = "provider_unavailable"
	TypeAllProvidersFailed  = "all_providers_failed"
	TypeModelNotFound       = "model_not_found"
	TypeStreamError         = "stream_error"
	TypeServiceUnavailable  = "service_unavailable"
	TypeServerError         = "server_error"
)

// Status maps an error type to its canonical HTTP status code.
func Status(errType string) int {
	switch errType {
	case TypeInvalidRequest:
		return fasthttp.StatusBadRequest
	case TypeAuthentication:
		return fasthttp.StatusUnauthorized
	case TypeBudgetExceeded, TypeRateLimit:
		return fasthttp.StatusTooManyRequests
	case TypeProviderUnavailable, TypeAllProvidersFailed:
		return fasthttp.StatusBadGateway
	case TypeModelNotFound:
		return fasthttp.StatusNotFound
	case TypeServiceUnavailable:
		return fasthttp.StatusServiceUnavailable
	default:
		return fasthttp.StatusInternalServerError
	}
}

type (
	// APIError is the structured error returned to clients.
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Details any    `json:"details,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Envelope renders the error body (used by the SSE error frame too).
func Envelope(errType, message string, details any) []byte {
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Details: details,
	}})
	return body
}

// Write writes the error envelope with the type's canonical status.
func Write(ctx *fasthttp.RequestCtx, errType, message string) {
	WriteDetails(ctx, errType, message, nil)
}

// WriteDetails writes the envelope with a details payload (field-level
// validation errors and the like).
func WriteDetails(ctx *fasthttp.RequestCtx, errType, message string, details any) {
	ctx.SetStatusCode(Status(errType))
	ctx.SetContentType("application/json")
	ctx.SetBody(Envelope(errType, message, details))
}

// WriteRateLimit writes a 429 with Retry-After and X-RateLimit-* headers.
func WriteRateLimit(ctx *fasthttp.RequestCtx, limit, remaining int, retryAfter time.Duration) {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(seconds))
	ctx.Response.Header.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Add(retryAfter).Unix(), 10))
	Write(ctx, TypeRateLimit, "rate limit exceeded")
}
