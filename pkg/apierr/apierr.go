// Package apierr provides the structured JSON error envelope returned by the
// HTTP API:
//
//	{"error":{"message":"...","type":"...","code":"...","detail":"..."}}
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeBudgetError       = "budget_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypePermissionErr     = "permission_error"
	TypeNotFound          = "not_found_error"
	TypeUnavailable       = "service_unavailable"
	TypeServerError       = "server_error"
)

// Code constants.
const (
	CodeRateLimitExceeded   = "rate_limit_exceeded"
	CodeBudgetExceeded      = "budget_exceeded"
	CodeInvalidAPIKey       = "invalid_api_key"
	CodeInvalidToken        = "invalid_token"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeDisabled            = "generation_disabled"
	CodeInternalError       = "internal_error"
	CodeProviderError       = "provider_error"
	CodeInvalidResponse     = "invalid_provider_response"
	CodeRequestTimeout      = "request_timeout"
	CodeInvalidRequest      = "invalid_request"
	CodeInvalidSettings     = "invalid_settings"
	CodeUnsupportedProvider = "unsupported_provider"
)

// APIError is the structured error returned to clients. Detail and Hint
// are optional and must never carry credentials.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
		Detail  string `json:"detail,omitempty"`
		Hint    string `json:"hint,omitempty"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	WriteError(ctx, status, APIError{Message: message, Type: errType, Code: code})
}

// WriteError writes a fully populated APIError.
func WriteError(ctx *fasthttp.RequestCtx, status int, e APIError) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: e})
	ctx.SetBody(body)
}

// WriteTimeout writes a 504 timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx, detail string) {
	WriteError(ctx, fasthttp.StatusGatewayTimeout, APIError{
		Message: "provider request timed out",
		Type:    TypeProviderError,
		Code:    CodeRequestTimeout,
		Detail:  detail,
	})
}

// WriteRateLimit writes a 429 rate limit error with a Retry-After header.
func WriteRateLimit(ctx *fasthttp.RequestCtx, message string, retryAfterSeconds int) {
	if retryAfterSeconds > 0 {
		ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	Write(ctx, fasthttp.StatusTooManyRequests, message, TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteNotFound writes a 404.
func WriteNotFound(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusNotFound, message, TypeNotFound, CodeNotFound)
}

// WriteInvalid writes a 400 invalid request error.
func WriteInvalid(ctx *fasthttp.RequestCtx, message string) {
	Write(ctx, fasthttp.StatusBadRequest, message, TypeInvalidRequest, CodeInvalidRequest)
}

// WriteInternal writes a 500 without exposing the underlying error.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error", TypeServerError, CodeInternalError)
}
