// Package apierror provides the JSON error envelope returned by every
// promptcraft endpoint. Handlers and middleware use WriteJSON so clients can
// branch on a stable error_code instead of parsing messages.
package apierror

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// ErrorCode is a machine-readable error classification string.
type ErrorCode string

// Error codes are part of the public API. Do not rename or remove them.
const (
	NotFound              ErrorCode = "NOT_FOUND"
	MethodNotAllowed      ErrorCode = "METHOD_NOT_ALLOWED"
	InvalidRequest        ErrorCode = "INVALID_REQUEST"
	UnsupportedMedia      ErrorCode = "UNSUPPORTED_MEDIA"
	BodyTooLarge          ErrorCode = "BODY_TOO_LARGE"
	AuthMissingToken      ErrorCode = "AUTH_MISSING_TOKEN"
	AuthInvalidToken      ErrorCode = "AUTH_INVALID_TOKEN"
	AuthInsufficientScope ErrorCode = "AUTH_INSUFFICIENT_SCOPE"
	Forbidden             ErrorCode = "FORBIDDEN"
	RateLimitExceeded     ErrorCode = "RATE_LIMIT_EXCEEDED"
	CredentialsExhausted  ErrorCode = "CREDENTIALS_EXHAUSTED"
	ProviderFailed        ErrorCode = "PROVIDER_FAILED"
	RequestCancelled      ErrorCode = "REQUEST_CANCELLED"
	DeadlineExceeded      ErrorCode = "DEADLINE_EXCEEDED"
	InternalError         ErrorCode = "INTERNAL_ERROR"
)

// ErrorResponse is the standardized error body.
type ErrorResponse struct {
	Error     string `json:"error"`
	ErrorCode string `json:"error_code"`
	Message   string `json:"message"`
	RequestID string `json:"request_id,omitempty"`
}

// Pre-serialized bodies for the errors hit on hot paths. They carry no
// request_id since that varies per request.
var (
	preNotFound             = mustMarshal(http.StatusNotFound, NotFound, "no matching route")
	preAuthMissingToken     = mustMarshal(http.StatusUnauthorized, AuthMissingToken, "missing or malformed Authorization header")
	preRateLimitExceeded    = mustMarshal(http.StatusTooManyRequests, RateLimitExceeded, "rate limit exceeded, retry later")
	preCredentialsExhausted = mustMarshal(http.StatusTooManyRequests, CredentialsExhausted, "all provider credentials are temporarily blocked, retry later")
	preRequestCancelled     = mustMarshal(http.StatusGatewayTimeout, RequestCancelled, "request cancelled")
)

func mustMarshal(status int, code ErrorCode, message string) []byte {
	b, _ := json.Marshal(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
	})
	return append(b, '\n')
}

// WriteJSON writes a structured JSON error response. The request may be nil;
// when present its X-Request-ID header is echoed as request_id.
func WriteJSON(w http.ResponseWriter, r *http.Request, status int, code ErrorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	requestID := ""
	if r != nil {
		requestID = r.Header.Get("X-Request-ID")
	}

	if requestID == "" {
		if body := preSerialized(status, code, message); body != nil {
			w.Write(body) //nolint:errcheck
			return
		}
	}

	json.NewEncoder(w).Encode(ErrorResponse{
		Error:     http.StatusText(status),
		ErrorCode: string(code),
		Message:   message,
		RequestID: requestID,
	})
}

// WriteRetryable writes a 429 response with a Retry-After header rounded up
// to whole seconds.
func WriteRetryable(w http.ResponseWriter, r *http.Request, code ErrorCode, message string, retryAfter time.Duration) {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.Itoa(max(secs, 1)))
	WriteJSON(w, r, http.StatusTooManyRequests, code, message)
}

func preSerialized(status int, code ErrorCode, message string) []byte {
	switch {
	case code == NotFound && status == http.StatusNotFound && message == "no matching route":
		return preNotFound
	case code == AuthMissingToken && status == http.StatusUnauthorized && message == "missing or malformed Authorization header":
		return preAuthMissingToken
	case code == RateLimitExceeded && status == http.StatusTooManyRequests && message == "rate limit exceeded, retry later":
		return preRateLimitExceeded
	case code == CredentialsExhausted && status == http.StatusTooManyRequests && message == "all provider credentials are temporarily blocked, retry later":
		return preCredentialsExhausted
	case code == RequestCancelled && status == http.StatusGatewayTimeout && message == "request cancelled":
		return preRequestCancelled
	}
	return nil
}
