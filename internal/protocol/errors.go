package protocol

import (
	"fmt"
	"net/http"

	"github.com/tidwall/gjson"
)

// ErrorType classifies client-visible failures. The values are wire-level
// identifiers shared by both dialects.
type ErrorType string

const (
	ErrTypeInvalidRequest ErrorType = "invalid_request_error"
	ErrTypeAuthentication ErrorType = "authentication_error"
	ErrTypePermission     ErrorType = "permission_error"
	ErrTypeNotFound       ErrorType = "not_found_error"
	ErrTypeRateLimit      ErrorType = "rate_limit_error"
	ErrTypeAPI            ErrorType = "api_error"
	ErrTypeAPIConnection  ErrorType = "api_connection_error"
	ErrTypeOverloaded     ErrorType = "overloaded_error"
)

// HTTPStatus returns the canonical status code for the error type.
func (t ErrorType) HTTPStatus() int {
	switch t {
	case ErrTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrTypeAuthentication:
		return http.StatusUnauthorized
	case ErrTypePermission:
		return http.StatusForbidden
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrTypeAPIConnection:
		return http.StatusBadGateway
	case ErrTypeOverloaded:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// APIError is a classified, client-visible error. Status overrides the
// type's canonical code when a backend supplied its own (e.g. 500 vs 503).
type APIError struct {
	Type    ErrorType
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatus returns the explicit status when set, the type default
// otherwise.
func (e *APIError) HTTPStatus() int {
	if e.Status != 0 {
		return e.Status
	}
	return e.Type.HTTPStatus()
}

// NewAPIError builds an APIError of the given type.
func NewAPIError(t ErrorType, format string, args ...any) *APIError {
	return &APIError{Type: t, Message: fmt.Sprintf(format, args...)}
}

// InvalidRequest is shorthand for the 400 taxonomy entry.
func InvalidRequest(format string, args ...any) *APIError {
	return NewAPIError(ErrTypeInvalidRequest, format, args...)
}

// BackendError maps an upstream HTTP status and response body onto the
// taxonomy. The body is probed for the provider's own error message so the
// client sees something more useful than a bare status line.
func BackendError(status int, body []byte) *APIError {
	msg := gjson.GetBytes(body, "error.message").String()
	if msg == "" {
		msg = gjson.GetBytes(body, "message").String()
	}
	if msg == "" {
		msg = fmt.Sprintf("backend returned status %d", status)
	}

	var t ErrorType
	switch {
	case status == http.StatusBadRequest:
		t = ErrTypeInvalidRequest
	case status == http.StatusUnauthorized:
		t = ErrTypeAuthentication
	case status == http.StatusForbidden:
		t = ErrTypePermission
	case status == http.StatusNotFound:
		t = ErrTypeNotFound
	case status == http.StatusTooManyRequests:
		t = ErrTypeRateLimit
	case status == http.StatusServiceUnavailable:
		t = ErrTypeOverloaded
	case status >= 500:
		t = ErrTypeAPI
	default:
		t = ErrTypeAPI
	}
	return &APIError{Type: t, Message: msg, Status: status}
}

// ConnectionError wraps a network failure reaching the backend.
func ConnectionError(err error) *APIError {
	return &APIError{Type: ErrTypeAPIConnection, Message: fmt.Sprintf("backend unreachable: %v", err)}
}

// ErrorDetail is the inner error object shared by both wire dialects.
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// openAIErrorBody is the OpenAI-dialect error envelope.
type openAIErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// anthropicErrorBody is the Anthropic-dialect error envelope.
type anthropicErrorBody struct {
	Type  string      `json:"type"`
	Error ErrorDetail `json:"error"`
}

// OpenAIBody renders the error in the normalized dialect's envelope.
func (e *APIError) OpenAIBody() any {
	return openAIErrorBody{Error: ErrorDetail{Type: string(e.Type), Message: e.Message}}
}

// AnthropicBody renders the error in the Anthropic envelope.
func (e *APIError) AnthropicBody() any {
	return anthropicErrorBody{Type: "error", Error: ErrorDetail{Type: string(e.Type), Message: e.Message}}
}
