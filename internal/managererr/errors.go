package managererr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes shared across managers.
const (
	CodeEncryption       = "ENCRYPTION_ERROR"
	CodeDecryption       = "DECRYPTION_ERROR"
	CodeSecretNotFound   = "SECRET_NOT_FOUND"
	CodeSecretInactive   = "SECRET_INACTIVE"
	CodeSecretExpired    = "SECRET_EXPIRED"
	CodeSecretStore      = "SECRET_STORE_ERROR"
	CodeSecretRetrieve   = "SECRET_RETRIEVE_ERROR"
	CodeSecretRotate     = "SECRET_ROTATE_ERROR"
	CodeSecretDelete     = "SECRET_DELETE_ERROR"
	CodeAPIConfigMissing = "API_CONFIG_MISSING"
	CodeAPIKeyNotFound   = "API_KEY_NOT_FOUND"
	CodeAPIKeyRevoked    = "API_KEY_REVOKED"
	CodeAPIKeyExpired    = "API_KEY_EXPIRED"
	CodeEndpointExists   = "ENDPOINT_EXISTS"
	CodeEndpointUnknown  = "ENDPOINT_NOT_FOUND"
	CodeValidation       = "VALIDATION_ERROR"
	CodeAuthentication   = "AUTHENTICATION_ERROR"
	CodeAuthorization    = "AUTHORIZATION_ERROR"
	CodeRateLimit        = "RATE_LIMIT_ERROR"
	CodeNotInitialized   = "NOT_INITIALIZED"
	CodeIntegrationInit  = "INTEGRATION_INIT_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// ManagerError is the base error type carried across every manager boundary.
// Code identifies the failure class, StatusCode the HTTP mapping, Metadata
// whatever context the raising site attached.
type ManagerError struct {
	Code       string                 `json:"code"`
	StatusCode int                    `json:"statusCode"`
	Message    string                 `json:"message"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Err        error                  `json:"-"`
}

func (e *ManagerError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ManagerError) Unwrap() error { return e.Err }

// WithMeta attaches a metadata entry and returns the error for chaining.
func (e *ManagerError) WithMeta(key string, value interface{}) *ManagerError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithCause records the underlying error.
func (e *ManagerError) WithCause(err error) *ManagerError {
	e.Err = err
	return e
}

// New builds a ManagerError with an explicit code and status.
func New(code string, statusCode int, message string) *ManagerError {
	return &ManagerError{Code: code, StatusCode: statusCode, Message: message}
}

// NewSecretsError builds a 500-class secrets lifecycle error. Lookup-style
// codes keep their conventional statuses (404 for not-found, 403 for
// inactive, 410 for expired) so the HTTP layer maps them without a table.
func NewSecretsError(code, message string) *ManagerError {
	status := http.StatusInternalServerError
	switch code {
	case CodeSecretNotFound:
		status = http.StatusNotFound
	case CodeSecretInactive:
		status = http.StatusForbidden
	case CodeSecretExpired:
		status = http.StatusGone
	}
	return New(code, status, message)
}

// NewEncryptionError reports a failure while producing ciphertext.
func NewEncryptionError(message string, cause error) *ManagerError {
	return New(CodeEncryption, http.StatusInternalServerError, message).WithCause(cause)
}

// NewDecryptionError reports an authentication-tag or key-material failure.
// Distinct from not-found on purpose: callers use it to detect tampering.
func NewDecryptionError(message string, cause error) *ManagerError {
	return New(CodeDecryption, http.StatusInternalServerError, message).WithCause(cause)
}

// NewAPIError builds an API manager error with the given status.
func NewAPIError(code string, statusCode int, message string) *ManagerError {
	return New(code, statusCode, message)
}

// NewValidationError carries every violated field, not just the first.
func NewValidationError(message string, fields []string) *ManagerError {
	e := New(CodeValidation, http.StatusBadRequest, message)
	if len(fields) > 0 {
		e.WithMeta("fields", fields)
	}
	return e
}

// NewAuthenticationError yields the 401 raised when no credential verifies.
func NewAuthenticationError(message string) *ManagerError {
	return New(CodeAuthentication, http.StatusUnauthorized, message)
}

// NewAuthorizationError yields the 403 raised on a permission mismatch.
func NewAuthorizationError(message string) *ManagerError {
	return New(CodeAuthorization, http.StatusForbidden, message)
}

// NewRateLimitError yields a 429 with the retry-after hint in metadata.
func NewRateLimitError(message string, retryAfterSeconds int) *ManagerError {
	return New(CodeRateLimit, http.StatusTooManyRequests, message).
		WithMeta("retryAfter", retryAfterSeconds)
}

// AsManagerError unwraps err into a *ManagerError, or wraps it as an
// INTERNAL_ERROR so the HTTP layer always has a code and status to emit.
func AsManagerError(err error) *ManagerError {
	var me *ManagerError
	if errors.As(err, &me) {
		return me
	}
	return New(CodeInternal, http.StatusInternalServerError, err.Error()).WithCause(err)
}

// CodeOf returns the manager error code for err, or INTERNAL_ERROR.
func CodeOf(err error) string {
	return AsManagerError(err).Code
}

// HasCode reports whether err carries the given manager error code.
func HasCode(err error, code string) bool {
	var me *ManagerError
	return errors.As(err, &me) && me.Code == code
}
