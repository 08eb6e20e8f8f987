package providers

import (
	"errors"
	"fmt"
)

// ErrorCode classifies provider and connection-layer failures. Codes drive
// retry decisions, audit outcomes, and the channel auto-suspend policy.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or transport-level failures.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthorization indicates the provider denied or the user
	// cancelled an authorization attempt.
	ErrCodeAuthorization ErrorCode = "AUTH_ERROR"

	// ErrCodeStateToken indicates a missing, mismatched, consumed, or
	// expired OAuth state token (possible CSRF).
	ErrCodeStateToken ErrorCode = "STATE_TOKEN_ERROR"

	// ErrCodeExchange indicates the provider rejected an authorization code.
	ErrCodeExchange ErrorCode = "EXCHANGE_ERROR"

	// ErrCodeSync indicates a failure during a synchronization run.
	ErrCodeSync ErrorCode = "SYNC_ERROR"

	// ErrCodeWebhookSignature indicates an inbound webhook payload failed
	// signature verification.
	ErrCodeWebhookSignature ErrorCode = "WEBHOOK_SIGNATURE_ERROR"

	// ErrCodePrecondition indicates a lifecycle precondition was not met
	// (missing integration, invalid state transition, guarded deletion).
	ErrCodePrecondition ErrorCode = "PRECONDITION_ERROR"

	// ErrCodeUnsupported indicates the provider does not implement the
	// requested capability. Providers fail closed rather than no-op.
	ErrCodeUnsupported ErrorCode = "UNSUPPORTED_OPERATION"

	// ErrCodeRateLimit indicates the provider throttled the operation.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeTimeout indicates an operation exceeded its bounded timeout.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeNotFound indicates a requested resource was not found.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeInvalidInput indicates invalid configuration or payload data.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeInternal indicates an unexpected internal error.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// Error is the structured error returned across the provider boundary.
// Transport-level errors are wrapped into an *Error before they leave a
// provider; callers never see raw HTTP or IMAP errors.
type Error struct {
	// Code categorizes the error for audit, metrics, and retry handling.
	Code ErrorCode

	// Message is a short, user-safe description.
	Message string

	// Err is the underlying cause, retained for operator diagnostics.
	Err error

	// Context carries additional key-value detail for the audit log.
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is / errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// WithContext attaches contextual detail to the error.
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// IsRetryable reports whether the failure is transient.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates an *Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrAuthorization creates an authorization error.
func ErrAuthorization(message string, err error) *Error {
	return NewError(ErrCodeAuthorization, message, err)
}

// ErrStateToken creates a state-token error.
func ErrStateToken(message string, err error) *Error {
	return NewError(ErrCodeStateToken, message, err)
}

// ErrExchange creates a token-exchange error.
func ErrExchange(message string, err error) *Error {
	return NewError(ErrCodeExchange, message, err)
}

// ErrSync creates a synchronization error.
func ErrSync(message string, err error) *Error {
	return NewError(ErrCodeSync, message, err)
}

// ErrWebhookSignature creates a webhook signature error.
func ErrWebhookSignature(message string, err error) *Error {
	return NewError(ErrCodeWebhookSignature, message, err)
}

// ErrPrecondition creates a precondition error.
func ErrPrecondition(message string, err error) *Error {
	return NewError(ErrCodePrecondition, message, err)
}

// ErrUnsupported creates an unsupported-operation error for a capability
// the named provider does not implement.
func ErrUnsupported(provider, capability string) *Error {
	e := NewError(ErrCodeUnsupported, fmt.Sprintf("provider %s does not support %s", provider, capability), nil)
	return e.WithContext("provider", provider).WithContext("capability", capability)
}

// ErrRateLimit creates a rate-limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrNotFound creates a not-found error.
func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

// ErrInvalidInput creates an invalid-input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

// GetErrorCode extracts the ErrorCode from err, or ErrCodeInternal when err
// is not a provider *Error.
func GetErrorCode(err error) ErrorCode {
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err represents a transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var pErr *Error
	if errors.As(err, &pErr) {
		return pErr.IsRetryable()
	}
	return false
}

// IsUnsupported reports whether err is an unsupported-capability error.
func IsUnsupported(err error) bool {
	return GetErrorCode(err) == ErrCodeUnsupported
}
