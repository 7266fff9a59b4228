package types

import (
	"errors"
	"fmt"
)

// ErrorKind buckets every failure that crosses the token manager or
// API boundary. Raw upstream errors are converted into one of these
// before they reach the state machine or a client.
type ErrorKind string

const (
	KindValidation          ErrorKind = "VALIDATION_ERROR"
	KindAuthentication      ErrorKind = "AUTHENTICATION_ERROR"
	KindAuthorization       ErrorKind = "AUTHORIZATION_ERROR"
	KindUpstreamUnavailable ErrorKind = "UPSTREAM_UNAVAILABLE"
	KindVault               ErrorKind = "VAULT_ERROR"
	KindInvalidCorrelation  ErrorKind = "INVALID_CORRELATION"
	KindNotFound            ErrorKind = "NOT_FOUND"
	KindInternal            ErrorKind = "INTERNAL"
)

// Error is a classified domain error. Sentinel values below are
// matched with errors.Is; wrapping with fmt.Errorf("...: %w", err)
// preserves the match.
type Error struct {
	Kind      ErrorKind
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Info converts the error into its client-facing envelope.
func (e *Error) Info() *ErrorInfo {
	return &ErrorInfo{Code: e.Code, Message: e.Message, Retryable: e.Retryable}
}

var (
	ErrConfigNotFound = &Error{Kind: KindNotFound, Code: "CONFIG_NOT_FOUND",
		Message: "broker config not found"}
	ErrInvalidCredentialsFormat = &Error{Kind: KindValidation, Code: "INVALID_CREDENTIALS_FORMAT",
		Message: "api key or secret is missing or malformed"}
	ErrInvalidCorrelation = &Error{Kind: KindInvalidCorrelation, Code: "INVALID_CORRELATION",
		Message: "correlation token is unknown, expired, or already used"}
	ErrExchangeRejected = &Error{Kind: KindAuthentication, Code: "EXCHANGE_REJECTED",
		Message: "broker rejected the authorization code"}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable, Code: "UPSTREAM_UNAVAILABLE",
		Message: "broker is unreachable", Retryable: true}
	ErrReauthorizationRequired = &Error{Kind: KindAuthentication, Code: "REAUTHORIZATION_REQUIRED",
		Message: "session can no longer be refreshed, re-authorization required"}
	ErrRefreshUnsupported = &Error{Kind: KindAuthentication, Code: "REFRESH_UNSUPPORTED",
		Message: "broker does not issue refresh tokens"}
	ErrVault = &Error{Kind: KindVault, Code: "VAULT_ERROR",
		Message: "secret encryption or decryption failed"}
	ErrRateLimited = &Error{Kind: KindAuthorization, Code: "UPSTREAM_RATE_LIMITED",
		Message: "broker rate limit hit", Retryable: true}
)

// Classify extracts the domain error out of a wrapped chain. Unknown
// errors map to a non-retryable internal envelope so that raw upstream
// text never leaks to a client.
func Classify(err error) *Error {
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	return &Error{Kind: KindInternal, Code: "INTERNAL_ERROR",
		Message: "internal error"}
}
