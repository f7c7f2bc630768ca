package auth

import (
	"errors"
	"net/http"
)

// Stable machine-checkable authentication error codes.
const (
	CodeMissingCredentials = "missing_credentials"
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidSignature   = "invalid_signature"
	CodeExpiredToken       = "expired_token"
	CodeRevokedKey         = "revoked_key"
	CodeDisabledIdentity   = "disabled_identity"
	CodeInsufficientScope  = "insufficient_scope"
)

// Error is an authentication failure with a stable code and an
// HTTP-equivalent status.
type Error struct {
	Code   string
	Detail string
	Status int
}

func (e *Error) Error() string {
	return e.Detail
}

func newError(code, detail string) *Error {
	return &Error{Code: code, Detail: detail, Status: http.StatusUnauthorized}
}

// AsError returns the *Error inside err, or nil when err is not an
// authentication error.
func AsError(err error) *Error {
	var authErr *Error
	if errors.As(err, &authErr) {
		return authErr
	}
	return nil
}
