package auth

import (
	"errors"
)

// Error kinds. Every error returned by Service matches exactly one of these
// through errors.Is.
var (
	ErrConflict            = errors.New("auth: conflict")
	ErrNotFound            = errors.New("auth: not found")
	ErrUnauthorized        = errors.New("auth: unauthorized")
	ErrBadRequest          = errors.New("auth: bad request")
	ErrUnprocessableEntity = errors.New("auth: unprocessable entity")
	ErrInternal            = errors.New("auth: internal error")
)

// Store-level sentinels returned by PrincipalStore and APIKeyStore implementations.
var (
	ErrRecordNotFound  = errors.New("auth: record not found")
	ErrDuplicateRecord = errors.New("auth: duplicate record")
)

// DuplicateError reports which unique field a write collided on. It matches
// ErrDuplicateRecord through errors.Is.
type DuplicateError struct {
	Field string
}

func (e *DuplicateError) Error() string {
	if e.Field == "" {
		return ErrDuplicateRecord.Error()
	}
	return ErrDuplicateRecord.Error() + ": " + e.Field
}

func (e *DuplicateError) Is(target error) bool { return target == ErrDuplicateRecord }

// DuplicateField returns the colliding field of a duplicate error, or "".
func DuplicateField(err error) string {
	var dup *DuplicateError
	if errors.As(err, &dup) {
		return dup.Field
	}
	return ""
}

// Client-facing messages. Authentication boundary messages are deliberately
// generic.
const (
	MsgAuthRequired        = "Authentication required"
	MsgSessionExpired      = "Session expired"
	MsgInvalidCredentials  = "Invalid email or password"
	MsgInvalidOTP          = "Invalid or expired OTP"
	MsgEmailInUse          = "Email already in use"
	MsgPhoneInUse          = "Phone number already in use"
	MsgUserNotFound        = "User not found"
	MsgRegistered          = "Registration successful. Please check your email for the verification code"
	MsgVerificationSent    = "If the account exists and is not verified, a new verification code has been sent"
	MsgPasswordResetSent   = "If an account exists for this email, a password reset code has been sent"
	MsgResetNotAuthorized  = "Password reset is not authorized or has already been used"
	MsgPasswordReuse       = "New password must be different from the current password"
	MsgCurrentPasswordBad  = "Current password is incorrect"
	MsgPasswordChanged     = "Password changed successfully"
	MsgPasswordReset       = "Password reset successfully"
	MsgLoggedOut           = "Logged out successfully"
	MsgInternal            = "Internal server error"
	MsgInvalidAPIKey       = "Invalid API key"
	MsgForbidden           = "Insufficient permissions"
)

// Error is a typed failure carrying a kind, a client-safe message and an
// optional cause that is only ever logged.
type Error struct {
	Kind    error
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Kind.Error() + ": " + e.Message + ": " + e.Err.Error()
	}
	return e.Kind.Error() + ": " + e.Message
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func newError(kind error, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind error, msg string, err error) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// Kind returns the kind sentinel of err, or ErrInternal for untyped errors.
func Kind(err error) error {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != nil {
		return typed.Kind
	}
	return ErrInternal
}

// PublicMessage returns the message that may be shown to clients.
func PublicMessage(err error) string {
	var typed *Error
	if errors.As(err, &typed) && typed.Kind != ErrInternal {
		return typed.Message
	}
	return MsgInternal
}
