package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAdmissionDenied      = errors.New("admission denied")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrMalformedMessage     = errors.New("malformed message")
	ErrUnknownMessageType   = errors.New("unknown message type")
	ErrDeliveryFailed       = errors.New("delivery failed")
	ErrBrokerUnavailable    = errors.New("broker unavailable")
	ErrConnectionNotFound   = errors.New("connection not found")
)

type AuthFailure string

const (
	AuthMissingCredential AuthFailure = "missing_credential"
	AuthInvalidCredential AuthFailure = "invalid_credential"
	AuthProfileNotFound   AuthFailure = "profile_not_found"
	AuthAdminRequired     AuthFailure = "admin_required"
)

// AuthError describes why a connection could not be authenticated.
type AuthError struct {
	Reason AuthFailure
	Cause  error
}

func NewAuthError(reason AuthFailure, cause error) *AuthError {
	return &AuthError{Reason: reason, Cause: cause}
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication failed: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("authentication failed: %s", e.Reason)
}

func (e *AuthError) Unwrap() []error {
	if e.Cause != nil {
		return []error{ErrAuthenticationFailed, e.Cause}
	}
	return []error{ErrAuthenticationFailed}
}
