package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session agent
var (
	// Authentication errors
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrRateLimited        = errors.New("too many login attempts")
	ErrEmailNotConfirmed  = errors.New("email confirmation required")

	// Validation errors
	ErrInvalidEmail     = errors.New("invalid email format")
	ErrPasswordTooShort = errors.New("password must be at least 8 characters")
	ErrPasswordMismatch = errors.New("passwords do not match")
	ErrInvalidVATNumber = errors.New("invalid VAT number format")

	// Session errors
	ErrSessionExpired   = errors.New("session expired")
	ErrSessionCorrupted = errors.New("session data corrupted")
	ErrNotAuthenticated = errors.New("not authenticated")

	// Token errors
	ErrNoToken        = errors.New("no token available")
	ErrTokenExpired   = errors.New("token expired")
	ErrNoRefreshToken = errors.New("no refresh token available")
	ErrRefreshFailed  = errors.New("token refresh failed")

	// Store errors
	ErrEntryNotFound  = errors.New("entry not found")
	ErrEntryStale     = errors.New("entry exceeded max age")
	ErrEntryCorrupted = errors.New("entry corrupted")

	// Transport errors
	ErrServerRejected = errors.New("request rejected by server")
	ErrTransport      = errors.New("network error")

	// General errors
	ErrInternal    = errors.New("internal error")
	ErrUnsupported = errors.New("unsupported operation")
)

// Wrapf wraps an error with context using fmt.Errorf
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
