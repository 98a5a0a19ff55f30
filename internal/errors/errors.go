package errors

import (
	"errors"
	"fmt"
)

// Common error types for the session keeper
var (
	// Session errors
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrInvalidSession  = errors.New("invalid session: no long-lived auth cookies")

	// Renewal errors
	ErrAuthExpired      = errors.New("authentication expired")
	ErrTransientNetwork = errors.New("transient network error")
	ErrLoginFailure     = errors.New("login failed")
	ErrLoginBusy        = errors.New("no login slot available")

	// Lock errors
	ErrLockHeld = errors.New("refresh lock already held")

	// Store errors
	ErrStoreUnavailable = errors.New("state store unavailable")
	ErrNotFound         = errors.New("not found")

	// Snapshot errors
	ErrSnapshotNotFound = errors.New("cached snapshot not found")
	ErrSnapshotStale    = errors.New("cached snapshot too stale")

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
