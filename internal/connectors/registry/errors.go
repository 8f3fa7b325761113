package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// Error categories for the connector layer. Vendor packages wrap their
// failures with one of these sentinels so callers can branch with errors.Is
// without ever seeing raw vendor exception internals.
var (
	// ErrAuthentication: credentials invalid or rejected; not recoverable
	// without a refresh or operator intervention.
	ErrAuthentication = errors.New("authentication failed")
	// ErrTokenRefresh: the vendor rejected the refresh grant.
	ErrTokenRefresh = errors.New("token refresh failed")
	// ErrRateLimited: the local budget was exhausted and the bounded wait
	// elapsed; recoverable by waiting.
	ErrRateLimited = errors.New("rate limit exceeded")
	// ErrTransient: timeout or 5xx; recoverable by retrying at the next
	// scheduled run.
	ErrTransient = errors.New("transient vendor error")
	// ErrSignature: an inbound webhook failed signature verification.
	ErrSignature = errors.New("signature verification failed")
)

// AuthError wraps err as an authentication failure for vendor kind.
func AuthError(kind string, err error) error {
	return fmt.Errorf("%s: %w: %w", kind, ErrAuthentication, err)
}

// RefreshError wraps err as a refresh-grant failure for vendor kind.
func RefreshError(kind string, err error) error {
	return fmt.Errorf("%s: %w: %w", kind, ErrTokenRefresh, err)
}

// RateLimitError wraps err as a budget-exhaustion failure for vendor kind.
func RateLimitError(kind string, err error) error {
	return fmt.Errorf("%s: %w: %w", kind, ErrRateLimited, err)
}

// TransientError wraps err as a retry-next-run failure for vendor kind.
func TransientError(kind string, err error) error {
	return fmt.Errorf("%s: %w: %w", kind, ErrTransient, err)
}

// IsTransient reports whether err is a timeout, 5xx, or otherwise worth
// retrying at the next scheduled run.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if os.IsTimeout(err) {
		return true
	}
	var timeoutErr interface{ Timeout() bool }
	return errors.As(err, &timeoutErr) && timeoutErr.Timeout()
}
