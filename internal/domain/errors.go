package domain

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors shared across the sync and webhook paths.
var (
	// ErrUnsupportedPlatform is a registry lookup miss: a caller or
	// configuration bug, never retried.
	ErrUnsupportedPlatform = errors.New("unsupported platform")

	// ErrUnsupportedOperation is returned by connectors for kinds the
	// platform has no equivalent of (e.g. posts on a commerce platform).
	ErrUnsupportedOperation = errors.New("operation not supported by platform")

	// ErrNoTenantScope marks a canonical-record access attempted without an
	// organization scope on the context.
	ErrNoTenantScope = errors.New("no tenant scope on context")

	// ErrCredentialExpired means the integration needs a manual reconnect;
	// sync attempts short-circuit without calling the remote API.
	ErrCredentialExpired = errors.New("credential expired, reconnect required")

	// ErrCredentialRefreshFailed means a refresh attempt was made and failed;
	// retried later, surfaced via status.
	ErrCredentialRefreshFailed = errors.New("credential refresh failed")

	// ErrSignatureInvalid rejects a webhook delivery at the boundary.
	ErrSignatureInvalid = errors.New("webhook signature verification failed")

	// ErrIntegrationNotFound covers lookups of unknown or inactive integrations.
	ErrIntegrationNotFound = errors.New("integration not found")

	// ErrSyncInFlight means another job holds the integration lock.
	ErrSyncInFlight = errors.New("sync already in flight for integration")
)

// RateLimitedError is a platform throttle response. RetryAfter is zero when
// the platform gave no hint.
type RateLimitedError struct {
	Platform   string
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s rate limited, retry after %s", e.Platform, e.RetryAfter)
	}
	return fmt.Sprintf("%s rate limited", e.Platform)
}

// TransientError wraps timeouts and 5xx responses that are safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient platform error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps non-auth, non-throttle 4xx responses. Surfaced as a
// failed sync, not retried automatically.
type PermanentError struct {
	Status int
	Err    error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent platform error (status %d): %v", e.Status, e.Err)
}
func (e *PermanentError) Unwrap() error { return e.Err }

// ErrorClass drives the central retry policy.
type ErrorClass int

const (
	ClassPermanent ErrorClass = iota
	ClassTransient
	ClassRateLimited
	ClassCredential
)

// Classify maps an error to its retry class. Unknown errors are treated as
// transient so a one-off bug does not permanently fail an integration.
func Classify(err error) ErrorClass {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return ClassRateLimited
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return ClassPermanent
	}
	if errors.Is(err, ErrCredentialExpired) || errors.Is(err, ErrCredentialRefreshFailed) {
		return ClassCredential
	}
	if errors.Is(err, ErrUnsupportedPlatform) || errors.Is(err, ErrUnsupportedOperation) || errors.Is(err, ErrNoTenantScope) {
		return ClassPermanent
	}
	return ClassTransient
}

// Retryable reports whether the orchestrator should requeue after err.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTransient, ClassRateLimited:
		return true
	}
	return false
}
