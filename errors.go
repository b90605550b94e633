package tessera

import (
	"errors"
	"fmt"
	"time"
)

// Caller-facing sentinels. Credential, MFA, and ownership failures collapse
// to generic values before they reach the caller; the audit stream carries
// the specific reason. Infrastructure failures are a separate class and are
// never folded into an authentication outcome.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account locked")
	ErrRateLimited        = errors.New("rate limited")
	ErrChallengeRequired  = errors.New("challenge required")

	ErrStepUpRequired         = errors.New("step-up verification required")
	ErrStepUpInvalid          = errors.New("step-up challenge invalid")
	ErrStepUpExpired          = errors.New("step-up challenge expired")
	ErrStepUpAttemptsExceeded = errors.New("step-up attempts exceeded")
	ErrInvalidMFACode         = errors.New("invalid mfa code")
	ErrMFANotEnrolled         = errors.New("mfa not enrolled")
	ErrMFAAlreadyEnrolled     = errors.New("mfa already enrolled")

	ErrTokenInvalid        = errors.New("invalid token")
	ErrTokenExpired        = errors.New("token expired")
	ErrTokenReplayDetected = errors.New("token replay detected")

	// ErrSessionNotFound covers sessions that are missing, expired, revoked,
	// or owned by someone else. Not-owned is indistinguishable from
	// not-found on purpose.
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionLimitExceeded = errors.New("session limit exceeded")

	ErrTenantRequired = errors.New("tenant context required")
	ErrTenantMismatch = errors.New("tenant mismatch")

	ErrPermissionDenied = errors.New("permission denied")

	ErrPasswordPolicy = errors.New("password policy violation")
	ErrPasswordReuse  = errors.New("new password must differ from current password")

	// ErrPrincipalNotFound is returned by Directory implementations. The
	// engine never lets it reach a login caller; it maps to
	// ErrInvalidCredentials after the dummy-hash verify has run.
	ErrPrincipalNotFound    = errors.New("principal not found")
	ErrPrincipalNotVerified = errors.New("principal not verified")

	// ErrStoreUnavailable is the retryable infrastructure class. Wrap with
	// fmt.Errorf("%w: %v", ErrStoreUnavailable, err).
	ErrStoreUnavailable = errors.New("backing store unavailable")

	ErrEngineNotReady = errors.New("engine not initialized")
)

// LockoutError reports a guard lockout with a machine-readable retry-after.
// It unwraps to ErrAccountLocked so errors.Is keeps working.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("account locked, retry after %s", e.RetryAfter)
}

func (e *LockoutError) Unwrap() error { return ErrAccountLocked }

// RateLimitError reports origin-address throttling with a retry-after.
// It unwraps to ErrRateLimited.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

func storeUnavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}
