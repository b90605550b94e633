package tessera

import (
	"context"
	"errors"
	"time"
)

const (
	auditEventLoginSuccess           = "login_success"
	auditEventLoginFailure           = "login_failure"
	auditEventLoginLocked            = "login_locked"
	auditEventLoginRateLimited       = "login_rate_limited"
	auditEventLoginChallengeRequired = "login_challenge_required"
	auditEventStepUpRequired         = "stepup_required"
	auditEventStepUpSuccess          = "stepup_success"
	auditEventStepUpFailure          = "stepup_failure"
	auditEventStepUpAttemptsExceeded = "stepup_attempts_exceeded"
	auditEventRecoveryCodeUsed       = "recovery_code_used"
	auditEventRecoveryCodesReplaced  = "recovery_codes_replaced"
	auditEventRefreshSuccess         = "refresh_success"
	auditEventRefreshFailure         = "refresh_failure"
	auditEventTokenReplayDetected    = "token_replay_detected"
	auditEventLogout                 = "logout"
	auditEventLogoutAll              = "logout_all"
	auditEventSessionTerminated      = "session_terminated"
	auditEventSessionTerminateAll    = "session_terminate_all"
	auditEventMFAEnrollmentStarted   = "mfa_enrollment_started"
	auditEventMFAEnabled             = "mfa_enabled"
	auditEventMFADisabled            = "mfa_disabled"
	auditEventPasswordChanged        = "password_changed"
	auditEventPasswordChangeFailure  = "password_change_failure"
	auditEventPrincipalStatusChanged = "principal_status_changed"
	auditEventGuardAlert             = "guard_alert"
	auditEventGuardDegraded          = "guard_degraded"
	auditEventStoreDegraded          = "store_degraded"
)

// AuditErrorCode is the machine-readable error class carried on events.
type AuditErrorCode string

const (
	auditErrInvalidCredentials    AuditErrorCode = "invalid_credentials"
	auditErrAccountLocked         AuditErrorCode = "account_locked"
	auditErrRateLimited           AuditErrorCode = "rate_limited"
	auditErrChallengeRequired     AuditErrorCode = "challenge_required"
	auditErrStepUpRequired        AuditErrorCode = "stepup_required"
	auditErrStepUpInvalid         AuditErrorCode = "stepup_invalid"
	auditErrStepUpExpired         AuditErrorCode = "stepup_expired"
	auditErrStepUpAttempts        AuditErrorCode = "stepup_attempts_exceeded"
	auditErrMFAInvalid            AuditErrorCode = "mfa_invalid"
	auditErrMFANotEnrolled        AuditErrorCode = "mfa_not_enrolled"
	auditErrMFAAlreadyEnrolled    AuditErrorCode = "mfa_already_enrolled"
	auditErrTokenInvalid          AuditErrorCode = "token_invalid"
	auditErrTokenExpired          AuditErrorCode = "token_expired"
	auditErrTokenReplay           AuditErrorCode = "token_replay"
	auditErrSessionNotFound       AuditErrorCode = "session_not_found"
	auditErrSessionLimit          AuditErrorCode = "session_limit_exceeded"
	auditErrTenantRequired        AuditErrorCode = "tenant_required"
	auditErrTenantMismatch        AuditErrorCode = "tenant_mismatch"
	auditErrPermissionDenied      AuditErrorCode = "permission_denied"
	auditErrPasswordPolicy        AuditErrorCode = "password_policy"
	auditErrPasswordReuse         AuditErrorCode = "password_reuse"
	auditErrPrincipalNotVerified  AuditErrorCode = "principal_not_verified"
	auditErrStoreUnavailable      AuditErrorCode = "store_unavailable"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	principalID string,
	tenantID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}

	event := AuditEvent{
		Timestamp:   time.Now().UTC(),
		EventType:   eventType,
		PrincipalID: principalID,
		TenantID:    tenantID,
		SessionID:   sessionID,
		IP:          clientIPFromContext(ctx),
		Success:     success,
		Metadata:    metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

// emitGuardDegraded surfaces the loss of cross-instance guard correctness.
// Degradation is never silent.
func (e *Engine) emitGuardDegraded(ctx context.Context, scope, tenantID string) {
	e.metricInc(MetricGuardDegraded)
	e.emitAudit(ctx, auditEventGuardDegraded, false, "", tenantID, "", ErrStoreUnavailable, func() map[string]string {
		return map[string]string{
			"scope": scope,
		}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrInvalidCredentials), errors.Is(err, ErrPrincipalNotFound):
		return auditErrInvalidCredentials
	case errors.Is(err, ErrAccountLocked):
		return auditErrAccountLocked
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrChallengeRequired):
		return auditErrChallengeRequired
	case errors.Is(err, ErrStepUpRequired):
		return auditErrStepUpRequired
	case errors.Is(err, ErrStepUpInvalid):
		return auditErrStepUpInvalid
	case errors.Is(err, ErrStepUpExpired):
		return auditErrStepUpExpired
	case errors.Is(err, ErrStepUpAttemptsExceeded):
		return auditErrStepUpAttempts
	case errors.Is(err, ErrInvalidMFACode):
		return auditErrMFAInvalid
	case errors.Is(err, ErrMFANotEnrolled):
		return auditErrMFANotEnrolled
	case errors.Is(err, ErrMFAAlreadyEnrolled):
		return auditErrMFAAlreadyEnrolled
	case errors.Is(err, ErrTokenReplayDetected):
		return auditErrTokenReplay
	case errors.Is(err, ErrTokenExpired):
		return auditErrTokenExpired
	case errors.Is(err, ErrTokenInvalid):
		return auditErrTokenInvalid
	case errors.Is(err, ErrSessionNotFound):
		return auditErrSessionNotFound
	case errors.Is(err, ErrSessionLimitExceeded):
		return auditErrSessionLimit
	case errors.Is(err, ErrTenantRequired):
		return auditErrTenantRequired
	case errors.Is(err, ErrTenantMismatch):
		return auditErrTenantMismatch
	case errors.Is(err, ErrPermissionDenied):
		return auditErrPermissionDenied
	case errors.Is(err, ErrPasswordReuse):
		return auditErrPasswordReuse
	case errors.Is(err, ErrPasswordPolicy):
		return auditErrPasswordPolicy
	case errors.Is(err, ErrPrincipalNotVerified):
		return auditErrPrincipalNotVerified
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrStoreUnavailable
	default:
		return auditErrInternal
	}
}
