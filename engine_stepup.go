package tessera

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tessera-id/tessera/internal"
	"github.com/tessera-id/tessera/internal/guard"
	"github.com/tessera-id/tessera/token"
)

// CompleteStepUp verifies the second factor and delivers the token pair
// the first factor withheld.
//
// The step-up token alone is not a capability: it must still reference a
// live server-side challenge, and every verification attempt burns
// budget on that challenge whether or not a code was even supplied. A
// wrong TOTP code, a replayed TOTP code, and a wrong or already-used
// recovery code are indistinguishable in the response.
func (e *Engine) CompleteStepUp(ctx context.Context, req StepUpRequest) (*LoginResult, error) {
	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		return nil, err
	}
	ip := clientIPFromContext(ctx)

	claims, err := e.tokens.Parse(req.StepUpToken, token.KindStepUp)
	if err != nil {
		stepErr := ErrStepUpInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			stepErr = ErrStepUpExpired
		}
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, "", tenantID, "", stepErr, func() map[string]string {
			return map[string]string{
				"reason": "token_parse",
			}
		})
		return nil, stepErr
	}
	if claims.TenantID != tenantID {
		e.metricInc(MetricTenantMismatch)
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, claims.PrincipalID, tenantID, "", ErrTenantMismatch, func() map[string]string {
			return map[string]string{
				"reason": "tenant_mismatch",
			}
		})
		return nil, ErrTenantMismatch
	}

	out := e.stepupGuard.Check(ctx, claims.PrincipalID, ip)
	if out.Degraded() {
		e.emitGuardDegraded(ctx, "stepup", tenantID)
	}
	if blockErr := e.stepupBlockError(ctx, out, claims.PrincipalID, tenantID); blockErr != nil {
		return nil, blockErr
	}

	status, attempts, err := e.stepups.Attempt(ctx, claims.ID, e.config.MFA.ChallengeMaxAttempts)
	if err != nil {
		return nil, err
	}
	switch status {
	case stepupMissing:
		// Covers expired, already consumed, and exhausted challenges; a
		// structurally valid token with no live record proves nothing.
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, claims.PrincipalID, tenantID, "", ErrStepUpInvalid, func() map[string]string {
			return map[string]string{
				"reason": "challenge_missing",
			}
		})
		return nil, ErrStepUpInvalid
	case stepupExceeded:
		e.stepupGuard.RecordFailure(ctx, claims.PrincipalID, ip)
		e.metricInc(MetricStepUpAttemptsExceeded)
		e.emitAudit(ctx, auditEventStepUpAttemptsExceeded, false, claims.PrincipalID, tenantID, "", ErrStepUpAttemptsExceeded, func() map[string]string {
			return map[string]string{
				"attempts": strconv.Itoa(attempts),
			}
		})
		return nil, ErrStepUpAttemptsExceeded
	}

	switch {
	case req.Code != "":
		if err := e.verifyStepUpTOTP(ctx, tenantID, claims.PrincipalID, req.Code, ip); err != nil {
			return nil, err
		}
	case req.RecoveryCode != "":
		if err := e.verifyStepUpRecoveryCode(ctx, tenantID, claims.PrincipalID, req.RecoveryCode, ip); err != nil {
			return nil, err
		}
	default:
		e.stepupGuard.RecordFailure(ctx, claims.PrincipalID, ip)
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, claims.PrincipalID, tenantID, "", ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "no_factor_supplied",
			}
		})
		return nil, ErrInvalidMFACode
	}

	consumed, err := e.stepups.Consume(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if !consumed {
		// A concurrent request with the same challenge won the consume.
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, claims.PrincipalID, tenantID, "", ErrStepUpInvalid, func() map[string]string {
			return map[string]string{
				"reason": "challenge_already_consumed",
			}
		})
		return nil, ErrStepUpInvalid
	}

	principal, err := e.directory.GetPrincipalByID(ctx, tenantID, claims.PrincipalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return nil, ErrStepUpInvalid
		}
		return nil, storeUnavailable(err)
	}
	if principal.Status != PrincipalActive {
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, claims.PrincipalID, tenantID, "", ErrStepUpInvalid, func() map[string]string {
			return map[string]string{
				"reason": "principal_disabled",
			}
		})
		return nil, ErrStepUpInvalid
	}

	if err := e.stepupGuard.ResetIdentifier(ctx, claims.PrincipalID); err != nil {
		e.emitGuardDegraded(ctx, "stepup", tenantID)
	}

	result, err := e.establishSession(ctx, principal)
	if err != nil {
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, claims.PrincipalID, tenantID, "", err, func() map[string]string {
			return map[string]string{
				"reason": "session_establish_failed",
			}
		})
		return nil, err
	}

	e.metricInc(MetricStepUpSuccess)
	e.emitAudit(ctx, auditEventStepUpSuccess, true, claims.PrincipalID, tenantID, result.SessionID, nil, nil)

	return result, nil
}

// verifyStepUpTOTP checks the code against the unsealed seed within one
// time step of drift, then advances the last-used marker so the same code
// cannot verify twice anywhere.
func (e *Engine) verifyStepUpTOTP(ctx context.Context, tenantID, principalID, code, ip string) error {
	record, err := e.directory.GetMFASecret(ctx, tenantID, principalID)
	if err != nil {
		return storeUnavailable(err)
	}
	if record == nil || !record.Enabled || len(record.SealedSeed) == 0 {
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrStepUpInvalid, func() map[string]string {
			return map[string]string{
				"reason": "mfa_record_missing",
			}
		})
		return ErrStepUpInvalid
	}

	seed, err := e.sealer.Open(principalID, record.SealedSeed)
	if err != nil {
		return storeUnavailable(err)
	}

	matchedStep, ok := e.verifyTOTPCode(string(seed), code, time.Now())
	if !ok {
		e.stepupGuard.RecordFailure(ctx, principalID, ip)
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "code_mismatch",
			}
		})
		return ErrInvalidMFACode
	}

	advanced, err := e.directory.AdvanceMFATimeStep(ctx, tenantID, principalID, matchedStep)
	if err != nil {
		return storeUnavailable(err)
	}
	if !advanced {
		// The step was already used; a correct but replayed code fails
		// exactly like a wrong one.
		e.stepupGuard.RecordFailure(ctx, principalID, ip)
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "step_replayed",
			}
		})
		return ErrInvalidMFACode
	}

	return nil
}

// verifyStepUpRecoveryCode burns the presented recovery code if it is
// unused. The consume is the verification: there is no separate lookup
// that could race with another request presenting the same code.
func (e *Engine) verifyStepUpRecoveryCode(ctx context.Context, tenantID, principalID, recoveryCode, ip string) error {
	canonical := internal.CanonicalizeRecoveryCode(recoveryCode)
	hash := internal.RecoveryCodeHash(principalID, canonical)

	consumed, err := e.directory.ConsumeRecoveryCode(ctx, tenantID, principalID, hash)
	if err != nil {
		return storeUnavailable(err)
	}
	if !consumed {
		e.stepupGuard.RecordFailure(ctx, principalID, ip)
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrInvalidMFACode, func() map[string]string {
			return map[string]string{
				"reason": "recovery_code_rejected",
			}
		})
		return ErrInvalidMFACode
	}

	// A recovery code in play means the authenticator may be gone; the
	// event is flagged for alerting even though the step-up succeeds.
	e.metricInc(MetricRecoveryCodeUsed)
	e.emitAudit(ctx, auditEventRecoveryCodeUsed, true, principalID, tenantID, "", nil, nil)

	return nil
}

func (e *Engine) stepupBlockError(ctx context.Context, out guard.Outcome, principalID, tenantID string) error {
	switch {
	case out.Identifier.State >= guard.StateLocked:
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{
				"reason": "stepup_locked",
			}
		})
		return &LockoutError{RetryAfter: out.Identifier.RetryAfter}
	case out.Identifier.State == guard.StateDelay:
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrRateLimited, func() map[string]string {
			return map[string]string{
				"reason": "stepup_delayed",
			}
		})
		return &RateLimitError{RetryAfter: out.Identifier.RetryAfter}
	case out.Address.State >= guard.StateDelay:
		e.metricInc(MetricStepUpFailure)
		e.emitAudit(ctx, auditEventStepUpFailure, false, principalID, tenantID, "", ErrRateLimited, func() map[string]string {
			return map[string]string{
				"reason": "stepup_address_blocked",
			}
		})
		return &RateLimitError{RetryAfter: out.Address.RetryAfter}
	}
	return nil
}
