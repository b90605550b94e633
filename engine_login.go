package tessera

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tessera-id/tessera/internal/guard"
	"github.com/tessera-id/tessera/internal/ids"
)

const (
	attemptOutcomeSuccess = "success"
	attemptOutcomeFailure = "failure"
)

// Login runs first-factor authentication for the tenant carried in ctx.
//
// The returned error is deliberately coarse: wrong password, unknown
// identifier, and disabled principal all come back as
// ErrInvalidCredentials. When the principal has MFA enabled, a correct
// password yields StepUpRequired plus a step-up token instead of the
// token pair; see [Engine.CompleteStepUp].
func (e *Engine) Login(ctx context.Context, req LoginRequest) (*LoginResult, error) {
	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		return nil, err
	}

	identifier := normalizeIdentifier(req.Identifier)
	guardID := tenantID + ":" + identifier
	ip := clientIPFromContext(ctx)

	out := e.loginGuard.Check(ctx, guardID, ip)
	if out.Degraded() {
		e.emitGuardDegraded(ctx, "login", tenantID)
	}
	if blockErr := e.loginBlockError(ctx, out, identifier, tenantID, req.ChallengeToken); blockErr != nil {
		return nil, blockErr
	}

	if identifier == "" || req.Password == "" {
		e.loginGuard.RecordFailure(ctx, guardID, ip)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", tenantID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "empty_input",
			}
		})
		return nil, ErrInvalidCredentials
	}

	principal, err := e.directory.GetPrincipalByIdentifier(ctx, tenantID, identifier)
	if err != nil {
		if !errors.Is(err, ErrPrincipalNotFound) {
			return nil, storeUnavailable(err)
		}
		// Burn the same Argon2 work a real verification would, so a
		// nonexistent identifier is not distinguishable by latency.
		e.hasher.VerifyDummy(req.Password)
		e.recordAttempt(ctx, tenantID, identifier, attemptOutcomeFailure)
		rec := e.loginGuard.RecordFailure(ctx, guardID, ip)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, "", tenantID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "principal_not_found",
			}
		})
		if lockErr := e.loginFailureEscalation(ctx, rec, "", identifier, tenantID); lockErr != nil {
			return nil, lockErr
		}
		return nil, ErrInvalidCredentials
	}

	ok, err := e.hasher.Verify(req.Password, principal.PasswordHash)
	if err != nil || !ok {
		e.recordAttempt(ctx, tenantID, identifier, attemptOutcomeFailure)
		rec := e.loginGuard.RecordFailure(ctx, guardID, ip)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.PrincipalID, tenantID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "password_mismatch",
			}
		})
		if lockErr := e.loginFailureEscalation(ctx, rec, principal.PrincipalID, identifier, tenantID); lockErr != nil {
			return nil, lockErr
		}
		return nil, ErrInvalidCredentials
	}

	if principal.Status != PrincipalActive {
		// Correct password against a disabled principal is not a guess;
		// the ladders stay untouched. The response stays generic so the
		// disabled state is not probeable.
		e.recordAttempt(ctx, tenantID, identifier, attemptOutcomeFailure)
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.PrincipalID, tenantID, "", ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "principal_disabled",
			}
		})
		return nil, ErrInvalidCredentials
	}
	if e.config.Security.RequireVerified && !principal.Verified {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.PrincipalID, tenantID, "", ErrPrincipalNotVerified, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "not_verified",
			}
		})
		return nil, ErrPrincipalNotVerified
	}

	if e.config.Password.UpgradeOnLogin {
		e.upgradeHashIfNeeded(ctx, principal, req.Password)
	}
	req.Password = ""

	// Success clears the identifier ladder only. The address ladder keeps
	// its count: one origin probing many identifiers must not launder its
	// history through a single valid pair.
	if err := e.loginGuard.ResetIdentifier(ctx, guardID); err != nil {
		e.emitGuardDegraded(ctx, "login", tenantID)
	}
	e.recordAttempt(ctx, tenantID, identifier, attemptOutcomeSuccess)

	if principal.MFAEnabled {
		stepToken, stepClaims, err := e.tokens.CreateStepUp(principal.PrincipalID, principal.TenantID)
		if err != nil {
			return nil, err
		}
		if err := e.stepups.Create(ctx, stepClaims.ID, principal.PrincipalID, principal.TenantID, e.config.MFA.ChallengeTTL); err != nil {
			return nil, err
		}
		e.metricInc(MetricStepUpRequired)
		e.emitAudit(ctx, auditEventStepUpRequired, true, principal.PrincipalID, tenantID, "", nil, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
			}
		})
		return &LoginResult{
			StepUpRequired: true,
			StepUpToken:    stepToken,
		}, nil
	}

	result, err := e.establishSession(ctx, principal)
	if err != nil {
		e.metricInc(MetricLoginFailure)
		e.emitAudit(ctx, auditEventLoginFailure, false, principal.PrincipalID, tenantID, "", err, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"reason":     "session_establish_failed",
			}
		})
		return nil, err
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, auditEventLoginSuccess, true, principal.PrincipalID, tenantID, result.SessionID, nil, func() map[string]string {
		return map[string]string{
			"identifier": identifier,
		}
	})

	return result, nil
}

// loginBlockError turns a pre-attempt guard read into the caller-facing
// error. The identifier ladder dominates; an address-level block always
// presents as rate limiting so it cannot be used to probe account state.
func (e *Engine) loginBlockError(ctx context.Context, out guard.Outcome, identifier, tenantID, challengeToken string) error {
	switch {
	case out.Identifier.State >= guard.StateLocked:
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, "", tenantID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
			}
		})
		return &LockoutError{RetryAfter: out.Identifier.RetryAfter}
	case out.Identifier.State == guard.StateDelay:
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", tenantID, "", ErrRateLimited, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"scope":      "identifier",
			}
		})
		return &RateLimitError{RetryAfter: out.Identifier.RetryAfter}
	case out.Address.State >= guard.StateDelay:
		e.metricInc(MetricLoginRateLimited)
		e.emitAudit(ctx, auditEventLoginRateLimited, false, "", tenantID, "", ErrRateLimited, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
				"scope":      "address",
			}
		})
		return &RateLimitError{RetryAfter: out.Address.RetryAfter}
	case out.Identifier.State == guard.StateChallenge || out.Address.State == guard.StateChallenge:
		if challengeToken == "" {
			e.metricInc(MetricChallengeRequired)
			e.emitAudit(ctx, auditEventLoginChallengeRequired, false, "", tenantID, "", ErrChallengeRequired, func() map[string]string {
				return map[string]string{
					"identifier": identifier,
				}
			})
			return ErrChallengeRequired
		}
	}
	return nil
}

// loginFailureEscalation handles the failure that crosses a ladder
// threshold: the locking attempt itself reports the lock, and the alert
// rung fires exactly once per window.
func (e *Engine) loginFailureEscalation(ctx context.Context, rec guard.Outcome, principalID, identifier, tenantID string) error {
	if rec.Degraded() {
		e.emitGuardDegraded(ctx, "login", tenantID)
	}

	for _, d := range []struct {
		decision guard.Decision
		ladder   GuardLadder
		scope    string
	}{
		{rec.Identifier, e.config.Guard.Identifier, "identifier"},
		{rec.Address, e.config.Guard.Address, "address"},
	} {
		if d.decision.State == guard.StateAlert && d.decision.Failures == d.ladder.Alert {
			e.metricInc(MetricGuardAlert)
			e.emitAudit(ctx, auditEventGuardAlert, false, principalID, tenantID, "", ErrAccountLocked, func() map[string]string {
				return map[string]string{
					"identifier": identifier,
					"scope":      d.scope,
				}
			})
		}
	}

	if rec.Identifier.State >= guard.StateLocked {
		e.metricInc(MetricLoginLocked)
		e.emitAudit(ctx, auditEventLoginLocked, false, principalID, tenantID, "", ErrAccountLocked, func() map[string]string {
			return map[string]string{
				"identifier": identifier,
			}
		})
		return &LockoutError{RetryAfter: rec.Identifier.RetryAfter}
	}
	return nil
}

// upgradeHashIfNeeded rehashes under current costs when the stored hash
// was produced under weaker ones. Best-effort: a directory failure here
// must not block a successful login.
func (e *Engine) upgradeHashIfNeeded(ctx context.Context, principal *PrincipalRecord, password string) {
	needs, err := e.hasher.NeedsUpgrade(principal.PasswordHash)
	if err != nil || !needs {
		return
	}
	upgraded, err := e.hasher.Hash(password)
	if err != nil {
		return
	}
	if err := e.directory.UpdatePasswordHash(ctx, principal.TenantID, principal.PrincipalID, upgraded); err != nil {
		e.emitAudit(ctx, auditEventStoreDegraded, false, principal.PrincipalID, principal.TenantID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"op": "password_hash_upgrade",
			}
		})
	}
}

// recordAttempt appends the forensic login attempt row. Best-effort: the
// row is evidence, not control flow.
func (e *Engine) recordAttempt(ctx context.Context, tenantID, identifier, outcome string) {
	attempt := LoginAttemptRecord{
		AttemptID:  ids.New(),
		TenantID:   tenantID,
		Identifier: identifier,
		Origin:     clientIPFromContext(ctx),
		Outcome:    outcome,
		OccurredAt: time.Now().UTC(),
	}
	if err := e.directory.RecordLoginAttempt(ctx, attempt); err != nil {
		e.emitAudit(ctx, auditEventStoreDegraded, false, "", tenantID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"op": "record_login_attempt",
			}
		})
	}
}

func normalizeIdentifier(identifier string) string {
	return strings.ToLower(strings.TrimSpace(identifier))
}
