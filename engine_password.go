package tessera

import (
	"context"
	"errors"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// ChangePassword rotates the caller's password after a fresh proof of the
// current one. The re-proof is not skippable: a hijacked session alone
// must not be enough to take over the credential. On success every other
// session the principal holds is revoked; the session behind identity
// survives so the caller is not logged out by their own change.
func (e *Engine) ChangePassword(ctx context.Context, identity *Identity, oldPassword, newPassword string) error {
	tenantID, principalID, err := e.requireIdentity(ctx, identity)
	if err != nil {
		return err
	}
	if oldPassword == "" || newPassword == "" {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "empty_input",
			}
		})
		return ErrPasswordPolicy
	}

	principal, err := e.directory.GetPrincipalByID(ctx, tenantID, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return ErrSessionNotFound
		}
		return storeUnavailable(err)
	}
	if principal.Status != PrincipalActive {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "principal_disabled",
			}
		})
		return ErrInvalidCredentials
	}

	oldOK, err := e.hasher.Verify(oldPassword, principal.PasswordHash)
	if err != nil || !oldOK {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrInvalidCredentials, func() map[string]string {
			return map[string]string{
				"reason": "password_mismatch",
			}
		})
		return ErrInvalidCredentials
	}

	if len(newPassword) < e.config.Password.MinLength {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "below_minimum_length",
			}
		})
		return ErrPasswordPolicy
	}
	same, err := e.hasher.Verify(newPassword, principal.PasswordHash)
	if err == nil && same {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrPasswordReuse, func() map[string]string {
			return map[string]string{
				"reason": "password_reuse",
			}
		})
		return ErrPasswordReuse
	}

	newHash, err := e.hasher.Hash(newPassword)
	oldPassword = ""
	newPassword = ""
	if err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrPasswordPolicy, func() map[string]string {
			return map[string]string{
				"reason": "hash_rejected",
			}
		})
		return ErrPasswordPolicy
	}

	if err := e.directory.UpdatePasswordHash(ctx, tenantID, principalID, newHash); err != nil {
		e.emitAudit(ctx, auditEventPasswordChangeFailure, false, principalID, tenantID, identity.SessionID, ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"reason": "update_hash_failed",
			}
		})
		return storeUnavailable(err)
	}

	// The hash is committed. Everything after this point is best-effort
	// cleanup reported as success with degradation flagged, never as a
	// failed change the caller would retry against the new credential.
	revoked := e.revokeOtherSessions(ctx, tenantID, principalID, identity.SessionID)

	if err := e.loginGuard.ResetIdentifier(ctx, tenantID+":"+normalizeIdentifier(principal.Identifier)); err != nil {
		e.emitGuardDegraded(ctx, "login", tenantID)
	}

	e.metricInc(MetricPasswordChanged)
	e.emitAudit(ctx, auditEventPasswordChanged, true, principalID, tenantID, identity.SessionID, nil, func() map[string]string {
		return map[string]string{
			"sessions_revoked": strconv.Itoa(revoked),
		}
	})

	return nil
}

// revokeOtherSessions ends every live session the principal holds except
// keep. Sessions that vanish mid-loop are fine; infrastructure failures
// are flagged through the audit trail and the remaining ids still tried.
func (e *Engine) revokeOtherSessions(ctx context.Context, tenantID, principalID, keep string) int {
	ids, err := e.sessions.ActiveSessionIDs(ctx, tenantID, principalID)
	if err != nil {
		e.emitAudit(ctx, auditEventStoreDegraded, false, principalID, tenantID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"op": "revoke_other_sessions",
			}
		})
		return 0
	}

	revoked := 0
	degraded := false
	for _, sessionID := range ids {
		if sessionID == keep {
			continue
		}
		if err := e.sessions.Revoke(ctx, tenantID, principalID, sessionID); err != nil {
			if !errors.Is(err, redis.Nil) {
				degraded = true
			}
			continue
		}
		revoked++
	}
	if degraded {
		e.emitAudit(ctx, auditEventStoreDegraded, false, principalID, tenantID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"op": "revoke_other_sessions",
			}
		})
	}
	if revoked > 0 {
		e.metricInc(MetricSessionRevoked)
	}
	return revoked
}
