package tessera

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-id/tessera/token"
)

// Logout ends the session behind the presented access token. The token's
// jti goes on the deny list for its remaining lifetime and the session
// record gets its revocation tombstone, so the logout is effective
// immediately, not at natural expiry. Logging out an already-dead
// session succeeds.
func (e *Engine) Logout(ctx context.Context, accessToken string) error {
	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		return err
	}

	claims, err := e.tokens.Parse(accessToken, token.KindAccess)
	if err != nil {
		tokenErr := ErrTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			tokenErr = ErrTokenExpired
		}
		e.emitAudit(ctx, auditEventLogout, false, "", tenantID, "", tokenErr, func() map[string]string {
			return map[string]string{
				"reason": "token_parse",
			}
		})
		return tokenErr
	}
	if claims.TenantID != tenantID {
		e.metricInc(MetricTenantMismatch)
		e.emitAudit(ctx, auditEventLogout, false, claims.PrincipalID, tenantID, claims.SessionID, ErrTenantMismatch, nil)
		return ErrTenantMismatch
	}

	if err := e.revocations.Deny(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return err
	}

	if err := e.sessions.Revoke(ctx, tenantID, claims.PrincipalID, claims.SessionID); err != nil {
		if !errors.Is(err, redis.Nil) {
			return storeUnavailable(err)
		}
	} else {
		e.metricInc(MetricSessionRevoked)
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, auditEventLogout, true, claims.PrincipalID, tenantID, claims.SessionID, nil, nil)

	return nil
}

// LogoutAll revokes every session the principal behind the presented
// access token holds in the tenant. Access tokens of the other sessions
// die at their next validation against the tombstoned records; the
// presented one is deny-listed outright.
func (e *Engine) LogoutAll(ctx context.Context, accessToken string) error {
	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		return err
	}

	claims, err := e.tokens.Parse(accessToken, token.KindAccess)
	if err != nil {
		tokenErr := ErrTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			tokenErr = ErrTokenExpired
		}
		e.emitAudit(ctx, auditEventLogoutAll, false, "", tenantID, "", tokenErr, func() map[string]string {
			return map[string]string{
				"reason": "token_parse",
			}
		})
		return tokenErr
	}
	if claims.TenantID != tenantID {
		e.metricInc(MetricTenantMismatch)
		e.emitAudit(ctx, auditEventLogoutAll, false, claims.PrincipalID, tenantID, claims.SessionID, ErrTenantMismatch, nil)
		return ErrTenantMismatch
	}

	if err := e.revocations.Deny(ctx, claims.ID, time.Until(claims.ExpiresAt.Time)); err != nil {
		return err
	}

	revoked, err := e.sessions.RevokeAllForPrincipal(ctx, tenantID, claims.PrincipalID)
	if err != nil {
		return storeUnavailable(err)
	}
	if revoked > 0 {
		e.metricInc(MetricSessionRevoked)
	}

	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, claims.PrincipalID, tenantID, claims.SessionID, nil, func() map[string]string {
		return map[string]string{
			"sessions_revoked": strconv.Itoa(revoked),
		}
	})

	return nil
}
