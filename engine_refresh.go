package tessera

import (
	"context"
	"errors"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"

	"github.com/tessera-id/tessera/internal"
	"github.com/tessera-id/tessera/token"
)

// Refresh rotates a refresh token: the presented token is retired in the
// same atomic step that authorizes its replacement, so each refresh
// token converts into a new pair at most once.
//
// Presenting an already-rotated token is treated as theft evidence:
// every session the owning principal holds in the tenant is revoked and
// the caller gets ErrTokenReplayDetected. LastSeenAt moves on success;
// the session's absolute expiry never does.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		return nil, err
	}

	claims, err := e.tokens.Parse(refreshToken, token.KindRefresh)
	if err != nil {
		tokenErr := ErrTokenInvalid
		if errors.Is(err, jwt.ErrTokenExpired) {
			tokenErr = ErrTokenExpired
		}
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, "", tenantID, "", tokenErr, func() map[string]string {
			return map[string]string{
				"reason": "token_parse",
			}
		})
		return nil, tokenErr
	}
	if claims.TenantID != tenantID {
		e.metricInc(MetricTenantMismatch)
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, "", tenantID, claims.SessionID, ErrTenantMismatch, func() map[string]string {
			return map[string]string{
				"reason": "tenant_mismatch",
			}
		})
		return nil, ErrTenantMismatch
	}

	status, rec, err := e.refreshes.Rotate(ctx, claims.ID, internal.HashToken(refreshToken))
	if err != nil {
		return nil, err
	}
	switch status {
	case rotateReplayed:
		e.metricInc(MetricTokenReplayDetected)
		revoked, revokeErr := e.sessions.RevokeAllForPrincipal(ctx, rec.TenantID, rec.PrincipalID)
		if revokeErr != nil {
			e.emitAudit(ctx, auditEventStoreDegraded, false, rec.PrincipalID, rec.TenantID, "", ErrStoreUnavailable, func() map[string]string {
				return map[string]string{
					"op": "replay_mass_revoke",
				}
			})
		} else if revoked > 0 {
			e.metricInc(MetricSessionRevoked)
		}
		e.emitAudit(ctx, auditEventTokenReplayDetected, false, rec.PrincipalID, rec.TenantID, rec.SessionID, ErrTokenReplayDetected, func() map[string]string {
			return map[string]string{
				"sessions_revoked": strconv.Itoa(revoked),
			}
		})
		return nil, ErrTokenReplayDetected
	case rotateMissing, rotateMismatch:
		e.metricInc(MetricRefreshFailure)
		e.emitAudit(ctx, auditEventRefreshFailure, false, "", tenantID, claims.SessionID, ErrTokenInvalid, func() map[string]string {
			return map[string]string{
				"reason": "record_missing",
			}
		})
		return nil, ErrTokenInvalid
	}

	if err := e.sessions.Touch(ctx, tenantID, rec.PrincipalID, rec.SessionID); err != nil {
		if errors.Is(err, redis.Nil) {
			e.metricInc(MetricRefreshFailure)
			e.emitAudit(ctx, auditEventRefreshFailure, false, rec.PrincipalID, tenantID, rec.SessionID, ErrSessionNotFound, func() map[string]string {
				return map[string]string{
					"reason": "session_not_found",
				}
			})
			return nil, ErrSessionNotFound
		}
		return nil, storeUnavailable(err)
	}

	access, _, err := e.tokens.CreateAccess(rec.PrincipalID, tenantID, rec.SessionID)
	if err != nil {
		return nil, err
	}
	refreshNew, refreshClaims, err := e.tokens.CreateRefresh(tenantID, rec.SessionID)
	if err != nil {
		return nil, err
	}
	if err := e.refreshes.Create(ctx, refreshClaims.ID, &refreshRecord{
		PrincipalID: rec.PrincipalID,
		TenantID:    tenantID,
		SessionID:   rec.SessionID,
		TokenHash:   internal.HashToken(refreshNew),
		ExpiresAt:   refreshClaims.ExpiresAt.Unix(),
	}); err != nil {
		return nil, err
	}

	e.metricInc(MetricRefreshSuccess)
	e.emitAudit(ctx, auditEventRefreshSuccess, true, rec.PrincipalID, tenantID, rec.SessionID, nil, nil)

	return &TokenPair{
		AccessToken:  access,
		RefreshToken: refreshNew,
	}, nil
}
