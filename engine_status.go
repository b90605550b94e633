package tessera

import (
	"context"
	"errors"
)

// SetPrincipalStatus soft-disables or re-enables a principal within the
// ctx tenant. Disabling terminates every session the principal holds, so
// the effect is immediate rather than deferred to token expiry. Setting
// the status the principal already has is a no-op, audited but without a
// transition. This is an administrative entry point; authorization is the
// caller's concern, typically an Authorizer check before the call.
func (e *Engine) SetPrincipalStatus(ctx context.Context, principalID string, status PrincipalStatus) error {
	tenantID, err := e.requireTenant(ctx)
	if err != nil {
		return err
	}
	if principalID == "" {
		return ErrPrincipalNotFound
	}

	current, err := e.directory.GetPrincipalByID(ctx, tenantID, principalID)
	if err != nil {
		if errors.Is(err, ErrPrincipalNotFound) {
			return ErrPrincipalNotFound
		}
		return storeUnavailable(err)
	}
	if current.Status == status {
		e.emitAudit(ctx, auditEventPrincipalStatusChanged, true, principalID, tenantID, "", nil, func() map[string]string {
			return map[string]string{
				"status":     status.String(),
				"transition": "none",
			}
		})
		return nil
	}

	if err := e.directory.SetPrincipalStatus(ctx, tenantID, principalID, status); err != nil {
		e.emitAudit(ctx, auditEventPrincipalStatusChanged, false, principalID, tenantID, "", ErrStoreUnavailable, func() map[string]string {
			return map[string]string{
				"status": status.String(),
			}
		})
		return storeUnavailable(err)
	}

	revoked := 0
	if status == PrincipalDisabled {
		e.metricInc(MetricPrincipalDisabled)
		revoked, err = e.sessions.RevokeAllForPrincipal(ctx, tenantID, principalID)
		if err != nil {
			// The directory row is already disabled and new logins reject.
			// The outstanding sessions are the gap, and that gap must be
			// visible.
			e.emitAudit(ctx, auditEventStoreDegraded, false, principalID, tenantID, "", ErrStoreUnavailable, func() map[string]string {
				return map[string]string{
					"op": "disable_revoke_sessions",
				}
			})
			return storeUnavailable(err)
		}
		if revoked > 0 {
			e.metricInc(MetricSessionRevoked)
		}
	}

	e.emitAudit(ctx, auditEventPrincipalStatusChanged, true, principalID, tenantID, "", nil, func() map[string]string {
		return map[string]string{
			"status":     status.String(),
			"transition": current.Status.String() + ">" + status.String(),
		}
	})

	return nil
}
